package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"spread-grid-bot/internal/alerts"
	"spread-grid-bot/internal/bybit"
	"spread-grid-bot/internal/config"
	"spread-grid-bot/internal/exchange"
	"spread-grid-bot/internal/exec"
	"spread-grid-bot/internal/grid"
	"spread-grid-bot/internal/ledger"
	"spread-grid-bot/internal/metrics"
	"spread-grid-bot/internal/pair"
	"spread-grid-bot/internal/quote"
	"spread-grid-bot/internal/recon"
	"spread-grid-bot/internal/state"
	"spread-grid-bot/internal/state/sqlite"
	"spread-grid-bot/internal/strategy"
	"spread-grid-bot/internal/timescale"

	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

type App struct {
	cfg   *config.Config
	log   *zap.Logger
	store *sqlite.Store
	rest  *bybit.Client

	cache    *quote.Cache
	registry *grid.Registry
	ledger   *ledger.Ledger
	coord    *pair.Coordinator
	engine   *strategy.Engine
	monitor  *recon.Monitor

	metrics *metrics.Metrics
	prom    *metrics.Prometheus
	alerts  *alerts.Telegram
	tsdb    *timescale.Writer

	quotes chan exchange.Quote
	events chan exchange.OrderEvent
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	apiKey := strings.TrimSpace(os.Getenv("BYBIT_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("BYBIT_API_KEY is required")
	}
	apiSecret := strings.TrimSpace(os.Getenv("BYBIT_API_SECRET"))
	if apiSecret == "" {
		return nil, errors.New("BYBIT_API_SECRET is required")
	}
	restClient := bybit.NewClient(cfg.REST.BaseURL, apiKey, apiSecret, cfg.REST.Timeout, cfg.REST.RateLimit, cfg.REST.Burst, log)
	executor := exec.New(restClient, store, log)

	var m *metrics.Metrics
	var prom *metrics.Prometheus
	if cfg.Metrics.Enabled {
		prom = metrics.NewPrometheus()
		m = prom.Metrics
	} else {
		m = metrics.NewNoop()
	}

	levels := make([]grid.Level, 0, len(cfg.Grid.Levels))
	for _, lv := range cfg.Grid.GridLevels() {
		levels = append(levels, grid.Level{Threshold: lv.Threshold, Weight: lv.Weight})
	}
	registry, err := grid.NewRegistry(levels, cfg.Grid.BaseNotionalPerLevel)
	if err != nil {
		return nil, err
	}
	lgr := ledger.New(cfg.Grid.MaxTotalNotional, log)
	cache := quote.NewCache(cfg.Instruments.LegA, cfg.Instruments.LegB)

	events := make(chan exchange.OrderEvent, 256)
	coord := pair.NewCoordinator(pair.Config{
		LegAInstrument: cfg.Instruments.LegA,
		LegBInstrument: cfg.Instruments.LegB,
		OpenTimeout:    cfg.Pairing.LegOpenTimeout,
		CloseTimeout:   cfg.Pairing.LegCloseTimeout,
	}, executor, restClient, lgr, registry, cache, m, log, func(ev exchange.OrderEvent) {
		events <- ev
	})
	engine := strategy.NewEngine(cache, registry, lgr, coord, cfg.Grid.ExtremeSpreadStop, m, log)

	alertsClient := alerts.NewTelegram(cfg.Telegram, log)
	monitor := recon.NewMonitor(recon.Config{
		LegAInstrument:    cfg.Instruments.LegA,
		LegBInstrument:    cfg.Instruments.LegB,
		DriftThreshold:    cfg.Recon.DriftThreshold,
		ImbalanceFraction: cfg.Recon.ImbalanceAlertFraction,
	}, restClient, lgr, m, alertsClient, log)

	tsdb, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:      cfg,
		log:      log,
		store:    store,
		rest:     restClient,
		cache:    cache,
		registry: registry,
		ledger:   lgr,
		coord:    coord,
		engine:   engine,
		monitor:  monitor,
		metrics:  m,
		prom:     prom,
		alerts:   alertsClient,
		tsdb:     tsdb,
		quotes:   make(chan exchange.Quote, 1024),
		events:   events,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	defer a.tsdb.Close()
	a.tsdb.Start(ctx)
	a.serveMetrics(ctx)
	a.resolveQtySteps(ctx)
	a.startStreams(ctx)

	if a.cfg.Startup.Delay > 0 {
		a.log.Info("startup delay before first grid processing", zap.Duration("delay", a.cfg.Startup.Delay))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.cfg.Startup.Delay):
		}
	}
	if err := a.syncStartupState(ctx); err != nil {
		a.log.Warn("startup position sync failed, relying on reconciliation", zap.Error(err))
	}

	err := a.loop(ctx)
	a.shutdown()
	return err
}

// resolveQtySteps gives the coordinator each leg's lot size increment
// so submitted quantities are step-aligned. A configured step wins;
// otherwise the venue's instrument info is queried. Runs before the
// engine loop, so the coordinator is not yet being driven.
func (a *App) resolveQtySteps(ctx context.Context) {
	stepFor := func(instrument string, configured float64) float64 {
		if configured > 0 {
			return configured
		}
		step, err := a.rest.InstrumentQtyStep(ctx, instrument)
		if err != nil {
			a.log.Warn("quantity step lookup failed, submitting unrounded quantities",
				zap.String("instrument", instrument), zap.Error(err))
			return 0
		}
		return step
	}
	stepA := stepFor(a.cfg.Instruments.LegA, a.cfg.Instruments.LegAQtyStep)
	stepB := stepFor(a.cfg.Instruments.LegB, a.cfg.Instruments.LegBQtyStep)
	a.coord.SetQtySteps(stepA, stepB)
	a.log.Info("instrument quantity steps resolved",
		zap.Float64("leg_a_step", stepA),
		zap.Float64("leg_b_step", stepB),
	)
}

// startStreams launches the public ticker stream and the private order
// stream; both redial internally until ctx ends.
func (a *App) startStreams(ctx context.Context) {
	publicWS := bybit.NewWSClient(a.cfg.WS.PublicURL, a.cfg.WS.ReconnectDelay, a.cfg.WS.PingInterval, a.log)
	market := bybit.NewMarketStream(publicWS, []string{a.cfg.Instruments.LegA, a.cfg.Instruments.LegB}, a.log)
	go func() {
		if err := market.Run(ctx, a.quotes); err != nil && ctx.Err() == nil {
			a.log.Error("market stream stopped", zap.Error(err))
		}
	}()

	privateWS := bybit.NewWSClient(a.cfg.WS.PrivateURL, a.cfg.WS.ReconnectDelay, a.cfg.WS.PingInterval, a.log).
		WithAuth(strings.TrimSpace(os.Getenv("BYBIT_API_KEY")), strings.TrimSpace(os.Getenv("BYBIT_API_SECRET")))
	orders := bybit.NewOrderStream(privateWS, a.log)
	go func() {
		if err := orders.Run(ctx, a.events); err != nil && ctx.Err() == nil {
			a.log.Error("order stream stopped", zap.Error(err))
		}
	}()
}

func (a *App) serveMetrics(ctx context.Context) {
	if a.prom == nil {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.prom.Handler())
	server := &http.Server{Addr: a.cfg.Metrics.ListenAddr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("metrics server stopped", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	a.log.Info("metrics listening", zap.String("addr", a.cfg.Metrics.ListenAddr))
}

// loop is the single writer: every mutation of the cache, registry,
// ledger and coordinator happens here, in arrival order.
func (a *App) loop(ctx context.Context) error {
	reconTicker := time.NewTicker(a.cfg.Recon.Interval)
	defer reconTicker.Stop()
	snapshotTicker := time.NewTicker(a.cfg.State.SnapshotInterval)
	defer snapshotTicker.Stop()
	reports := make(chan recon.Report, 4)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case q := <-a.quotes:
			a.onQuote(ctx, q)
		case ev := <-a.events:
			a.coord.HandleEvent(ctx, ev)
			a.updateGauges()
		case <-reconTicker.C:
			// Mids are captured here, on the writer goroutine; the
			// snapshot goroutine never touches the live cache.
			prices := a.capturePrices()
			go func() {
				report, err := a.monitor.Snapshot(ctx, prices)
				if err != nil {
					a.log.Warn("reconciliation snapshot failed", zap.Error(err))
					return
				}
				select {
				case reports <- report:
				case <-ctx.Done():
				}
			}()
		case report := <-reports:
			a.monitor.Apply(ctx, report)
			a.updateGauges()
			a.recordExposure(report)
		case <-snapshotTicker.C:
			a.persistSnapshot(ctx)
		}
	}
}

func (a *App) capturePrices() recon.Prices {
	midA, okA := a.cache.Mid(a.cfg.Instruments.LegA)
	midB, okB := a.cache.Mid(a.cfg.Instruments.LegB)
	return recon.Prices{LegAMid: midA, LegBMid: midB, HasLegA: okA, HasLegB: okB}
}

func (a *App) onQuote(ctx context.Context, q exchange.Quote) {
	a.cache.Update(q.Instrument, q.Bid, q.Ask)
	if !a.cache.Complete() {
		return
	}
	a.coord.CheckTimeouts(ctx, time.Now())
	a.engine.Evaluate(ctx)
	a.updateGauges()
	if spread, ok := a.cache.Spread(); ok {
		midA, _ := a.cache.Mid(a.cfg.Instruments.LegA)
		midB, _ := a.cache.Mid(a.cfg.Instruments.LegB)
		a.tsdb.EnqueueSpread(timescale.SpreadSample{
			Time:   q.Time,
			LegA:   a.cfg.Instruments.LegA,
			LegB:   a.cfg.Instruments.LegB,
			MidA:   midA,
			MidB:   midB,
			Spread: spread,
		})
	}
}

func (a *App) updateGauges() {
	a.metrics.ConfirmedNotional.Set(a.ledger.Confirmed())
	a.metrics.PendingNotional.Set(a.ledger.Pending())
}

func (a *App) recordExposure(report recon.Report) {
	a.tsdb.EnqueueExposure(timescale.ExposureSnapshot{
		Time:              time.Now(),
		ConfirmedNotional: a.ledger.Confirmed(),
		PendingNotional:   a.ledger.Pending(),
		LegANotional:      report.LegANotional,
		LegBNotional:      report.LegBNotional,
		OccupiedLevels:    len(a.registry.OccupiedIndexes()),
		ActiveAttempts:    a.coord.ActiveAttempts(),
		Halted:            a.engine.Halted(),
	})
}

func (a *App) persistSnapshot(ctx context.Context) {
	snapshot := state.LedgerSnapshot{
		ConfirmedNotional: a.ledger.Confirmed(),
		PendingNotional:   a.ledger.Pending(),
		OccupiedLevels:    a.registry.OccupiedIndexes(),
		UpdatedAtMS:       time.Now().UnixMilli(),
	}
	if err := state.SaveLedgerSnapshot(ctx, a.store, snapshot); err != nil {
		a.log.Warn("ledger snapshot persist failed", zap.Error(err))
	}
}

// syncStartupState seeds the ledger and the slot registry from
// pre-existing exposure: a configured override wins, otherwise the
// exchange-reported positions are valued at current tickers. Best
// effort; reconciliation remains authoritative.
func (a *App) syncStartupState(ctx context.Context) error {
	if snapshot, ok, err := state.LoadLedgerSnapshot(ctx, a.store); err != nil {
		a.log.Warn("ledger snapshot load failed", zap.Error(err))
	} else if ok {
		a.log.Info("last persisted exposure snapshot",
			zap.Float64("confirmed", snapshot.ConfirmedNotional),
			zap.Float64("pending", snapshot.PendingNotional),
			zap.Ints("occupied_levels", snapshot.OccupiedLevels),
			zap.Int64("updated_at_ms", snapshot.UpdatedAtMS),
		)
	}

	total := a.cfg.Startup.InitialConfirmedNotionalOverride
	if total > 0 {
		a.log.Info("seeding exposure from configured override", zap.Float64("notional", total))
	} else {
		detected, err := a.detectExposure(ctx)
		if err != nil {
			return err
		}
		total = detected
	}
	if total <= 0 {
		a.log.Info("no pre-existing exposure detected")
		return nil
	}
	a.ledger.Seed(total)
	seeded := a.registry.SeedFromNotional(total, a.cfg.Startup.SyncMatchFraction,
		a.cfg.Instruments.LegA, a.cfg.Instruments.LegB)
	a.log.Info("seeded grid slots from existing exposure",
		zap.Float64("notional", total),
		zap.Int("levels", seeded),
	)
	return nil
}

func (a *App) detectExposure(ctx context.Context) (float64, error) {
	var total float64
	for _, instrument := range []string{a.cfg.Instruments.LegA, a.cfg.Instruments.LegB} {
		positions, err := a.rest.Positions(ctx, instrument)
		if err != nil {
			return 0, err
		}
		if len(positions) == 0 {
			continue
		}
		ticker, err := a.rest.Ticker(ctx, instrument)
		if err != nil {
			return 0, err
		}
		mid := (ticker.Bid + ticker.Ask) / 2
		for _, p := range positions {
			total += p.Quantity * mid
		}
	}
	return total, nil
}

// shutdown cancels every tracked in-flight order, bounded by the
// shutdown timeout.
func (a *App) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	canceled := a.coord.CancelAll(ctx)
	if canceled > 0 {
		a.log.Info("canceled in-flight orders on shutdown", zap.Int("count", canceled))
	}
	a.persistSnapshot(ctx)
	a.log.Info("shutdown complete")
}
