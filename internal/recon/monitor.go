package recon

import (
	"context"
	"fmt"
	"math"
	"time"

	"spread-grid-bot/internal/exchange"
	"spread-grid-bot/internal/ledger"
	"spread-grid-bot/internal/metrics"

	"go.uber.org/zap"
)

// Notifier delivers operator alerts (implemented by internal/alerts).
type Notifier interface {
	Send(ctx context.Context, message string) error
}

// Prices is an immutable mid snapshot for both legs, captured on the
// engine goroutine before a reconciliation pass starts. Snapshot never
// touches the live quote cache: the cache is owned by the engine
// goroutine and reading it from the reconciliation goroutine would race
// quote updates.
type Prices struct {
	LegAMid float64
	LegBMid float64
	HasLegA bool
	HasLegB bool
}

func (p Prices) mid(legA bool) (float64, bool) {
	if legA {
		return p.LegAMid, p.HasLegA
	}
	return p.LegBMid, p.HasLegB
}

// Report is one reconciliation observation: exchange-reported notional
// per leg, gathered off the engine goroutine.
type Report struct {
	LegANotional float64
	LegBNotional float64
	Valued       bool
	At           time.Time
}

func (r Report) Total() float64 {
	return r.LegANotional + r.LegBNotional
}

// Monitor is the authoritative backstop: whatever the coordinator and
// ledger believe, the exchange-reported positions win. Snapshot does
// the network work and may run in any goroutine; Apply mutates the
// ledger and must run in the engine goroutine.
type Monitor struct {
	legAInstr string
	legBInstr string

	positions exchange.PositionGateway
	ledger    *ledger.Ledger
	metrics   *metrics.Metrics
	notifier  Notifier
	log       *zap.Logger

	driftThreshold    float64
	imbalanceFraction float64
}

type Config struct {
	LegAInstrument    string
	LegBInstrument    string
	DriftThreshold    float64
	ImbalanceFraction float64
}

func NewMonitor(
	cfg Config,
	positions exchange.PositionGateway,
	lgr *ledger.Ledger,
	m *metrics.Metrics,
	notifier Notifier,
	log *zap.Logger,
) *Monitor {
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Monitor{
		legAInstr:         cfg.LegAInstrument,
		legBInstr:         cfg.LegBInstrument,
		positions:         positions,
		ledger:            lgr,
		metrics:           m,
		notifier:          notifier,
		log:               log,
		driftThreshold:    cfg.DriftThreshold,
		imbalanceFraction: cfg.ImbalanceFraction,
	}
}

// Snapshot queries the position gateway for both legs and values them
// at the captured mids. Positions with no usable mid make the report
// unvalued; Apply skips unvalued reports rather than correcting the
// ledger from bad data.
func (m *Monitor) Snapshot(ctx context.Context, prices Prices) (Report, error) {
	report := Report{Valued: true, At: time.Now()}
	midA, okA := prices.mid(true)
	legA, err := m.notionalFor(ctx, m.legAInstr, midA, okA)
	if err != nil {
		return Report{}, fmt.Errorf("reconcile %s: %w", m.legAInstr, err)
	}
	midB, okB := prices.mid(false)
	legB, err := m.notionalFor(ctx, m.legBInstr, midB, okB)
	if err != nil {
		return Report{}, fmt.Errorf("reconcile %s: %w", m.legBInstr, err)
	}
	if legA < 0 || legB < 0 {
		report.Valued = false
		return report, nil
	}
	report.LegANotional = legA
	report.LegBNotional = legB
	return report, nil
}

// notionalFor returns the absolute notional held in an instrument, or
// -1 when a position exists but no mid was captured to value it.
func (m *Monitor) notionalFor(ctx context.Context, instrument string, mid float64, hasMid bool) (float64, error) {
	positions, err := m.positions.Positions(ctx, instrument)
	if err != nil {
		return 0, err
	}
	var qty float64
	for _, p := range positions {
		qty += math.Abs(p.Quantity)
	}
	if qty == 0 {
		return 0, nil
	}
	if !hasMid || mid <= 0 {
		return -1, nil
	}
	return qty * mid, nil
}

// Apply compares a report against the ledger and corrects drift. Must
// be called from the engine goroutine.
func (m *Monitor) Apply(ctx context.Context, report Report) {
	if !report.Valued {
		m.log.Warn("reconciliation skipped, positions could not be valued")
		return
	}
	actual := report.Total()
	confirmed := m.ledger.Confirmed()
	drift := actual - confirmed
	if m.driftThreshold > 0 && math.Abs(drift) > m.driftThreshold {
		before := m.ledger.Correct(actual)
		m.metrics.DriftCorrections.Inc()
		m.log.Warn("exposure drift exceeded threshold, ledger corrected",
			zap.Float64("confirmed_before", before),
			zap.Float64("actual", actual),
			zap.Float64("drift", drift),
			zap.Float64("threshold", m.driftThreshold),
		)
		m.notify(ctx, fmt.Sprintf(
			"exposure drift corrected: tracked %.2f, exchange %.2f (drift %.2f)",
			before, actual, drift,
		))
	}
	m.checkImbalance(ctx, report)
}

func (m *Monitor) checkImbalance(ctx context.Context, report Report) {
	if m.imbalanceFraction <= 0 {
		return
	}
	total := report.Total()
	if total == 0 {
		return
	}
	imbalance := math.Abs(report.LegANotional-report.LegBNotional) / total
	if imbalance <= m.imbalanceFraction {
		return
	}
	m.log.Error("leg notional imbalance exceeds severity threshold",
		zap.Float64("leg_a_notional", report.LegANotional),
		zap.Float64("leg_b_notional", report.LegBNotional),
		zap.Float64("imbalance_fraction", imbalance),
		zap.Float64("threshold", m.imbalanceFraction),
	)
	m.notify(ctx, fmt.Sprintf(
		"CRITICAL: leg imbalance %.1f%% (%s %.2f vs %s %.2f)",
		imbalance*100, m.legAInstr, report.LegANotional, m.legBInstr, report.LegBNotional,
	))
}

func (m *Monitor) notify(ctx context.Context, message string) {
	if m.notifier == nil {
		return
	}
	go func() {
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := m.notifier.Send(sendCtx, message); err != nil {
			m.log.Warn("alert delivery failed", zap.Error(err))
		}
	}()
}
