package strategy

import (
	"context"
	"math"

	"spread-grid-bot/internal/grid"
	"spread-grid-bot/internal/ledger"
	"spread-grid-bot/internal/metrics"

	"go.uber.org/zap"
)

// PairCoordinator is the slice of the paired-order coordinator the
// decision engine drives.
type PairCoordinator interface {
	HasOpenAttempt(levelIdx int) bool
	HasCloseAttempt(levelIdx int) bool
	OpenPair(ctx context.Context, levelIdx int, legASells bool, notional float64) error
	ClosePair(ctx context.Context, levelIdx int) error
}

// SpreadSource supplies the current relative spread between the legs.
type SpreadSource interface {
	Spread() (float64, bool)
}

// Engine turns each complete quote tick into open and close intents.
// It holds no position state of its own: occupancy lives in the
// registry, exposure in the ledger, in-flight attempts in the
// coordinator. Owned by the engine goroutine.
type Engine struct {
	prices   SpreadSource
	registry *grid.Registry
	ledger   *ledger.Ledger
	coord    PairCoordinator
	metrics  *metrics.Metrics
	log      *zap.Logger

	extremeStop float64
	halted      bool
}

func NewEngine(
	prices SpreadSource,
	registry *grid.Registry,
	lgr *ledger.Ledger,
	coord PairCoordinator,
	extremeStop float64,
	m *metrics.Metrics,
	log *zap.Logger,
) *Engine {
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Engine{
		prices:      prices,
		registry:    registry,
		ledger:      lgr,
		coord:       coord,
		metrics:     m,
		extremeStop: extremeStop,
		log:         log,
	}
}

// Halted reports whether opens are currently suppressed by the
// extreme-spread stop.
func (e *Engine) Halted() bool { return e.halted }

// Evaluate runs one decision cycle. It is a no-op until both legs have
// quoted.
func (e *Engine) Evaluate(ctx context.Context) {
	spread, ok := e.prices.Spread()
	if !ok {
		return
	}
	e.metrics.Spread.Set(spread)
	abs := math.Abs(spread)

	if e.extremeStop > 0 && abs > e.extremeStop {
		if !e.halted {
			e.halted = true
			e.metrics.ExtremeSpreadStops.Inc()
			e.log.Warn("extreme spread, closing all positions and suppressing opens",
				zap.Float64("spread", spread),
				zap.Float64("stop", e.extremeStop),
			)
		}
		e.closeAll(ctx)
		return
	}
	if e.halted {
		e.halted = false
		e.log.Info("spread back inside stop band, resuming",
			zap.Float64("spread", spread),
			zap.Float64("stop", e.extremeStop),
		)
	}

	e.closePass(ctx, abs)
	e.openPass(ctx, spread, abs)
}

func (e *Engine) closeAll(ctx context.Context) {
	for _, i := range e.registry.OccupiedIndexes() {
		if e.coord.HasCloseAttempt(i) {
			continue
		}
		if err := e.coord.ClosePair(ctx, i); err != nil {
			e.log.Error("close-all intent failed", zap.Int("level", i), zap.Error(err))
		}
	}
}

// closePass closes each occupied slot whose spread has reverted below
// the next-lower level. Comparing against the previous level, not the
// slot's own, keeps a hysteresis band at every boundary.
func (e *Engine) closePass(ctx context.Context, abs float64) {
	for i := 0; i < e.registry.Len(); i++ {
		if !e.registry.Occupied(i) || e.coord.HasCloseAttempt(i) {
			continue
		}
		if abs >= e.registry.PrevThreshold(i) {
			continue
		}
		e.log.Info("spread reverted below previous level, closing",
			zap.Int("level", i),
			zap.Float64("abs_spread", abs),
			zap.Float64("prev_threshold", e.registry.PrevThreshold(i)),
		)
		if err := e.coord.ClosePair(ctx, i); err != nil {
			e.log.Error("close intent failed", zap.Int("level", i), zap.Error(err))
		}
	}
}

func (e *Engine) openPass(ctx context.Context, spread, abs float64) {
	for i := 0; i < e.registry.Len(); i++ {
		if e.registry.Occupied(i) || e.coord.HasOpenAttempt(i) {
			continue
		}
		if abs <= e.registry.Level(i).Threshold {
			continue
		}
		notional := e.registry.Notional(i)
		if !e.ledger.Fits(2 * notional) {
			e.metrics.CapacitySkips.Inc()
			e.log.Warn("exposure cap reached, skipping open",
				zap.Int("level", i),
				zap.Float64("needed", 2*notional),
				zap.Float64("available", e.ledger.Available()),
			)
			continue
		}
		if err := e.coord.OpenPair(ctx, i, spread > 0, notional); err != nil {
			e.log.Error("open intent failed", zap.Int("level", i), zap.Error(err))
		}
	}
}
