package pair

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"spread-grid-bot/internal/exchange"
	"spread-grid-bot/internal/grid"
	"spread-grid-bot/internal/ledger"
	"spread-grid-bot/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OrderExecutor is the retrying execution surface the coordinator submits
// through (implemented by internal/exec).
type OrderExecutor interface {
	Submit(ctx context.Context, order exchange.Order) (string, error)
	Cancel(ctx context.Context, instrument, clientRef string) error
}

// PriceSource supplies current mids for order sizing.
type PriceSource interface {
	Mid(instrument string) (float64, bool)
}

// Coordinator owns every in-flight paired attempt. All methods must be
// called from the engine goroutine. Submissions and cancels run in
// goroutines so the quote path never blocks on the venue; a failed submit
// comes back through the emit callback as a Rejected event.
type Coordinator struct {
	legAInstr string
	legBInstr string

	executor  OrderExecutor
	positions exchange.PositionGateway
	ledger    *ledger.Ledger
	registry  *grid.Registry
	prices    PriceSource
	metrics   *metrics.Metrics
	log       *zap.Logger
	emit      func(exchange.OrderEvent)

	openTimeout  time.Duration
	closeTimeout time.Duration
	stepA        float64
	stepB        float64

	attempts map[string]*Attempt
	byOrder  map[string]string // client order ref -> attempt ID

	nowFn func() time.Time
}

type Config struct {
	LegAInstrument string
	LegBInstrument string
	OpenTimeout    time.Duration
	CloseTimeout   time.Duration

	// Quantity steps per leg; zero means no rounding. Usually resolved
	// from the venue's instrument info at startup via SetQtySteps.
	LegAQtyStep float64
	LegBQtyStep float64
}

func NewCoordinator(
	cfg Config,
	executor OrderExecutor,
	positions exchange.PositionGateway,
	lgr *ledger.Ledger,
	registry *grid.Registry,
	prices PriceSource,
	m *metrics.Metrics,
	log *zap.Logger,
	emit func(exchange.OrderEvent),
) *Coordinator {
	if m == nil {
		m = metrics.NewNoop()
	}
	if emit == nil {
		emit = func(exchange.OrderEvent) {}
	}
	return &Coordinator{
		legAInstr:    cfg.LegAInstrument,
		legBInstr:    cfg.LegBInstrument,
		executor:     executor,
		positions:    positions,
		ledger:       lgr,
		registry:     registry,
		prices:       prices,
		metrics:      m,
		log:          log,
		emit:         emit,
		openTimeout:  cfg.OpenTimeout,
		closeTimeout: cfg.CloseTimeout,
		stepA:        cfg.LegAQtyStep,
		stepB:        cfg.LegBQtyStep,
		attempts:     make(map[string]*Attempt),
		byOrder:      make(map[string]string),
	}
}

// SetQtySteps records the per-instrument quantity steps, typically
// fetched from the venue during startup. Must be called before the
// engine goroutine starts evaluating quotes.
func (c *Coordinator) SetQtySteps(legAStep, legBStep float64) {
	c.stepA = legAStep
	c.stepB = legBStep
}

// quantize floors a quantity to the instrument's step; the venue
// rejects quantities that are not step-aligned. A zero step leaves the
// quantity untouched.
func quantize(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	return math.Floor(qty/step+1e-9) * step
}

func (c *Coordinator) stepFor(instrument string) float64 {
	if instrument == c.legBInstr {
		return c.stepB
	}
	return c.stepA
}

func (c *Coordinator) now() time.Time {
	if c.nowFn != nil {
		return c.nowFn()
	}
	return time.Now()
}

// HasOpenAttempt reports an in-flight open for a level. The decision
// engine checks this before every open so re-running on an unchanged
// spread never duplicates an attempt.
func (c *Coordinator) HasOpenAttempt(levelIdx int) bool {
	return c.hasAttempt(levelIdx, IntentOpen)
}

func (c *Coordinator) HasCloseAttempt(levelIdx int) bool {
	return c.hasAttempt(levelIdx, IntentClose)
}

func (c *Coordinator) hasAttempt(levelIdx int, intent Intent) bool {
	for _, a := range c.attempts {
		if a.LevelIndex == levelIdx && a.Intent == intent {
			return true
		}
	}
	return false
}

func (c *Coordinator) ActiveAttempts() int { return len(c.attempts) }

// OpenPair submits both legs of an open at market and reserves the pair's
// notional as pending. legASells encodes the direction rule: spread > 0
// means leg A is rich and sells.
func (c *Coordinator) OpenPair(ctx context.Context, levelIdx int, legASells bool, notional float64) error {
	midA, okA := c.prices.Mid(c.legAInstr)
	midB, okB := c.prices.Mid(c.legBInstr)
	if !okA || !okB {
		return errors.New("mid prices unavailable")
	}
	legASide := exchange.SideSell
	legBSide := exchange.SideBuy
	if !legASells {
		legASide, legBSide = legBSide, legASide
	}
	legAQty := quantize(notional/midA, c.stepA)
	legBQty := quantize(notional/midB, c.stepB)
	if legAQty <= 0 || legBQty <= 0 {
		return fmt.Errorf("level %d notional %.2f rounds below the instrument quantity step", levelIdx, notional)
	}
	attempt := &Attempt{
		ID:          uuid.NewString(),
		LevelIndex:  levelIdx,
		Intent:      IntentOpen,
		Status:      StatusAwaitingBothLegs,
		LegARef:     uuid.NewString(),
		LegBRef:     uuid.NewString(),
		LegASide:    string(legASide),
		LegBSide:    string(legBSide),
		LegAQty:     legAQty,
		LegBQty:     legBQty,
		Notional:    notional,
		SubmittedAt: c.now(),
	}
	c.attempts[attempt.ID] = attempt
	c.byOrder[attempt.LegARef] = attempt.ID
	c.byOrder[attempt.LegBRef] = attempt.ID
	c.ledger.Reserve(2 * notional)

	c.submitAsync(ctx, exchange.Order{
		Instrument: c.legAInstr,
		Side:       legASide,
		Quantity:   attempt.LegAQty,
		Style:      exchange.StyleMarket,
		ClientRef:  attempt.LegARef,
	})
	c.submitAsync(ctx, exchange.Order{
		Instrument: c.legBInstr,
		Side:       legBSide,
		Quantity:   attempt.LegBQty,
		Style:      exchange.StyleMarket,
		ClientRef:  attempt.LegBRef,
	})
	c.log.Info("submitted paired open",
		zap.Int("level", levelIdx),
		zap.String("attempt_id", attempt.ID),
		zap.String("leg_a_side", string(legASide)),
		zap.Float64("notional_per_leg", notional),
	)
	return nil
}

// ClosePair submits reduce-only market orders for both legs of an
// occupied slot. The slot and the confirmed notional are untouched here:
// both move only when both close legs confirm filled.
func (c *Coordinator) ClosePair(ctx context.Context, levelIdx int) error {
	slot := c.registry.Slot(levelIdx)
	if !slot.Occupied() {
		return fmt.Errorf("level %d has no position to close", levelIdx)
	}
	if c.HasCloseAttempt(levelIdx) {
		return nil
	}
	midA, okA := c.prices.Mid(c.legAInstr)
	midB, okB := c.prices.Mid(c.legBInstr)
	if !okA || !okB {
		return errors.New("mid prices unavailable")
	}
	notional := c.registry.Notional(levelIdx)
	attempt := &Attempt{
		ID:          uuid.NewString(),
		LevelIndex:  levelIdx,
		Intent:      IntentClose,
		Status:      StatusAwaitingBothLegs,
		LegARef:     uuid.NewString(),
		LegBRef:     uuid.NewString(),
		LegAQty:     quantize(notional/midA, c.stepA),
		LegBQty:     quantize(notional/midB, c.stepB),
		Notional:    notional,
		SubmittedAt: c.now(),
	}
	c.byOrder[attempt.LegARef] = attempt.ID
	c.byOrder[attempt.LegBRef] = attempt.ID
	c.attempts[attempt.ID] = attempt

	c.submitCloseAsync(ctx, c.legAInstr, attempt.LegAQty, attempt.LegARef, false)
	c.submitCloseAsync(ctx, c.legBInstr, attempt.LegBQty, attempt.LegBRef, false)
	c.log.Info("submitted paired close",
		zap.Int("level", levelIdx),
		zap.String("attempt_id", attempt.ID),
		zap.Float64("notional_per_leg", notional),
	)
	return nil
}

// HandleEvent applies one asynchronous execution report. Unknown refs are
// ignored: they belong to attempts already terminated.
func (c *Coordinator) HandleEvent(ctx context.Context, ev exchange.OrderEvent) {
	attemptID, ok := c.byOrder[ev.ClientRef]
	if !ok {
		return
	}
	attempt := c.attempts[attemptID]
	if attempt == nil {
		delete(c.byOrder, ev.ClientRef)
		return
	}
	leg := legA
	if ev.ClientRef == attempt.LegBRef {
		leg = legB
	}
	switch ev.Type {
	case exchange.EventAccepted:
		c.log.Debug("order accepted", zap.String("client_ref", ev.ClientRef))
	case exchange.EventFilled:
		c.handleFill(attempt, leg)
	case exchange.EventRejected, exchange.EventCanceled:
		c.handleLegFailure(ctx, attempt, leg, string(ev.Type), ev.Reason)
	}
}

func (c *Coordinator) handleFill(attempt *Attempt, leg legTag) {
	before := attempt.Status
	attempt.Status = nextStatus(attempt.Status, leg)
	if attempt.Status == before {
		return // duplicate fill report
	}
	c.log.Debug("leg filled",
		zap.String("attempt_id", attempt.ID),
		zap.Int("level", attempt.LevelIndex),
		zap.String("intent", string(attempt.Intent)),
		zap.String("status", string(attempt.Status)),
	)
	if attempt.Status != StatusSettled {
		return
	}
	switch attempt.Intent {
	case IntentOpen:
		c.ledger.Settle(2 * attempt.Notional)
		c.registry.SetRefs(attempt.LevelIndex, c.legAInstr, c.legBInstr)
		c.metrics.GridsOpened.Inc()
		c.log.Info("grid level opened",
			zap.Int("level", attempt.LevelIndex),
			zap.Float64("notional", 2*attempt.Notional),
		)
	case IntentClose:
		c.registry.Clear(attempt.LevelIndex)
		c.ledger.ReduceConfirmed(2 * attempt.Notional)
		c.metrics.GridsClosed.Inc()
		c.log.Info("grid level closed",
			zap.Int("level", attempt.LevelIndex),
			zap.Float64("notional", 2*attempt.Notional),
		)
	}
	c.remove(attempt)
}

// handleLegFailure deals with a rejected or canceled leg. For opens the
// pending reservation is released and any filled peer is emergency
// closed; confirmed notional is never touched because no paired position
// was durably opened. For closes the failed leg is simply resubmitted.
func (c *Coordinator) handleLegFailure(ctx context.Context, attempt *Attempt, leg legTag, kind, reason string) {
	c.log.Warn("leg order failed",
		zap.String("attempt_id", attempt.ID),
		zap.Int("level", attempt.LevelIndex),
		zap.String("intent", string(attempt.Intent)),
		zap.String("kind", kind),
		zap.String("reason", reason),
	)
	if attempt.Intent == IntentClose {
		c.resubmitCloseLeg(ctx, attempt, leg)
		return
	}
	other := legB
	if leg == legB {
		other = legA
	}
	if attempt.Status.legFilled(other) {
		c.emergencyClose(ctx, attempt, other)
		c.metrics.ImbalanceRecoveries.Inc()
	} else {
		c.cancelLeg(ctx, attempt, other)
	}
	c.ledger.ReleasePending(2 * attempt.Notional)
	c.remove(attempt)
}

// CheckTimeouts runs imbalance recovery. It is called on every engine
// tick and measures wall-clock time since submission; there is no
// dedicated timer.
func (c *Coordinator) CheckTimeouts(ctx context.Context, now time.Time) {
	for _, attempt := range c.attempts {
		switch attempt.Intent {
		case IntentOpen:
			if c.openTimeout > 0 && now.Sub(attempt.SubmittedAt) >= c.openTimeout {
				c.recoverOpenTimeout(ctx, attempt)
			}
		case IntentClose:
			if c.closeTimeout > 0 && now.Sub(attempt.SubmittedAt) >= c.closeTimeout {
				c.recoverCloseTimeout(ctx, attempt, now)
			}
		}
	}
}

func (c *Coordinator) recoverOpenTimeout(ctx context.Context, attempt *Attempt) {
	switch attempt.Status {
	case StatusAwaitingBothLegs:
		c.log.Info("open attempt timed out with no fills, canceling both legs",
			zap.Int("level", attempt.LevelIndex),
			zap.String("attempt_id", attempt.ID),
		)
		c.cancelLeg(ctx, attempt, legA)
		c.cancelLeg(ctx, attempt, legB)
	case StatusAwaitingLegA, StatusAwaitingLegB:
		unfilled := legA
		filled := legB
		if attempt.Status == StatusAwaitingLegB {
			unfilled, filled = filled, unfilled
		}
		c.log.Warn("imbalanced open fill, canceling unfilled leg and flattening filled leg",
			zap.Int("level", attempt.LevelIndex),
			zap.String("attempt_id", attempt.ID),
			zap.String("status", string(attempt.Status)),
		)
		c.cancelLeg(ctx, attempt, unfilled)
		c.emergencyClose(ctx, attempt, filled)
		c.metrics.ImbalanceRecoveries.Inc()
	}
	c.ledger.ReleasePending(2 * attempt.Notional)
	c.remove(attempt)
}

func (c *Coordinator) recoverCloseTimeout(ctx context.Context, attempt *Attempt, now time.Time) {
	resubmitted := false
	if !attempt.Status.legFilled(legA) && attempt.LegARef != "" {
		c.cancelLeg(ctx, attempt, legA)
		c.resubmitCloseLeg(ctx, attempt, legA)
		resubmitted = true
	}
	if !attempt.Status.legFilled(legB) && attempt.LegBRef != "" {
		c.cancelLeg(ctx, attempt, legB)
		c.resubmitCloseLeg(ctx, attempt, legB)
		resubmitted = true
	}
	if resubmitted {
		attempt.SubmittedAt = now
		c.log.Warn("close attempt timed out, resubmitted unfilled legs",
			zap.Int("level", attempt.LevelIndex),
			zap.String("attempt_id", attempt.ID),
			zap.String("status", string(attempt.Status)),
		)
	}
}

func (c *Coordinator) resubmitCloseLeg(ctx context.Context, attempt *Attempt, leg legTag) {
	instrument := c.legAInstr
	qty := attempt.LegAQty
	oldRef := attempt.LegARef
	if leg == legB {
		instrument = c.legBInstr
		qty = attempt.LegBQty
		oldRef = attempt.LegBRef
	}
	newRef := uuid.NewString()
	delete(c.byOrder, oldRef)
	c.byOrder[newRef] = attempt.ID
	if leg == legA {
		attempt.LegARef = newRef
	} else {
		attempt.LegBRef = newRef
	}
	c.submitCloseAsync(ctx, instrument, qty, newRef, false)
	c.log.Info("resubmitted close leg",
		zap.Int("level", attempt.LevelIndex),
		zap.String("instrument", instrument),
		zap.String("client_ref", newRef),
	)
}

// emergencyClose flattens a filled leg whose peer never made it.
func (c *Coordinator) emergencyClose(ctx context.Context, attempt *Attempt, leg legTag) {
	instrument := c.legAInstr
	qty := attempt.LegAQty
	if leg == legB {
		instrument = c.legBInstr
		qty = attempt.LegBQty
	}
	c.log.Warn("submitting emergency reduce-only close",
		zap.String("instrument", instrument),
		zap.Float64("quantity", qty),
		zap.Int("level", attempt.LevelIndex),
	)
	c.submitCloseAsync(ctx, instrument, qty, uuid.NewString(), true)
}

func (c *Coordinator) cancelLeg(ctx context.Context, attempt *Attempt, leg legTag) {
	instrument := c.legAInstr
	ref := attempt.LegARef
	if leg == legB {
		instrument = c.legBInstr
		ref = attempt.LegBRef
	}
	if ref == "" {
		return
	}
	go func() {
		if err := c.executor.Cancel(ctx, instrument, ref); err != nil {
			c.log.Warn("failed to cancel leg order",
				zap.String("instrument", instrument),
				zap.String("client_ref", ref),
				zap.Error(err),
			)
		}
	}()
}

// CancelAll requests cancellation of every tracked in-flight order and
// returns once all cancel calls have completed or ctx expires. Called on
// shutdown with a bounded context.
func (c *Coordinator) CancelAll(ctx context.Context) int {
	type pending struct {
		instrument string
		ref        string
	}
	var targets []pending
	for _, attempt := range c.attempts {
		if attempt.LegARef != "" && !attempt.Status.legFilled(legA) {
			targets = append(targets, pending{c.legAInstr, attempt.LegARef})
		}
		if attempt.LegBRef != "" && !attempt.Status.legFilled(legB) {
			targets = append(targets, pending{c.legBInstr, attempt.LegBRef})
		}
	}
	done := make(chan struct{}, len(targets))
	for _, t := range targets {
		t := t
		go func() {
			if err := c.executor.Cancel(ctx, t.instrument, t.ref); err != nil {
				c.log.Warn("shutdown cancel failed",
					zap.String("client_ref", t.ref), zap.Error(err))
			}
			done <- struct{}{}
		}()
	}
	for range targets {
		select {
		case <-done:
		case <-ctx.Done():
			return len(targets)
		}
	}
	return len(targets)
}

func (c *Coordinator) submitAsync(ctx context.Context, order exchange.Order) {
	go func() {
		c.send(ctx, order)
	}()
}

// submitCloseAsync builds and submits a reduce-only market order off the
// engine goroutine. The close side is resolved from exchange-reported
// positions; capToPosition additionally bounds the quantity by what the
// exchange actually holds (emergency closes).
func (c *Coordinator) submitCloseAsync(ctx context.Context, instrument string, qty float64, ref string, capToPosition bool) {
	go func() {
		order := exchange.Order{
			Instrument:  instrument,
			Side:        exchange.SideSell,
			Quantity:    qty,
			Style:       exchange.StyleMarket,
			ReduceOnly:  true,
			TimeInForce: "IOC",
			ClientRef:   ref,
		}
		if positions, err := c.positions.Positions(ctx, instrument); err == nil {
			var held float64
			for _, p := range positions {
				if p.Quantity != 0 {
					order.Side = p.Side.Opposite()
				}
				held += math.Abs(p.Quantity)
			}
			if capToPosition && held > 0 && held < order.Quantity {
				order.Quantity = quantize(held, c.stepFor(instrument))
			}
		} else {
			c.log.Warn("position query failed, closing with attempted quantity",
				zap.String("instrument", instrument), zap.Error(err))
		}
		c.send(ctx, order)
	}()
}

func (c *Coordinator) send(ctx context.Context, order exchange.Order) {
	if _, err := c.executor.Submit(ctx, order); err != nil {
		c.metrics.OrdersFailed.Inc()
		c.emit(exchange.OrderEvent{
			Type:      exchange.EventRejected,
			ClientRef: order.ClientRef,
			Reason:    fmt.Sprintf("submit: %v", err),
			Time:      c.now(),
		})
		return
	}
	c.metrics.OrdersPlaced.Inc()
}

func (c *Coordinator) remove(attempt *Attempt) {
	delete(c.byOrder, attempt.LegARef)
	delete(c.byOrder, attempt.LegBRef)
	delete(c.attempts, attempt.ID)
}
