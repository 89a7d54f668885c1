package pair

import (
	"context"
	"sync"
	"testing"
	"time"

	"spread-grid-bot/internal/exchange"
	"spread-grid-bot/internal/grid"
	"spread-grid-bot/internal/ledger"
	"spread-grid-bot/internal/quote"

	"go.uber.org/zap"
)

type fakeExecutor struct {
	mu        sync.Mutex
	submitted []exchange.Order
	canceled  []string
	submitCh  chan exchange.Order
	cancelCh  chan string
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		submitCh: make(chan exchange.Order, 32),
		cancelCh: make(chan string, 32),
	}
}

func (f *fakeExecutor) Submit(ctx context.Context, order exchange.Order) (string, error) {
	_ = ctx
	f.mu.Lock()
	f.submitted = append(f.submitted, order)
	f.mu.Unlock()
	f.submitCh <- order
	return "venue-" + order.ClientRef, nil
}

func (f *fakeExecutor) Cancel(ctx context.Context, instrument, clientRef string) error {
	_ = ctx
	_ = instrument
	f.mu.Lock()
	f.canceled = append(f.canceled, clientRef)
	f.mu.Unlock()
	f.cancelCh <- clientRef
	return nil
}

type fakePositions struct {
	mu        sync.Mutex
	positions map[string][]exchange.Position
}

func (f *fakePositions) Positions(ctx context.Context, instrument string) ([]exchange.Position, error) {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.positions[instrument], nil
}

func (f *fakePositions) set(instrument string, positions []exchange.Position) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.positions == nil {
		f.positions = make(map[string][]exchange.Position)
	}
	f.positions[instrument] = positions
}

func waitOrder(t *testing.T, ch chan exchange.Order) exchange.Order {
	t.Helper()
	select {
	case order := <-ch:
		return order
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for order submission")
		return exchange.Order{}
	}
}

func waitCancel(t *testing.T, ch chan string) string {
	t.Helper()
	select {
	case ref := <-ch:
		return ref
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cancel")
		return ""
	}
}

type harness struct {
	executor  *fakeExecutor
	positions *fakePositions
	ledger    *ledger.Ledger
	registry  *grid.Registry
	prices    *quote.Cache
	coord     *Coordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	registry, err := grid.NewRegistry([]grid.Level{
		{Threshold: 0.0010},
		{Threshold: 0.0020},
		{Threshold: 0.0030},
	}, 2000)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	executor := newFakeExecutor()
	positions := &fakePositions{}
	lgr := ledger.New(40000, zap.NewNop())
	prices := quote.NewCache("PAXGUSDT", "XAUTUSDT")
	prices.Update("PAXGUSDT", 2650, 2650.4)
	prices.Update("XAUTUSDT", 2640, 2640.2)
	coord := NewCoordinator(Config{
		LegAInstrument: "PAXGUSDT",
		LegBInstrument: "XAUTUSDT",
		OpenTimeout:    5 * time.Second,
		CloseTimeout:   5 * time.Second,
	}, executor, positions, lgr, registry, prices, nil, zap.NewNop(), nil)
	return &harness{
		executor:  executor,
		positions: positions,
		ledger:    lgr,
		registry:  registry,
		prices:    prices,
		coord:     coord,
	}
}

func (h *harness) openAttempt(t *testing.T) *Attempt {
	t.Helper()
	for _, a := range h.coord.attempts {
		return a
	}
	t.Fatal("no active attempt")
	return nil
}

func TestOpenPairSettlesOnBothFills(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.coord.OpenPair(ctx, 1, true, 2000); err != nil {
		t.Fatalf("open: %v", err)
	}
	first := waitOrder(t, h.executor.submitCh)
	second := waitOrder(t, h.executor.submitCh)
	if first.ReduceOnly || second.ReduceOnly {
		t.Fatal("open legs must not be reduce-only")
	}
	if h.ledger.Pending() != 4000 {
		t.Fatalf("pending = %v, want 4000", h.ledger.Pending())
	}

	attempt := h.openAttempt(t)
	h.coord.HandleEvent(ctx, exchange.OrderEvent{Type: exchange.EventFilled, ClientRef: attempt.LegARef})
	if h.registry.Occupied(1) {
		t.Fatal("slot must not occupy on a single fill")
	}
	if h.ledger.Confirmed() != 0 {
		t.Fatalf("confirmed moved on single fill: %v", h.ledger.Confirmed())
	}
	h.coord.HandleEvent(ctx, exchange.OrderEvent{Type: exchange.EventFilled, ClientRef: attempt.LegBRef})
	if !h.registry.Occupied(1) {
		t.Fatal("slot must occupy after both fills")
	}
	if h.ledger.Confirmed() != 4000 || h.ledger.Pending() != 0 {
		t.Fatalf("confirmed=%v pending=%v, want 4000/0", h.ledger.Confirmed(), h.ledger.Pending())
	}
	if h.coord.ActiveAttempts() != 0 {
		t.Fatalf("active attempts = %d, want 0", h.coord.ActiveAttempts())
	}
}

func TestOpenDirectionRule(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Positive spread: leg A sells, leg B buys.
	if err := h.coord.OpenPair(ctx, 0, true, 2000); err != nil {
		t.Fatalf("open: %v", err)
	}
	sides := map[string]exchange.Side{}
	for i := 0; i < 2; i++ {
		order := waitOrder(t, h.executor.submitCh)
		sides[order.Instrument] = order.Side
	}
	if sides["PAXGUSDT"] != exchange.SideSell || sides["XAUTUSDT"] != exchange.SideBuy {
		t.Fatalf("positive spread sides = %v", sides)
	}

	// Negative spread: reversed.
	if err := h.coord.OpenPair(ctx, 1, false, 2000); err != nil {
		t.Fatalf("open: %v", err)
	}
	sides = map[string]exchange.Side{}
	for i := 0; i < 2; i++ {
		order := waitOrder(t, h.executor.submitCh)
		sides[order.Instrument] = order.Side
	}
	if sides["PAXGUSDT"] != exchange.SideBuy || sides["XAUTUSDT"] != exchange.SideSell {
		t.Fatalf("negative spread sides = %v", sides)
	}
}

func TestOpenTimeoutImbalanceRecovery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.positions.set("PAXGUSDT", []exchange.Position{{Instrument: "PAXGUSDT", Quantity: 0.7, Side: exchange.SideSell}})

	if err := h.coord.OpenPair(ctx, 2, true, 2000); err != nil {
		t.Fatalf("open: %v", err)
	}
	waitOrder(t, h.executor.submitCh)
	waitOrder(t, h.executor.submitCh)

	attempt := h.openAttempt(t)
	legBRef := attempt.LegBRef
	// Leg A (PAXG) fills; leg B never does.
	h.coord.HandleEvent(ctx, exchange.OrderEvent{Type: exchange.EventFilled, ClientRef: attempt.LegARef})

	h.coord.CheckTimeouts(ctx, attempt.SubmittedAt.Add(6*time.Second))

	if got := waitCancel(t, h.executor.cancelCh); got != legBRef {
		t.Fatalf("canceled ref = %s, want unfilled leg %s", got, legBRef)
	}
	flatten := waitOrder(t, h.executor.submitCh)
	if flatten.Instrument != "PAXGUSDT" || !flatten.ReduceOnly {
		t.Fatalf("expected reduce-only close of PAXG leg, got %+v", flatten)
	}
	if flatten.Side != exchange.SideBuy {
		t.Fatalf("flatten side = %s, want Buy (unwinding a short)", flatten.Side)
	}
	if flatten.Quantity != 0.7 {
		t.Fatalf("flatten qty = %v, want exchange-reported 0.7", flatten.Quantity)
	}
	if h.ledger.Pending() != 0 {
		t.Fatalf("pending = %v, want released to 0", h.ledger.Pending())
	}
	if h.ledger.Confirmed() != 0 {
		t.Fatal("confirmed must never move during imbalance recovery")
	}
	if h.registry.Occupied(2) {
		t.Fatal("slot must stay empty after recovery")
	}
	if h.coord.ActiveAttempts() != 0 {
		t.Fatalf("active attempts = %d, want 0", h.coord.ActiveAttempts())
	}
}

func TestOpenTimeoutNoFillsCancelsBoth(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.coord.OpenPair(ctx, 0, true, 2000); err != nil {
		t.Fatalf("open: %v", err)
	}
	waitOrder(t, h.executor.submitCh)
	waitOrder(t, h.executor.submitCh)
	attempt := h.openAttempt(t)

	h.coord.CheckTimeouts(ctx, attempt.SubmittedAt.Add(6*time.Second))

	waitCancel(t, h.executor.cancelCh)
	waitCancel(t, h.executor.cancelCh)
	if h.ledger.Pending() != 0 {
		t.Fatalf("pending = %v, want 0", h.ledger.Pending())
	}
	if h.coord.ActiveAttempts() != 0 {
		t.Fatal("attempt must be removed after no-fill timeout")
	}
}

func TestRejectWithPeerFilledFlattens(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.positions.set("XAUTUSDT", []exchange.Position{{Instrument: "XAUTUSDT", Quantity: 0.75, Side: exchange.SideBuy}})

	if err := h.coord.OpenPair(ctx, 1, true, 2000); err != nil {
		t.Fatalf("open: %v", err)
	}
	waitOrder(t, h.executor.submitCh)
	waitOrder(t, h.executor.submitCh)
	attempt := h.openAttempt(t)

	// Leg B (XAUT buy) fills, then leg A is rejected.
	h.coord.HandleEvent(ctx, exchange.OrderEvent{Type: exchange.EventFilled, ClientRef: attempt.LegBRef})
	h.coord.HandleEvent(ctx, exchange.OrderEvent{Type: exchange.EventRejected, ClientRef: attempt.LegARef, Reason: "insufficient margin"})

	flatten := waitOrder(t, h.executor.submitCh)
	if flatten.Instrument != "XAUTUSDT" || !flatten.ReduceOnly || flatten.Side != exchange.SideSell {
		t.Fatalf("expected reduce-only sell of XAUT, got %+v", flatten)
	}
	if h.ledger.Pending() != 0 || h.ledger.Confirmed() != 0 {
		t.Fatalf("ledger pending=%v confirmed=%v, want 0/0", h.ledger.Pending(), h.ledger.Confirmed())
	}
}

func TestOpenPairQuantizesQuantitiesToStep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.coord.SetQtySteps(0.001, 0.01)

	if err := h.coord.OpenPair(ctx, 0, true, 2000); err != nil {
		t.Fatalf("open: %v", err)
	}
	qty := map[string]float64{}
	for i := 0; i < 2; i++ {
		order := waitOrder(t, h.executor.submitCh)
		qty[order.Instrument] = order.Quantity
	}
	// Raw sizes are 2000/2650.2 = 0.75466... and 2000/2640.1 = 0.75754...;
	// both must be floored to their leg's step before submission.
	if qty["PAXGUSDT"] != 0.754 {
		t.Fatalf("PAXG qty = %v, want 0.754", qty["PAXGUSDT"])
	}
	if qty["XAUTUSDT"] != 0.75 {
		t.Fatalf("XAUT qty = %v, want 0.75", qty["XAUTUSDT"])
	}
}

func TestOpenPairRejectsNotionalBelowStep(t *testing.T) {
	h := newHarness(t)
	h.coord.SetQtySteps(10, 10)

	if err := h.coord.OpenPair(context.Background(), 0, true, 2000); err == nil {
		t.Fatal("expected error when notional rounds to a zero quantity")
	}
	if h.ledger.Pending() != 0 {
		t.Fatalf("pending = %v, want nothing reserved", h.ledger.Pending())
	}
	if h.coord.ActiveAttempts() != 0 {
		t.Fatal("no attempt must be tracked for a rejected sizing")
	}
}

func TestClosePairQuantizesQuantitiesToStep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.coord.SetQtySteps(0.001, 0.001)
	h.registry.SetRefs(1, "PAXGUSDT", "XAUTUSDT")
	h.ledger.Reserve(4000)
	h.ledger.Settle(4000)
	h.positions.set("PAXGUSDT", []exchange.Position{{Quantity: 0.754, Side: exchange.SideSell}})
	h.positions.set("XAUTUSDT", []exchange.Position{{Quantity: 0.757, Side: exchange.SideBuy}})

	if err := h.coord.ClosePair(ctx, 1); err != nil {
		t.Fatalf("close: %v", err)
	}
	qty := map[string]float64{}
	for i := 0; i < 2; i++ {
		order := waitOrder(t, h.executor.submitCh)
		qty[order.Instrument] = order.Quantity
	}
	if qty["PAXGUSDT"] != 0.754 {
		t.Fatalf("PAXG close qty = %v, want 0.754", qty["PAXGUSDT"])
	}
	if qty["XAUTUSDT"] != 0.757 {
		t.Fatalf("XAUT close qty = %v, want 0.757", qty["XAUTUSDT"])
	}
}

func TestCloseClearsOnlyAfterBothLegsFill(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.registry.SetRefs(1, "PAXGUSDT", "XAUTUSDT")
	h.ledger.Reserve(4000)
	h.ledger.Settle(4000)
	h.positions.set("PAXGUSDT", []exchange.Position{{Quantity: 0.75, Side: exchange.SideSell}})
	h.positions.set("XAUTUSDT", []exchange.Position{{Quantity: 0.76, Side: exchange.SideBuy}})

	if err := h.coord.ClosePair(ctx, 1); err != nil {
		t.Fatalf("close: %v", err)
	}
	first := waitOrder(t, h.executor.submitCh)
	second := waitOrder(t, h.executor.submitCh)
	if !first.ReduceOnly || !second.ReduceOnly {
		t.Fatal("close legs must be reduce-only")
	}

	attempt := h.openAttempt(t)
	h.coord.HandleEvent(ctx, exchange.OrderEvent{Type: exchange.EventFilled, ClientRef: attempt.LegARef})
	if !h.registry.Occupied(1) {
		t.Fatal("slot cleared after one close fill: this is the double-close defect")
	}
	if h.ledger.Confirmed() != 4000 {
		t.Fatalf("confirmed reduced early: %v", h.ledger.Confirmed())
	}

	h.coord.HandleEvent(ctx, exchange.OrderEvent{Type: exchange.EventFilled, ClientRef: attempt.LegBRef})
	if h.registry.Occupied(1) {
		t.Fatal("slot must clear after both close fills")
	}
	if h.ledger.Confirmed() != 0 {
		t.Fatalf("confirmed = %v, want 0", h.ledger.Confirmed())
	}
}

func TestCloseTimeoutResubmitsUnfilledLeg(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.registry.SetRefs(0, "PAXGUSDT", "XAUTUSDT")
	h.positions.set("XAUTUSDT", []exchange.Position{{Quantity: 0.76, Side: exchange.SideBuy}})

	if err := h.coord.ClosePair(ctx, 0); err != nil {
		t.Fatalf("close: %v", err)
	}
	waitOrder(t, h.executor.submitCh)
	waitOrder(t, h.executor.submitCh)
	attempt := h.openAttempt(t)
	oldRef := attempt.LegBRef

	h.coord.HandleEvent(ctx, exchange.OrderEvent{Type: exchange.EventFilled, ClientRef: attempt.LegARef})
	h.coord.CheckTimeouts(ctx, attempt.SubmittedAt.Add(6*time.Second))

	if got := waitCancel(t, h.executor.cancelCh); got != oldRef {
		t.Fatalf("canceled %s, want stale close leg %s", got, oldRef)
	}
	retry := waitOrder(t, h.executor.submitCh)
	if retry.Instrument != "XAUTUSDT" || !retry.ReduceOnly {
		t.Fatalf("expected XAUT close retry, got %+v", retry)
	}
	if retry.ClientRef == oldRef {
		t.Fatal("retry must use a fresh client ref")
	}
	if attempt.LegBRef == oldRef {
		t.Fatal("attempt must track the fresh ref")
	}
	if h.coord.ActiveAttempts() != 1 {
		t.Fatal("close attempt must survive until the retry fills")
	}
	// Fill never fabricated: confirmed untouched until the retry fills.
	h.coord.HandleEvent(ctx, exchange.OrderEvent{Type: exchange.EventFilled, ClientRef: attempt.LegBRef})
	if h.registry.Occupied(0) {
		t.Fatal("slot must clear after retry fill")
	}
}

func TestCancelAllCancelsInFlightLegs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.coord.OpenPair(ctx, 0, true, 2000); err != nil {
		t.Fatalf("open: %v", err)
	}
	waitOrder(t, h.executor.submitCh)
	waitOrder(t, h.executor.submitCh)
	attempt := h.openAttempt(t)
	h.coord.HandleEvent(ctx, exchange.OrderEvent{Type: exchange.EventFilled, ClientRef: attempt.LegARef})

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if n := h.coord.CancelAll(shutdownCtx); n != 1 {
		t.Fatalf("canceled %d orders, want 1 (only the unfilled leg)", n)
	}
	if got := waitCancel(t, h.executor.cancelCh); got != attempt.LegBRef {
		t.Fatalf("canceled %s, want %s", got, attempt.LegBRef)
	}
}

func TestDuplicateFillIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.coord.OpenPair(ctx, 0, true, 2000); err != nil {
		t.Fatalf("open: %v", err)
	}
	waitOrder(t, h.executor.submitCh)
	waitOrder(t, h.executor.submitCh)
	attempt := h.openAttempt(t)

	h.coord.HandleEvent(ctx, exchange.OrderEvent{Type: exchange.EventFilled, ClientRef: attempt.LegARef})
	h.coord.HandleEvent(ctx, exchange.OrderEvent{Type: exchange.EventFilled, ClientRef: attempt.LegARef})
	if h.ledger.Confirmed() != 0 {
		t.Fatal("duplicate fill of one leg must not settle the attempt")
	}
}
