package ledger

import "go.uber.org/zap"

// Ledger is the only writer of confirmed and pending notional. Confirmed
// notional moves only on attempt settlement or a reconciliation
// correction; pending moves only on attempt creation and termination.
// Owned by the engine goroutine.
type Ledger struct {
	maxTotal  float64
	confirmed float64
	pending   float64
	log       *zap.Logger
}

func New(maxTotal float64, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{maxTotal: maxTotal, log: log}
}

func (l *Ledger) Confirmed() float64 { return l.confirmed }
func (l *Ledger) Pending() float64   { return l.pending }
func (l *Ledger) MaxTotal() float64  { return l.maxTotal }

// Available returns the exposure headroom left under the cap.
func (l *Ledger) Available() float64 {
	avail := l.maxTotal - l.confirmed - l.pending
	if avail < 0 {
		return 0
	}
	return avail
}

// Fits reports whether an additional amount of notional stays under the cap.
func (l *Ledger) Fits(amount float64) bool {
	return l.confirmed+l.pending+amount <= l.maxTotal
}

// Reserve moves notional into the pending bucket at attempt creation.
func (l *Ledger) Reserve(amount float64) {
	before := l.pending
	l.pending += amount
	l.log.Info("ledger reserve",
		zap.Float64("amount", amount),
		zap.Float64("pending_before", before),
		zap.Float64("pending_after", l.pending),
	)
}

// ReleasePending returns reserved notional at attempt termination without
// a durable position. Clamped at zero.
func (l *Ledger) ReleasePending(amount float64) {
	before := l.pending
	l.pending -= amount
	if l.pending < 0 {
		l.pending = 0
	}
	l.log.Info("ledger release pending",
		zap.Float64("amount", amount),
		zap.Float64("pending_before", before),
		zap.Float64("pending_after", l.pending),
	)
}

// Settle moves notional from pending to confirmed when both legs of an
// open attempt have filled.
func (l *Ledger) Settle(amount float64) {
	pendingBefore := l.pending
	confirmedBefore := l.confirmed
	l.pending -= amount
	if l.pending < 0 {
		l.pending = 0
	}
	l.confirmed += amount
	l.log.Info("ledger settle",
		zap.Float64("amount", amount),
		zap.Float64("pending_before", pendingBefore),
		zap.Float64("pending_after", l.pending),
		zap.Float64("confirmed_before", confirmedBefore),
		zap.Float64("confirmed_after", l.confirmed),
	)
}

// ReduceConfirmed removes settled notional when both legs of a close
// attempt have confirmed filled. Clamped at zero.
func (l *Ledger) ReduceConfirmed(amount float64) {
	before := l.confirmed
	l.confirmed -= amount
	if l.confirmed < 0 {
		l.confirmed = 0
	}
	l.log.Info("ledger reduce confirmed",
		zap.Float64("amount", amount),
		zap.Float64("confirmed_before", before),
		zap.Float64("confirmed_after", l.confirmed),
	)
}

// Correct overwrites confirmed notional with the exchange-reported actual
// total. Reconciliation is the only caller.
func (l *Ledger) Correct(actual float64) float64 {
	before := l.confirmed
	if actual < 0 {
		actual = 0
	}
	l.confirmed = actual
	l.log.Warn("ledger corrected from reconciliation",
		zap.Float64("confirmed_before", before),
		zap.Float64("confirmed_after", l.confirmed),
	)
	return before
}

// Seed sets confirmed notional at startup from pre-existing exposure.
func (l *Ledger) Seed(confirmed float64) {
	if confirmed < 0 {
		confirmed = 0
	}
	l.confirmed = confirmed
	l.log.Info("ledger seeded", zap.Float64("confirmed", l.confirmed))
}
