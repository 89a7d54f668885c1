package ledger

import (
	"testing"

	"go.uber.org/zap"
)

func TestReserveSettleRoundTrip(t *testing.T) {
	l := New(10000, zap.NewNop())
	l.Reserve(4000)
	if l.Pending() != 4000 || l.Confirmed() != 0 {
		t.Fatalf("after reserve: pending=%v confirmed=%v", l.Pending(), l.Confirmed())
	}
	l.Settle(4000)
	if l.Pending() != 0 || l.Confirmed() != 4000 {
		t.Fatalf("after settle: pending=%v confirmed=%v", l.Pending(), l.Confirmed())
	}
	l.ReduceConfirmed(4000)
	if l.Confirmed() != 0 {
		t.Fatalf("after reduce: confirmed=%v", l.Confirmed())
	}
}

func TestDecrementsClampAtZero(t *testing.T) {
	l := New(10000, zap.NewNop())
	l.ReleasePending(500)
	if l.Pending() != 0 {
		t.Fatalf("pending went negative: %v", l.Pending())
	}
	l.ReduceConfirmed(500)
	if l.Confirmed() != 0 {
		t.Fatalf("confirmed went negative: %v", l.Confirmed())
	}
}

func TestFitsAndAvailable(t *testing.T) {
	l := New(10000, zap.NewNop())
	l.Reserve(3000)
	l.Settle(3000)
	l.Reserve(4000)
	if got := l.Available(); got != 3000 {
		t.Fatalf("available = %v, want 3000", got)
	}
	if !l.Fits(3000) {
		t.Fatal("expected 3000 to fit")
	}
	if l.Fits(3001) {
		t.Fatal("expected 3001 not to fit")
	}
}

func TestCorrectOverwritesConfirmed(t *testing.T) {
	l := New(10000, zap.NewNop())
	l.Reserve(2000)
	l.Settle(2000)
	before := l.Correct(5500)
	if before != 2000 {
		t.Fatalf("correct returned %v, want 2000", before)
	}
	if l.Confirmed() != 5500 {
		t.Fatalf("confirmed = %v, want 5500", l.Confirmed())
	}
	l.Correct(-10)
	if l.Confirmed() != 0 {
		t.Fatalf("negative correction must clamp to zero, got %v", l.Confirmed())
	}
}
