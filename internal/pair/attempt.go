package pair

import "time"

type Intent string

const (
	IntentOpen  Intent = "open"
	IntentClose Intent = "close"
)

// Status is the lifecycle of a paired attempt. Settled is reachable only
// through two independent fill confirmations; there is no transition that
// settles an attempt off a submission or a single fill.
type Status string

const (
	StatusAwaitingBothLegs Status = "AWAITING_BOTH_LEGS"
	StatusAwaitingLegA     Status = "AWAITING_LEG_A"
	StatusAwaitingLegB     Status = "AWAITING_LEG_B"
	StatusSettled          Status = "SETTLED"
)

type legTag int

const (
	legA legTag = iota
	legB
)

func nextStatus(current Status, leg legTag) Status {
	switch current {
	case StatusAwaitingBothLegs:
		if leg == legA {
			return StatusAwaitingLegB
		}
		return StatusAwaitingLegA
	case StatusAwaitingLegA:
		if leg == legA {
			return StatusSettled
		}
	case StatusAwaitingLegB:
		if leg == legB {
			return StatusSettled
		}
	}
	return current
}

func (s Status) legFilled(leg legTag) bool {
	switch s {
	case StatusAwaitingLegB:
		return leg == legA
	case StatusAwaitingLegA:
		return leg == legB
	case StatusSettled:
		return true
	}
	return false
}

// Attempt tracks one in-flight open or close spanning both legs. Owned
// exclusively by the Coordinator; callers see it only as read-only status.
type Attempt struct {
	ID          string
	LevelIndex  int
	Intent      Intent
	Status      Status
	LegARef     string
	LegBRef     string
	LegASide    string
	LegBSide    string
	LegAQty     float64
	LegBQty     float64
	Notional    float64 // per leg
	SubmittedAt time.Time
}
