package exchange

import "time"

type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

type OrderStyle string

const (
	StyleMarket OrderStyle = "Market"
	StyleLimit  OrderStyle = "Limit"
)

// Order is a venue-neutral order request. ClientRef is generated by the
// caller before submission and is the key all later events are matched on.
type Order struct {
	Instrument  string
	Side        Side
	Quantity    float64
	Style       OrderStyle
	LimitPrice  float64
	ReduceOnly  bool
	TimeInForce string
	ClientRef   string
}

// Position is one exchange-reported position line for an instrument.
type Position struct {
	Instrument string
	Quantity   float64
	Side       Side
	AvgPrice   float64
}

type EventType string

const (
	EventAccepted EventType = "accepted"
	EventRejected EventType = "rejected"
	EventFilled   EventType = "filled"
	EventCanceled EventType = "canceled"
)

// OrderEvent is an asynchronous execution report delivered back to the
// core, keyed by the client order ref.
type OrderEvent struct {
	Type      EventType
	ClientRef string
	Quantity  float64
	Price     float64
	Reason    string
	Time      time.Time
}

// Quote is one top-of-book update from the market data stream.
type Quote struct {
	Instrument string
	Bid        float64
	Ask        float64
	Time       time.Time
}
