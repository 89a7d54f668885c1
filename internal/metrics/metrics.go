package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(v float64)
}

type Metrics struct {
	OrdersPlaced        Counter
	OrdersFailed        Counter
	GridsOpened         Counter
	GridsClosed         Counter
	ImbalanceRecoveries Counter
	DriftCorrections    Counter
	CapacitySkips       Counter
	ExtremeSpreadStops  Counter

	ConfirmedNotional Gauge
	PendingNotional   Gauge
	Spread            Gauge
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}

func NewNoop() *Metrics {
	c := noopCounter{}
	g := noopGauge{}
	return &Metrics{
		OrdersPlaced:        c,
		OrdersFailed:        c,
		GridsOpened:         c,
		GridsClosed:         c,
		ImbalanceRecoveries: c,
		DriftCorrections:    c,
		CapacitySkips:       c,
		ExtremeSpreadStops:  c,
		ConfirmedNotional:   g,
		PendingNotional:     g,
		Spread:              g,
	}
}
