package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "spread_grid_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type promGauge struct {
	gauge prometheus.Gauge
}

func (p promGauge) Set(v float64) {
	p.gauge.Set(v)
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
		registry.MustRegister(c)
		return c
	}
	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
		registry.MustRegister(g)
		return g
	}

	m := &Metrics{
		OrdersPlaced:        promCounter{counter("orders_placed_total", "Total number of orders placed.")},
		OrdersFailed:        promCounter{counter("orders_failed_total", "Total number of order submission failures.")},
		GridsOpened:         promCounter{counter("grids_opened_total", "Total number of grid levels opened (both legs settled).")},
		GridsClosed:         promCounter{counter("grids_closed_total", "Total number of grid levels closed (both legs settled).")},
		ImbalanceRecoveries: promCounter{counter("imbalance_recoveries_total", "Total number of one-legged fills flattened by emergency close.")},
		DriftCorrections:    promCounter{counter("drift_corrections_total", "Total number of reconciliation corrections applied to the ledger.")},
		CapacitySkips:       promCounter{counter("capacity_skips_total", "Total number of open intents skipped at the exposure cap.")},
		ExtremeSpreadStops:  promCounter{counter("extreme_spread_stops_total", "Total number of extreme-spread close-all triggers.")},
		ConfirmedNotional:   promGauge{gauge("confirmed_notional", "Confirmed notional tracked by the ledger.")},
		PendingNotional:     promGauge{gauge("pending_notional", "Pending notional tracked by the ledger.")},
		Spread:              promGauge{gauge("spread", "Latest computed spread between the two legs.")},
	}

	return &Prometheus{Metrics: m, registry: registry}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
