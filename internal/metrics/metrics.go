// Package metrics defines the Prometheus metrics surface for the scalping
// engine: ticks in, signals scored and rejected, orders placed and retried,
// open positions, realized P&L, stream health, and sweep latency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every counter, gauge, and histogram the engine exposes.
type Metrics struct {
	TicksTotal             *prometheus.CounterVec
	SignalsTotal           *prometheus.CounterVec
	SignalsRejectedTotal   *prometheus.CounterVec
	OrdersTotal            *prometheus.CounterVec
	OrderRetriesTotal      prometheus.Counter
	OrderFailuresTotal     *prometheus.CounterVec
	PositionsOpen          prometheus.Gauge
	PnLTotal               prometheus.Gauge
	DailyPnL               prometheus.Gauge
	WSReconnectsTotal      prometheus.Counter
	WSMalformedTotal       prometheus.Counter
	WSConnectionGeneration prometheus.Gauge
	SweepDuration          prometheus.Histogram
}

// New creates and registers metrics against the default Prometheus registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics against a caller-supplied registry, useful
// for isolated test registries.
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		TicksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ticks_total",
			Help: "Total number of normalized ticks processed, per symbol.",
		}, []string{"symbol"}),
		SignalsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "signals_total",
			Help: "Total number of signals emitted, per symbol and direction.",
		}, []string{"symbol", "direction"}),
		SignalsRejectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "signals_rejected_total",
			Help: "Total number of signals rejected at admission, by reason.",
		}, []string{"reason"}),
		OrdersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orders_total",
			Help: "Total number of order placement attempts, per symbol and outcome.",
		}, []string{"symbol", "outcome"}),
		OrderRetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "order_retries_total",
			Help: "Total number of order placement retries.",
		}),
		OrderFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "order_failures_total",
			Help: "Total number of order placement failures, by kind.",
		}, []string{"kind"}),
		PositionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "positions_open",
			Help: "Current number of open positions.",
		}),
		PnLTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pnl_total",
			Help: "Current total realized profit and loss.",
		}),
		DailyPnL: factory.NewGauge(prometheus.GaugeOpts{
			Name: "daily_pnl",
			Help: "Realized profit and loss for the current UTC trading day.",
		}),
		WSReconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "ws_reconnects_total",
			Help: "Total number of stream client reconnections.",
		}),
		WSMalformedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "ws_malformed_total",
			Help: "Total number of malformed stream messages discarded.",
		}),
		WSConnectionGeneration: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ws_connection_generation",
			Help: "Monotonically increasing generation counter of the active stream connection.",
		}),
		SweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sweep_duration_seconds",
			Help:    "Duration of a position manager sweep pass.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
