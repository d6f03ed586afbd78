// Package metrics exposes Prometheus counters and gauges for the grid
// worker. All metrics are registered at init and served from the admin
// endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// TicksTotal counts completed session ticks per bot.
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridcore_ticks_total",
			Help: "Number of completed session ticks.",
		},
		[]string{"bot_id"},
	)

	// TickErrorsTotal counts ticks that returned an error.
	TickErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridcore_tick_errors_total",
			Help: "Number of session ticks that failed.",
		},
		[]string{"bot_id"},
	)

	// OrdersPlacedTotal counts orders accepted by the venue.
	OrdersPlacedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridcore_orders_placed_total",
			Help: "Number of limit orders placed, by side.",
		},
		[]string{"bot_id", "side"},
	)

	// FillsTotal counts fills observed during reconciliation.
	FillsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridcore_fills_total",
			Help: "Number of order fills observed, by side.",
		},
		[]string{"bot_id", "side"},
	)

	// CancellationsTotal counts orders that ended cancelled or expired.
	CancellationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridcore_cancellations_total",
			Help: "Number of orders observed cancelled or expired on the venue.",
		},
		[]string{"bot_id"},
	)

	// ActiveSessions tracks the number of live bot sessions.
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gridcore_active_sessions",
			Help: "Number of bot sessions currently managed by the orchestrator.",
		},
	)

	// RealizedProfit tracks cumulative realized P/L per bot.
	RealizedProfit = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gridcore_realized_profit",
			Help: "Cumulative realized profit and loss per bot, in quote currency.",
		},
		[]string{"bot_id"},
	)
)

func init() {
	prometheus.MustRegister(
		TicksTotal,
		TickErrorsTotal,
		OrdersPlacedTotal,
		FillsTotal,
		CancellationsTotal,
		ActiveSessions,
		RealizedProfit,
	)
}
