// Package metrics exposes Prometheus metrics for the execution bot.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OrdersTotal counts orders placed through the gateway by strategy.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "execbot_orders_total",
		Help: "Orders placed, by strategy, symbol, side and outcome.",
	}, []string{"strategy", "symbol", "side", "outcome"})

	// ChunksTotal counts executed TWAP chunks.
	ChunksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "execbot_twap_chunks_total",
		Help: "TWAP chunks executed, by symbol.",
	}, []string{"symbol"})

	// PriceDeviationsTotal counts TWAP price-deviation events.
	PriceDeviationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "execbot_twap_price_deviations_total",
		Help: "TWAP price deviation warnings, by symbol.",
	}, []string{"symbol"})

	// GridTradesTotal counts filled grid orders.
	GridTradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "execbot_grid_trades_total",
		Help: "Grid fills recorded, by symbol and side.",
	}, []string{"symbol", "side"})

	// GridProfit tracks accumulated grid profit.
	GridProfit = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "execbot_grid_profit",
		Help: "Accumulated realized grid profit, by symbol.",
	}, []string{"symbol"})

	// ActiveRuns tracks currently running strategies.
	ActiveRuns = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "execbot_active_runs",
		Help: "Strategy runs currently active, by strategy.",
	}, []string{"strategy"})

	// GatewayLatency observes gateway call latency.
	GatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "execbot_gateway_latency_seconds",
		Help:    "Latency of gateway calls, by operation.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// ErrorsTotal counts errors by kind.
	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "execbot_errors_total",
		Help: "Errors encountered, by kind.",
	}, []string{"kind"})
)
