package metrics

import (
	"time"

	"github.com/shopspring/decimal"
)

// Recorder provides methods for recording metrics.
type Recorder struct{}

// NewRecorder creates a new metrics recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// RecordOrder records an order placement attempt.
func (r *Recorder) RecordOrder(strategy, symbol, side, outcome string) {
	OrdersTotal.WithLabelValues(strategy, symbol, side, outcome).Inc()
}

// RecordChunk records an executed TWAP chunk.
func (r *Recorder) RecordChunk(symbol string) {
	ChunksTotal.WithLabelValues(symbol).Inc()
}

// RecordPriceDeviation records a TWAP price deviation warning.
func (r *Recorder) RecordPriceDeviation(symbol string) {
	PriceDeviationsTotal.WithLabelValues(symbol).Inc()
}

// RecordGridTrade records a filled grid order.
func (r *Recorder) RecordGridTrade(symbol, side string) {
	GridTradesTotal.WithLabelValues(symbol, side).Inc()
}

// RecordGridProfit records accumulated grid profit.
func (r *Recorder) RecordGridProfit(symbol string, profit decimal.Decimal) {
	GridProfit.WithLabelValues(symbol).Set(profit.InexactFloat64())
}

// RecordRunStarted records a strategy run starting.
func (r *Recorder) RecordRunStarted(strategy string) {
	ActiveRuns.WithLabelValues(strategy).Inc()
}

// RecordRunFinished records a strategy run reaching a terminal state.
func (r *Recorder) RecordRunFinished(strategy string) {
	ActiveRuns.WithLabelValues(strategy).Dec()
}

// RecordError records an error by kind.
func (r *Recorder) RecordError(kind string) {
	ErrorsTotal.WithLabelValues(kind).Inc()
}

// Timer is a helper for measuring gateway call latency.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the elapsed duration.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// ObserveGateway observes the elapsed time as gateway latency for op.
func (t *Timer) ObserveGateway(op string) {
	GatewayLatency.WithLabelValues(op).Observe(t.Elapsed().Seconds())
}
