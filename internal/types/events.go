package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventKind identifies a strategy lifecycle event.
type EventKind string

const (
	// EventChunkCompleted fires after each TWAP chunk placement.
	EventChunkCompleted EventKind = "CHUNK_COMPLETED"
	// EventPriceDeviation fires when the market moves away from the TWAP
	// reference price by more than the configured limit. Informational only.
	EventPriceDeviation EventKind = "PRICE_DEVIATION"
	// EventCompleted fires once when a TWAP run finishes normally.
	EventCompleted EventKind = "COMPLETED"
	// EventUpdate fires after every grid maintenance iteration.
	EventUpdate EventKind = "UPDATE"
)

// Callback receives strategy events. It is invoked synchronously on the
// run's own goroutine; implementations must not block for long or they
// stall that run's scheduling.
type Callback func(runID string, kind EventKind, payload any)

// ChunkCompletedPayload reports one executed TWAP chunk.
type ChunkCompletedPayload struct {
	ChunkNumber   int
	ChunkCount    int
	ChunkQuantity decimal.Decimal
	TotalExecuted decimal.Decimal
	AveragePrice  decimal.Decimal
}

// PriceDeviationPayload reports a reference-price deviation breach.
type PriceDeviationPayload struct {
	CurrentPrice decimal.Decimal
	InitialPrice decimal.Decimal
	Deviation    decimal.Decimal
}

// CompletedPayload reports the final state of a finished TWAP run.
// TWAPPrice is zero when no fills occurred.
type CompletedPayload struct {
	TotalExecuted decimal.Decimal
	TWAPPrice     decimal.Decimal
	Duration      time.Duration
}

// UpdatePayload reports the state of a grid after one maintenance pass.
type UpdatePayload struct {
	ActiveBuyOrders  int
	ActiveSellOrders int
	TotalProfit      decimal.Decimal
}

// ChainCallbacks fans one event out to several callbacks in order.
// Nil entries are skipped.
func ChainCallbacks(cbs ...Callback) Callback {
	return func(runID string, kind EventKind, payload any) {
		for _, cb := range cbs {
			if cb != nil {
				cb(runID, kind, payload)
			}
		}
	}
}
