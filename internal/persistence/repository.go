// Package persistence records strategy runs and their events so that a
// restarted operator can reconstruct what the bot did.
package persistence

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/exec-bot/internal/types"
)

// Repository defines the interface for run persistence.
type Repository interface {
	// Run operations
	SaveRun(ctx context.Context, run RunRecord) error
	UpdateRunStatus(ctx context.Context, runID string, status types.RunStatus, executedQty, avgPrice decimal.Decimal) error
	GetRun(ctx context.Context, runID string) (*RunRecord, error)
	GetActiveRuns(ctx context.Context) ([]RunRecord, error)

	// Execution operations
	SaveExecution(ctx context.Context, exec ExecutionRecord) error
	GetExecutions(ctx context.Context, runID string) ([]ExecutionRecord, error)

	// Event operations
	SaveEvent(ctx context.Context, event EventRecord) error
	GetEvents(ctx context.Context, runID string, limit int) ([]EventRecord, error)

	// OCO pair operations
	SaveOCOPair(ctx context.Context, pair OCOPairRecord) error
	GetOCOPairs(ctx context.Context, symbol string, limit int) ([]OCOPairRecord, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}

// RunRecord represents a persisted TWAP or grid run.
type RunRecord struct {
	RunID       string
	Strategy    string // twap | grid
	Symbol      string
	Side        types.Side
	TotalQty    decimal.Decimal
	ExecutedQty decimal.Decimal
	AvgPrice    decimal.Decimal
	Status      types.RunStatus
	StartedAt   time.Time
	UpdatedAt   time.Time
}

// ExecutionRecord represents one order placed by a run.
type ExecutionRecord struct {
	ID          int64
	RunID       string
	OrderID     int64
	Symbol      string
	Side        types.Side
	Type        types.OrderType
	Quantity    decimal.Decimal
	Price       decimal.Decimal
	Status      types.OrderStatus
	ExecutedQty decimal.Decimal
	AvgPrice    decimal.Decimal
	CreatedAt   time.Time
}

// EventRecord represents one run event.
type EventRecord struct {
	ID        int64
	RunID     string
	Kind      string
	Payload   string // JSON
	CreatedAt time.Time
}

// OCOPairRecord represents a placed OCO pair.
type OCOPairRecord struct {
	ID        int64
	Symbol    string
	Side      types.Side
	Quantity  decimal.Decimal
	TPOrderID int64
	SLOrderID int64
	TPPrice   decimal.Decimal
	SLPrice   decimal.Decimal
	CreatedAt time.Time
}
