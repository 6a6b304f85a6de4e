package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/exec-bot/internal/types"
)

func newTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	repo, err := NewSQLiteRepository(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestRunRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	rec := RunRecord{
		RunID:       "TWAP_BTCUSDT_1700000000",
		Strategy:    "twap",
		Symbol:      "BTCUSDT",
		Side:        types.SideBuy,
		TotalQty:    decimal.RequireFromString("0.05"),
		ExecutedQty: decimal.Zero,
		AvgPrice:    decimal.Zero,
		Status:      types.RunStatusActive,
		StartedAt:   time.Now().UTC().Truncate(time.Second),
	}
	if err := repo.SaveRun(ctx, rec); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	got, err := repo.GetRun(ctx, rec.RunID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got == nil {
		t.Fatal("GetRun returned nil for saved run")
	}
	if got.Strategy != "twap" || got.Side != types.SideBuy || got.Status != types.RunStatusActive {
		t.Errorf("got %+v", got)
	}
	if !got.TotalQty.Equal(rec.TotalQty) {
		t.Errorf("total qty %s, want %s", got.TotalQty, rec.TotalQty)
	}

	if err := repo.UpdateRunStatus(ctx, rec.RunID, types.RunStatusCompleted,
		decimal.RequireFromString("0.05"), decimal.RequireFromString("50123.45")); err != nil {
		t.Fatalf("UpdateRunStatus failed: %v", err)
	}

	got, err = repo.GetRun(ctx, rec.RunID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Status != types.RunStatusCompleted {
		t.Errorf("status = %s, want COMPLETED", got.Status)
	}
	if !got.AvgPrice.Equal(decimal.RequireFromString("50123.45")) {
		t.Errorf("avg price = %s", got.AvgPrice)
	}
}

func TestGetRunUnknown(t *testing.T) {
	repo := newTestRepo(t)

	got, err := repo.GetRun(context.Background(), "TWAP_NOPE_0")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got != nil {
		t.Errorf("GetRun returned %+v for unknown run", got)
	}
}

func TestGetActiveRuns(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for i, status := range []types.RunStatus{types.RunStatusActive, types.RunStatusCompleted, types.RunStatusActive} {
		err := repo.SaveRun(ctx, RunRecord{
			RunID:     "GRID_BTCUSDT_" + string(rune('a'+i)),
			Strategy:  "grid",
			Symbol:    "BTCUSDT",
			TotalQty:  decimal.RequireFromString("0.01"),
			Status:    status,
			StartedAt: time.Now(),
		})
		if err != nil {
			t.Fatalf("SaveRun failed: %v", err)
		}
	}

	active, err := repo.GetActiveRuns(ctx)
	if err != nil {
		t.Fatalf("GetActiveRuns failed: %v", err)
	}
	if len(active) != 2 {
		t.Errorf("got %d active runs, want 2", len(active))
	}
}

func TestExecutions(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := repo.SaveExecution(ctx, ExecutionRecord{
			RunID:       "TWAP_BTCUSDT_1",
			OrderID:     int64(100 + i),
			Symbol:      "BTCUSDT",
			Side:        types.SideBuy,
			Type:        types.OrderTypeMarket,
			Quantity:    decimal.RequireFromString("0.01"),
			Status:      types.OrderStatusFilled,
			ExecutedQty: decimal.RequireFromString("0.01"),
			AvgPrice:    decimal.RequireFromString("50000"),
		})
		if err != nil {
			t.Fatalf("SaveExecution failed: %v", err)
		}
	}

	execs, err := repo.GetExecutions(ctx, "TWAP_BTCUSDT_1")
	if err != nil {
		t.Fatalf("GetExecutions failed: %v", err)
	}
	if len(execs) != 3 {
		t.Fatalf("got %d executions, want 3", len(execs))
	}
	for i, e := range execs {
		if e.OrderID != int64(100+i) {
			t.Errorf("execution %d has order ID %d, want oldest-first order", i, e.OrderID)
		}
	}
}

func TestEvents(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := repo.SaveEvent(ctx, EventRecord{
			RunID:   "TWAP_BTCUSDT_1",
			Kind:    string(types.EventChunkCompleted),
			Payload: `{"chunk_number":1}`,
		})
		if err != nil {
			t.Fatalf("SaveEvent failed: %v", err)
		}
	}

	events, err := repo.GetEvents(ctx, "TWAP_BTCUSDT_1", 3)
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if len(events) != 3 {
		t.Errorf("got %d events, want limit 3", len(events))
	}
	for _, e := range events {
		if e.Kind != string(types.EventChunkCompleted) {
			t.Errorf("event kind = %s", e.Kind)
		}
	}
}

func TestOCOPairs(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	err := repo.SaveOCOPair(ctx, OCOPairRecord{
		Symbol:    "BTCUSDT",
		Side:      types.SideSell,
		Quantity:  decimal.RequireFromString("0.01"),
		TPOrderID: 11,
		SLOrderID: 12,
		TPPrice:   decimal.RequireFromString("105"),
		SLPrice:   decimal.RequireFromString("95"),
	})
	if err != nil {
		t.Fatalf("SaveOCOPair failed: %v", err)
	}

	pairs, err := repo.GetOCOPairs(ctx, "BTCUSDT", 10)
	if err != nil {
		t.Fatalf("GetOCOPairs failed: %v", err)
	}
	if len(pairs) != 1 {
		t.Fatalf("got %d pairs, want 1", len(pairs))
	}
	p := pairs[0]
	if p.TPOrderID != 11 || p.SLOrderID != 12 {
		t.Errorf("pair IDs %d/%d", p.TPOrderID, p.SLOrderID)
	}
	if !p.TPPrice.Equal(decimal.RequireFromString("105")) || !p.SLPrice.Equal(decimal.RequireFromString("95")) {
		t.Errorf("pair prices %s/%s", p.TPPrice, p.SLPrice)
	}
}

func TestJournalRecord(t *testing.T) {
	repo := newTestRepo(t)
	journal := NewJournal(repo, nil)

	journal.Record("TWAP_BTCUSDT_1", types.EventCompleted, types.CompletedPayload{
		TotalExecuted: decimal.RequireFromString("0.05"),
		TWAPPrice:     decimal.RequireFromString("50000"),
	})

	events, err := repo.GetEvents(context.Background(), "TWAP_BTCUSDT_1", 10)
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Kind != string(types.EventCompleted) {
		t.Errorf("kind = %s", events[0].Kind)
	}
	if events[0].Payload == "" || events[0].Payload == "{}" {
		t.Errorf("payload not captured: %q", events[0].Payload)
	}
}
