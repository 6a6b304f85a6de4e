package twap

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/exec-bot/internal/gateway/sim"
	"github.com/tathienbao/exec-bot/internal/types"
)

func newTestGateway(t *testing.T, price string) *sim.Gateway {
	t.Helper()
	gw := sim.New(map[string]types.SymbolRules{
		"BTCUSDT": sim.DefaultRules("BTCUSDT"),
	}, nil)
	if price != "" {
		gw.SetPrice("BTCUSDT", decimal.RequireFromString(price))
	}
	return gw
}

// eventCollector gathers run events across goroutines.
type eventCollector struct {
	mu     sync.Mutex
	events []collectedEvent
}

type collectedEvent struct {
	kind    types.EventKind
	payload any
}

func (c *eventCollector) callback(runID string, kind types.EventKind, payload any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, collectedEvent{kind: kind, payload: payload})
}

func (c *eventCollector) byKind(kind types.EventKind) []collectedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []collectedEvent
	for _, e := range c.events {
		if e.kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func TestSplitQuantity(t *testing.T) {
	rules := sim.DefaultRules("BTCUSDT")

	tests := []struct {
		name  string
		total string
		n     int
		want  []string
	}{
		{"even split", "0.009", 3, []string{"0.003", "0.003", "0.003"}},
		{"remainder in last", "0.01", 3, []string{"0.003", "0.003", "0.004"}},
		{"base below min clamps", "0.005", 4, []string{"0.001", "0.001", "0.001", "0.002"}},
		{"single chunk", "0.013", 1, []string{"0.013"}},
		{"dust folds back", "0.0035", 2, []string{"0.0015", "0.002"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks, err := SplitQuantity(decimal.RequireFromString(tt.total), tt.n, rules)
			if err != nil {
				t.Fatalf("SplitQuantity(%s, %d) failed: %v", tt.total, tt.n, err)
			}
			if len(chunks) != len(tt.want) {
				t.Fatalf("got %d chunks, want %d: %v", len(chunks), len(tt.want), chunks)
			}

			sum := decimal.Zero
			for i, c := range chunks {
				if !c.Equal(decimal.RequireFromString(tt.want[i])) {
					t.Errorf("chunk %d = %s, want %s", i, c, tt.want[i])
				}
				sum = sum.Add(c)
			}
			if !sum.Equal(decimal.RequireFromString(tt.total)) {
				t.Errorf("chunks sum to %s, want %s", sum, tt.total)
			}
		})
	}
}

func TestSplitQuantitySumInvariant(t *testing.T) {
	rules := sim.DefaultRules("BTCUSDT")
	totals := []string{"0.002", "0.0045", "0.01", "0.1", "1.337", "99.999"}

	for _, total := range totals {
		for n := 1; n <= 5; n++ {
			chunks, err := SplitQuantity(decimal.RequireFromString(total), n, rules)
			if err != nil {
				continue // total too small for this chunk count
			}
			sum := decimal.Zero
			for _, c := range chunks {
				sum = sum.Add(c)
			}
			if !sum.Equal(decimal.RequireFromString(total)) {
				t.Errorf("total %s n %d: chunks %v sum to %s", total, n, chunks, sum)
			}
		}
	}
}

func TestSplitQuantityTooSmall(t *testing.T) {
	rules := sim.DefaultRules("BTCUSDT")
	if _, err := SplitQuantity(decimal.RequireFromString("0.002"), 5, rules); err == nil {
		t.Error("expected error splitting 0.002 into 5 chunks with min 0.001")
	}
}

func TestDefaultChunkCount(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want int
	}{
		{30 * time.Second, 2},
		{1 * time.Minute, 2},
		{5 * time.Minute, 5},
		{20 * time.Minute, 20},
		{90 * time.Minute, 20},
	}
	for _, tt := range tests {
		if got := defaultChunkCount(tt.d); got != tt.want {
			t.Errorf("defaultChunkCount(%v) = %d, want %d", tt.d, got, tt.want)
		}
	}
}

func TestStartValidation(t *testing.T) {
	gw := newTestGateway(t, "100")
	s := NewScheduler(gw, nil, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		cfg  Config
	}{
		{"bad side", Config{Symbol: "BTCUSDT", Side: "HOLD", TotalQuantity: decimal.RequireFromString("0.01"), Duration: time.Minute, OrderType: types.OrderTypeMarket}},
		{"zero duration", Config{Symbol: "BTCUSDT", Side: types.SideBuy, TotalQuantity: decimal.RequireFromString("0.01"), OrderType: types.OrderTypeMarket}},
		{"bad order type", Config{Symbol: "BTCUSDT", Side: types.SideBuy, TotalQuantity: decimal.RequireFromString("0.01"), Duration: time.Minute, OrderType: types.OrderTypeStopMarket}},
		{"limit without price", Config{Symbol: "BTCUSDT", Side: types.SideBuy, TotalQuantity: decimal.RequireFromString("0.01"), Duration: time.Minute, OrderType: types.OrderTypeLimit}},
		{"unknown symbol", Config{Symbol: "NOPEUSDT", Side: types.SideBuy, TotalQuantity: decimal.RequireFromString("0.01"), Duration: time.Minute, OrderType: types.OrderTypeMarket}},
		{"bad quantity", Config{Symbol: "BTCUSDT", Side: types.SideBuy, TotalQuantity: decimal.RequireFromString("0.00051"), Duration: time.Minute, OrderType: types.OrderTypeMarket}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Start(ctx, tt.cfg); err == nil {
				t.Error("expected validation error")
			} else if !types.IsValidation(err) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestRunCompletes(t *testing.T) {
	gw := newTestGateway(t, "100")
	s := NewScheduler(gw, nil, nil)
	collector := &eventCollector{}

	runID, err := s.Start(context.Background(), Config{
		Symbol:        "BTCUSDT",
		Side:          types.SideBuy,
		TotalQuantity: decimal.RequireFromString("0.05"),
		Duration:      250 * time.Millisecond,
		NumOrders:     5,
		OrderType:     types.OrderTypeMarket,
		OnEvent:       collector.callback,
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !strings.HasPrefix(runID, "TWAP_BTCUSDT_") {
		t.Errorf("unexpected run ID %q", runID)
	}

	s.Wait()

	snap, ok := s.Status(runID)
	if !ok {
		t.Fatal("run not found after completion")
	}
	if snap.Status != types.RunStatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", snap.Status)
	}
	if !snap.ExecutedQuantity.Equal(decimal.RequireFromString("0.05")) {
		t.Errorf("executed %s, want 0.05", snap.ExecutedQuantity)
	}
	if len(snap.Orders) != 5 {
		t.Errorf("placed %d orders, want 5", len(snap.Orders))
	}
	// Every fill was at 100, so the weighted average must be exactly 100.
	if !snap.TWAPPrice.Equal(decimal.RequireFromString("100")) {
		t.Errorf("TWAP price %s, want 100", snap.TWAPPrice)
	}

	chunkEvents := collector.byKind(types.EventChunkCompleted)
	if len(chunkEvents) != 5 {
		t.Errorf("got %d chunk events, want 5", len(chunkEvents))
	}
	for i, e := range chunkEvents {
		p, ok := e.payload.(types.ChunkCompletedPayload)
		if !ok {
			t.Fatalf("chunk event %d has payload %T", i, e.payload)
		}
		if p.ChunkNumber != i+1 || p.ChunkCount != 5 {
			t.Errorf("chunk event %d: number %d count %d", i, p.ChunkNumber, p.ChunkCount)
		}
	}

	completed := collector.byKind(types.EventCompleted)
	if len(completed) != 1 {
		t.Fatalf("got %d completed events, want 1", len(completed))
	}
	final := completed[0].payload.(types.CompletedPayload)
	if !final.TWAPPrice.Equal(decimal.RequireFromString("100")) {
		t.Errorf("completed event TWAP price %s, want 100", final.TWAPPrice)
	}
	if !final.TotalExecuted.Equal(decimal.RequireFromString("0.05")) {
		t.Errorf("completed event executed %s, want 0.05", final.TotalExecuted)
	}
}

func TestPriceDeviationEvent(t *testing.T) {
	gw := newTestGateway(t, "100")
	s := NewScheduler(gw, nil, nil)
	collector := &eventCollector{}

	var once sync.Once
	callback := types.ChainCallbacks(collector.callback,
		func(runID string, kind types.EventKind, payload any) {
			// Move the market after the first chunk so later chunks see a
			// deviation from the initial reference price.
			if kind == types.EventChunkCompleted {
				once.Do(func() {
					gw.SetPrice("BTCUSDT", decimal.RequireFromString("110"))
				})
			}
		})

	_, err := s.Start(context.Background(), Config{
		Symbol:            "BTCUSDT",
		Side:              types.SideBuy,
		TotalQuantity:     decimal.RequireFromString("0.003"),
		Duration:          90 * time.Millisecond,
		NumOrders:         3,
		OrderType:         types.OrderTypeMarket,
		MaxPriceDeviation: decimal.RequireFromString("0.05"),
		OnEvent:           callback,
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	s.Wait()

	deviations := collector.byKind(types.EventPriceDeviation)
	if len(deviations) == 0 {
		t.Fatal("expected at least one price deviation event")
	}
	p := deviations[0].payload.(types.PriceDeviationPayload)
	if !p.InitialPrice.Equal(decimal.RequireFromString("100")) {
		t.Errorf("initial price %s, want 100", p.InitialPrice)
	}
	if !p.CurrentPrice.Equal(decimal.RequireFromString("110")) {
		t.Errorf("current price %s, want 110", p.CurrentPrice)
	}
	// The run itself must still complete; deviation is informational.
	if len(collector.byKind(types.EventCompleted)) != 1 {
		t.Error("run did not complete after deviation")
	}
}

func TestStopHaltsFutureChunks(t *testing.T) {
	gw := newTestGateway(t, "100")
	s := NewScheduler(gw, nil, nil)

	firstChunk := make(chan struct{})
	var once sync.Once
	runID, err := s.Start(context.Background(), Config{
		Symbol:        "BTCUSDT",
		Side:          types.SideSell,
		TotalQuantity: decimal.RequireFromString("0.01"),
		Duration:      10 * time.Second,
		NumOrders:     10,
		OrderType:     types.OrderTypeMarket,
		OnEvent: func(id string, kind types.EventKind, payload any) {
			if kind == types.EventChunkCompleted {
				once.Do(func() { close(firstChunk) })
			}
		},
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	<-firstChunk
	if !s.Stop(runID) {
		t.Fatal("Stop returned false for active run")
	}
	s.Wait()

	snap, _ := s.Status(runID)
	if snap.Status != types.RunStatusStopped {
		t.Fatalf("status = %s, want STOPPED", snap.Status)
	}
	if len(snap.Orders) >= 10 {
		t.Errorf("stop did not halt future chunks, %d orders placed", len(snap.Orders))
	}

	// Terminal state is stable: stopping again is a no-op.
	if s.Stop(runID) {
		t.Error("Stop on a terminal run returned true")
	}
	after, _ := s.Status(runID)
	if after.Status != types.RunStatusStopped {
		t.Errorf("terminal status changed to %s", after.Status)
	}
}

func TestRunErrorsWithoutReferencePrice(t *testing.T) {
	gw := newTestGateway(t, "") // no simulated price at all
	s := NewScheduler(gw, nil, nil)

	runID, err := s.Start(context.Background(), Config{
		Symbol:        "BTCUSDT",
		Side:          types.SideBuy,
		TotalQuantity: decimal.RequireFromString("0.01"),
		Duration:      100 * time.Millisecond,
		NumOrders:     2,
		OrderType:     types.OrderTypeMarket,
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	s.Wait()

	snap, _ := s.Status(runID)
	if snap.Status != types.RunStatusError {
		t.Errorf("status = %s, want ERROR", snap.Status)
	}
	if gw.PlacedCount() != 0 {
		t.Errorf("%d orders placed without a reference price", gw.PlacedCount())
	}
}

func TestStopUnknownRun(t *testing.T) {
	s := NewScheduler(newTestGateway(t, "100"), nil, nil)
	if s.Stop("TWAP_BTCUSDT_0") {
		t.Error("Stop returned true for unknown run")
	}
	if _, ok := s.Status("TWAP_BTCUSDT_0"); ok {
		t.Error("Status returned a snapshot for unknown run")
	}
}

func TestActiveRuns(t *testing.T) {
	gw := newTestGateway(t, "100")
	s := NewScheduler(gw, nil, nil)

	runID, err := s.Start(context.Background(), Config{
		Symbol:        "BTCUSDT",
		Side:          types.SideBuy,
		TotalQuantity: decimal.RequireFromString("0.01"),
		Duration:      10 * time.Second,
		NumOrders:     10,
		OrderType:     types.OrderTypeMarket,
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ids := s.ActiveRuns()
	if len(ids) != 1 || ids[0] != runID {
		t.Errorf("ActiveRuns = %v, want [%s]", ids, runID)
	}

	s.StopAll()
	s.Wait()

	if ids := s.ActiveRuns(); len(ids) != 0 {
		t.Errorf("ActiveRuns after StopAll = %v, want empty", ids)
	}
}
