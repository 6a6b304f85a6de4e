package grid

import (
	"context"
	"strings"
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
	gw.SetPrice("BTCUSDT", decimal.RequireFromString(price))
	return gw
}

func newTestEngine(gw *sim.Gateway) *Engine {
	return NewEngine(gw, nil, nil, EngineConfig{
		PollInterval: 10 * time.Millisecond,
		ErrorBackoff: 20 * time.Millisecond,
	})
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestComputeLevels(t *testing.T) {
	levels := ComputeLevels(
		decimal.RequireFromString("100"),
		decimal.RequireFromString("0.1"),
		5,
		decimal.RequireFromString("0.01"),
	)

	want := []string{"90", "95", "100", "105", "110"}
	if len(levels) != len(want) {
		t.Fatalf("got %d levels %v, want %d", len(levels), levels, len(want))
	}
	for i, lvl := range levels {
		if !lvl.Equal(decimal.RequireFromString(want[i])) {
			t.Errorf("level %d = %s, want %s", i, lvl, want[i])
		}
	}
}

func TestComputeLevelsRoundsToTick(t *testing.T) {
	levels := ComputeLevels(
		decimal.RequireFromString("100"),
		decimal.RequireFromString("0.05"),
		3,
		decimal.RequireFromString("0.5"),
	)

	tick := decimal.RequireFromString("0.5")
	for i, lvl := range levels {
		if !lvl.Mod(tick).IsZero() {
			t.Errorf("level %d = %s is not a tick multiple", i, lvl)
		}
		if i > 0 && !levels[i-1].LessThan(lvl) {
			t.Errorf("levels not strictly ascending: %v", levels)
		}
	}
}

func TestComputeLevelsDeduplicates(t *testing.T) {
	// A narrow range on a coarse tick collapses neighboring levels.
	levels := ComputeLevels(
		decimal.RequireFromString("100"),
		decimal.RequireFromString("0.001"),
		10,
		decimal.RequireFromString("1"),
	)
	seen := make(map[string]bool)
	for _, lvl := range levels {
		if seen[lvl.String()] {
			t.Errorf("duplicate level %s in %v", lvl, levels)
		}
		seen[lvl.String()] = true
	}
}

func TestStartValidation(t *testing.T) {
	gw := newTestGateway(t, "100")
	e := newTestEngine(gw)
	ctx := context.Background()
	qty := decimal.RequireFromString("0.01")
	pct := decimal.RequireFromString("0.1")

	tests := []struct {
		name string
		cfg  Config
	}{
		{"one level", Config{Symbol: "BTCUSDT", Levels: 1, RangePercent: pct, QuantityPerLevel: qty}},
		{"zero range", Config{Symbol: "BTCUSDT", Levels: 5, QuantityPerLevel: qty}},
		{"range at one", Config{Symbol: "BTCUSDT", Levels: 5, RangePercent: decimal.NewFromInt(1), QuantityPerLevel: qty}},
		{"unknown symbol", Config{Symbol: "NOPEUSDT", Levels: 5, RangePercent: pct, QuantityPerLevel: qty}},
		{"bad quantity", Config{Symbol: "BTCUSDT", Levels: 5, RangePercent: pct, QuantityPerLevel: decimal.RequireFromString("0.0005")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.Start(ctx, tt.cfg); err == nil {
				t.Error("expected validation error")
			} else if !types.IsValidation(err) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestInitialLadder(t *testing.T) {
	gw := newTestGateway(t, "100")
	e := newTestEngine(gw)

	runID, err := e.Start(context.Background(), Config{
		Symbol:           "BTCUSDT",
		Levels:           5,
		RangePercent:     decimal.RequireFromString("0.1"),
		QuantityPerLevel: decimal.RequireFromString("0.01"),
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() {
		e.StopAll()
		e.Wait()
	}()

	if !strings.HasPrefix(runID, "GRID_BTCUSDT_") {
		t.Errorf("unexpected run ID %q", runID)
	}

	snap, ok := e.Status(runID)
	if !ok {
		t.Fatal("run not found")
	}
	if len(snap.BuyOrders) != 2 {
		t.Errorf("got %d buy orders, want 2 (at 90, 95)", len(snap.BuyOrders))
	}
	if len(snap.SellOrders) != 2 {
		t.Errorf("got %d sell orders, want 2 (at 105, 110)", len(snap.SellOrders))
	}

	// Each level holds at most one order, in exactly one of the two maps.
	levelSides := make(map[string]int)
	for _, p := range snap.BuyOrders {
		if !p.LessThan(snap.CenterPrice) {
			t.Errorf("buy order at %s not below center %s", p, snap.CenterPrice)
		}
		levelSides[p.String()]++
	}
	for _, p := range snap.SellOrders {
		if !p.GreaterThan(snap.CenterPrice) {
			t.Errorf("sell order at %s not above center %s", p, snap.CenterPrice)
		}
		levelSides[p.String()]++
	}
	for lvl, n := range levelSides {
		if n > 1 {
			t.Errorf("level %s holds %d orders", lvl, n)
		}
	}
}

func TestDerivedQuantityFromInvestment(t *testing.T) {
	gw := newTestGateway(t, "100")
	e := newTestEngine(gw)

	// 50 USDT over 5 levels at price 100 derives 0.1 per level.
	runID, err := e.Start(context.Background(), Config{
		Symbol:          "BTCUSDT",
		Levels:          5,
		RangePercent:    decimal.RequireFromString("0.1"),
		TotalInvestment: decimal.RequireFromString("50"),
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() {
		e.StopAll()
		e.Wait()
	}()

	open := gw.OpenOrders()
	if len(open) == 0 {
		t.Fatal("no orders placed")
	}
	for _, o := range open {
		if !o.Quantity.Equal(decimal.RequireFromString("0.1")) {
			t.Errorf("order quantity %s, want 0.1", o.Quantity)
		}
	}
	_ = runID
}

func TestBuyFillWalksLadderUp(t *testing.T) {
	gw := newTestGateway(t, "100")
	e := newTestEngine(gw)

	runID, err := e.Start(context.Background(), Config{
		Symbol:           "BTCUSDT",
		Levels:           5,
		RangePercent:     decimal.RequireFromString("0.1"),
		QuantityPerLevel: decimal.RequireFromString("0.01"),
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() {
		e.StopAll()
		e.Wait()
	}()

	snap, _ := e.Status(runID)
	buyAt95 := findOrder(t, snap.BuyOrders, "95")

	if err := gw.FillOrder(buyAt95, decimal.Zero); err != nil {
		t.Fatalf("FillOrder failed: %v", err)
	}

	// The engine replaces the fill with a sell at 100, the next level up.
	waitFor(t, time.Second, func() bool {
		s, _ := e.Status(runID)
		return hasLevel(s.SellOrders, "100")
	})

	s, _ := e.Status(runID)
	if hasLevel(s.BuyOrders, "95") {
		t.Error("filled buy at 95 still tracked")
	}
	if s.TradesCompleted != 0 {
		t.Errorf("buy fill alone counted as %d completed trades", s.TradesCompleted)
	}
}

func TestSellFillRealizesProfit(t *testing.T) {
	gw := newTestGateway(t, "100")
	e := newTestEngine(gw)

	runID, err := e.Start(context.Background(), Config{
		Symbol:           "BTCUSDT",
		Levels:           5,
		RangePercent:     decimal.RequireFromString("0.1"),
		QuantityPerLevel: decimal.RequireFromString("0.01"),
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() {
		e.StopAll()
		e.Wait()
	}()

	snap, _ := e.Status(runID)
	buyAt95 := findOrder(t, snap.BuyOrders, "95")
	if err := gw.FillOrder(buyAt95, decimal.Zero); err != nil {
		t.Fatalf("FillOrder failed: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		s, _ := e.Status(runID)
		return hasLevel(s.SellOrders, "100")
	})

	s, _ := e.Status(runID)
	sellAt100 := findOrder(t, s.SellOrders, "100")
	if err := gw.FillOrder(sellAt100, decimal.Zero); err != nil {
		t.Fatalf("FillOrder failed: %v", err)
	}

	// Round trip: bought at 95, sold at 100, quantity 0.01 → profit 0.05.
	waitFor(t, time.Second, func() bool {
		s, _ := e.Status(runID)
		return s.TradesCompleted >= 1
	})

	final, _ := e.Status(runID)
	if !final.TotalProfit.Equal(decimal.RequireFromString("0.05")) {
		t.Errorf("profit %s, want 0.05", final.TotalProfit)
	}
	// The ladder walks back down: a fresh buy rests at 95 again.
	waitFor(t, time.Second, func() bool {
		s, _ := e.Status(runID)
		return hasLevel(s.BuyOrders, "95")
	})
}

func TestExplicitCenterPrice(t *testing.T) {
	// Market trades at 120 but the grid is anchored at 100.
	gw := newTestGateway(t, "120")
	e := newTestEngine(gw)

	runID, err := e.Start(context.Background(), Config{
		Symbol:           "BTCUSDT",
		Levels:           5,
		RangePercent:     decimal.RequireFromString("0.1"),
		CenterPrice:      decimal.RequireFromString("100"),
		QuantityPerLevel: decimal.RequireFromString("0.01"),
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() {
		e.StopAll()
		e.Wait()
	}()

	snap, _ := e.Status(runID)
	if !snap.CenterPrice.Equal(decimal.RequireFromString("100")) {
		t.Errorf("center price %s, want the explicit 100", snap.CenterPrice)
	}
	if !hasLevel(snap.BuyOrders, "90") || !hasLevel(snap.BuyOrders, "95") {
		t.Errorf("buys not anchored at the explicit center: %v", snap.BuyOrders)
	}
	if !hasLevel(snap.SellOrders, "105") || !hasLevel(snap.SellOrders, "110") {
		t.Errorf("sells not anchored at the explicit center: %v", snap.SellOrders)
	}
}

func TestSellFillMatchesLatestLowerBuy(t *testing.T) {
	gw := newTestGateway(t, "100")
	e := newTestEngine(gw)

	runID, err := e.Start(context.Background(), Config{
		Symbol:           "BTCUSDT",
		Levels:           5,
		RangePercent:     decimal.RequireFromString("0.1"),
		QuantityPerLevel: decimal.RequireFromString("0.01"),
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() {
		e.StopAll()
		e.Wait()
	}()

	snap, _ := e.Status(runID)
	buyAt95 := findOrder(t, snap.BuyOrders, "95")
	if err := gw.FillOrder(buyAt95, decimal.Zero); err != nil {
		t.Fatalf("FillOrder failed: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		s, _ := e.Status(runID)
		return len(s.Trades) >= 1
	})

	// The initial sell at 105 fills next: the buy at 95 is the most
	// recent trade below it, two levels down.
	s, _ := e.Status(runID)
	sellAt105 := findOrder(t, s.SellOrders, "105")
	if err := gw.FillOrder(sellAt105, decimal.Zero); err != nil {
		t.Fatalf("FillOrder failed: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		s, _ := e.Status(runID)
		return s.TradesCompleted >= 1
	})

	final, _ := e.Status(runID)
	if !final.TotalProfit.Equal(decimal.RequireFromString("0.1")) {
		t.Errorf("profit %s, want (105-95)*0.01 = 0.1", final.TotalProfit)
	}
	if len(final.Trades) != 2 {
		t.Fatalf("ledger holds %d trades, want 2", len(final.Trades))
	}
	if final.Trades[0].Side != types.SideBuy || !final.Trades[0].Price.Equal(decimal.RequireFromString("95")) {
		t.Errorf("first trade = %+v, want BUY at 95", final.Trades[0])
	}
	if final.Trades[1].Side != types.SideSell || !final.Trades[1].Price.Equal(decimal.RequireFromString("105")) {
		t.Errorf("second trade = %+v, want SELL at 105", final.Trades[1])
	}
}

func TestBoundaryThinsLadder(t *testing.T) {
	gw := newTestGateway(t, "100")
	e := newTestEngine(gw)

	runID, err := e.Start(context.Background(), Config{
		Symbol:           "BTCUSDT",
		Levels:           3, // levels 90, 100, 110
		RangePercent:     decimal.RequireFromString("0.1"),
		QuantityPerLevel: decimal.RequireFromString("0.01"),
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() {
		e.StopAll()
		e.Wait()
	}()

	snap, _ := e.Status(runID)
	sellAt110 := findOrder(t, snap.SellOrders, "110")
	if err := gw.FillOrder(sellAt110, decimal.Zero); err != nil {
		t.Fatalf("FillOrder failed: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		s, _ := e.Status(runID)
		return s.TradesCompleted >= 1
	})

	s, _ := e.Status(runID)
	if hasLevel(s.SellOrders, "110") {
		t.Error("filled sell at the top boundary still tracked")
	}
	// No level above 110 exists, so nothing replaces it upward; the buy
	// replacement below lands at 100, which is free.
	for _, p := range s.SellOrders {
		if p.GreaterThan(decimal.RequireFromString("110")) {
			t.Errorf("sell order beyond the grid boundary at %s", p)
		}
	}
}

func TestStopCancelsAllOrders(t *testing.T) {
	gw := newTestGateway(t, "100")
	e := newTestEngine(gw)

	runID, err := e.Start(context.Background(), Config{
		Symbol:           "BTCUSDT",
		Levels:           5,
		RangePercent:     decimal.RequireFromString("0.1"),
		QuantityPerLevel: decimal.RequireFromString("0.01"),
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if !e.Stop(runID) {
		t.Fatal("Stop returned false for active run")
	}
	e.Wait()

	snap, _ := e.Status(runID)
	if snap.Status != types.RunStatusStopped {
		t.Fatalf("status = %s, want STOPPED", snap.Status)
	}
	if len(snap.BuyOrders)+len(snap.SellOrders) != 0 {
		t.Error("stopped grid still tracks orders")
	}
	if open := gw.OpenOrders(); len(open) != 0 {
		t.Errorf("%d orders still resting after stop", len(open))
	}
	if len(gw.CancelledOrders()) != 4 {
		t.Errorf("cancelled %d orders, want 4", len(gw.CancelledOrders()))
	}

	if e.Stop(runID) {
		t.Error("Stop on a terminal run returned true")
	}
}

func TestUpdateEvents(t *testing.T) {
	gw := newTestGateway(t, "100")
	e := newTestEngine(gw)

	updates := make(chan types.UpdatePayload, 64)
	runID, err := e.Start(context.Background(), Config{
		Symbol:           "BTCUSDT",
		Levels:           5,
		RangePercent:     decimal.RequireFromString("0.1"),
		QuantityPerLevel: decimal.RequireFromString("0.01"),
		OnEvent: func(id string, kind types.EventKind, payload any) {
			if kind == types.EventUpdate {
				select {
				case updates <- payload.(types.UpdatePayload):
				default:
				}
			}
		},
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case u := <-updates:
		if u.ActiveBuyOrders != 2 || u.ActiveSellOrders != 2 {
			t.Errorf("update reports %d buys %d sells, want 2/2", u.ActiveBuyOrders, u.ActiveSellOrders)
		}
	case <-time.After(time.Second):
		t.Fatal("no update event within a second")
	}

	e.Stop(runID)
	e.Wait()
}

func findOrder(t *testing.T, orders map[int64]decimal.Decimal, level string) int64 {
	t.Helper()
	want := decimal.RequireFromString(level)
	for id, p := range orders {
		if p.Equal(want) {
			return id
		}
	}
	t.Fatalf("no order at level %s in %v", level, orders)
	return 0
}

func hasLevel(orders map[int64]decimal.Decimal, level string) bool {
	want := decimal.RequireFromString(level)
	for _, p := range orders {
		if p.Equal(want) {
			return true
		}
	}
	return false
}
