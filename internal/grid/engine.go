// Package grid runs symmetric grid strategies: a ladder of BUY limits
// below a center price and SELL limits above it, maintained by a polling
// loop that replaces each fill with a counter-order one level further.
package grid

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/exec-bot/internal/alerting"
	"github.com/tathienbao/exec-bot/internal/gateway"
	"github.com/tathienbao/exec-bot/internal/metrics"
	"github.com/tathienbao/exec-bot/internal/normalize"
	"github.com/tathienbao/exec-bot/internal/types"
)

// Config describes one grid run.
type Config struct {
	Symbol string
	// Levels is the number of price levels, at least 2.
	Levels int
	// RangePercent is the half-width of the grid as a fraction of the
	// center price (0.1 = levels from -10% to +10%).
	RangePercent decimal.Decimal
	// CenterPrice anchors the grid when positive; otherwise the current
	// market price is used.
	CenterPrice decimal.Decimal
	// QuantityPerLevel is the order size at every level. When zero it is
	// derived from TotalInvestment spread evenly across the levels at the
	// center price, rounded down to the step size.
	QuantityPerLevel decimal.Decimal
	TotalInvestment  decimal.Decimal
	OnEvent          types.Callback
}

// EngineConfig tunes the maintenance loop. Zero values take defaults.
type EngineConfig struct {
	PollInterval time.Duration // default 5s
	ErrorBackoff time.Duration // default 10s
}

// Trade is one executed grid order, recorded in fill order.
type Trade struct {
	Side     types.Side
	Price    decimal.Decimal
	Quantity decimal.Decimal
	OrderID  int64
	Time     time.Time
}

// Snapshot is a caller-facing copy of a run's state.
type Snapshot struct {
	ID              string
	Symbol          string
	CenterPrice     decimal.Decimal
	Levels          []decimal.Decimal
	BuyOrders       map[int64]decimal.Decimal // order ID to level price
	SellOrders      map[int64]decimal.Decimal
	Trades          []Trade
	TotalProfit     decimal.Decimal
	TradesCompleted int // number of filled sells
	Status          types.RunStatus
	StartTime       time.Time
}

// run is the loop-owned record for one grid. The maintenance loop is the
// only writer after Start; readers take the lock for snapshots.
type run struct {
	id     string
	cfg    Config
	rules  types.SymbolRules
	levels []decimal.Decimal
	center decimal.Decimal

	stopCh   chan struct{}
	stopOnce sync.Once

	mu          sync.Mutex
	status      types.RunStatus
	buyOrders   map[int64]decimal.Decimal
	sellOrders  map[int64]decimal.Decimal
	trades      []Trade
	totalProfit decimal.Decimal
	sellsFilled int
	startTime   time.Time
}

func (r *run) requestStop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *run) stopRequested() bool {
	select {
	case <-r.stopCh:
		return true
	default:
		return false
	}
}

// Engine owns all grid runs.
type Engine struct {
	gw       gateway.Gateway
	alerter  alerting.Alerter
	logger   *slog.Logger
	recorder *metrics.Recorder

	pollInterval time.Duration
	errorBackoff time.Duration

	mu   sync.Mutex
	runs map[string]*run
	wg   sync.WaitGroup

	now func() time.Time
}

// NewEngine creates a grid engine. alerter may be nil.
func NewEngine(gw gateway.Gateway, alerter alerting.Alerter, logger *slog.Logger, ec EngineConfig) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if ec.PollInterval <= 0 {
		ec.PollInterval = 5 * time.Second
	}
	if ec.ErrorBackoff <= 0 {
		ec.ErrorBackoff = 10 * time.Second
	}
	return &Engine{
		gw:           gw,
		alerter:      alerter,
		logger:       logger.With("module", "grid"),
		recorder:     metrics.NewRecorder(),
		pollInterval: ec.PollInterval,
		errorBackoff: ec.ErrorBackoff,
		runs:         make(map[string]*run),
		now:          time.Now,
	}
}

// Start validates the config, places the initial ladder around the
// current price and launches the maintenance loop. Returns the run ID.
func (e *Engine) Start(ctx context.Context, cfg Config) (string, error) {
	const op = "grid.Start"

	if cfg.Levels < 2 {
		return "", types.Validationf(op, "grid needs at least 2 levels, got %d", cfg.Levels)
	}
	if !cfg.RangePercent.IsPositive() || cfg.RangePercent.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return "", types.Validationf(op, "range percent must be in (0, 1), got %s", cfg.RangePercent)
	}

	if cfg.CenterPrice.IsNegative() {
		return "", types.Validationf(op, "center price must not be negative")
	}

	rules, err := gateway.Rules(ctx, e.gw, cfg.Symbol)
	if err != nil {
		return "", err
	}
	center := cfg.CenterPrice
	if !center.IsPositive() {
		center, err = e.gw.GetCurrentPrice(ctx, cfg.Symbol)
		if err != nil {
			return "", types.GatewayErr(op, err)
		}
	}

	if cfg.QuantityPerLevel.IsZero() && cfg.TotalInvestment.IsPositive() {
		perLevel := cfg.TotalInvestment.Div(decimal.NewFromInt(int64(cfg.Levels)).Mul(center))
		cfg.QuantityPerLevel = normalize.RoundDownToStep(perLevel, decimal.Zero, rules.StepSize)
	}
	if err := normalize.ValidateQuantity(rules, cfg.QuantityPerLevel); err != nil {
		return "", err
	}

	levels := ComputeLevels(center, cfg.RangePercent, cfg.Levels, rules.TickSize)
	if len(levels) < 2 {
		return "", types.Validationf(op, "grid range too narrow for tick size %s", rules.TickSize)
	}
	for _, lvl := range levels {
		if err := normalize.ValidatePrice(rules, lvl); err != nil {
			return "", err
		}
	}

	r := &run{
		id:         fmt.Sprintf("GRID_%s_%d", cfg.Symbol, e.now().Unix()),
		cfg:        cfg,
		rules:      rules,
		levels:     levels,
		center:     center,
		stopCh:     make(chan struct{}),
		status:     types.RunStatusActive,
		buyOrders:  make(map[int64]decimal.Decimal),
		sellOrders: make(map[int64]decimal.Decimal),
		startTime:  e.now(),
	}

	if err := e.placeInitialLadder(ctx, r); err != nil {
		e.cancelAll(ctx, r)
		return "", err
	}

	e.mu.Lock()
	if _, exists := e.runs[r.id]; exists {
		r.id = fmt.Sprintf("%s_%d", r.id, len(e.runs))
	}
	e.runs[r.id] = r
	e.mu.Unlock()

	e.logger.Info("grid started",
		"run_id", r.id,
		"symbol", cfg.Symbol,
		"center_price", center,
		"levels", len(levels),
		"buy_orders", len(r.buyOrders),
		"sell_orders", len(r.sellOrders),
	)
	e.recorder.RecordRunStarted("grid")

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.maintain(ctx, r)
	}()

	return r.id, nil
}

// Stop requests a cooperative stop; the loop cancels all resting orders
// before exiting. Returns false for unknown or already-terminal runs.
func (e *Engine) Stop(runID string) bool {
	e.mu.Lock()
	r, ok := e.runs[runID]
	e.mu.Unlock()
	if !ok {
		e.logger.Error("grid run not found", "run_id", runID)
		return false
	}

	r.mu.Lock()
	terminal := r.status.IsTerminal()
	r.mu.Unlock()
	if terminal {
		return false
	}

	r.requestStop()
	e.logger.Info("grid stop requested", "run_id", runID)
	return true
}

// Status returns a snapshot of the run, or false if the ID is unknown.
func (e *Engine) Status(runID string) (*Snapshot, bool) {
	e.mu.Lock()
	r, ok := e.runs[runID]
	e.mu.Unlock()
	if !ok {
		return nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	snap := &Snapshot{
		ID:              r.id,
		Symbol:          r.cfg.Symbol,
		CenterPrice:     r.center,
		Levels:          append([]decimal.Decimal(nil), r.levels...),
		BuyOrders:       make(map[int64]decimal.Decimal, len(r.buyOrders)),
		SellOrders:      make(map[int64]decimal.Decimal, len(r.sellOrders)),
		Trades:          append([]Trade(nil), r.trades...),
		TotalProfit:     r.totalProfit,
		TradesCompleted: r.sellsFilled,
		Status:          r.status,
		StartTime:       r.startTime,
	}
	for id, p := range r.buyOrders {
		snap.BuyOrders[id] = p
	}
	for id, p := range r.sellOrders {
		snap.SellOrders[id] = p
	}
	return snap, true
}

// ActiveRuns lists the IDs of runs that have not reached a terminal state.
func (e *Engine) ActiveRuns() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var ids []string
	for id, r := range e.runs {
		r.mu.Lock()
		active := r.status == types.RunStatusActive
		r.mu.Unlock()
		if active {
			ids = append(ids, id)
		}
	}
	return ids
}

// StopAll requests a stop for every active run.
func (e *Engine) StopAll() {
	for _, id := range e.ActiveRuns() {
		e.Stop(id)
	}
}

// Wait blocks until all run goroutines have exited.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// placeInitialLadder places BUY limits at levels below the center and
// SELL limits above it. The level closest to (or equal to) the center
// gets no order. A single failed level is logged and skipped.
func (e *Engine) placeInitialLadder(ctx context.Context, r *run) error {
	placed := 0
	for _, lvl := range r.levels {
		var side types.Side
		switch {
		case lvl.LessThan(r.center):
			side = types.SideBuy
		case lvl.GreaterThan(r.center):
			side = types.SideSell
		default:
			continue
		}

		handle, err := e.placeLevelOrder(ctx, r, side, lvl)
		if err != nil {
			e.logger.Error("failed to place grid order",
				"symbol", r.cfg.Symbol, "side", side, "price", lvl, "err", err)
			e.recorder.RecordOrder("grid", r.cfg.Symbol, string(side), "failed")
			continue
		}
		e.recorder.RecordOrder("grid", r.cfg.Symbol, string(side), "placed")
		placed++

		if side == types.SideBuy {
			r.buyOrders[handle.OrderID] = lvl
		} else {
			r.sellOrders[handle.OrderID] = lvl
		}
	}

	if placed == 0 {
		return types.Validationf("grid.Start", "no grid orders could be placed for %s", r.cfg.Symbol)
	}
	return nil
}

func (e *Engine) placeLevelOrder(ctx context.Context, r *run, side types.Side, price decimal.Decimal) (*types.OrderHandle, error) {
	return e.gw.PlaceOrder(ctx, gateway.OrderRequest{
		Symbol:      r.cfg.Symbol,
		Side:        side,
		Type:        types.OrderTypeLimit,
		Quantity:    r.cfg.QuantityPerLevel,
		Price:       price,
		TimeInForce: types.TimeInForceGTC,
	})
}

// maintain is the run's polling loop: check every resting order, replace
// fills with counter-orders, and cancel everything on stop.
func (e *Engine) maintain(ctx context.Context, r *run) {
	logger := e.logger.With("run_id", r.id, "symbol", r.cfg.Symbol)

	for {
		if r.stopRequested() || ctx.Err() != nil {
			break
		}

		if err := e.checkOrders(ctx, r); err != nil {
			logger.Error("grid maintenance cycle failed", "err", err)
			e.recorder.RecordError(types.KindGateway.String())
			if !e.sleep(ctx, r, e.errorBackoff) {
				break
			}
			continue
		}

		e.emitUpdate(r)

		if !e.sleep(ctx, r, e.pollInterval) {
			break
		}
	}

	e.cancelAll(ctx, r)

	r.mu.Lock()
	if !r.status.IsTerminal() {
		r.status = types.RunStatusStopped
	}
	totalProfit := r.totalProfit
	trades := len(r.trades)
	r.mu.Unlock()

	e.recorder.RecordRunFinished("grid")
	logger.Info("grid stopped", "trades", trades, "total_profit", totalProfit)

	if e.alerter != nil {
		if err := e.alerter.Alert(ctx, alerting.SeverityInfo, "grid stopped",
			"run_id", r.id,
			"trades", fmt.Sprintf("%d", trades),
			"total_profit", totalProfit.String(),
		); err != nil {
			logger.Warn("failed to send grid alert", "err", err)
		}
	}
}

func (e *Engine) sleep(ctx context.Context, r *run, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-r.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

// checkOrders polls every tracked order once. Fills are replaced with
// counter-orders one level further; other terminal orders are dropped
// from tracking.
func (e *Engine) checkOrders(ctx context.Context, r *run) error {
	r.mu.Lock()
	buyIDs := make([]int64, 0, len(r.buyOrders))
	for id := range r.buyOrders {
		buyIDs = append(buyIDs, id)
	}
	sellIDs := make([]int64, 0, len(r.sellOrders))
	for id := range r.sellOrders {
		sellIDs = append(sellIDs, id)
	}
	r.mu.Unlock()

	for _, id := range buyIDs {
		handle, err := e.gw.GetOrderStatus(ctx, r.cfg.Symbol, id)
		if err != nil {
			return fmt.Errorf("query buy order %d: %w", id, err)
		}
		if handle.Status == types.OrderStatusFilled {
			e.onBuyFilled(ctx, r, id, handle)
		} else if handle.Status.IsTerminal() {
			r.mu.Lock()
			delete(r.buyOrders, id)
			r.mu.Unlock()
		}
	}

	for _, id := range sellIDs {
		handle, err := e.gw.GetOrderStatus(ctx, r.cfg.Symbol, id)
		if err != nil {
			return fmt.Errorf("query sell order %d: %w", id, err)
		}
		if handle.Status == types.OrderStatusFilled {
			e.onSellFilled(ctx, r, id, handle)
		} else if handle.Status.IsTerminal() {
			r.mu.Lock()
			delete(r.sellOrders, id)
			r.mu.Unlock()
		}
	}

	return nil
}

// onBuyFilled records the trade and places a SELL at the nearest level
// strictly above the filled one. At the top boundary, or when that level
// already has a resting order, the ladder thins instead.
func (e *Engine) onBuyFilled(ctx context.Context, r *run, orderID int64, handle *types.OrderHandle) {
	r.mu.Lock()
	levelPrice, ok := r.buyOrders[orderID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.buyOrders, orderID)

	fillPrice := handle.AvgFillPrice
	if !fillPrice.IsPositive() {
		fillPrice = levelPrice
	}
	qty := handle.ExecutedQty
	if !qty.IsPositive() {
		qty = r.cfg.QuantityPerLevel
	}
	r.trades = append(r.trades, Trade{
		Side:     types.SideBuy,
		Price:    fillPrice,
		Quantity: qty,
		OrderID:  orderID,
		Time:     e.now(),
	})
	target, found := nextLevelAbove(r.levels, levelPrice)
	occupied := found && levelOccupied(r.sellOrders, target)
	r.mu.Unlock()

	e.logger.Info("grid buy filled",
		"run_id", r.id, "order_id", orderID, "price", fillPrice)
	e.recorder.RecordGridTrade(r.cfg.Symbol, string(types.SideBuy))

	if !found || occupied {
		return
	}

	sell, err := e.placeLevelOrder(ctx, r, types.SideSell, target)
	if err != nil {
		e.logger.Error("failed to place replacement sell",
			"run_id", r.id, "price", target, "err", err)
		e.recorder.RecordOrder("grid", r.cfg.Symbol, string(types.SideSell), "failed")
		return
	}
	e.recorder.RecordOrder("grid", r.cfg.Symbol, string(types.SideSell), "placed")

	r.mu.Lock()
	r.sellOrders[sell.OrderID] = target
	r.mu.Unlock()
}

// onSellFilled records the trade, realizes profit against the most
// recent prior buy at any lower price, then places a BUY at the nearest
// level strictly below.
func (e *Engine) onSellFilled(ctx context.Context, r *run, orderID int64, handle *types.OrderHandle) {
	r.mu.Lock()
	levelPrice, ok := r.sellOrders[orderID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sellOrders, orderID)

	fillPrice := handle.AvgFillPrice
	if !fillPrice.IsPositive() {
		fillPrice = levelPrice
	}
	qty := handle.ExecutedQty
	if !qty.IsPositive() {
		qty = r.cfg.QuantityPerLevel
	}

	var profit decimal.Decimal
	if buy, ok := latestLowerBuy(r.trades, fillPrice); ok {
		profit = fillPrice.Sub(buy.Price).Mul(qty)
	}
	r.trades = append(r.trades, Trade{
		Side:     types.SideSell,
		Price:    fillPrice,
		Quantity: qty,
		OrderID:  orderID,
		Time:     e.now(),
	})
	r.totalProfit = r.totalProfit.Add(profit)
	r.sellsFilled++
	totalProfit := r.totalProfit

	target, found := nextLevelBelow(r.levels, levelPrice)
	occupied := found && levelOccupied(r.buyOrders, target)
	r.mu.Unlock()

	e.logger.Info("grid sell filled",
		"run_id", r.id,
		"order_id", orderID,
		"price", fillPrice,
		"profit", profit,
		"total_profit", totalProfit,
	)
	e.recorder.RecordGridTrade(r.cfg.Symbol, string(types.SideSell))
	e.recorder.RecordGridProfit(r.cfg.Symbol, totalProfit)

	if !found || occupied {
		return
	}

	buy, err := e.placeLevelOrder(ctx, r, types.SideBuy, target)
	if err != nil {
		e.logger.Error("failed to place replacement buy",
			"run_id", r.id, "price", target, "err", err)
		e.recorder.RecordOrder("grid", r.cfg.Symbol, string(types.SideBuy), "failed")
		return
	}
	e.recorder.RecordOrder("grid", r.cfg.Symbol, string(types.SideBuy), "placed")

	r.mu.Lock()
	r.buyOrders[buy.OrderID] = target
	r.mu.Unlock()
}

// cancelAll cancels every tracked resting order. Best-effort: failures
// are logged and the order is dropped from tracking regardless.
func (e *Engine) cancelAll(ctx context.Context, r *run) {
	r.mu.Lock()
	ids := make([]int64, 0, len(r.buyOrders)+len(r.sellOrders))
	for id := range r.buyOrders {
		ids = append(ids, id)
	}
	for id := range r.sellOrders {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		if _, err := e.gw.CancelOrder(ctx, r.cfg.Symbol, id); err != nil {
			e.logger.Error("failed to cancel grid order",
				"run_id", r.id, "order_id", id, "err", err)
		}
	}

	r.mu.Lock()
	r.buyOrders = make(map[int64]decimal.Decimal)
	r.sellOrders = make(map[int64]decimal.Decimal)
	r.mu.Unlock()
}

func (e *Engine) emitUpdate(r *run) {
	if r.cfg.OnEvent == nil {
		return
	}
	r.mu.Lock()
	payload := types.UpdatePayload{
		ActiveBuyOrders:  len(r.buyOrders),
		ActiveSellOrders: len(r.sellOrders),
		TotalProfit:      r.totalProfit,
	}
	r.mu.Unlock()
	r.cfg.OnEvent(r.id, types.EventUpdate, payload)
}

// ComputeLevels returns count prices evenly spaced over
// [center*(1-pct), center*(1+pct)], each rounded down to the tick,
// deduplicated and ascending. A narrow range on a coarse tick can
// return fewer than count levels.
func ComputeLevels(center, pct decimal.Decimal, count int, tick decimal.Decimal) []decimal.Decimal {
	if count < 2 {
		return nil
	}

	span := center.Mul(pct)
	low := center.Sub(span)
	step := span.Mul(decimal.NewFromInt(2)).Div(decimal.NewFromInt(int64(count - 1)))

	seen := make(map[string]bool, count)
	levels := make([]decimal.Decimal, 0, count)
	for i := 0; i < count; i++ {
		lvl := low.Add(step.Mul(decimal.NewFromInt(int64(i))))
		if tick.IsPositive() {
			lvl = normalize.RoundDownToStep(lvl, decimal.Zero, tick)
		}
		if !lvl.IsPositive() || seen[lvl.String()] {
			continue
		}
		seen[lvl.String()] = true
		levels = append(levels, lvl)
	}

	sort.Slice(levels, func(i, j int) bool { return levels[i].LessThan(levels[j]) })
	return levels
}

// nextLevelAbove returns the nearest level strictly above price.
func nextLevelAbove(levels []decimal.Decimal, price decimal.Decimal) (decimal.Decimal, bool) {
	for _, lvl := range levels {
		if lvl.GreaterThan(price) {
			return lvl, true
		}
	}
	return decimal.Zero, false
}

// nextLevelBelow returns the nearest level strictly below price.
func nextLevelBelow(levels []decimal.Decimal, price decimal.Decimal) (decimal.Decimal, bool) {
	for i := len(levels) - 1; i >= 0; i-- {
		if levels[i].LessThan(price) {
			return levels[i], true
		}
	}
	return decimal.Zero, false
}

// latestLowerBuy returns the most recent buy trade executed below price.
func latestLowerBuy(trades []Trade, price decimal.Decimal) (Trade, bool) {
	for i := len(trades) - 1; i >= 0; i-- {
		if trades[i].Side == types.SideBuy && trades[i].Price.LessThan(price) {
			return trades[i], true
		}
	}
	return Trade{}, false
}

func levelOccupied(orders map[int64]decimal.Decimal, level decimal.Decimal) bool {
	for _, p := range orders {
		if p.Equal(level) {
			return true
		}
	}
	return false
}
