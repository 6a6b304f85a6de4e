// Package sim provides an in-process simulated gateway for paper trading
// and tests. Market orders fill immediately at the current simulated
// price; limit and stop orders rest until the simulation fills them.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/exec-bot/internal/gateway"
	"github.com/tathienbao/exec-bot/internal/types"
)

// PlaceHook inspects an order request before it is accepted. Returning a
// non-nil error rejects the order, simulating an exchange-side failure.
type PlaceHook func(req gateway.OrderRequest) error

// Gateway implements gateway.Gateway against in-memory state.
type Gateway struct {
	logger *slog.Logger

	mu        sync.Mutex
	rules     map[string]types.SymbolRules
	prices    map[string]decimal.Decimal
	orders    map[int64]*types.OrderHandle
	nextID    int64
	placeHook PlaceHook
	cancelled []int64
}

// New creates a simulated gateway with the given symbol rules.
func New(rules map[string]types.SymbolRules, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		logger: logger,
		rules:  make(map[string]types.SymbolRules, len(rules)),
		prices: make(map[string]decimal.Decimal),
		orders: make(map[int64]*types.OrderHandle),
		nextID: 1,
	}
	for s, r := range rules {
		g.rules[s] = r
	}
	return g
}

// DefaultRules returns a plausible USDT-M futures rule set for symbol,
// convenient for paper trading and tests.
func DefaultRules(symbol string) types.SymbolRules {
	return types.SymbolRules{
		Symbol:   symbol,
		MinQty:   decimal.RequireFromString("0.001"),
		MaxQty:   decimal.RequireFromString("1000"),
		StepSize: decimal.RequireFromString("0.001"),
		MinPrice: decimal.RequireFromString("0.01"),
		MaxPrice: decimal.RequireFromString("1000000"),
		TickSize: decimal.RequireFromString("0.01"),
		Trading:  true,
	}
}

// SetPrice sets the current simulated price for symbol.
func (g *Gateway) SetPrice(symbol string, price decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prices[symbol] = price
}

// SetPlaceHook installs a hook consulted before accepting each order.
func (g *Gateway) SetPlaceHook(hook PlaceHook) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.placeHook = hook
}

// GetExchangeRules returns the configured symbol rules.
func (g *Gateway) GetExchangeRules(ctx context.Context) (map[string]types.SymbolRules, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]types.SymbolRules, len(g.rules))
	for s, r := range g.rules {
		out[s] = r
	}
	return out, nil
}

// GetCurrentPrice returns the simulated price for symbol.
func (g *Gateway) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	price, ok := g.prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("no simulated price for %s", symbol)
	}
	return price, nil
}

// PlaceOrder accepts an order. Market orders fill immediately at the
// current simulated price; limit and stop orders rest as NEW.
func (g *Gateway) PlaceOrder(ctx context.Context, req gateway.OrderRequest) (*types.OrderHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.placeHook != nil {
		if err := g.placeHook(req); err != nil {
			return nil, err
		}
	}
	if _, ok := g.rules[req.Symbol]; !ok {
		return nil, fmt.Errorf("unknown symbol %s", req.Symbol)
	}

	h := &types.OrderHandle{
		OrderID:       g.nextID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity,
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		Status:        types.OrderStatusNew,
		ReduceOnly:    req.ReduceOnly,
		UpdateTime:    time.Now(),
	}
	g.nextID++

	if req.Type == types.OrderTypeMarket {
		price, ok := g.prices[req.Symbol]
		if !ok {
			return nil, fmt.Errorf("no simulated price for %s", req.Symbol)
		}
		h.Status = types.OrderStatusFilled
		h.ExecutedQty = req.Quantity
		h.AvgFillPrice = price
	}

	g.orders[h.OrderID] = h

	snapshot := *h
	return &snapshot, nil
}

// CancelOrder cancels a resting order.
func (g *Gateway) CancelOrder(ctx context.Context, symbol string, orderID int64) (*types.OrderHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	h, ok := g.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %d not found", orderID)
	}
	if h.Status.IsTerminal() {
		return nil, fmt.Errorf("order %d already %s", orderID, h.Status)
	}
	h.Status = types.OrderStatusCanceled
	h.UpdateTime = time.Now()
	g.cancelled = append(g.cancelled, orderID)

	snapshot := *h
	return &snapshot, nil
}

// GetOrderStatus returns the current state of an order.
func (g *Gateway) GetOrderStatus(ctx context.Context, symbol string, orderID int64) (*types.OrderHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	h, ok := g.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %d not found", orderID)
	}
	snapshot := *h
	return &snapshot, nil
}

// FillOrder marks a resting order as fully filled at its limit price (or
// at the given price when the order has none). Drives grid and OCO
// scenarios from tests and the paper-trading loop.
func (g *Gateway) FillOrder(orderID int64, price decimal.Decimal) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	h, ok := g.orders[orderID]
	if !ok {
		return fmt.Errorf("order %d not found", orderID)
	}
	if h.Status.IsTerminal() {
		return fmt.Errorf("order %d already %s", orderID, h.Status)
	}
	fillPrice := h.Price
	if fillPrice.IsZero() {
		fillPrice = price
	}
	h.Status = types.OrderStatusFilled
	h.ExecutedQty = h.Quantity
	h.AvgFillPrice = fillPrice
	h.UpdateTime = time.Now()
	return nil
}

// OpenOrders returns copies of all non-terminal orders.
func (g *Gateway) OpenOrders() []types.OrderHandle {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []types.OrderHandle
	for _, h := range g.orders {
		if !h.Status.IsTerminal() {
			out = append(out, *h)
		}
	}
	return out
}

// CancelledOrders returns the IDs of orders cancelled so far, in order.
func (g *Gateway) CancelledOrders() []int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]int64, len(g.cancelled))
	copy(out, g.cancelled)
	return out
}

// PlacedCount returns how many orders were accepted so far.
func (g *Gateway) PlacedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.orders)
}
