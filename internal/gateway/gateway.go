// Package gateway defines the exchange connectivity surface the execution
// core depends on: single-order primitives plus symbol metadata and prices.
package gateway

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/exec-bot/internal/types"
)

// OrderRequest describes one order to place.
type OrderRequest struct {
	Symbol        string
	Side          types.Side
	Type          types.OrderType
	Quantity      decimal.Decimal
	Price         decimal.Decimal // LIMIT only
	StopPrice     decimal.Decimal // STOP_MARKET only
	TimeInForce   types.TimeInForce
	ReduceOnly    bool
	ClientOrderID string
}

// Gateway is the only surface the strategy engines use to talk to the
// exchange. All calls are blocking, synchronous network operations; the
// caller's goroutine waits on them sequentially.
type Gateway interface {
	// GetExchangeRules returns the trading rules for every listed symbol.
	GetExchangeRules(ctx context.Context) (map[string]types.SymbolRules, error)

	// GetCurrentPrice returns the latest traded price for symbol.
	GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)

	// PlaceOrder submits a single order.
	PlaceOrder(ctx context.Context, req OrderRequest) (*types.OrderHandle, error)

	// CancelOrder cancels a resting order.
	CancelOrder(ctx context.Context, symbol string, orderID int64) (*types.OrderHandle, error)

	// GetOrderStatus re-queries the exchange for an order's current state.
	GetOrderStatus(ctx context.Context, symbol string, orderID int64) (*types.OrderHandle, error)
}

// Rules fetches the rules for one symbol and verifies it is tradeable.
// Returns a validation error for unknown or halted symbols so strategy
// starts fail before any order is placed.
func Rules(ctx context.Context, gw Gateway, symbol string) (types.SymbolRules, error) {
	const op = "gateway.Rules"

	all, err := gw.GetExchangeRules(ctx)
	if err != nil {
		return types.SymbolRules{}, types.GatewayErr(op, err)
	}
	rules, ok := all[symbol]
	if !ok {
		return types.SymbolRules{}, types.ValidationErr(op, types.ErrUnknownSymbol)
	}
	if !rules.Trading {
		return types.SymbolRules{}, types.ValidationErr(op, types.ErrSymbolNotTrading)
	}
	return rules, nil
}
