// Package types defines shared types used across the execution system.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side represents the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether the side is one of the two accepted values.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the opposite side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType represents the exchange order type.
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStopMarket OrderType = "STOP_MARKET"
)

// TimeInForce controls how long a resting order stays live.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
)

// Valid reports whether the time-in-force is an accepted value.
func (t TimeInForce) Valid() bool {
	switch t {
	case TimeInForceGTC, TimeInForceIOC, TimeInForceFOK:
		return true
	default:
		return false
	}
}

// OrderStatus represents the exchange-side state of an order.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// IsTerminal returns true if the order can no longer fill.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusExpired, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// SymbolRules holds the trading constraints the exchange enforces for one
// symbol. Fetched once per strategy run and treated as immutable after that.
type SymbolRules struct {
	Symbol   string
	MinQty   decimal.Decimal
	MaxQty   decimal.Decimal
	StepSize decimal.Decimal
	MinPrice decimal.Decimal
	MaxPrice decimal.Decimal
	TickSize decimal.Decimal
	Trading  bool
}

// OrderHandle is the gateway's view of a single order. Strategies hold the
// IDs and re-query for fresh state; a handle is a snapshot, never
// authoritative after it is returned.
type OrderHandle struct {
	OrderID       int64
	ClientOrderID string
	Symbol        string
	Side          Side
	Type          OrderType
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
	Status        OrderStatus
	ExecutedQty   decimal.Decimal
	AvgFillPrice  decimal.Decimal
	ReduceOnly    bool
	UpdateTime    time.Time
}

// RunStatus represents the lifecycle state of a strategy run.
type RunStatus string

const (
	RunStatusActive    RunStatus = "ACTIVE"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusStopped   RunStatus = "STOPPED"
	RunStatusError     RunStatus = "ERROR"
)

// IsTerminal returns true once the run has finished; a terminal run never
// becomes active again.
func (s RunStatus) IsTerminal() bool {
	return s != RunStatusActive
}
