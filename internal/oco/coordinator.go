// Package oco places simulated One-Cancels-Other pairs. The exchange has
// no native OCO for futures, so the pair is two reduce-only orders placed
// client-side: a LIMIT take-profit and a STOP_MARKET stop-loss. The two
// legs are never linked server-side; the caller polls both and treats
// either fill as the signal to cancel the other.
package oco

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/exec-bot/internal/alerting"
	"github.com/tathienbao/exec-bot/internal/gateway"
	"github.com/tathienbao/exec-bot/internal/metrics"
	"github.com/tathienbao/exec-bot/internal/normalize"
	"github.com/tathienbao/exec-bot/internal/types"
)

// PairRequest describes one position-closing OCO intent.
type PairRequest struct {
	Symbol          string
	Side            types.Side
	Quantity        decimal.Decimal
	TakeProfitPrice decimal.Decimal
	StopLossPrice   decimal.Decimal
	TimeInForce     types.TimeInForce // defaults to GTC
}

// Pair holds the two placed legs. It is not tracked beyond this return
// value; the caller owns subsequent joint cancellation and status checks.
type Pair struct {
	TakeProfit types.OrderHandle
	StopLoss   types.OrderHandle
}

// PairState classifies the joint state of an OCO pair.
type PairState string

const (
	StateTakeProfitFilled PairState = "TAKE_PROFIT_FILLED"
	StateStopLossFilled   PairState = "STOP_LOSS_FILLED"
	StateBothCanceled     PairState = "BOTH_CANCELED"
	StateActive           PairState = "ACTIVE"
	StateUnknown          PairState = "UNKNOWN"
)

// PairStatus reports the fresh state of both legs.
type PairStatus struct {
	TakeProfit types.OrderHandle
	StopLoss   types.OrderHandle
	State      PairState
}

// Coordinator places and manages OCO pairs through the gateway.
type Coordinator struct {
	gw       gateway.Gateway
	alerter  alerting.Alerter
	logger   *slog.Logger
	recorder *metrics.Recorder
}

// NewCoordinator creates a new OCO coordinator. alerter may be nil.
func NewCoordinator(gw gateway.Gateway, alerter alerting.Alerter, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		gw:       gw,
		alerter:  alerter,
		logger:   logger.With("module", "oco"),
		recorder: metrics.NewRecorder(),
	}
}

// PlacePair validates the request and places both legs: take-profit
// first, then stop-loss. If the stop-loss fails after the take-profit
// succeeded, the take-profit is cancelled best-effort and the whole
// placement reports a consistency failure, so no stray one-sided order
// is left resting.
func (c *Coordinator) PlacePair(ctx context.Context, req PairRequest) (*Pair, error) {
	const op = "oco.PlacePair"

	if !req.Side.Valid() {
		return nil, types.Validationf(op, "invalid side %q", req.Side)
	}
	if !req.Quantity.IsPositive() {
		return nil, types.Validationf(op, "quantity must be positive, got %s", req.Quantity)
	}
	tif := req.TimeInForce
	if tif == "" {
		tif = types.TimeInForceGTC
	}
	if !tif.Valid() {
		return nil, types.Validationf(op, "invalid time in force %q", req.TimeInForce)
	}

	rules, err := gateway.Rules(ctx, c.gw, req.Symbol)
	if err != nil {
		return nil, err
	}
	if err := normalize.ValidateQuantity(rules, req.Quantity); err != nil {
		return nil, err
	}
	if err := normalize.ValidatePrice(rules, req.TakeProfitPrice); err != nil {
		return nil, err
	}
	if err := normalize.ValidatePrice(rules, req.StopLossPrice); err != nil {
		return nil, err
	}

	currentPrice, err := c.gw.GetCurrentPrice(ctx, req.Symbol)
	if err != nil {
		return nil, types.GatewayErr(op, err)
	}
	if err := validatePriceOrdering(op, req.Side, currentPrice, req.TakeProfitPrice, req.StopLossPrice); err != nil {
		return nil, err
	}

	c.logger.Info("placing OCO pair",
		"symbol", req.Symbol,
		"side", req.Side,
		"quantity", req.Quantity,
		"take_profit", req.TakeProfitPrice,
		"stop_loss", req.StopLossPrice,
	)

	tp, err := c.gw.PlaceOrder(ctx, gateway.OrderRequest{
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        types.OrderTypeLimit,
		Quantity:    req.Quantity,
		Price:       req.TakeProfitPrice,
		TimeInForce: tif,
		ReduceOnly:  true,
	})
	if err != nil {
		c.recorder.RecordOrder("oco", req.Symbol, string(req.Side), "failed")
		c.recorder.RecordError(types.KindGateway.String())
		return nil, types.GatewayErr(op, err)
	}
	c.recorder.RecordOrder("oco", req.Symbol, string(req.Side), "placed")
	c.logger.Info("take profit leg placed", "symbol", req.Symbol, "order_id", tp.OrderID)

	sl, err := c.gw.PlaceOrder(ctx, gateway.OrderRequest{
		Symbol:     req.Symbol,
		Side:       req.Side,
		Type:       types.OrderTypeStopMarket,
		Quantity:   req.Quantity,
		StopPrice:  req.StopLossPrice,
		ReduceOnly: true,
	})
	if err != nil {
		c.recorder.RecordOrder("oco", req.Symbol, string(req.Side), "failed")
		c.compensate(ctx, req.Symbol, tp.OrderID)
		c.recorder.RecordError(types.KindConsistency.String())
		return nil, types.ConsistencyErr(op, err)
	}
	c.recorder.RecordOrder("oco", req.Symbol, string(req.Side), "placed")
	c.logger.Info("stop loss leg placed", "symbol", req.Symbol, "order_id", sl.OrderID)

	return &Pair{TakeProfit: *tp, StopLoss: *sl}, nil
}

// compensate cancels the take-profit leg after a stop-loss failure.
// Best-effort: a cancel failure is logged, not retried.
func (c *Coordinator) compensate(ctx context.Context, symbol string, tpOrderID int64) {
	if _, err := c.gw.CancelOrder(ctx, symbol, tpOrderID); err != nil {
		c.logger.Error("failed to cancel take profit leg after stop loss failure",
			"symbol", symbol,
			"order_id", tpOrderID,
			"err", err,
		)
	} else {
		c.logger.Info("cancelled take profit leg after stop loss failure",
			"symbol", symbol,
			"order_id", tpOrderID,
		)
	}
	if c.alerter != nil {
		if err := c.alerter.Alert(ctx, alerting.SeverityWarning, "OCO placement rolled back",
			"symbol", symbol,
			"tp_order_id", tpOrderID,
		); err != nil {
			c.logger.Warn("failed to send OCO rollback alert", "err", err)
		}
	}
}

// CancelPair cancels both legs. Each leg is attempted independently;
// returns true only if both cancels succeeded.
func (c *Coordinator) CancelPair(ctx context.Context, symbol string, tpOrderID, slOrderID int64) bool {
	tpOK := true
	if _, err := c.gw.CancelOrder(ctx, symbol, tpOrderID); err != nil {
		c.logger.Error("failed to cancel take profit order",
			"symbol", symbol, "order_id", tpOrderID, "err", err)
		tpOK = false
	}

	slOK := true
	if _, err := c.gw.CancelOrder(ctx, symbol, slOrderID); err != nil {
		c.logger.Error("failed to cancel stop loss order",
			"symbol", symbol, "order_id", slOrderID, "err", err)
		slOK = false
	}

	return tpOK && slOK
}

// PairStatus queries both legs and classifies the joint state.
func (c *Coordinator) PairStatus(ctx context.Context, symbol string, tpOrderID, slOrderID int64) (*PairStatus, error) {
	const op = "oco.PairStatus"

	tp, err := c.gw.GetOrderStatus(ctx, symbol, tpOrderID)
	if err != nil {
		return nil, types.GatewayErr(op, err)
	}
	sl, err := c.gw.GetOrderStatus(ctx, symbol, slOrderID)
	if err != nil {
		return nil, types.GatewayErr(op, err)
	}

	return &PairStatus{
		TakeProfit: *tp,
		StopLoss:   *sl,
		State:      DetermineState(tp.Status, sl.Status),
	}, nil
}

// DetermineState classifies an OCO pair from its two leg statuses. A
// filled take-profit wins over a filled stop-loss when both report
// filled, matching the order the legs are checked in everywhere else.
func DetermineState(tp, sl types.OrderStatus) PairState {
	switch {
	case tp == types.OrderStatusFilled:
		return StateTakeProfitFilled
	case sl == types.OrderStatusFilled:
		return StateStopLossFilled
	case tp == types.OrderStatusCanceled && sl == types.OrderStatusCanceled:
		return StateBothCanceled
	case isWorking(tp) && isWorking(sl):
		return StateActive
	default:
		return StateUnknown
	}
}

func isWorking(s types.OrderStatus) bool {
	return s == types.OrderStatusNew || s == types.OrderStatusPartiallyFilled
}

// validatePriceOrdering enforces the side-dependent relationship between
// the two trigger prices and the current market price. A BUY pair closes
// a short: it profits below the market and stops above. A SELL pair
// closes a long: the reverse.
func validatePriceOrdering(op string, side types.Side, current, takeProfit, stopLoss decimal.Decimal) error {
	if side == types.SideBuy {
		if takeProfit.GreaterThanOrEqual(current) {
			return types.Validationf(op, "take profit %s must be below current price %s for BUY", takeProfit, current)
		}
		if stopLoss.LessThanOrEqual(current) {
			return types.Validationf(op, "stop loss %s must be above current price %s for BUY", stopLoss, current)
		}
		return nil
	}
	if takeProfit.LessThanOrEqual(current) {
		return types.Validationf(op, "take profit %s must be above current price %s for SELL", takeProfit, current)
	}
	if stopLoss.GreaterThanOrEqual(current) {
		return types.Validationf(op, "stop loss %s must be below current price %s for SELL", stopLoss, current)
	}
	return nil
}
