// Package ui provides the interactive terminal menu.
package ui

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/manifoldco/promptui"
	"github.com/shopspring/decimal"
	"golang.org/x/term"

	"github.com/tathienbao/exec-bot/internal/gateway"
	"github.com/tathienbao/exec-bot/internal/grid"
	"github.com/tathienbao/exec-bot/internal/oco"
	"github.com/tathienbao/exec-bot/internal/persistence"
	"github.com/tathienbao/exec-bot/internal/twap"
	"github.com/tathienbao/exec-bot/internal/types"
)

// Defaults carries configured strategy settings applied to runs started
// from the menu.
type Defaults struct {
	TWAPOrderType     types.OrderType // MARKET when empty
	MaxPriceDeviation decimal.Decimal
}

// Menu drives the interactive session against a running bot.
type Menu struct {
	gw       gateway.Gateway
	oco      *oco.Coordinator
	twap     *twap.Scheduler
	grid     *grid.Engine
	repo     persistence.Repository // may be nil
	onEvent  types.Callback         // attached to every started run, may be nil
	defaults Defaults
}

// NewMenu creates a new interactive menu. repo and onEvent may be nil.
func NewMenu(gw gateway.Gateway, coord *oco.Coordinator, sched *twap.Scheduler, engine *grid.Engine, repo persistence.Repository, onEvent types.Callback, defaults Defaults) *Menu {
	return &Menu{gw: gw, oco: coord, twap: sched, grid: engine, repo: repo, onEvent: onEvent, defaults: defaults}
}

// twapOrderType resolves the configured default chunk order type.
func (m *Menu) twapOrderType() types.OrderType {
	if m.defaults.TWAPOrderType == "" {
		return types.OrderTypeMarket
	}
	return m.defaults.TWAPOrderType
}

// IsInteractive reports whether stdin is attached to a terminal.
func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// Run loops on the main menu until the user exits or ctx is cancelled.
func (m *Menu) Run(ctx context.Context) error {
	const (
		actionMarket = "Place market order"
		actionLimit  = "Place limit order"
		actionOCO    = "Place OCO pair"
		actionTWAP   = "Start TWAP run"
		actionGrid   = "Start grid"
		actionStatus = "Show run status"
		actionStop   = "Stop a run"
		actionCancel = "Cancel an order"
		actionExit   = "Exit"
	)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		sel := promptui.Select{
			Label: "Action",
			Items: []string{
				actionMarket, actionLimit, actionOCO,
				actionTWAP, actionGrid,
				actionStatus, actionStop, actionCancel,
				actionExit,
			},
			Size: 9,
		}
		_, choice, err := sel.Run()
		if err != nil {
			// Ctrl-C or EOF ends the session.
			return nil
		}

		switch choice {
		case actionMarket:
			err = m.placeSimple(ctx, types.OrderTypeMarket)
		case actionLimit:
			err = m.placeSimple(ctx, types.OrderTypeLimit)
		case actionOCO:
			err = m.placeOCO(ctx)
		case actionTWAP:
			err = m.startTWAP(ctx)
		case actionGrid:
			err = m.startGrid(ctx)
		case actionStatus:
			err = m.showStatus()
		case actionStop:
			err = m.stopRun()
		case actionCancel:
			err = m.cancelOrder(ctx)
		case actionExit:
			return nil
		}
		if err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
}

func (m *Menu) placeSimple(ctx context.Context, orderType types.OrderType) error {
	symbol, err := promptString("Symbol", "BTCUSDT")
	if err != nil {
		return err
	}
	side, err := promptSide()
	if err != nil {
		return err
	}
	qty, err := promptDecimal("Quantity")
	if err != nil {
		return err
	}

	req := gateway.OrderRequest{
		Symbol:   symbol,
		Side:     side,
		Type:     orderType,
		Quantity: qty,
	}
	if orderType == types.OrderTypeLimit {
		price, err := promptDecimal("Limit price")
		if err != nil {
			return err
		}
		req.Price = price
		req.TimeInForce = types.TimeInForceGTC
	}

	handle, err := m.gw.PlaceOrder(ctx, req)
	if err != nil {
		return err
	}
	fmt.Printf("order %d placed: %s %s %s status=%s\n",
		handle.OrderID, handle.Side, handle.Quantity, handle.Symbol, handle.Status)
	return nil
}

func (m *Menu) placeOCO(ctx context.Context) error {
	symbol, err := promptString("Symbol", "BTCUSDT")
	if err != nil {
		return err
	}
	side, err := promptSide()
	if err != nil {
		return err
	}
	qty, err := promptDecimal("Quantity")
	if err != nil {
		return err
	}
	tp, err := promptDecimal("Take profit price")
	if err != nil {
		return err
	}
	sl, err := promptDecimal("Stop loss price")
	if err != nil {
		return err
	}

	pair, err := m.oco.PlacePair(ctx, oco.PairRequest{
		Symbol:          symbol,
		Side:            side,
		Quantity:        qty,
		TakeProfitPrice: tp,
		StopLossPrice:   sl,
	})
	if err != nil {
		return err
	}
	fmt.Printf("OCO placed: TP order %d at %s, SL order %d at %s\n",
		pair.TakeProfit.OrderID, pair.TakeProfit.Price,
		pair.StopLoss.OrderID, pair.StopLoss.StopPrice)

	if m.repo != nil {
		if err := m.repo.SaveOCOPair(ctx, persistence.OCOPairRecord{
			Symbol:    symbol,
			Side:      side,
			Quantity:  qty,
			TPOrderID: pair.TakeProfit.OrderID,
			SLOrderID: pair.StopLoss.OrderID,
			TPPrice:   tp,
			SLPrice:   sl,
		}); err != nil {
			fmt.Printf("warning: failed to persist OCO pair: %v\n", err)
		}
	}
	return nil
}

func (m *Menu) startTWAP(ctx context.Context) error {
	symbol, err := promptString("Symbol", "BTCUSDT")
	if err != nil {
		return err
	}
	side, err := promptSide()
	if err != nil {
		return err
	}
	qty, err := promptDecimal("Total quantity")
	if err != nil {
		return err
	}
	minutes, err := promptInt("Duration (minutes)", 10)
	if err != nil {
		return err
	}
	chunks, err := promptInt("Number of chunks (0 = auto)", 0)
	if err != nil {
		return err
	}

	cfg := twap.Config{
		Symbol:            symbol,
		Side:              side,
		TotalQuantity:     qty,
		Duration:          time.Duration(minutes) * time.Minute,
		NumOrders:         chunks,
		OrderType:         m.twapOrderType(),
		MaxPriceDeviation: m.defaults.MaxPriceDeviation,
		OnEvent:           m.onEvent,
	}
	if cfg.OrderType == types.OrderTypeLimit {
		price, err := promptDecimal("Limit price")
		if err != nil {
			return err
		}
		cfg.LimitPrice = price
	}

	runID, err := m.twap.Start(ctx, cfg)
	if err != nil {
		return err
	}
	fmt.Printf("TWAP run started: %s\n", runID)
	m.saveRun(ctx, runID, "twap", symbol, side, qty)
	return nil
}

func (m *Menu) startGrid(ctx context.Context) error {
	symbol, err := promptString("Symbol", "BTCUSDT")
	if err != nil {
		return err
	}
	lower, err := promptDecimal("Lower price bound")
	if err != nil {
		return err
	}
	upper, err := promptDecimal("Upper price bound")
	if err != nil {
		return err
	}
	center, pct, err := gridRange(lower, upper)
	if err != nil {
		return err
	}
	levels, err := promptInt("Levels", 5)
	if err != nil {
		return err
	}
	qty, err := promptDecimal("Quantity per level (0 = derive from investment)")
	if err != nil {
		return err
	}
	var investment decimal.Decimal
	if qty.IsZero() {
		investment, err = promptDecimal("Total investment (USDT)")
		if err != nil {
			return err
		}
	}

	runID, err := m.grid.Start(ctx, grid.Config{
		Symbol:           symbol,
		Levels:           levels,
		RangePercent:     pct,
		CenterPrice:      center,
		QuantityPerLevel: qty,
		TotalInvestment:  investment,
		OnEvent:          m.onEvent,
	})
	if err != nil {
		return err
	}
	fmt.Printf("grid started: %s\n", runID)
	// A grid works both sides, so the run record carries no side.
	m.saveRun(ctx, runID, "grid", symbol, "", qty)
	return nil
}

// saveRun persists the new run when a repository is attached.
func (m *Menu) saveRun(ctx context.Context, runID, strategy, symbol string, side types.Side, qty decimal.Decimal) {
	if m.repo == nil {
		return
	}
	if err := m.repo.SaveRun(ctx, persistence.RunRecord{
		RunID:     runID,
		Strategy:  strategy,
		Symbol:    symbol,
		Side:      side,
		TotalQty:  qty,
		Status:    types.RunStatusActive,
		StartedAt: time.Now(),
	}); err != nil {
		fmt.Printf("warning: failed to persist run %s: %v\n", runID, err)
	}
}

func (m *Menu) showStatus() error {
	twapIDs := m.twap.ActiveRuns()
	gridIDs := m.grid.ActiveRuns()

	if len(twapIDs) == 0 && len(gridIDs) == 0 {
		fmt.Println("no active runs")
		return nil
	}

	for _, id := range twapIDs {
		snap, ok := m.twap.Status(id)
		if !ok {
			continue
		}
		fmt.Printf("%s: %s, executed %s/%s\n",
			snap.ID, snap.Status, snap.ExecutedQuantity, snap.TotalQuantity)
	}
	for _, id := range gridIDs {
		snap, ok := m.grid.Status(id)
		if !ok {
			continue
		}
		fmt.Printf("%s: %s, %d buys %d sells, profit %s\n",
			snap.ID, snap.Status, len(snap.BuyOrders), len(snap.SellOrders), snap.TotalProfit)
	}
	return nil
}

func (m *Menu) stopRun() error {
	ids := append(m.twap.ActiveRuns(), m.grid.ActiveRuns()...)
	if len(ids) == 0 {
		fmt.Println("no active runs")
		return nil
	}

	sel := promptui.Select{Label: "Run to stop", Items: ids}
	_, runID, err := sel.Run()
	if err != nil {
		return nil
	}

	if !m.twap.Stop(runID) && !m.grid.Stop(runID) {
		fmt.Printf("run %s not found or already finished\n", runID)
		return nil
	}
	fmt.Printf("stop requested for %s\n", runID)
	return nil
}

func (m *Menu) cancelOrder(ctx context.Context) error {
	symbol, err := promptString("Symbol", "BTCUSDT")
	if err != nil {
		return err
	}
	idStr, err := promptString("Order ID", "")
	if err != nil {
		return err
	}
	orderID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid order ID %q", idStr)
	}

	handle, err := m.gw.CancelOrder(ctx, symbol, orderID)
	if err != nil {
		return err
	}
	fmt.Printf("order %d cancelled, status=%s\n", handle.OrderID, handle.Status)
	return nil
}

// gridRange converts explicit lower/upper price bounds into the center
// price and half-width fraction the grid engine works with.
func gridRange(lower, upper decimal.Decimal) (center, pct decimal.Decimal, err error) {
	if !lower.IsPositive() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("lower bound must be positive")
	}
	if upper.LessThanOrEqual(lower) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("upper bound must be above the lower bound")
	}
	center = lower.Add(upper).Div(decimal.NewFromInt(2))
	pct = upper.Sub(lower).Div(center.Mul(decimal.NewFromInt(2)))
	return center, pct, nil
}

func promptString(label, def string) (string, error) {
	p := promptui.Prompt{
		Label:   label,
		Default: def,
		Validate: func(s string) error {
			if s == "" {
				return fmt.Errorf("required")
			}
			return nil
		},
	}
	return p.Run()
}

func promptSide() (types.Side, error) {
	sel := promptui.Select{
		Label: "Side",
		Items: []string{string(types.SideBuy), string(types.SideSell)},
	}
	_, s, err := sel.Run()
	return types.Side(s), err
}

func promptDecimal(label string) (decimal.Decimal, error) {
	p := promptui.Prompt{
		Label: label,
		Validate: func(s string) error {
			if _, err := decimal.NewFromString(s); err != nil {
				return fmt.Errorf("not a number")
			}
			return nil
		},
	}
	s, err := p.Run()
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(s)
}

func promptInt(label string, def int) (int, error) {
	p := promptui.Prompt{
		Label:   label,
		Default: strconv.Itoa(def),
		Validate: func(s string) error {
			if _, err := strconv.Atoi(s); err != nil {
				return fmt.Errorf("not an integer")
			}
			return nil
		},
	}
	s, err := p.Run()
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(s)
}
