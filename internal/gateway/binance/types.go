package binance

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/exec-bot/internal/types"
)

// exchangeInfoResponse mirrors GET /fapi/v1/exchangeInfo.
type exchangeInfoResponse struct {
	Symbols []symbolInfo `json:"symbols"`
}

type symbolInfo struct {
	Symbol  string         `json:"symbol"`
	Status  string         `json:"status"`
	Filters []symbolFilter `json:"filters"`
}

type symbolFilter struct {
	FilterType string `json:"filterType"`
	MinQty     string `json:"minQty"`
	MaxQty     string `json:"maxQty"`
	StepSize   string `json:"stepSize"`
	MinPrice   string `json:"minPrice"`
	MaxPrice   string `json:"maxPrice"`
	TickSize   string `json:"tickSize"`
}

// rules converts the wire filters into SymbolRules. Missing or malformed
// filter values parse as zero, which the normalizer treats as "no
// constraint" for the step checks.
func (s symbolInfo) rules() types.SymbolRules {
	r := types.SymbolRules{
		Symbol:  s.Symbol,
		Trading: s.Status == "TRADING",
	}
	for _, f := range s.Filters {
		switch f.FilterType {
		case "LOT_SIZE":
			r.MinQty = parseDecimal(f.MinQty)
			r.MaxQty = parseDecimal(f.MaxQty)
			r.StepSize = parseDecimal(f.StepSize)
		case "PRICE_FILTER":
			r.MinPrice = parseDecimal(f.MinPrice)
			r.MaxPrice = parseDecimal(f.MaxPrice)
			r.TickSize = parseDecimal(f.TickSize)
		}
	}
	return r
}

// tickerResponse mirrors GET /fapi/v1/ticker/price.
type tickerResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// orderResponse mirrors the order create/cancel/query responses.
type orderResponse struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Status        string `json:"status"`
	Price         string `json:"price"`
	AvgPrice      string `json:"avgPrice"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	StopPrice     string `json:"stopPrice"`
	ReduceOnly    bool   `json:"reduceOnly"`
	UpdateTime    int64  `json:"updateTime"`
}

func (o orderResponse) handle() *types.OrderHandle {
	return &types.OrderHandle{
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          types.Side(o.Side),
		Type:          types.OrderType(o.Type),
		Quantity:      parseDecimal(o.OrigQty),
		Price:         parseDecimal(o.Price),
		StopPrice:     parseDecimal(o.StopPrice),
		Status:        types.OrderStatus(o.Status),
		ExecutedQty:   parseDecimal(o.ExecutedQty),
		AvgFillPrice:  parseDecimal(o.AvgPrice),
		ReduceOnly:    o.ReduceOnly,
		UpdateTime:    time.UnixMilli(o.UpdateTime),
	}
}

// apiError mirrors the Binance error body.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
