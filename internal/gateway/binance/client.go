// Package binance implements the gateway against Binance USDT-M futures.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/tathienbao/exec-bot/internal/gateway"
	"github.com/tathienbao/exec-bot/internal/metrics"
	"github.com/tathienbao/exec-bot/internal/types"
)

const (
	// BaseURLMainnet is the production USDT-M futures REST host.
	BaseURLMainnet = "https://fapi.binance.com"
	// BaseURLTestnet is the futures testnet host.
	BaseURLTestnet = "https://testnet.binancefuture.com"

	recvWindowMs  = 5000
	rulesCacheTTL = time.Minute
)

// Config holds client configuration.
type Config struct {
	APIKey             string
	APISecret          string
	Testnet            bool
	BaseURL            string // overrides Testnet selection when set
	Timeout            time.Duration
	RateLimitPerSecond int
}

// Client is the Binance USDT-M futures REST client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	signer     *Signer
	limiter    *rate.Limiter
	logger     *slog.Logger

	mu         sync.Mutex
	rulesCache map[string]types.SymbolRules
	rulesAt    time.Time
}

// NewClient creates a new Binance API client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = BaseURLMainnet
		if cfg.Testnet {
			baseURL = BaseURLTestnet
		}
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	rps := cfg.RateLimitPerSecond
	if rps <= 0 {
		rps = 10
	}

	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		signer:  NewSigner(cfg.APIKey, cfg.APISecret),
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		logger:  logger.With("module", "binance"),
	}
}

// GetExchangeRules fetches and parses exchange info. Results are cached
// briefly; a strategy run still sees a stable rule set because it fetches
// once at start.
func (c *Client) GetExchangeRules(ctx context.Context) (map[string]types.SymbolRules, error) {
	c.mu.Lock()
	if c.rulesCache != nil && time.Since(c.rulesAt) < rulesCacheTTL {
		cached := c.rulesCache
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	var resp exchangeInfoResponse
	if err := c.doRequest(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", nil, false, &resp); err != nil {
		return nil, fmt.Errorf("exchange info: %w", err)
	}

	rules := make(map[string]types.SymbolRules, len(resp.Symbols))
	for _, s := range resp.Symbols {
		rules[s.Symbol] = s.rules()
	}

	c.mu.Lock()
	c.rulesCache = rules
	c.rulesAt = time.Now()
	c.mu.Unlock()

	return rules, nil
}

// GetCurrentPrice fetches the latest traded price for symbol.
func (c *Client) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var resp tickerResponse
	if err := c.doRequest(ctx, http.MethodGet, "/fapi/v1/ticker/price", params, false, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("ticker price %s: %w", symbol, err)
	}

	price, err := decimal.NewFromString(resp.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse price %q for %s: %w", resp.Price, symbol, err)
	}
	return price, nil
}

// PlaceOrder submits a single order.
func (c *Client) PlaceOrder(ctx context.Context, req gateway.OrderRequest) (*types.OrderHandle, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Type))
	params.Set("quantity", req.Quantity.String())

	switch req.Type {
	case types.OrderTypeLimit:
		params.Set("price", req.Price.String())
		tif := req.TimeInForce
		if tif == "" {
			tif = types.TimeInForceGTC
		}
		params.Set("timeInForce", string(tif))
	case types.OrderTypeStopMarket:
		params.Set("stopPrice", req.StopPrice.String())
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = "xb-" + uuid.NewString()
	}
	params.Set("newClientOrderId", clientID)

	var resp orderResponse
	if err := c.doRequest(ctx, http.MethodPost, "/fapi/v1/order", params, true, &resp); err != nil {
		return nil, fmt.Errorf("place %s %s %s: %w", req.Symbol, req.Side, req.Type, err)
	}

	c.logger.Info("order placed",
		"symbol", req.Symbol,
		"side", req.Side,
		"type", req.Type,
		"quantity", req.Quantity,
		"order_id", resp.OrderID,
	)
	return resp.handle(), nil
}

// CancelOrder cancels a resting order.
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) (*types.OrderHandle, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))

	var resp orderResponse
	if err := c.doRequest(ctx, http.MethodDelete, "/fapi/v1/order", params, true, &resp); err != nil {
		return nil, fmt.Errorf("cancel %s order %d: %w", symbol, orderID, err)
	}

	c.logger.Info("order cancelled", "symbol", symbol, "order_id", orderID)
	return resp.handle(), nil
}

// GetOrderStatus re-queries an order's current state.
func (c *Client) GetOrderStatus(ctx context.Context, symbol string, orderID int64) (*types.OrderHandle, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))

	var resp orderResponse
	if err := c.doRequest(ctx, http.MethodGet, "/fapi/v1/order", params, true, &resp); err != nil {
		return nil, fmt.Errorf("query %s order %d: %w", symbol, orderID, err)
	}
	return resp.handle(), nil
}

// doRequest performs one REST call, signing it when required, and decodes
// the JSON response into out.
func (c *Client) doRequest(ctx context.Context, method, path string, params url.Values, signed bool, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	timer := metrics.NewTimer()
	defer timer.ObserveGateway(method + " " + path)

	if params == nil {
		params = url.Values{}
	}
	if signed {
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		params.Set("recvWindow", strconv.Itoa(recvWindowMs))
	}

	encoded := params.Encode()
	if signed {
		// The signature covers the encoded query and must ride outside it.
		encoded += "&signature=" + c.signer.Sign(encoded)
	}

	reqURL := c.baseURL + path
	if encoded != "" {
		reqURL += "?" + encoded
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if signed {
		req.Header.Set("X-MBX-APIKEY", c.signer.APIKey())
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Msg != "" {
			return fmt.Errorf("binance error %d: %s", apiErr.Code, apiErr.Msg)
		}
		return fmt.Errorf("http status %d: %s", resp.StatusCode, string(body))
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
