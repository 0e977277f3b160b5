// Package binance implements exchange.Client against the Binance spot REST API.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"binance-position-engine/internal/config"
	"binance-position-engine/internal/exchange"
	"binance-position-engine/internal/strategy"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	baseURL         = "https://api.binance.com/api/v3"
	testnetBaseURL  = "https://testnet.binance.vision/api/v3"
	recvWindow      = "5000" // How long a request is valid in milliseconds
	OrderTypeMarket = "MARKET"

	codeInsufficientBalance = -2010
)

// APIError is the error body Binance returns with a non-2xx status.
type APIError struct {
	Status int    `json:"-"`
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance error %d (http %d): %s", e.Code, e.Status, e.Msg)
}

// RestClient is a client for the Binance REST API.
type RestClient struct {
	client    *resty.Client
	apiKey    string
	secretKey string
	logger    *zap.Logger
	limiter   *rate.Limiter
	retryBase time.Duration
	now       func() time.Time

	mu        sync.Mutex
	stepSizes map[string]decimal.Decimal
}

var _ exchange.Client = (*RestClient)(nil)

// NewRestClient creates a new Binance REST API client.
func NewRestClient(cfg config.Binance, logger *zap.Logger) *RestClient {
	url := baseURL
	if cfg.Testnet {
		url = testnetBaseURL
		logger.Warn("Using Binance Testnet")
	} else {
		logger.Info("Using Binance Production API")
	}

	client := resty.New().SetBaseURL(url)
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}

	return &RestClient{
		client:    client,
		apiKey:    cfg.ApiKey,
		secretKey: cfg.SecretKey,
		logger:    logger,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst),
		retryBase: time.Second,
		now:       time.Now,
		stepSizes: make(map[string]decimal.Decimal),
	}
}

// sign creates a HMAC-SHA256 signature for the request.
func (c *RestClient) sign(data string) string {
	h := hmac.New(sha256.New, []byte(c.secretKey))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// signedQuery stamps params and returns them with the signature appended last.
func (c *RestClient) signedQuery(params url.Values) string {
	params.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
	params.Set("recvWindow", recvWindow)
	query := params.Encode()
	return query + "&signature=" + c.sign(query)
}

// requestFunc builds a fresh request and its path for every attempt, so that
// signed requests carry a current timestamp when retried.
type requestFunc func() (*resty.Request, string)

// doRequest executes a request with rate limiting. Only idempotent requests
// are retried; an order that timed out may still have been filled.
func (c *RestClient) doRequest(ctx context.Context, method string, build requestFunc, idempotent bool) (*resty.Response, error) {
	maxAttempts := 1
	if idempotent {
		maxAttempts = 3
	}

	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		req, path := build()
		req.SetContext(ctx).SetError(&APIError{})
		c.logger.Debug("Executing request", zap.String("method", method), zap.String("path", path))
		resp, err := req.Execute(method, path)
		if err == nil && !resp.IsError() {
			return resp, nil
		}

		shouldRetry := false
		var retryAfter time.Duration
		if err != nil {
			lastErr = err
			shouldRetry = ctx.Err() == nil
		} else {
			lastErr = apiError(resp)
			statusCode := resp.StatusCode()
			if statusCode == http.StatusTooManyRequests || statusCode == http.StatusTeapot {
				shouldRetry = true
				if seconds, err := strconv.Atoi(resp.Header().Get("Retry-After")); err == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			} else if statusCode >= http.StatusInternalServerError {
				shouldRetry = true
			}
		}

		if !shouldRetry || i == maxAttempts-1 {
			break
		}
		if retryAfter == 0 {
			retryAfter = c.retryBase << i
		}
		c.logger.Warn("Request failed, retrying...",
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(lastErr),
		)

		select {
		case <-time.After(retryAfter):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("request failed: %w", lastErr)
}

func apiError(resp *resty.Response) error {
	apiErr, ok := resp.Error().(*APIError)
	if !ok || apiErr.Code == 0 {
		return &APIError{Status: resp.StatusCode(), Msg: resp.String()}
	}
	apiErr.Status = resp.StatusCode()
	if apiErr.Code == codeInsufficientBalance {
		return fmt.Errorf("%w: %s", exchange.ErrInsufficientBalance, apiErr.Msg)
	}
	return apiErr
}

// GetServerTime fetches the current server time from Binance.
// This is a good endpoint to test connectivity.
func (c *RestClient) GetServerTime(ctx context.Context) (time.Time, error) {
	var result struct {
		ServerTime int64 `json:"serverTime"`
	}
	_, err := c.doRequest(ctx, http.MethodGet, func() (*resty.Request, string) {
		return c.client.R().SetResult(&result), "/time"
	}, true)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get server time: %w", err)
	}
	return time.UnixMilli(result.ServerTime), nil
}

type accountResponse struct {
	Balances []struct {
		Asset  string          `json:"asset"`
		Free   decimal.Decimal `json:"free"`
		Locked decimal.Decimal `json:"locked"`
	} `json:"balances"`
}

// GetBalance returns the free and locked holding of asset. An asset the
// account never held is a zero balance.
func (c *RestClient) GetBalance(ctx context.Context, asset string) (exchange.Balance, error) {
	var account accountResponse
	_, err := c.doRequest(ctx, http.MethodGet, func() (*resty.Request, string) {
		query := c.signedQuery(url.Values{})
		return c.client.R().SetHeader("X-MBX-APIKEY", c.apiKey).SetResult(&account), "/account?" + query
	}, true)
	if err != nil {
		return exchange.Balance{}, fmt.Errorf("failed to get balance of %s: %w", asset, err)
	}

	for _, b := range account.Balances {
		if b.Asset == asset {
			return exchange.Balance{Asset: asset, Free: b.Free, Locked: b.Locked}, nil
		}
	}
	return exchange.Balance{Asset: asset}, nil
}

// TickerPrice represents the response for a single ticker price.
type TickerPrice struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

// GetPrice fetches the latest price of symbol.
func (c *RestClient) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var ticker TickerPrice
	_, err := c.doRequest(ctx, http.MethodGet, func() (*resty.Request, string) {
		return c.client.R().SetQueryParam("symbol", symbol).SetResult(&ticker), "/ticker/price"
	}, true)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get price of %s: %w", symbol, err)
	}
	if !ticker.Price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", exchange.ErrNoPrice, symbol)
	}
	return ticker.Price, nil
}

// ExchangeInfoResponse represents the response from the /exchangeInfo endpoint.
type ExchangeInfoResponse struct {
	Symbols []SymbolInfo `json:"symbols"`
}

// SymbolInfo contains information about a specific trading symbol.
type SymbolInfo struct {
	Symbol  string   `json:"symbol"`
	Status  string   `json:"status"`
	Filters []Filter `json:"filters"`
}

// Filter represents a single filter for a symbol.
// We are interested in the LOT_SIZE filter to get the stepSize.
type Filter struct {
	FilterType string          `json:"filterType"`
	MinQty     decimal.Decimal `json:"minQty,omitempty"`
	MaxQty     decimal.Decimal `json:"maxQty,omitempty"`
	StepSize   decimal.Decimal `json:"stepSize,omitempty"`
}

// stepSize returns the LOT_SIZE step of symbol, fetched once and cached.
func (c *RestClient) stepSize(ctx context.Context, symbol string) (decimal.Decimal, error) {
	c.mu.Lock()
	step, ok := c.stepSizes[symbol]
	c.mu.Unlock()
	if ok {
		return step, nil
	}

	var info ExchangeInfoResponse
	_, err := c.doRequest(ctx, http.MethodGet, func() (*resty.Request, string) {
		return c.client.R().SetQueryParam("symbol", symbol).SetResult(&info), "/exchangeInfo"
	}, true)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get exchange info: %w", err)
	}

	step = decimal.Zero
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		for _, f := range s.Filters {
			if f.FilterType == "LOT_SIZE" {
				step = f.StepSize
			}
		}
	}

	c.mu.Lock()
	c.stepSizes[symbol] = step
	c.mu.Unlock()
	return step, nil
}

// CreateOrderResponse represents the FULL response from creating a new order.
type CreateOrderResponse struct {
	Symbol              string          `json:"symbol"`
	OrderID             int64           `json:"orderId"`
	ClientOrderID       string          `json:"clientOrderId"`
	TransactTime        int64           `json:"transactTime"`
	ExecutedQuantity    decimal.Decimal `json:"executedQty"`
	CummulativeQuoteQty decimal.Decimal `json:"cummulativeQuoteQty"`
	Status              string          `json:"status"`
	Type                string          `json:"type"`
	Side                string          `json:"side"`
	Fills               []OrderFill     `json:"fills"`
}

// OrderFill is one execution of an order.
type OrderFill struct {
	Price           decimal.Decimal `json:"price"`
	Quantity        decimal.Decimal `json:"qty"`
	Commission      decimal.Decimal `json:"commission"`
	CommissionAsset string          `json:"commissionAsset"`
	TradeID         int64           `json:"tradeId"`
}

// PlaceMarketBuy spends quoteAmount of the quote asset on symbol.
func (c *RestClient) PlaceMarketBuy(ctx context.Context, symbol string, quoteAmount decimal.Decimal) (exchange.Fill, error) {
	params := url.Values{}
	params.Set("quoteOrderQty", quoteAmount.Truncate(8).String())
	return c.createOrder(ctx, symbol, exchange.SideBuy, params)
}

// PlaceMarketSell sells quantity of the base asset, rounded down to the lot size.
func (c *RestClient) PlaceMarketSell(ctx context.Context, symbol string, quantity decimal.Decimal) (exchange.Fill, error) {
	step, err := c.stepSize(ctx, symbol)
	if err != nil {
		return exchange.Fill{}, err
	}
	qty := strategy.FloorToStep(quantity, step)
	if !qty.IsPositive() {
		return exchange.Fill{}, fmt.Errorf("sell quantity %s is below the lot size %s", quantity, step)
	}

	params := url.Values{}
	params.Set("quantity", qty.String())
	return c.createOrder(ctx, symbol, exchange.SideSell, params)
}

func (c *RestClient) createOrder(ctx context.Context, symbol, side string, params url.Values) (exchange.Fill, error) {
	params.Set("symbol", symbol)
	params.Set("side", side)
	params.Set("type", OrderTypeMarket)
	params.Set("newOrderRespType", "FULL")

	var order CreateOrderResponse
	_, err := c.doRequest(ctx, http.MethodPost, func() (*resty.Request, string) {
		body := c.signedQuery(params)
		return c.client.R().
			SetHeader("X-MBX-APIKEY", c.apiKey).
			SetHeader("Content-Type", "application/x-www-form-urlencoded").
			SetBody(body).
			SetResult(&order), "/order"
	}, false)
	if err != nil {
		c.logger.Error("Failed to create order",
			zap.Error(err),
			zap.String("symbol", symbol),
			zap.String("side", side),
		)
		return exchange.Fill{}, fmt.Errorf("failed to create %s order: %w", side, err)
	}

	fill := orderFill(order)
	c.logger.Info("Order filled",
		zap.String("symbol", symbol),
		zap.String("side", side),
		zap.Int64("order_id", order.OrderID),
		zap.Stringer("quantity", fill.Quantity),
		zap.Stringer("price", fill.Price),
	)
	return fill, nil
}

func orderFill(order CreateOrderResponse) exchange.Fill {
	fill := exchange.Fill{
		Symbol:          order.Symbol,
		Side:            order.Side,
		Quantity:        order.ExecutedQuantity,
		QuoteQuantity:   order.CummulativeQuoteQty,
		ExchangeOrderID: strconv.FormatInt(order.OrderID, 10),
		Time:            time.UnixMilli(order.TransactTime),
	}
	if order.ExecutedQuantity.IsPositive() {
		fill.Price = order.CummulativeQuoteQty.Div(order.ExecutedQuantity)
	}
	for i, f := range order.Fills {
		if i == 0 {
			fill.ExchangeTradeID = f.TradeID
			fill.CommissionAsset = f.CommissionAsset
		}
		fill.Commission = fill.Commission.Add(f.Commission)
	}
	return fill
}

type accountTrade struct {
	Symbol          string          `json:"symbol"`
	ID              int64           `json:"id"`
	OrderID         int64           `json:"orderId"`
	Price           decimal.Decimal `json:"price"`
	Quantity        decimal.Decimal `json:"qty"`
	QuoteQuantity   decimal.Decimal `json:"quoteQty"`
	Commission      decimal.Decimal `json:"commission"`
	CommissionAsset string          `json:"commissionAsset"`
	Time            int64           `json:"time"`
	IsBuyer         bool            `json:"isBuyer"`
}

// GetAllTrades returns one page of the account's trades on symbol starting at fromID.
func (c *RestClient) GetAllTrades(ctx context.Context, symbol string, fromID int64) ([]exchange.Trade, error) {
	var page []accountTrade
	_, err := c.doRequest(ctx, http.MethodGet, func() (*resty.Request, string) {
		params := url.Values{}
		params.Set("symbol", symbol)
		params.Set("fromId", strconv.FormatInt(fromID, 10))
		params.Set("limit", strconv.Itoa(exchange.PageSize))
		return c.client.R().SetHeader("X-MBX-APIKEY", c.apiKey).SetResult(&page), "/myTrades?" + c.signedQuery(params)
	}, true)
	if err != nil {
		return nil, fmt.Errorf("failed to get trades of %s from %d: %w", symbol, fromID, err)
	}

	trades := make([]exchange.Trade, 0, len(page))
	for _, t := range page {
		trades = append(trades, exchange.Trade{
			ID:              t.ID,
			OrderID:         strconv.FormatInt(t.OrderID, 10),
			Symbol:          t.Symbol,
			Price:           t.Price,
			Quantity:        t.Quantity,
			QuoteQuantity:   t.QuoteQuantity,
			Commission:      t.Commission,
			CommissionAsset: t.CommissionAsset,
			IsBuyer:         t.IsBuyer,
			Time:            time.UnixMilli(t.Time),
		})
	}
	return trades, nil
}

