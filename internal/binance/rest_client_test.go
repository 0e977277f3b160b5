package binance

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"binance-position-engine/internal/config"
	"binance-position-engine/internal/exchange"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// setupTestServer creates a new test server and a RestClient configured to use it.
func setupTestServer(handler http.Handler) (*RestClient, *httptest.Server) {
	server := httptest.NewServer(handler)

	rc := &RestClient{
		client:    resty.New().SetBaseURL(server.URL),
		apiKey:    "test_api_key",
		secretKey: "test_secret_key",
		logger:    zap.NewNop(),
		limiter:   rate.NewLimiter(rate.Inf, 1), // Allow all requests in tests
		retryBase: time.Millisecond,
		now:       func() time.Time { return fixedNow },
		stepSizes: make(map[string]decimal.Decimal),
	}
	return rc, server
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

// assertSigned checks that the signature covers everything before it.
func assertSigned(t *testing.T, payload string) {
	t.Helper()
	idx := strings.LastIndex(payload, "&signature=")
	require.NotEqual(t, -1, idx, "payload is not signed: %s", payload)
	signer := &RestClient{secretKey: "test_secret_key"}
	assert.Equal(t, signer.sign(payload[:idx]), payload[idx+len("&signature="):])
}

func TestGetServerTime(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/time", r.URL.Path)
			writeJSON(w, http.StatusOK, `{"serverTime": 1709294400000}`)
		})
		rc, server := setupTestServer(handler)
		defer server.Close()

		serverTime, err := rc.GetServerTime(context.Background())

		require.NoError(t, err)
		assert.True(t, fixedNow.Equal(serverTime))
	})

	t.Run("APIError", func(t *testing.T) {
		var calls atomic.Int32
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			writeJSON(w, http.StatusInternalServerError, `{"code": -1001, "msg": "Internal error"}`)
		})
		rc, server := setupTestServer(handler)
		defer server.Close()

		_, err := rc.GetServerTime(context.Background())

		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to get server time")
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, -1001, apiErr.Code)
		assert.Equal(t, int32(3), calls.Load(), "reads are retried")
	})
}

func TestNewRestClient(t *testing.T) {
	t.Run("Testnet", func(t *testing.T) {
		cfg := config.Binance{Testnet: true, ApiKey: "k", SecretKey: "s", RateLimit: 10, RateLimitBurst: 1}
		rc := NewRestClient(cfg, zap.NewNop())
		assert.Equal(t, testnetBaseURL, rc.client.BaseURL)
		assert.Equal(t, "k", rc.apiKey)
		assert.Equal(t, "s", rc.secretKey)
	})

	t.Run("Production", func(t *testing.T) {
		rc := NewRestClient(config.Binance{}, zap.NewNop())
		assert.Equal(t, baseURL, rc.client.BaseURL)
	})
}

func TestGetPrice(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ticker/price", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		writeJSON(w, http.StatusOK, `{"symbol":"BTCUSDT","price":"64123.45000000"}`)
	})
	rc, server := setupTestServer(handler)
	defer server.Close()

	price, err := rc.GetPrice(context.Background(), "BTCUSDT")

	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.RequireFromString("64123.45")))
}

func TestGetBalance(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/account", r.URL.Path)
		assert.Equal(t, "test_api_key", r.Header.Get("X-MBX-APIKEY"))
		assertSigned(t, r.URL.RawQuery)
		assert.Equal(t, "1709294400000", r.URL.Query().Get("timestamp"))
		writeJSON(w, http.StatusOK, `{"balances":[
			{"asset":"BTC","free":"0.50000000","locked":"0.10000000"},
			{"asset":"USDT","free":"1000.00","locked":"0.00"}]}`)
	})
	client, server := setupTestServer(handler)
	defer server.Close()

	t.Run("held asset", func(t *testing.T) {
		b, err := client.GetBalance(context.Background(), "BTC")
		require.NoError(t, err)
		assert.True(t, b.Free.Equal(decimal.RequireFromString("0.5")))
		assert.True(t, b.Total().Equal(decimal.RequireFromString("0.6")))
	})

	t.Run("unknown asset is zero", func(t *testing.T) {
		b, err := client.GetBalance(context.Background(), "ETH")
		require.NoError(t, err)
		assert.Equal(t, "ETH", b.Asset)
		assert.True(t, b.Total().IsZero())
	})
}

const orderResponse = `{
	"symbol":"BTCUSDT","orderId":28,"transactTime":1709294400000,
	"executedQty":"0.00200000","cummulativeQuoteQty":"100.00000000",
	"status":"FILLED","type":"MARKET","side":"%s",
	"fills":[
		{"price":"49000.00","qty":"0.00100000","commission":"0.00000100","commissionAsset":"BTC","tradeId":56},
		{"price":"51000.00","qty":"0.00100000","commission":"0.00000100","commissionAsset":"BTC","tradeId":57}
	]}`

func TestPlaceMarketBuy(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/order", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "BUY", r.PostForm.Get("side"))
		assert.Equal(t, "MARKET", r.PostForm.Get("type"))
		assert.Equal(t, "100", r.PostForm.Get("quoteOrderQty"))
		assert.Equal(t, "FULL", r.PostForm.Get("newOrderRespType"))
		writeJSON(w, http.StatusOK, strings.Replace(orderResponse, "%s", "BUY", 1))
	})
	client, server := setupTestServer(handler)
	defer server.Close()

	fill, err := client.PlaceMarketBuy(context.Background(), "BTCUSDT", decimal.NewFromInt(100))

	require.NoError(t, err)
	assert.Equal(t, exchange.SideBuy, fill.Side)
	assert.Equal(t, "28", fill.ExchangeOrderID)
	assert.Equal(t, int64(56), fill.ExchangeTradeID)
	assert.True(t, fill.Price.Equal(decimal.NewFromInt(50000)), "price is quote over quantity")
	assert.True(t, fill.Commission.Equal(decimal.RequireFromString("0.000002")))
	assert.Equal(t, "BTC", fill.CommissionAsset)
	assert.True(t, fixedNow.Equal(fill.Time))
}

func TestPlaceMarketSell(t *testing.T) {
	t.Run("quantity floored to lot size", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/exchangeInfo":
				writeJSON(w, http.StatusOK, `{"symbols":[{"symbol":"BTCUSDT","status":"TRADING","filters":[
					{"filterType":"PRICE_FILTER"},
					{"filterType":"LOT_SIZE","minQty":"0.00001","maxQty":"9000","stepSize":"0.00001000"}]}]}`)
			case "/order":
				body, err := io.ReadAll(r.Body)
				require.NoError(t, err)
				assertSigned(t, string(body))
				r.Body = io.NopCloser(bytes.NewReader(body))
				require.NoError(t, r.ParseForm())
				assert.Equal(t, "0.00123", r.PostForm.Get("quantity"))
				assert.Equal(t, "SELL", r.PostForm.Get("side"))
				writeJSON(w, http.StatusOK, strings.Replace(orderResponse, "%s", "SELL", 1))
			default:
				t.Errorf("unexpected path %s", r.URL.Path)
			}
		})
		client, server := setupTestServer(handler)
		defer server.Close()

		_, err := client.PlaceMarketSell(context.Background(), "BTCUSDT", decimal.RequireFromString("0.001239"))
		require.NoError(t, err)
	})

	t.Run("below lot size is rejected locally", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/exchangeInfo", r.URL.Path)
			writeJSON(w, http.StatusOK, `{"symbols":[{"symbol":"BTCUSDT","filters":[{"filterType":"LOT_SIZE","stepSize":"0.001"}]}]}`)
		})
		client, server := setupTestServer(handler)
		defer server.Close()

		_, err := client.PlaceMarketSell(context.Background(), "BTCUSDT", decimal.RequireFromString("0.0004"))
		assert.Error(t, err)
	})

	t.Run("orders are never retried", func(t *testing.T) {
		var orders atomic.Int32
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/exchangeInfo" {
				writeJSON(w, http.StatusOK, `{"symbols":[]}`)
				return
			}
			orders.Add(1)
			writeJSON(w, http.StatusBadGateway, `{"code":-1000,"msg":"unknown"}`)
		})
		client, server := setupTestServer(handler)
		defer server.Close()

		_, err := client.PlaceMarketSell(context.Background(), "BTCUSDT", decimal.NewFromInt(1))
		assert.Error(t, err)
		assert.Equal(t, int32(1), orders.Load())
	})

	t.Run("insufficient balance", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/exchangeInfo" {
				writeJSON(w, http.StatusOK, `{"symbols":[]}`)
				return
			}
			writeJSON(w, http.StatusBadRequest, `{"code":-2010,"msg":"Account has insufficient balance for requested action."}`)
		})
		client, server := setupTestServer(handler)
		defer server.Close()

		_, err := client.PlaceMarketSell(context.Background(), "BTCUSDT", decimal.NewFromInt(1))
		assert.True(t, errors.Is(err, exchange.ErrInsufficientBalance))
	})
}

func TestGetAllTrades(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/myTrades", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "BTCUSDT", q.Get("symbol"))
		assert.Equal(t, "501", q.Get("fromId"))
		assert.Equal(t, "1000", q.Get("limit"))
		writeJSON(w, http.StatusOK, `[
			{"symbol":"BTCUSDT","id":501,"orderId":90,"price":"60000","qty":"0.01","quoteQty":"600",
			 "commission":"0.00001","commissionAsset":"BTC","time":1709294400000,"isBuyer":true},
			{"symbol":"BTCUSDT","id":502,"orderId":91,"price":"61000","qty":"0.005","quoteQty":"305",
			 "commission":"0.305","commissionAsset":"USDT","time":1709294460000,"isBuyer":false}]`)
	})
	client, server := setupTestServer(handler)
	defer server.Close()

	trades, err := client.GetAllTrades(context.Background(), "BTCUSDT", 501)

	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, int64(501), trades[0].ID)
	assert.Equal(t, "90", trades[0].OrderID)
	assert.True(t, trades[0].IsBuyer)
	assert.False(t, trades[1].IsBuyer)
	assert.True(t, trades[1].Commission.Equal(decimal.RequireFromString("0.305")))
	assert.Equal(t, fixedNow.Add(time.Minute).Unix(), trades[1].Time.Unix())
}
