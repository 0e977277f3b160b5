package trader

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"binance-position-engine/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupAPI(t *testing.T, f *simFixture) *httptest.Server {
	WithClock(func() time.Time { return t0.Add(time.Hour) })(f.engine)
	server := NewAPIServer(0, f.engine, f.store, f.metrics, zap.NewNop())
	ts := httptest.NewServer(server.Routes())
	t.Cleanup(ts.Close)
	return ts
}

func get(t *testing.T, url string) (int, []byte) {
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func TestAPI_Health(t *testing.T) {
	ts := setupAPI(t, setupSim(t, testConfig()))

	code, body := get(t, ts.URL+"/health")

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "OK\n", string(body))
}

func TestAPI_Status(t *testing.T) {
	f := setupSim(t, testConfig(), step{"100", buySignal})
	ts := setupAPI(t, f)
	_, err := f.engine.safeCycle(context.Background())
	require.NoError(t, err)

	code, body := get(t, ts.URL+"/status")
	require.Equal(t, http.StatusOK, code)

	var status struct {
		Environment string `json:"environment"`
		RunID       string `json:"run_id"`
		Cycles      int    `json:"cycles"`
		LastCycle   struct {
			BuyTradeID string `json:"buy_trade_id"`
			Decision   struct {
				Mode string `json:"mode"`
			} `json:"decision"`
		} `json:"last_cycle"`
	}
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, "paper", status.Environment)
	assert.Equal(t, "test", status.RunID)
	assert.Equal(t, 1, status.Cycles)
	assert.NotEmpty(t, status.LastCycle.BuyTradeID)
	assert.Equal(t, "ACCUMULATION", status.LastCycle.Decision.Mode)
}

func TestAPI_Trades(t *testing.T) {
	f := setupSim(t, testConfig(), step{"100", buySignal}, step{"99", buySignal})
	ts := setupAPI(t, f)
	for i := 0; i < 2; i++ {
		_, err := f.engine.RunCycle(context.Background())
		require.NoError(t, err)
	}

	t.Run("default limit", func(t *testing.T) {
		code, body := get(t, ts.URL+"/api/trades")
		require.Equal(t, http.StatusOK, code)
		var trades []models.Trade
		require.NoError(t, json.Unmarshal(body, &trades))
		require.Len(t, trades, 2)
		assert.True(t, trades[0].Price.Equal(decimal.NewFromInt(99)), "newest first")
	})

	t.Run("explicit limit", func(t *testing.T) {
		code, body := get(t, ts.URL+"/api/trades?limit=1")
		require.Equal(t, http.StatusOK, code)
		var trades []models.Trade
		require.NoError(t, json.Unmarshal(body, &trades))
		assert.Len(t, trades, 1)
	})

	for _, raw := range []string{"abc", "0", "-3"} {
		t.Run("invalid limit "+raw, func(t *testing.T) {
			code, _ := get(t, ts.URL+"/api/trades?limit="+raw)
			assert.Equal(t, http.StatusBadRequest, code)
		})
	}
}

func TestAPI_PositionsAndStatistics(t *testing.T) {
	cfg := testConfig()
	f := setupSim(t, cfg, step{"110", noSignal}, step{"120", noSignal}, step{"117", noSignal})
	f.sim.SetBalance("BTC", d("1"))
	seedPosition(t, f.store, cfg, "100", "1")
	ts := setupAPI(t, f)
	for i := 0; i < 3; i++ {
		_, err := f.engine.RunCycle(context.Background())
		require.NoError(t, err)
	}

	code, body := get(t, ts.URL+"/api/positions")
	require.Equal(t, http.StatusOK, code)
	var positions map[string][]models.Trade
	require.NoError(t, json.Unmarshal(body, &positions))
	assert.Empty(t, positions["open"])
	require.Len(t, positions["treasury"], 1)

	code, body = get(t, ts.URL+"/api/statistics")
	require.Equal(t, http.StatusOK, code)
	var stats StatisticsResponse
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.EqualValues(t, 1, stats.AllTime.TotalTrades)
	assert.EqualValues(t, 1, stats.Since24h.ProfitableTrades)
	assert.Equal(t, 1.0, stats.AllTime.WinRate)
	assert.InDelta(t, 15.1947, stats.AllTime.TotalProfit.InexactFloat64(), 1e-6)
}

func TestAPI_Metrics(t *testing.T) {
	f := setupSim(t, testConfig(), step{"100", buySignal})
	ts := setupAPI(t, f)
	_, err := f.engine.safeCycle(context.Background())
	require.NoError(t, err)

	code, body := get(t, ts.URL+"/metrics")

	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "engine_cycles_total 1")
	assert.Contains(t, string(body), `engine_operating_mode{mode="ACCUMULATION"} 1`)
}

func TestStatistics(t *testing.T) {
	now := t0
	sell := func(pnl string, age time.Duration) models.Trade {
		return models.Trade{RealizedPnL: models.NewDecimal(d(pnl)), Timestamp: now.Add(-age)}
	}

	stats := Statistics([]models.Trade{
		sell("5", time.Hour),
		sell("-2", 2*time.Hour),
		sell("3", 48*time.Hour),
		sell("0", 72*time.Hour),
	}, now)

	assert.EqualValues(t, 4, stats.AllTime.TotalTrades)
	assert.EqualValues(t, 2, stats.AllTime.ProfitableTrades)
	assert.Equal(t, 0.5, stats.AllTime.WinRate)
	assert.True(t, stats.AllTime.TotalProfit.Equal(d("6")))

	assert.EqualValues(t, 2, stats.Since24h.TotalTrades)
	assert.EqualValues(t, 1, stats.Since24h.ProfitableTrades)
	assert.True(t, stats.Since24h.TotalProfit.Equal(d("3")))

	empty := Statistics(nil, now)
	assert.Zero(t, empty.AllTime.WinRate)
	assert.True(t, empty.AllTime.TotalProfit.IsZero())
}
