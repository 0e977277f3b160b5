package capital

import (
	"fmt"
	"testing"
	"time"

	"binance-position-engine/internal/config"
	"binance-position-engine/internal/models"
	"binance-position-engine/internal/signal"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func testConfig() config.Capital {
	return config.Default().Capital
}

func position(cost string) models.Trade {
	return models.Trade{
		OrderType:         models.OrderTypeBuy,
		Price:             models.NewDecimal(d(cost)),
		Quantity:          models.NewDecimal(d("1")),
		RemainingQuantity: models.NewDecimal(d("1")),
		Status:            models.StatusOpen,
	}
}

// history builds trades newest first from a string like "bbbsb".
func history(sides string) []models.Trade {
	trades := make([]models.Trade, len(sides))
	for i, side := range sides {
		orderType := models.OrderTypeBuy
		if side == 's' {
			orderType = models.OrderTypeSell
		}
		trades[i] = models.Trade{
			TradeID:   fmt.Sprintf("t-%02d", i),
			OrderType: orderType,
			Timestamp: now.Add(-time.Duration(i+1) * time.Minute),
		}
	}
	return trades
}

func TestDifficultyFactor(t *testing.T) {
	a := NewAllocator(testConfig())

	testCases := []struct {
		name     string
		history  []models.Trade
		now      time.Time
		expected string
	}{
		{"no history", nil, now, "0"},
		{"below threshold", history("bbbb"), now, "0"},
		{"five consecutive buys", history("bbbbb"), now, "0.005"},
		{"six consecutive buys", history("bbbbbb"), now, "0.006"},
		{"sell breaks the streak", history("bbbsbbbbbb"), now, "0"},
		{"sell is newest", history("sbbbbbbb"), now, "0"},
		{"history went stale", history("bbbbbbb"), now.Add(3 * time.Hour), "0"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := a.DifficultyFactor(tc.history, tc.now)
			assert.True(t, got.Equal(d(tc.expected)), "got %s", got)
		})
	}
}

func TestDifficultyFactor_OrderIndependent(t *testing.T) {
	a := NewAllocator(testConfig())
	trades := history("bbbbbb")
	reversed := make([]models.Trade, len(trades))
	for i := range trades {
		reversed[len(trades)-1-i] = trades[i]
	}
	assert.True(t, a.DifficultyFactor(reversed, now).Equal(d("0.006")))
}

func TestCalculateWorkingCapital(t *testing.T) {
	a := NewAllocator(testConfig())

	wc := a.CalculateWorkingCapital(d("10000"), []models.Trade{position("1000"), position("2500"), position("500")})
	assert.True(t, wc.Total.Equal(d("8000")))
	assert.True(t, wc.Used.Equal(d("4000")))
	assert.True(t, wc.Free.Equal(d("4000")))
	assert.True(t, wc.Reserve.Equal(d("2000")))

	over := a.CalculateWorkingCapital(d("10000"), []models.Trade{position("9000")})
	assert.True(t, over.Used.Equal(d("9000")))
	assert.True(t, over.Free.IsZero())
}

func TestDecide(t *testing.T) {
	buy := func(regime signal.Regime) signal.Signal {
		return signal.Signal{ShouldBuy: true, Regime: regime, Reason: "dip"}
	}

	testCases := []struct {
		name       string
		mutate     func(c *config.Capital)
		input      DecideInput
		amount     string
		mode       OperatingMode
		difficulty string
	}{
		{
			name:   "no signal preserves",
			input:  DecideInput{Signal: signal.Signal{Reason: "flat"}, PortfolioValue: d("1000"), FreeCash: d("1000")},
			amount: "0", mode: ModePreservation, difficulty: "0",
		},
		{
			name:   "monitoring requested",
			input:  DecideInput{Signal: signal.Signal{StartMonitoring: true, Reason: "dip in downtrend"}, PortfolioValue: d("1000"), FreeCash: d("1000")},
			amount: "0", mode: ModeMonitoring, difficulty: "0",
		},
		{
			name:   "accumulation in sideways market",
			input:  DecideInput{Signal: buy(signal.RegimeSideways), PortfolioValue: d("1000"), FreeCash: d("1000")},
			amount: "20", mode: ModeAccumulation, difficulty: "0",
		},
		{
			name: "aggressive in uptrend with few positions",
			input: DecideInput{Signal: buy(signal.RegimeUptrend), PortfolioValue: d("1000"), FreeCash: d("1000"),
				OpenPositions: []models.Trade{position("10"), position("10")}},
			amount: "40", mode: ModeAggressive, difficulty: "0",
		},
		{
			name:   "correction entry in downtrend with no positions",
			input:  DecideInput{Signal: buy(signal.RegimeDowntrend), PortfolioValue: d("1000"), FreeCash: d("1000")},
			amount: "50", mode: ModeCorrectionEntry, difficulty: "0",
		},
		{
			name:   "max positions reached",
			mutate: func(c *config.Capital) { c.MaxOpenPositions = 1 },
			input: DecideInput{Signal: buy(signal.RegimeSideways), PortfolioValue: d("1000"), FreeCash: d("1000"),
				OpenPositions: []models.Trade{position("10")}},
			amount: "0", mode: ModePreservation, difficulty: "0",
		},
		{
			name:   "dynamic capital ignores position cap",
			mutate: func(c *config.Capital) { c.MaxOpenPositions = 1; c.UseDynamicCapital = true },
			input: DecideInput{Signal: buy(signal.RegimeSideways), PortfolioValue: d("1000"), FreeCash: d("1000"),
				OpenPositions: []models.Trade{position("10")}},
			amount: "20", mode: ModeAccumulation, difficulty: "0",
		},
		{
			name: "difficulty damps the amount",
			input: DecideInput{Signal: buy(signal.RegimeSideways), PortfolioValue: d("1000"), FreeCash: d("1000"),
				TradeHistory: history("bbbbbb"), Now: now},
			amount: "19.88", mode: ModeAccumulation, difficulty: "0.006",
		},
		{
			name:   "param override",
			input:  DecideInput{Signal: buy(signal.RegimeSideways), PortfolioValue: d("1000"), FreeCash: d("1000"), Params: Params{OrderSizeUSD: d("33.333")}},
			amount: "33.33", mode: ModeAccumulation, difficulty: "0",
		},
		{
			name:   "insufficient free cash",
			input:  DecideInput{Signal: buy(signal.RegimeSideways), PortfolioValue: d("1000"), FreeCash: d("15")},
			amount: "0", mode: ModePreservation, difficulty: "0",
		},
		{
			name:   "working capital exhausted",
			input: DecideInput{Signal: buy(signal.RegimeSideways), PortfolioValue: d("1000"), FreeCash: d("500"),
				OpenPositions: []models.Trade{position("795")}},
			amount: "0", mode: ModePreservation, difficulty: "0",
		},
		{
			name:   "below min trade size",
			mutate: func(c *config.Capital) { c.BaseUSDPerTrade = d("5") },
			input:  DecideInput{Signal: buy(signal.RegimeSideways), PortfolioValue: d("1000"), FreeCash: d("1000")},
			amount: "0", mode: ModePreservation, difficulty: "0",
		},
		{
			name:   "capped at max trade size",
			mutate: func(c *config.Capital) { c.BaseUSDPerTrade = d("500"); c.MaxTradeSize = d("100") },
			input:  DecideInput{Signal: buy(signal.RegimeDowntrend), PortfolioValue: d("10000"), FreeCash: d("10000")},
			amount: "100", mode: ModeCorrectionEntry, difficulty: "0",
		},
		{
			name:   "percentage of working capital",
			mutate: func(c *config.Capital) { c.SizingStrategy = SizingPercentage },
			input:  DecideInput{Signal: buy(signal.RegimeSideways), PortfolioValue: d("1000"), FreeCash: d("500")},
			amount: "40", mode: ModeAccumulation, difficulty: "0",
		},
		{
			name:   "logarithmic sizing",
			mutate: func(c *config.Capital) { c.SizingStrategy = SizingLogarithmic },
			// pct = 0.01 + log10(10000/100) * 0.005 = 0.02 of 0.8 * 5000
			input:  DecideInput{Signal: buy(signal.RegimeSideways), PortfolioValue: d("10000"), FreeCash: d("5000")},
			amount: "80", mode: ModeAccumulation, difficulty: "0",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			if tc.mutate != nil {
				tc.mutate(&cfg)
			}
			got := NewAllocator(cfg).Decide(tc.input)
			assert.True(t, got.Amount.Equal(d(tc.amount)), "amount %s", got.Amount)
			assert.Equal(t, tc.mode, got.Mode)
			assert.True(t, got.DifficultyFactor.Equal(d(tc.difficulty)), "difficulty %s", got.DifficultyFactor)
			assert.NotEmpty(t, got.Reason)
		})
	}
}

func TestOperatingModeString(t *testing.T) {
	assert.Equal(t, "CORRECTION_ENTRY", ModeCorrectionEntry.String())
	text, err := ModeMonitoring.MarshalText()
	assert.NoError(t, err)
	assert.Equal(t, "MONITORING", string(text))
}
