package strategy

import (
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestSellTargetPrice(t *testing.T) {
	target, ok := SellTargetPrice(d("100"), d("0.001"), d("0.005"))
	assert.True(t, ok)
	assert.InDelta(t, 100.7012, target.InexactFloat64(), 0.0001)

	target, ok = SellTargetPrice(d("100"), d("1"), d("0.005"))
	assert.False(t, ok)
	assert.True(t, target.Equal(Infinity))
}

func TestBreakEvenPrice(t *testing.T) {
	breakEven, ok := BreakEvenPrice(d("100"), d("0.001"))
	assert.True(t, ok)
	assert.InDelta(t, 100.2002, breakEven.InexactFloat64(), 0.0001)

	// selling at break-even nets zero
	pnl := RealizedPnL(d("100"), breakEven, d("1"), d("0.001"))
	assert.InDelta(t, 0, pnl.InexactFloat64(), 1e-9)
}

func TestRealizedPnL(t *testing.T) {
	testCases := []struct {
		name      string
		sellPrice string
		expected  string
	}{
		{"profit", "110", "9.79"},
		{"loss", "90", "-10.19"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			pnl := RealizedPnL(d("100"), d(tc.sellPrice), d("1"), d("0.001"))
			assert.True(t, pnl.Equal(d(tc.expected)), "got %s", pnl)
		})
	}
}

func TestRealizedPnLFromCommissions(t *testing.T) {
	// buy 2 @100 paying 0.2, sell 0.5 @110 paying 0.055
	buyCommission := ProrateCommission(d("0.2"), d("2"), d("0.5"))
	assert.True(t, buyCommission.Equal(d("0.05")))

	pnl := RealizedPnLFromCommissions(d("100"), d("110"), d("0.5"), buyCommission, d("0.055"))
	assert.True(t, pnl.Equal(d("4.895")), "got %s", pnl)
}

func TestProrateCommission_ZeroTotal(t *testing.T) {
	assert.True(t, ProrateCommission(d("1"), decimal.Zero, d("1")).IsZero())
}

func TestNetUnrealizedPnL(t *testing.T) {
	// qty 1 * 0.9 = 0.9; gross (110-100)*0.9 = 9; buy commission 0.1*0.9 = 0.09;
	// sell commission 110*0.9*0.001 = 0.099
	pnl := NetUnrealizedPnL(d("100"), d("110"), d("1"), d("0.1"), d("0.9"), d("0.001"))
	assert.True(t, pnl.Equal(d("8.811")), "got %s", pnl)
}

func TestTrailingTriggerProfit(t *testing.T) {
	assert.True(t, TrailingTriggerProfit(d("10"), d("0.5"), d("0.1")).Equal(d("9")))
	assert.True(t, TrailingTriggerProfit(d("0.4"), d("0.5"), d("0.1")).Equal(d("0.5")))
}

func TestFloorToStep(t *testing.T) {
	assert.True(t, FloorToStep(d("1.23456"), d("0.001")).Equal(d("1.234")))
	assert.True(t, FloorToStep(d("1.23456"), decimal.Zero).Equal(d("1.23456")))
}

func TestRules_ConcurrentUse(t *testing.T) {
	rules := Rules{CommissionRate: d("0.001"), TargetProfit: d("0.005"), SellFactor: d("1")}
	var wg sync.WaitGroup
	results := make([]decimal.Decimal, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = rules.SellTarget(d("100"))
		}(i)
	}
	wg.Wait()
	for _, r := range results {
		assert.True(t, r.Equal(results[0]))
	}
}
