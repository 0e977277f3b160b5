package capital

import (
	"sort"
	"time"

	"binance-position-engine/internal/models"

	"github.com/shopspring/decimal"
)

// DifficultyFactor damps order sizes after a streak of buys with no sell in
// between. history may be in any order. A streak shorter than the threshold,
// or a newest trade older than the reset timeout, gives zero.
func (a *Allocator) DifficultyFactor(history []models.Trade, now time.Time) decimal.Decimal {
	if len(history) == 0 {
		return decimal.Zero
	}
	trades := make([]models.Trade, len(history))
	copy(trades, history)
	sort.SliceStable(trades, func(i, j int) bool {
		if !trades[i].Timestamp.Equal(trades[j].Timestamp) {
			return trades[i].Timestamp.After(trades[j].Timestamp)
		}
		return trades[i].TradeID > trades[j].TradeID
	})

	if now.Sub(trades[0].Timestamp) > a.cfg.DifficultyResetTimeout {
		return decimal.Zero
	}

	streak := 0
	for _, trade := range trades {
		if trade.OrderType != models.OrderTypeBuy {
			break
		}
		streak++
	}

	threshold := a.cfg.ConsecutiveBuysThreshold
	if streak < threshold {
		return decimal.Zero
	}
	extra := decimal.NewFromInt(int64(streak - threshold))
	factor := a.cfg.BaseDifficultyPercentage.Add(a.cfg.PerBuyDifficultyIncrement.Mul(extra))
	return decimal.Min(factor, one)
}
