package config

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Sanitize replaces missing or malformed values with safe defaults and
// returns one warning per replaced value. It never fails.
func (c *Config) Sanitize() []string {
	var warnings []string
	warn := func(key string, got any, fallback any) {
		warnings = append(warnings, fmt.Sprintf("%s=%v is invalid, using %v", key, got, fallback))
	}

	one := decimal.NewFromInt(1)
	unitInterval := func(key string, v *decimal.Decimal, fallback decimal.Decimal, allowOne bool) {
		if v.IsNegative() || v.GreaterThan(one) || (!allowOne && v.Equal(one)) {
			warn(key, *v, fallback)
			*v = fallback
		}
	}
	nonNegative := func(key string, v *decimal.Decimal, fallback decimal.Decimal) {
		if v.IsNegative() {
			warn(key, *v, fallback)
			*v = fallback
		}
	}
	positiveDuration := func(key string, v *time.Duration, fallback time.Duration) {
		if *v <= 0 {
			warn(key, *v, fallback)
			*v = fallback
		}
	}

	if c.Trading.Symbol == "" || c.Trading.BaseAsset == "" || c.Trading.QuoteAsset == "" {
		warn("trading.symbol", c.Trading.Symbol, "BTCUSDT (BTC/USDT)")
		c.Trading.Symbol, c.Trading.BaseAsset, c.Trading.QuoteAsset = "BTCUSDT", "BTC", "USDT"
	}
	switch c.Trading.Environment {
	case EnvLive, EnvPaper, EnvBacktest:
	default:
		warn("trading.environment", c.Trading.Environment, EnvPaper)
		c.Trading.Environment = EnvPaper
	}
	if c.Trading.RunID == "" {
		warn("trading.run_id", `""`, "default")
		c.Trading.RunID = "default"
	}
	positiveDuration("trading.tick_interval", &c.Trading.TickInterval, 30*time.Second)
	positiveDuration("trading.error_backoff", &c.Trading.ErrorBackoff, 5*time.Second)
	if c.Trading.MaxErrorBackoff < c.Trading.ErrorBackoff {
		warn("trading.max_error_backoff", c.Trading.MaxErrorBackoff, c.Trading.ErrorBackoff)
		c.Trading.MaxErrorBackoff = c.Trading.ErrorBackoff
	}
	nonNegative("trading.initial_quote", &c.Trading.InitialQuote, decimal.Zero)

	unitInterval("strategy.commission_rate", &c.Strategy.CommissionRate, decimal.RequireFromString("0.001"), false)
	nonNegative("strategy.target_profit", &c.Strategy.TargetProfit, decimal.RequireFromString("0.01"))
	if !c.Strategy.SellFactor.IsPositive() || c.Strategy.SellFactor.GreaterThan(one) {
		warn("strategy.sell_factor", c.Strategy.SellFactor, one)
		c.Strategy.SellFactor = one
	}
	unitInterval("strategy.trailing_percentage", &c.Strategy.TrailingPercentage, decimal.RequireFromString("0.1"), false)
	nonNegative("strategy.min_profit_target", &c.Strategy.MinProfitTarget, decimal.Zero)
	positiveDuration("strategy.reversal_timeout", &c.Strategy.ReversalTimeout, 300*time.Second)
	nonNegative("strategy.reversal_threshold", &c.Strategy.ReversalThreshold, decimal.RequireFromString("0.005"))
	unitInterval("strategy.dip_percentage", &c.Strategy.DipPercentage, decimal.RequireFromString("0.02"), false)
	if c.Strategy.RegimeWindow < 2 {
		warn("strategy.regime_window", c.Strategy.RegimeWindow, 20)
		c.Strategy.RegimeWindow = 20
	}

	switch c.Capital.SizingStrategy {
	case "fixed", "percentage", "logarithmic":
	default:
		warn("capital.sizing_strategy", c.Capital.SizingStrategy, "fixed")
		c.Capital.SizingStrategy = "fixed"
	}
	// A broken order size must never turn into a large order.
	nonNegative("capital.base_usd_per_trade", &c.Capital.BaseUSDPerTrade, decimal.Zero)
	unitInterval("capital.order_size_free_cash_percentage", &c.Capital.OrderSizeFreeCashPct, decimal.Zero, true)
	unitInterval("capital.log_min_pct", &c.Capital.LogMinPct, decimal.Zero, true)
	unitInterval("capital.log_max_pct", &c.Capital.LogMaxPct, decimal.Zero, true)
	if c.Capital.LogMaxPct.LessThan(c.Capital.LogMinPct) {
		warn("capital.log_max_pct", c.Capital.LogMaxPct, c.Capital.LogMinPct)
		c.Capital.LogMaxPct = c.Capital.LogMinPct
	}
	nonNegative("capital.log_scaling_factor", &c.Capital.LogScalingFactor, decimal.Zero)
	unitInterval("capital.working_capital_percentage", &c.Capital.WorkingCapitalPercentage, decimal.RequireFromString("0.8"), true)
	nonNegative("capital.aggressive_buy_multiplier", &c.Capital.AggressiveMultiplier, one)
	nonNegative("capital.correction_entry_multiplier", &c.Capital.CorrectionEntryMultiplier, one)
	nonNegative("capital.min_trade_size", &c.Capital.MinTradeSize, decimal.NewFromInt(10))
	nonNegative("capital.max_trade_size", &c.Capital.MaxTradeSize, decimal.Zero)
	if c.Capital.MaxOpenPositions <= 0 {
		warn("capital.max_open_positions", c.Capital.MaxOpenPositions, 0)
		c.Capital.MaxOpenPositions = 0
	}
	if c.Capital.ConsecutiveBuysThreshold <= 0 {
		warn("capital.consecutive_buys_threshold", c.Capital.ConsecutiveBuysThreshold, 5)
		c.Capital.ConsecutiveBuysThreshold = 5
	}
	unitInterval("capital.base_difficulty_percentage", &c.Capital.BaseDifficultyPercentage, decimal.RequireFromString("0.005"), false)
	unitInterval("capital.per_buy_difficulty_increment", &c.Capital.PerBuyDifficultyIncrement, decimal.RequireFromString("0.001"), false)
	positiveDuration("capital.difficulty_reset_timeout", &c.Capital.DifficultyResetTimeout, 2*time.Hour)

	if c.Backtest.Workers <= 0 {
		warn("backtest.workers", c.Backtest.Workers, 1)
		c.Backtest.Workers = 1
	}
	return warnings
}
