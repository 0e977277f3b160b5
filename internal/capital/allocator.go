// Package capital decides whether to buy and how much. It keeps no state of
// its own; everything it needs arrives with each call, so one Allocator per
// backtest trial is enough.
package capital

import (
	"fmt"
	"time"

	"binance-position-engine/internal/config"
	"binance-position-engine/internal/models"
	"binance-position-engine/internal/signal"

	"github.com/shopspring/decimal"
)

const (
	SizingFixed       = "fixed"
	SizingPercentage  = "percentage"
	SizingLogarithmic = "logarithmic"
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
	ln10    = mustLn(decimal.NewFromInt(10))
)

// Params are per-run overrides supplied by an optimizer or backtest.
type Params struct {
	// OrderSizeUSD replaces base_usd_per_trade for fixed sizing when positive.
	OrderSizeUSD decimal.Decimal
}

// DecideInput is everything one sizing decision depends on.
type DecideInput struct {
	Signal         signal.Signal
	OpenPositions  []models.Trade
	PortfolioValue decimal.Decimal
	FreeCash       decimal.Decimal
	Params         Params
	TradeHistory   []models.Trade
	Now            time.Time
}

// Decision is the allocator's answer. Amount is in quote currency.
type Decision struct {
	Amount           decimal.Decimal `json:"amount"`
	Mode             OperatingMode   `json:"mode"`
	Reason           string          `json:"reason"`
	DifficultyFactor decimal.Decimal `json:"difficulty_factor"`
}

// WorkingCapital splits a portfolio into deployable capital and reserve.
type WorkingCapital struct {
	Total   decimal.Decimal
	Used    decimal.Decimal
	Free    decimal.Decimal
	Reserve decimal.Decimal
}

// Allocator sizes buy orders.
type Allocator struct {
	cfg config.Capital
}

// NewAllocator copies cfg; later changes to the caller's value have no effect.
func NewAllocator(cfg config.Capital) *Allocator {
	return &Allocator{cfg: cfg}
}

// Decide returns the buy amount for this cycle, or zero with the reason.
func (a *Allocator) Decide(in DecideInput) Decision {
	openCount := len(in.OpenPositions)
	if !a.cfg.UseDynamicCapital && openCount >= a.cfg.MaxOpenPositions {
		return Decision{Mode: ModePreservation, Reason: fmt.Sprintf("max open positions (%d) reached", a.cfg.MaxOpenPositions)}
	}

	difficulty := a.DifficultyFactor(in.TradeHistory, in.Now)
	decision := Decision{Mode: ModePreservation, DifficultyFactor: difficulty}

	if in.Signal.StartMonitoring {
		decision.Mode = ModeMonitoring
		decision.Reason = in.Signal.Reason
		return decision
	}
	if !in.Signal.ShouldBuy {
		decision.Reason = in.Signal.Reason
		return decision
	}

	mode := a.selectMode(in.Signal.Regime, openCount)
	amount := a.baseSize(in).Mul(a.multiplier(mode))
	if a.cfg.MaxTradeSize.IsPositive() && amount.GreaterThan(a.cfg.MaxTradeSize) {
		amount = a.cfg.MaxTradeSize
	}
	amount = amount.Mul(one.Sub(difficulty))

	available := decimal.Min(a.CalculateWorkingCapital(in.PortfolioValue, in.OpenPositions).Free, in.FreeCash)
	switch {
	case amount.GreaterThan(available):
		decision.Reason = fmt.Sprintf("insufficient working capital for %s buy: need %s, have %s",
			mode, amount.StringFixed(2), available.StringFixed(2))
		return decision
	case amount.LessThan(a.cfg.MinTradeSize) || !amount.IsPositive():
		decision.Reason = fmt.Sprintf("%s buy of %s is below min trade size %s",
			mode, amount.StringFixed(2), a.cfg.MinTradeSize)
		return decision
	}

	decision.Amount = amount.RoundBank(2)
	decision.Mode = mode
	decision.Reason = in.Signal.Reason
	return decision
}

// CalculateWorkingCapital values the open positions at cost. Free never
// goes below zero.
func (a *Allocator) CalculateWorkingCapital(portfolioValue decimal.Decimal, openPositions []models.Trade) WorkingCapital {
	total := portfolioValue.Mul(a.cfg.WorkingCapitalPercentage)
	used := decimal.Zero
	for i := range openPositions {
		used = used.Add(openPositions[i].CostBasis())
	}
	free := total.Sub(used)
	if free.IsNegative() {
		free = decimal.Zero
	}
	return WorkingCapital{
		Total:   total,
		Used:    used,
		Free:    free,
		Reserve: portfolioValue.Sub(total),
	}
}

func (a *Allocator) selectMode(regime signal.Regime, openCount int) OperatingMode {
	switch {
	case regime == signal.RegimeUptrend && float64(openCount) < float64(a.cfg.MaxOpenPositions)/4:
		return ModeAggressive
	case regime == signal.RegimeDowntrend && openCount == 0:
		return ModeCorrectionEntry
	default:
		return ModeAccumulation
	}
}

func (a *Allocator) multiplier(mode OperatingMode) decimal.Decimal {
	switch mode {
	case ModeAggressive:
		return a.cfg.AggressiveMultiplier
	case ModeCorrectionEntry:
		return a.cfg.CorrectionEntryMultiplier
	case ModeAccumulation:
		return one
	case ModePreservation, ModeMonitoring:
		return decimal.Zero
	}
	return decimal.Zero
}

func (a *Allocator) baseSize(in DecideInput) decimal.Decimal {
	workingCapital := in.FreeCash.Mul(a.cfg.WorkingCapitalPercentage)
	switch a.cfg.SizingStrategy {
	case SizingPercentage:
		return workingCapital.Mul(a.cfg.OrderSizeFreeCashPct)
	case SizingLogarithmic:
		return workingCapital.Mul(a.logarithmicPct(in.PortfolioValue))
	default:
		if in.Params.OrderSizeUSD.IsPositive() {
			return in.Params.OrderSizeUSD
		}
		return a.cfg.BaseUSDPerTrade
	}
}

// logarithmicPct grows the order percentage with the portfolio:
// clamp(minPct + log10(portfolio/100) * scaling, minPct, maxPct).
func (a *Allocator) logarithmicPct(portfolioValue decimal.Decimal) decimal.Decimal {
	ratio := portfolioValue.Div(hundred)
	if !ratio.IsPositive() {
		return a.cfg.LogMinPct
	}
	ln, err := ratio.Ln(16)
	if err != nil {
		return a.cfg.LogMinPct
	}
	pct := a.cfg.LogMinPct.Add(ln.Div(ln10).Mul(a.cfg.LogScalingFactor))
	return decimal.Min(decimal.Max(pct, a.cfg.LogMinPct), a.cfg.LogMaxPct)
}

func mustLn(d decimal.Decimal) decimal.Decimal {
	ln, err := d.Ln(16)
	if err != nil {
		panic(err)
	}
	return ln
}
