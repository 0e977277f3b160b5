// Package strategy holds the pricing and P&L formulas shared by the engine,
// the allocator and reconciliation. Everything here is pure and safe to call
// from concurrent backtest trials.
package strategy

import (
	"binance-position-engine/internal/config"

	"github.com/shopspring/decimal"
)

var (
	one = decimal.NewFromInt(1)

	// Infinity is returned as the sell target when no finite target exists.
	// No market price reaches it.
	Infinity = decimal.New(1, 30)
)

// BreakEvenPrice is the sell price at which a round trip nets zero after
// commissions on both legs. ok is false when commissionRate >= 1.
func BreakEvenPrice(buyPrice, commissionRate decimal.Decimal) (decimal.Decimal, bool) {
	denominator := one.Sub(commissionRate)
	if !denominator.IsPositive() {
		return Infinity, false
	}
	return buyPrice.Mul(one.Add(commissionRate)).Div(denominator), true
}

// SellTargetPrice is the break-even price marked up by targetProfit.
func SellTargetPrice(buyPrice, commissionRate, targetProfit decimal.Decimal) (decimal.Decimal, bool) {
	breakEven, ok := BreakEvenPrice(buyPrice, commissionRate)
	if !ok {
		return Infinity, false
	}
	return breakEven.Mul(one.Add(targetProfit)), true
}

// RealizedPnL nets a sell against its buy with commissions given as a rate.
func RealizedPnL(buyPrice, sellPrice, qtySold, commissionRate decimal.Decimal) decimal.Decimal {
	proceeds := sellPrice.Mul(qtySold).Mul(one.Sub(commissionRate))
	cost := buyPrice.Mul(qtySold).Mul(one.Add(commissionRate))
	return proceeds.Sub(cost)
}

// RealizedPnLFromCommissions nets a sell against its buy with absolute
// commissions in quote currency. Both commissions must already be prorated to
// qtySold (see ProrateCommission).
func RealizedPnLFromCommissions(buyPrice, sellPrice, qtySold, buyCommissionUSD, sellCommissionUSD decimal.Decimal) decimal.Decimal {
	gross := sellPrice.Sub(buyPrice).Mul(qtySold)
	return gross.Sub(buyCommissionUSD).Sub(sellCommissionUSD)
}

// ProrateCommission scales a commission charged on totalQty down to sliceQty.
func ProrateCommission(commission, totalQty, sliceQty decimal.Decimal) decimal.Decimal {
	if !totalQty.IsPositive() {
		return decimal.Zero
	}
	return commission.Div(totalQty).Mul(sliceQty)
}

// NetUnrealizedPnL is the P&L of liquidating sellFactor of a position at
// currentPrice, net of the matching share of the buy commission and an
// estimated sell commission.
func NetUnrealizedPnL(entryPrice, currentPrice, totalQty, buyCommissionUSD, sellFactor, commissionRate decimal.Decimal) decimal.Decimal {
	qty := totalQty.Mul(sellFactor)
	gross := currentPrice.Sub(entryPrice).Mul(qty)
	buyCommission := buyCommissionUSD.Mul(sellFactor)
	sellCommission := currentPrice.Mul(qty).Mul(commissionRate)
	return gross.Sub(buyCommission).Sub(sellCommission)
}

// TrailingTriggerProfit is the profit level at which an active trailing stop
// sells: the high-water mark less trailPercentage, floored at minProfitTarget.
func TrailingTriggerProfit(highestProfit, minProfitTarget, trailPercentage decimal.Decimal) decimal.Decimal {
	return decimal.Max(highestProfit.Mul(one.Sub(trailPercentage)), minProfitTarget)
}

// FloorToStep rounds qty down to a multiple of step. A non-positive step
// leaves qty unchanged.
func FloorToStep(qty, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return qty
	}
	return qty.Div(step).Floor().Mul(step)
}

// Rules bundles the parameters the formulas are evaluated with.
type Rules struct {
	CommissionRate     decimal.Decimal
	TargetProfit       decimal.Decimal
	SellFactor         decimal.Decimal
	TrailingPercentage decimal.Decimal
	MinProfitTarget    decimal.Decimal
}

// NewRules copies the strategy section of the configuration.
func NewRules(cfg config.Strategy) Rules {
	return Rules{
		CommissionRate:     cfg.CommissionRate,
		TargetProfit:       cfg.TargetProfit,
		SellFactor:         cfg.SellFactor,
		TrailingPercentage: cfg.TrailingPercentage,
		MinProfitTarget:    cfg.MinProfitTarget,
	}
}

func (r Rules) SellTarget(buyPrice decimal.Decimal) decimal.Decimal {
	target, _ := SellTargetPrice(buyPrice, r.CommissionRate, r.TargetProfit)
	return target
}

func (r Rules) BreakEven(buyPrice decimal.Decimal) decimal.Decimal {
	breakEven, _ := BreakEvenPrice(buyPrice, r.CommissionRate)
	return breakEven
}

func (r Rules) UnrealizedPnL(entryPrice, currentPrice, totalQty, buyCommissionUSD decimal.Decimal) decimal.Decimal {
	return NetUnrealizedPnL(entryPrice, currentPrice, totalQty, buyCommissionUSD, r.SellFactor, r.CommissionRate)
}

func (r Rules) TriggerProfit(highestProfit decimal.Decimal) decimal.Decimal {
	return TrailingTriggerProfit(highestProfit, r.MinProfitTarget, r.TrailingPercentage)
}

// SellQuantity is the part of a position an exit liquidates.
func (r Rules) SellQuantity(remaining decimal.Decimal) decimal.Decimal {
	return remaining.Mul(r.SellFactor)
}
