package trader

import (
	"context"
	"fmt"

	"binance-position-engine/internal/exchange"
	"binance-position-engine/internal/ledger"
	"binance-position-engine/internal/logger"
	"binance-position-engine/internal/models"
	"binance-position-engine/internal/strategy"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const ExitTrailingStop = "trailing_stop"

type exitCandidate struct {
	position      models.Trade
	quantity      decimal.Decimal
	unrealized    decimal.Decimal
	highestProfit decimal.Decimal
	trigger       decimal.Decimal
}

// evaluateExits walks the trailing-stop state machine of every open position
// and sells the triggered ones as a single batch.
func (e *Engine) evaluateExits(ctx context.Context, price decimal.Decimal, open []models.Trade, report *CycleReport) error {
	var batch []exitCandidate
	for i := range open {
		candidate, err := e.evaluatePosition(ctx, price, open[i], report)
		if err != nil {
			return err
		}
		if candidate != nil {
			batch = append(batch, *candidate)
		}
	}
	if len(batch) == 0 {
		return nil
	}

	required := decimal.Zero
	for _, c := range batch {
		required = required.Add(c.quantity)
	}
	balance, err := e.client.GetBalance(ctx, e.cfg.Trading.BaseAsset)
	if err != nil {
		return fmt.Errorf("failed to get %s balance: %w", e.cfg.Trading.BaseAsset, err)
	}
	if required.GreaterThan(balance.Free) {
		logger.Critical(e.logger, "Sell batch exceeds exchange balance, aborting all sells",
			zap.Int("positions", len(batch)),
			zap.Stringer("required", required),
			zap.Stringer("free", balance.Free),
		)
		e.metrics.GateAborted()
		report.GateAborted = true
		return nil
	}

	for _, c := range batch {
		if result, ok := e.sell(ctx, c, report); ok {
			report.Exits = append(report.Exits, result)
		}
	}
	return nil
}

// evaluatePosition advances the trailing state of one position and returns it
// as a sell candidate when the trailing stop triggers above break-even.
func (e *Engine) evaluatePosition(ctx context.Context, price decimal.Decimal, pos models.Trade, report *CycleReport) (*exitCandidate, error) {
	buyCommission := strategy.ProrateCommission(pos.CommissionUSD.Decimal, pos.Quantity.Decimal, pos.RemainingQuantity.Decimal)
	pnl := e.rules.UnrealizedPnL(pos.Price.Decimal, price, pos.RemainingQuantity.Decimal, buyCommission)
	log := e.logger.With(zap.String("trade_id", pos.TradeID), zap.Stringer("unrealized_pnl", pnl))

	if !pos.IsTrailingActive {
		if !pos.SellTargetPrice.IsPositive() || price.LessThan(pos.SellTargetPrice.Decimal) {
			return nil, nil
		}
		if err := e.store.UpdateTrailingState(ctx, pos.TradeID, true, decimal.NewNullDecimal(pnl)); err != nil {
			return nil, fmt.Errorf("failed to activate trailing stop: %w", err)
		}
		log.Info("Take-profit reached, trailing stop armed", zap.Stringer("sell_target", pos.SellTargetPrice))
		e.metrics.TrailingArmed()
		report.TrailingActivated++
		return nil, nil
	}

	if pnl.IsNegative() {
		log.Info("Trailing position went negative, trailing cancelled")
		report.TrailingCancelled++
		return nil, e.resetTrailing(ctx, pos.TradeID)
	}

	highest := pos.TrailingHighestProfit.Decimal
	if !pos.TrailingHighestProfit.Valid || pnl.GreaterThan(highest) {
		highest = pnl
		if err := e.store.UpdateTrailingState(ctx, pos.TradeID, true, decimal.NewNullDecimal(highest)); err != nil {
			return nil, fmt.Errorf("failed to raise trailing high-water mark: %w", err)
		}
		log.Debug("Trailing high-water mark raised", zap.Stringer("highest_profit", highest))
	}

	trigger := e.rules.TriggerProfit(highest)
	if pnl.GreaterThan(trigger) {
		return nil, nil
	}
	if breakEven := e.rules.BreakEven(pos.Price.Decimal); price.LessThanOrEqual(breakEven) {
		log.Info("Trailing stop triggered below break-even, trailing cancelled", zap.Stringer("break_even", breakEven))
		report.TrailingCancelled++
		return nil, e.resetTrailing(ctx, pos.TradeID)
	}

	return &exitCandidate{
		position:      pos,
		quantity:      e.rules.SellQuantity(pos.RemainingQuantity.Decimal),
		unrealized:    pnl,
		highestProfit: highest,
		trigger:       trigger,
	}, nil
}

func (e *Engine) resetTrailing(ctx context.Context, tradeID string) error {
	if err := e.store.UpdateTrailingState(ctx, tradeID, false, decimal.NullDecimal{}); err != nil {
		return fmt.Errorf("failed to reset trailing stop: %w", err)
	}
	return nil
}

// sell executes one exit and books it. A failed order leaves no trace in the
// ledger.
func (e *Engine) sell(ctx context.Context, c exitCandidate, report *CycleReport) (ExitResult, bool) {
	pos := c.position
	log := e.logger.With(zap.String("trade_id", pos.TradeID), zap.Stringer("quantity", c.quantity))

	fill, err := e.client.PlaceMarketSell(ctx, e.cfg.Trading.Symbol, c.quantity)
	e.metrics.Order(exchange.SideSell, err)
	if err != nil {
		log.Error("Sell order failed", zap.Error(err))
		report.fail(err)
		return ExitResult{}, false
	}

	sellCommission, err := exchange.CommissionUSD(ctx, e.client.GetPrice, fill.Commission, fill.CommissionAsset,
		fill.Price, e.cfg.Trading.BaseAsset, e.cfg.Trading.QuoteAsset)
	if err != nil {
		log.Warn("Could not price sell commission", zap.String("asset", fill.CommissionAsset), zap.Error(err))
	}
	buyCommission := strategy.ProrateCommission(pos.CommissionUSD.Decimal, pos.Quantity.Decimal, fill.Quantity)
	pnl := strategy.RealizedPnLFromCommissions(pos.Price.Decimal, fill.Price, fill.Quantity, buyCommission, sellCommission)
	remaining := pos.RemainingQuantity.Sub(fill.Quantity)

	sellTrade, err := e.store.RecordPartialSell(ctx, pos.TradeID, remaining, ledger.SellRecord{
		Scope:         e.writeScope,
		Fill:          fill,
		CommissionUSD: sellCommission,
		RealizedPnL:   pnl,
		ExitReason:    ExitTrailingStop,
		DecisionContext: map[string]any{
			"unrealized_pnl": c.unrealized.String(),
			"highest_profit": c.highestProfit.String(),
			"trigger_profit": c.trigger.String(),
		},
	})
	if err != nil {
		// The exchange sold; reconciliation will mirror the fill.
		logger.Critical(log, "Sell filled but not recorded", zap.String("order_id", fill.ExchangeOrderID), zap.Error(err))
		report.fail(err)
		return ExitResult{}, false
	}

	if remaining.GreaterThan(models.Epsilon) && e.cfg.Strategy.TreasuryRemainder && e.rules.SellFactor.LessThan(decimal.NewFromInt(1)) {
		if err := e.store.ParkRemainder(ctx, pos.TradeID); err != nil {
			log.Error("Failed to park remainder", zap.Error(err))
		}
	}

	e.metrics.Exit(ExitTrailingStop, pnl)
	log.Info("Position sold",
		zap.Stringer("price", fill.Price),
		zap.Stringer("filled", fill.Quantity),
		zap.Stringer("realized_pnl", pnl),
	)
	return ExitResult{
		BuyTradeID:  pos.TradeID,
		SellTradeID: sellTrade.TradeID,
		Quantity:    fill.Quantity,
		Price:       fill.Price,
		RealizedPnL: pnl,
		Reason:      ExitTrailingStop,
	}, true
}
