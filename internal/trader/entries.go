package trader

import (
	"context"
	"fmt"
	"time"

	"binance-position-engine/internal/capital"
	"binance-position-engine/internal/exchange"
	"binance-position-engine/internal/ledger"
	"binance-position-engine/internal/logger"
	"binance-position-engine/internal/models"
	"binance-position-engine/internal/signal"

	"go.uber.org/zap"
)

const ReasonReversalConfirmed = "reversal_confirmed"

var knownModes = []string{
	capital.ModePreservation.String(),
	capital.ModeAccumulation.String(),
	capital.ModeAggressive.String(),
	capital.ModeCorrectionEntry.String(),
	capital.ModeMonitoring.String(),
}

// evaluateEntry runs the reversal monitor if one is active, otherwise asks
// the allocator for a buy.
func (e *Engine) evaluateEntry(ctx context.Context, snap signal.Snapshot, sig signal.Signal, now time.Time,
	open []models.Trade, report *CycleReport) error {
	if e.monitor != nil {
		switch e.monitor.observe(snap.Close, now) {
		case monitorWaiting:
			return nil
		case monitorAbandoned:
			e.logger.Info("Reversal monitor timed out", zap.Stringer("low", e.monitor.low))
			e.monitor = nil
			return nil
		case monitorFired:
			e.logger.Info("Reversal confirmed", zap.Stringer("low", e.monitor.low), zap.Stringer("price", snap.Close))
			e.monitor = nil
			sig = signal.Signal{ShouldBuy: true, Regime: sig.Regime, Reason: ReasonReversalConfirmed}
		}
	}

	history, err := e.store.GetTradesInRange(ctx, e.readScope, now.Add(-e.cfg.Capital.DifficultyResetTimeout), now)
	if err != nil {
		return fmt.Errorf("failed to load trade history: %w", err)
	}
	quote, err := e.client.GetBalance(ctx, e.cfg.Trading.QuoteAsset)
	if err != nil {
		return fmt.Errorf("failed to get %s balance: %w", e.cfg.Trading.QuoteAsset, err)
	}
	base, err := e.client.GetBalance(ctx, e.cfg.Trading.BaseAsset)
	if err != nil {
		return fmt.Errorf("failed to get %s balance: %w", e.cfg.Trading.BaseAsset, err)
	}

	decision := e.allocator.Decide(capital.DecideInput{
		Signal:         sig,
		OpenPositions:  open,
		PortfolioValue: quote.Free.Add(base.Total().Mul(snap.Close)),
		FreeCash:       quote.Free,
		Params:         e.params,
		TradeHistory:   history,
		Now:            now,
	})
	report.Decision = &decision
	e.metrics.SetMode(decision.Mode.String(), knownModes)

	if decision.Mode == capital.ModeMonitoring {
		e.monitor = newReversalMonitor(snap.Close, now, e.cfg.Strategy.ReversalThreshold, e.cfg.Strategy.ReversalTimeout)
		e.logger.Info("Reversal monitor started", zap.Stringer("price", snap.Close), zap.String("reason", decision.Reason))
		return nil
	}
	if !decision.Amount.IsPositive() || decision.Amount.LessThan(e.cfg.Capital.MinTradeSize) {
		e.logger.Debug("No buy this cycle", zap.String("mode", decision.Mode.String()), zap.String("reason", decision.Reason))
		return nil
	}

	e.buy(ctx, decision, sig, report)
	return nil
}

func (e *Engine) buy(ctx context.Context, decision capital.Decision, sig signal.Signal, report *CycleReport) {
	log := e.logger.With(zap.Stringer("amount", decision.Amount), zap.String("mode", decision.Mode.String()))

	fill, err := e.client.PlaceMarketBuy(ctx, e.cfg.Trading.Symbol, decision.Amount)
	e.metrics.Order(exchange.SideBuy, err)
	if err != nil {
		log.Error("Buy order failed", zap.Error(err))
		report.fail(err)
		return
	}

	commission, err := exchange.CommissionUSD(ctx, e.client.GetPrice, fill.Commission, fill.CommissionAsset,
		fill.Price, e.cfg.Trading.BaseAsset, e.cfg.Trading.QuoteAsset)
	if err != nil {
		log.Warn("Could not price buy commission", zap.String("asset", fill.CommissionAsset), zap.Error(err))
	}

	position, err := e.store.CreatePosition(ctx, ledger.NewPosition{
		Scope:           e.writeScope,
		Fill:            fill,
		BaseAsset:       e.cfg.Trading.BaseAsset,
		CommissionUSD:   commission,
		SellTargetPrice: e.rules.SellTarget(fill.Price),
		Origin:          models.OriginEngine,
		DecisionContext: map[string]any{
			"operating_mode":     decision.Mode.String(),
			"buy_trigger_reason": decision.Reason,
			"market_regime":      string(sig.Regime),
			"difficulty_factor":  decision.DifficultyFactor.String(),
		},
	})
	if err != nil {
		logger.Critical(log, "Buy filled but not recorded", zap.String("order_id", fill.ExchangeOrderID), zap.Error(err))
		report.fail(err)
		return
	}
	report.BuyTradeID = position.TradeID
}
