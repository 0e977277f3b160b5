// Package reconcile keeps the ledger an eventually consistent copy of the
// exchange's trade history. A full sync mirrors unknown exchange trades, links
// mirrored sells to open buys oldest first, then compares holdings.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"binance-position-engine/internal/config"
	"binance-position-engine/internal/exchange"
	"binance-position-engine/internal/ledger"
	"binance-position-engine/internal/logger"
	"binance-position-engine/internal/metrics"
	"binance-position-engine/internal/models"
	"binance-position-engine/internal/strategy"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

const (
	// SyncRunID tags rows created from exchange history.
	SyncRunID = "sync"

	ReasonSyncFromExchange = "sync_from_exchange_trade"
	ExitReconciled         = "reconciled"
)

// SyncReport summarizes one full sync.
type SyncReport struct {
	StartedAt        time.Time       `json:"started_at"`
	Fetched          int             `json:"fetched"`
	MirroredBuys     int             `json:"mirrored_buys"`
	MirroredSells    int             `json:"mirrored_sells"`
	Skipped          int             `json:"skipped"`
	LinkedSlices     int             `json:"linked_slices"`
	Orphans          int             `json:"orphans"`
	LedgerQuantity   decimal.Decimal `json:"ledger_quantity"`
	ExchangeQuantity decimal.Decimal `json:"exchange_quantity"`
	InSync           bool            `json:"in_sync"`
}

// Manager runs full syncs for one symbol. Concurrent calls on one Manager are
// serialized; separate Managers rely on the unique exchange trade id.
type Manager struct {
	logger  *zap.Logger
	trading config.Trading
	rules   strategy.Rules
	client  exchange.Client
	store   *ledger.Store
	metrics *metrics.Metrics

	mu sync.Mutex
}

func NewManager(log *zap.Logger, cfg config.Config, client exchange.Client, store *ledger.Store, m *metrics.Metrics) *Manager {
	return &Manager{
		logger:  logger.ForRun(log, string(cfg.Trading.Environment), SyncRunID, cfg.Trading.Symbol).Named("reconcile"),
		trading: cfg.Trading,
		rules:   strategy.NewRules(cfg.Strategy),
		client:  client,
		store:   store,
		metrics: m,
	}
}

func (m *Manager) scope() ledger.Scope {
	return ledger.Scope{Environment: string(m.trading.Environment)}
}

// RunFullSync mirrors, links and checks. Running it twice against the same
// history changes nothing the second time.
func (m *Manager) RunFullSync(ctx context.Context) (SyncReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	report := SyncReport{StartedAt: time.Now().UTC()}
	if err := m.mirror(ctx, &report); err != nil {
		return report, err
	}
	if err := m.linkSells(ctx, &report); err != nil {
		return report, err
	}
	m.checkHoldings(ctx, &report)

	m.logger.Info("Reconciliation finished",
		zap.Int("fetched", report.Fetched),
		zap.Int("mirrored_buys", report.MirroredBuys),
		zap.Int("mirrored_sells", report.MirroredSells),
		zap.Int("linked_slices", report.LinkedSlices),
		zap.Int("orphans", report.Orphans),
	)
	return report, nil
}

// mirror walks the exchange history page by page.
func (m *Manager) mirror(ctx context.Context, report *SyncReport) error {
	var fromID int64
	for {
		page, err := m.client.GetAllTrades(ctx, m.trading.Symbol, fromID)
		if err != nil {
			return fmt.Errorf("failed to fetch trades from id %d: %w", fromID, err)
		}
		report.Fetched += len(page)
		for _, t := range page {
			if err := m.mirrorTrade(ctx, t, report); err != nil {
				return err
			}
		}
		if len(page) < exchange.PageSize {
			return nil
		}
		fromID = page[len(page)-1].ID + 1
	}
}

func (m *Manager) mirrorTrade(ctx context.Context, t exchange.Trade, report *SyncReport) error {
	known, err := m.store.FindByExchangeTradeID(ctx, string(m.trading.Environment), t.ID)
	if err != nil {
		return err
	}
	engineOrder, err := m.store.HasEngineOrder(ctx, t.OrderID)
	if err != nil {
		return err
	}
	if known != nil || engineOrder {
		report.Skipped++
		return nil
	}

	commission, err := exchange.CommissionUSD(ctx, m.client.GetPrice, t.Commission, t.CommissionAsset,
		t.Price, m.trading.BaseAsset, m.trading.QuoteAsset)
	if err != nil {
		m.logger.Warn("Could not price commission", zap.Int64("exchange_trade_id", t.ID), zap.Error(err))
	}
	usdValue := t.QuoteQuantity
	if usdValue.IsZero() {
		usdValue = t.Price.Mul(t.Quantity)
	}

	id := t.ID
	trade := &models.Trade{
		ExchangeTradeID: &id,
		ExchangeOrderID: t.OrderID,
		RunID:           SyncRunID,
		Environment:     string(m.trading.Environment),
		Symbol:          m.trading.Symbol,
		Origin:          models.OriginSync,
		Price:           models.NewDecimal(t.Price),
		USDValue:        models.NewDecimal(usdValue),
		Commission:      models.NewDecimal(t.Commission),
		CommissionAsset: t.CommissionAsset,
		CommissionUSD:   models.NewDecimal(commission),
		Timestamp:       t.Time.UTC(),
		DecisionContext: map[string]any{"reason": ReasonSyncFromExchange},
	}

	side := exchange.SideSell
	if t.IsBuyer {
		side = exchange.SideBuy
		qty := exchange.NetBaseQuantity(t.Quantity, t.Commission, t.CommissionAsset, m.trading.BaseAsset)
		if !qty.IsPositive() {
			m.logger.Warn("Skipping buy with no net quantity", zap.Int64("exchange_trade_id", t.ID))
			report.Skipped++
			return nil
		}
		trade.OrderType = models.OrderTypeBuy
		trade.Quantity = models.NewDecimal(qty)
		trade.RemainingQuantity = models.NewDecimal(qty)
		trade.Status = models.StatusOpen
		trade.SellTargetPrice = models.NewDecimal(m.rules.SellTarget(t.Price))
	} else {
		trade.OrderType = models.OrderTypeSell
		trade.Quantity = models.NewDecimal(t.Quantity)
		trade.Status = models.StatusClosed
	}

	inserted, err := m.store.InsertMirrored(ctx, trade)
	if err != nil {
		return err
	}
	if !inserted {
		report.Skipped++
		return nil
	}
	m.metrics.Mirrored(side)
	if t.IsBuyer {
		report.MirroredBuys++
	} else {
		report.MirroredSells++
	}
	m.logger.Info("Mirrored exchange trade",
		zap.Int64("exchange_trade_id", t.ID),
		zap.String("side", side),
		zap.Stringer("quantity", trade.Quantity),
		zap.Stringer("price", t.Price),
	)
	return nil
}

// linkSells allocates every unlinked sell across open buys, oldest first.
func (m *Manager) linkSells(ctx context.Context, report *SyncReport) error {
	sells, err := m.store.GetUnlinkedSells(ctx, m.scope())
	if err != nil {
		return err
	}
	for _, sell := range sells {
		if err := m.linkSell(ctx, sell, report); err != nil {
			return fmt.Errorf("failed to reconcile sell %s: %w", sell.TradeID, err)
		}
	}
	return nil
}

func (m *Manager) linkSell(ctx context.Context, sell models.Trade, report *SyncReport) error {
	var slices int
	var unallocated decimal.Decimal
	err := m.store.Transaction(ctx, func(tx *ledger.Store) error {
		current, err := tx.GetTrade(ctx, sell.TradeID)
		if err != nil {
			return err
		}
		if current.Status != models.StatusClosed || current.LinkedTradeID != nil || current.NeedsReview {
			return nil
		}

		open, err := tx.GetOpenPositions(ctx, m.scope())
		if err != nil {
			return err
		}

		left := sell.Quantity.Decimal
		slices = 0
		for _, buy := range open {
			if left.LessThanOrEqual(models.Epsilon) {
				break
			}
			qty := decimal.Min(left, buy.RemainingQuantity.Decimal)
			if !qty.IsPositive() {
				continue
			}
			if _, err := tx.RecordPartialSell(ctx, buy.TradeID, buy.RemainingQuantity.Sub(qty), m.slice(sell, buy, qty)); err != nil {
				return err
			}
			left = left.Sub(qty)
			slices++
		}
		if left.LessThanOrEqual(models.Epsilon) {
			left = decimal.Zero
		}
		unallocated = left

		summary := datatypes.JSONMap{
			"reason":      ReasonSyncFromExchange,
			"allocated":   sell.Quantity.Sub(left).String(),
			"unallocated": left.String(),
			"slices":      slices,
		}
		fields := map[string]any{"decision_context": summary}
		if slices > 0 {
			fields["status"] = models.StatusReconciled
		}
		if left.IsPositive() {
			fields["needs_review"] = true
		}
		return tx.UpdateTrade(ctx, sell.TradeID, fields)
	})
	if err != nil {
		return err
	}

	report.LinkedSlices += slices
	if unallocated.IsPositive() {
		report.Orphans++
		m.metrics.Orphan()
		logger.Critical(m.logger, "Sell could not be matched to open buys, flagged for review",
			zap.String("trade_id", sell.TradeID),
			zap.Stringer("quantity", sell.Quantity),
			zap.Stringer("unallocated", unallocated),
		)
	}
	return nil
}

// slice is the part of sell attributed to buy, with both commissions
// prorated by quantity.
func (m *Manager) slice(sell, buy models.Trade, qty decimal.Decimal) ledger.SellRecord {
	buyCommission := strategy.ProrateCommission(buy.CommissionUSD.Decimal, buy.Quantity.Decimal, qty)
	sellCommission := strategy.ProrateCommission(sell.CommissionUSD.Decimal, sell.Quantity.Decimal, qty)
	return ledger.SellRecord{
		Scope: ledger.Scope{Environment: sell.Environment, RunID: sell.RunID},
		Fill: exchange.Fill{
			Symbol:          sell.Symbol,
			Side:            exchange.SideSell,
			Price:           sell.Price.Decimal,
			Quantity:        qty,
			QuoteQuantity:   sell.Price.Mul(qty),
			Commission:      strategy.ProrateCommission(sell.Commission.Decimal, sell.Quantity.Decimal, qty),
			CommissionAsset: sell.CommissionAsset,
			ExchangeOrderID: sell.ExchangeOrderID,
			Time:            sell.Timestamp,
		},
		CommissionUSD:   sellCommission,
		RealizedPnL:     strategy.RealizedPnLFromCommissions(buy.Price.Decimal, sell.Price.Decimal, qty, buyCommission, sellCommission),
		ExitReason:      ExitReconciled,
		Origin:          models.OriginSync,
		Status:          models.StatusReconciled,
		DecisionContext: map[string]any{"source_trade_id": sell.TradeID},
	}
}

// checkHoldings compares the ledger with the exchange balance. Deposits and
// withdrawals look like drift, so a mismatch is only logged.
func (m *Manager) checkHoldings(ctx context.Context, report *SyncReport) {
	open, err := m.store.GetOpenPositions(ctx, m.scope())
	if err != nil {
		m.logger.Warn("Holdings check skipped", zap.Error(err))
		return
	}
	treasury, err := m.store.GetTreasury(ctx, m.scope())
	if err != nil {
		m.logger.Warn("Holdings check skipped", zap.Error(err))
		return
	}
	balance, err := m.client.GetBalance(ctx, m.trading.BaseAsset)
	if err != nil {
		m.logger.Warn("Holdings check skipped", zap.Error(err))
		return
	}

	held := decimal.Zero
	for _, t := range append(open, treasury...) {
		held = held.Add(t.RemainingQuantity.Decimal)
	}
	report.LedgerQuantity = held
	report.ExchangeQuantity = balance.Total()
	drift := report.ExchangeQuantity.Sub(held)
	m.metrics.SetHoldingsDrift(drift)

	report.InSync = drift.Abs().LessThanOrEqual(models.Epsilon)
	if !report.InSync {
		m.logger.Warn("Ledger holdings differ from exchange balance",
			zap.Stringer("ledger", held),
			zap.Stringer("exchange", report.ExchangeQuantity),
			zap.Stringer("drift", drift),
		)
	}
}
