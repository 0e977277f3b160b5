// Package ledger is the persistence layer for trades. It owns the trade
// lifecycle rules (conservation of quantity, one-way closing, immutable buy
// identity) on top of gorm.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"binance-position-engine/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrTradeNotFound   = errors.New("trade not found")
	ErrImmutableField  = errors.New("field is immutable")
	ErrInvalidQuantity = errors.New("invalid remaining quantity")
)

// Scope selects the rows of one bot instance. An empty RunID matches every
// run of the environment.
type Scope struct {
	Environment string
	RunID       string
}

func (s Scope) apply(db *gorm.DB) *gorm.DB {
	db = db.Where("environment = ?", s.Environment)
	if s.RunID != "" {
		db = db.Where("run_id = ?", s.RunID)
	}
	return db
}

// PersistenceStore is the read/write contract the engine needs from storage.
type PersistenceStore interface {
	GetOpenPositions(ctx context.Context, scope Scope) ([]models.Trade, error)
	GetTradesInRange(ctx context.Context, scope Scope, start, end time.Time) ([]models.Trade, error)
	WriteTrade(ctx context.Context, trade *models.Trade) error
	UpdateTrade(ctx context.Context, tradeID string, fields map[string]any) error
}

// Store implements PersistenceStore and the trade lifecycle operations.
type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

var _ PersistenceStore = (*Store)(nil)

// NewStore wraps an opened and migrated database.
func NewStore(db *gorm.DB, log *zap.Logger) *Store {
	return &Store{db: db, log: log.Named("ledger")}
}

// immutableColumns can only be set when a row is first inserted.
var immutableColumns = map[string]struct{}{
	"trade_id":          {},
	"exchange_trade_id": {},
	"exchange_order_id": {},
	"order_type":        {},
	"price":             {},
	"quantity":          {},
	"symbol":            {},
	"environment":       {},
	"run_id":            {},
	"origin":            {},
	"timestamp":         {},
	"created_at":        {},
}

// mutableColumns are overwritten when WriteTrade hits an existing trade_id.
var mutableColumns = []string{
	"remaining_quantity",
	"status",
	"linked_trade_id",
	"realized_pnl",
	"exit_reason",
	"needs_review",
	"sell_target_price",
	"is_trailing_active",
	"trailing_highest_profit",
	"decision_context",
	"updated_at",
}

const fifoOrder = "timestamp ASC, trade_id ASC"

// GetOpenPositions returns OPEN buys, oldest first.
func (s *Store) GetOpenPositions(ctx context.Context, scope Scope) ([]models.Trade, error) {
	var trades []models.Trade
	err := scope.apply(s.db.WithContext(ctx)).
		Where("order_type = ? AND status = ?", models.OrderTypeBuy, models.StatusOpen).
		Order(fifoOrder).
		Find(&trades).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get open positions: %w", err)
	}
	return trades, nil
}

// GetTreasury returns buys whose remainder was parked after an exit.
func (s *Store) GetTreasury(ctx context.Context, scope Scope) ([]models.Trade, error) {
	var trades []models.Trade
	err := scope.apply(s.db.WithContext(ctx)).
		Where("order_type = ? AND status = ?", models.OrderTypeBuy, models.StatusTreasury).
		Order(fifoOrder).
		Find(&trades).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get treasury positions: %w", err)
	}
	return trades, nil
}

// GetTradesInRange returns every trade with start <= timestamp <= end, oldest first.
func (s *Store) GetTradesInRange(ctx context.Context, scope Scope, start, end time.Time) ([]models.Trade, error) {
	var trades []models.Trade
	err := scope.apply(s.db.WithContext(ctx)).
		Where("timestamp >= ? AND timestamp <= ?", start.UTC(), end.UTC()).
		Order(fifoOrder).
		Find(&trades).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get trades in range: %w", err)
	}
	return trades, nil
}

// ListTrades returns the newest trades first.
func (s *Store) ListTrades(ctx context.Context, scope Scope, limit int) ([]models.Trade, error) {
	var trades []models.Trade
	query := scope.apply(s.db.WithContext(ctx)).Order("timestamp DESC, trade_id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&trades).Error; err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	return trades, nil
}

// GetTrade loads one trade by id.
func (s *Store) GetTrade(ctx context.Context, tradeID string) (*models.Trade, error) {
	return getTrade(s.db.WithContext(ctx), tradeID)
}

func getTrade(db *gorm.DB, tradeID string) (*models.Trade, error) {
	var trade models.Trade
	err := db.Where("trade_id = ?", tradeID).Take(&trade).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%s: %w", tradeID, ErrTradeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trade %s: %w", tradeID, err)
	}
	return &trade, nil
}

// FindByExchangeTradeID returns nil, nil when the exchange trade is unknown
// in the environment.
func (s *Store) FindByExchangeTradeID(ctx context.Context, environment string, exchangeTradeID int64) (*models.Trade, error) {
	var trade models.Trade
	err := s.db.WithContext(ctx).
		Where("environment = ? AND exchange_trade_id = ?", environment, exchangeTradeID).
		Take(&trade).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find exchange trade %d: %w", exchangeTradeID, err)
	}
	return &trade, nil
}

// MaxExchangeTradeID is the highest exchange trade id stored for the
// environment, or 0 when there is none.
func (s *Store) MaxExchangeTradeID(ctx context.Context, environment string) (int64, error) {
	var maxID int64
	err := s.db.WithContext(ctx).Model(&models.Trade{}).
		Where("environment = ?", environment).
		Select("COALESCE(MAX(exchange_trade_id), 0)").
		Scan(&maxID).Error
	if err != nil {
		return 0, fmt.Errorf("failed to get max exchange trade id: %w", err)
	}
	return maxID, nil
}

// HasEngineOrder reports whether the engine already recorded an order. An
// engine row carries only the first trade id of a multi-trade order.
func (s *Store) HasEngineOrder(ctx context.Context, exchangeOrderID string) (bool, error) {
	if exchangeOrderID == "" {
		return false, nil
	}
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Trade{}).
		Where("exchange_order_id = ? AND origin = ?", exchangeOrderID, models.OriginEngine).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to look up order %s: %w", exchangeOrderID, err)
	}
	return count > 0, nil
}

// GetUnlinkedSells returns mirrored sells that still wait for FIFO linkage.
func (s *Store) GetUnlinkedSells(ctx context.Context, scope Scope) ([]models.Trade, error) {
	var trades []models.Trade
	err := scope.apply(s.db.WithContext(ctx)).
		Where("order_type = ? AND status = ?", models.OrderTypeSell, models.StatusClosed).
		Where("linked_trade_id IS NULL AND exchange_trade_id IS NOT NULL AND needs_review = ?", false).
		Order(fifoOrder).
		Find(&trades).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get unlinked sells: %w", err)
	}
	return trades, nil
}

// GetLinkedSells returns the sells recorded against a buy.
func (s *Store) GetLinkedSells(ctx context.Context, buyTradeID string) ([]models.Trade, error) {
	var trades []models.Trade
	err := s.db.WithContext(ctx).
		Where("order_type = ? AND linked_trade_id = ?", models.OrderTypeSell, buyTradeID).
		Order(fifoOrder).
		Find(&trades).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get sells of %s: %w", buyTradeID, err)
	}
	return trades, nil
}

// GetRealizedSells returns sells attributed to a buy, newest first.
func (s *Store) GetRealizedSells(ctx context.Context, scope Scope) ([]models.Trade, error) {
	var trades []models.Trade
	err := scope.apply(s.db.WithContext(ctx)).
		Where("order_type = ? AND linked_trade_id IS NOT NULL", models.OrderTypeSell).
		Order("timestamp DESC, trade_id DESC").
		Find(&trades).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get realized sells: %w", err)
	}
	return trades, nil
}

// WriteTrade upserts a trade keyed by trade_id. On conflict only the
// lifecycle and strategy-state columns change; price, order type and the
// other identity fields of the stored row are kept.
func (s *Store) WriteTrade(ctx context.Context, trade *models.Trade) error {
	if trade.TradeID == "" {
		trade.TradeID = uuid.NewString()
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "trade_id"}},
		DoUpdates: clause.AssignmentColumns(mutableColumns),
	}).Create(trade).Error
	if err != nil {
		return fmt.Errorf("failed to write trade %s: %w", trade.TradeID, err)
	}
	return nil
}

// UpdateTrade changes columns of one row. Identity columns are rejected.
func (s *Store) UpdateTrade(ctx context.Context, tradeID string, fields map[string]any) error {
	return updateTrade(s.db.WithContext(ctx), tradeID, fields)
}

func updateTrade(db *gorm.DB, tradeID string, fields map[string]any) error {
	for column := range fields {
		if _, ok := immutableColumns[column]; ok {
			return fmt.Errorf("update %s.%s: %w", tradeID, column, ErrImmutableField)
		}
	}
	result := db.Model(&models.Trade{}).Where("trade_id = ?", tradeID).Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("failed to update trade %s: %w", tradeID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%s: %w", tradeID, ErrTradeNotFound)
	}
	return nil
}

// InsertMirrored inserts a trade copied from exchange history. It reports
// false, without error, when the environment already has a row with the
// same exchange_trade_id.
func (s *Store) InsertMirrored(ctx context.Context, trade *models.Trade) (bool, error) {
	if trade.ExchangeTradeID == nil {
		return false, errors.New("mirrored trade needs an exchange trade id")
	}
	if trade.TradeID == "" {
		trade.TradeID = uuid.NewString()
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "environment"}, {Name: "exchange_trade_id"}},
		DoNothing: true,
	}).Create(trade)
	if result.Error != nil {
		return false, fmt.Errorf("failed to insert exchange trade %d: %w", *trade.ExchangeTradeID, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// Transaction runs fn with a store bound to one database transaction.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx, log: s.log})
	})
}
