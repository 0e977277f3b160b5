package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// OrderType is the side of a trade.
type OrderType string

const (
	OrderTypeBuy  OrderType = "buy"
	OrderTypeSell OrderType = "sell"
)

// Status is the lifecycle state of a trade row.
type Status string

const (
	StatusOpen       Status = "OPEN"
	StatusClosed     Status = "CLOSED"
	StatusTreasury   Status = "TREASURY"
	StatusReconciled Status = "RECONCILED"
)

// Origin records which component created a row.
type Origin string

const (
	OriginEngine Origin = "engine"
	OriginSync   Origin = "sync"
)

// Epsilon is the quantity below which a buy counts as fully sold.
var Epsilon = decimal.New(1, -8)

// Trade is a single buy or sell event in the ledger. An exchange trade id is
// unique per environment; paper and live ids come from different sources.
type Trade struct {
	TradeID         string `gorm:"primaryKey;size:36" json:"trade_id"`
	ExchangeTradeID *int64 `gorm:"uniqueIndex:idx_trades_env_exchange_trade,priority:2" json:"exchange_trade_id,omitempty"`
	ExchangeOrderID string `gorm:"size:64;index" json:"exchange_order_id,omitempty"`
	RunID           string `gorm:"size:64;index:idx_trades_scope" json:"run_id"`
	Environment     string `gorm:"size:16;index:idx_trades_scope;uniqueIndex:idx_trades_env_exchange_trade,priority:1" json:"environment"`
	Symbol          string `gorm:"size:32" json:"symbol"`
	Origin          Origin `gorm:"size:16" json:"origin"`

	OrderType         OrderType `gorm:"size:8;index" json:"order_type"`
	Price             Decimal   `gorm:"column:price" json:"price"`
	Quantity          Decimal   `gorm:"column:quantity" json:"quantity"`
	RemainingQuantity Decimal   `gorm:"column:remaining_quantity" json:"remaining_quantity"`
	USDValue          Decimal   `gorm:"column:usd_value" json:"usd_value"`
	Commission        Decimal   `gorm:"column:commission" json:"commission"`
	CommissionAsset   string    `gorm:"size:16" json:"commission_asset"`
	CommissionUSD     Decimal   `gorm:"column:commission_usd" json:"commission_usd"`
	RealizedPnL       Decimal   `gorm:"column:realized_pnl" json:"realized_pnl"`

	Status        Status    `gorm:"size:16;index" json:"status"`
	LinkedTradeID *string   `gorm:"size:36;index" json:"linked_trade_id,omitempty"`
	Timestamp     time.Time `gorm:"index" json:"timestamp"`
	ExitReason    string    `gorm:"size:32" json:"exit_reason,omitempty"`
	NeedsReview   bool      `json:"needs_review"`

	SellTargetPrice       Decimal           `gorm:"column:sell_target_price" json:"sell_target_price"`
	IsTrailingActive      bool              `json:"is_trailing_active"`
	TrailingHighestProfit NullDecimal       `gorm:"column:trailing_highest_profit" json:"trailing_highest_profit"`
	DecisionContext       datatypes.JSONMap `json:"decision_context,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsBuy reports whether the trade is a buy.
func (t *Trade) IsBuy() bool { return t.OrderType == OrderTypeBuy }

// CostBasis is the quote value still tied up in the unsold part of a buy.
func (t *Trade) CostBasis() decimal.Decimal {
	return t.RemainingQuantity.Mul(t.Price.Decimal)
}
