package ledger

import (
	"context"
	"fmt"

	"binance-position-engine/internal/exchange"
	"binance-position-engine/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// NewPosition describes a filled buy to be opened.
type NewPosition struct {
	Scope           Scope
	Fill            exchange.Fill
	BaseAsset       string
	CommissionUSD   decimal.Decimal
	SellTargetPrice decimal.Decimal
	Origin          models.Origin
	DecisionContext map[string]any
}

// SellRecord describes a filled sell to be booked against a buy.
type SellRecord struct {
	Scope           Scope
	Fill            exchange.Fill
	CommissionUSD   decimal.Decimal
	RealizedPnL     decimal.Decimal
	ExitReason      string
	Origin          models.Origin
	Status          models.Status // CLOSED when empty
	DecisionContext map[string]any
}

// CreatePosition inserts a new OPEN buy. The position quantity is net of a
// commission charged in the base asset.
func (s *Store) CreatePosition(ctx context.Context, p NewPosition) (*models.Trade, error) {
	qty := exchange.NetBaseQuantity(p.Fill.Quantity, p.Fill.Commission, p.Fill.CommissionAsset, p.BaseAsset)
	if !qty.IsPositive() {
		return nil, fmt.Errorf("buy quantity %s: %w", qty, ErrInvalidQuantity)
	}
	origin := p.Origin
	if origin == "" {
		origin = models.OriginEngine
	}
	trade := &models.Trade{
		TradeID:           uuid.NewString(),
		ExchangeTradeID:   exchangeTradeID(p.Fill.ExchangeTradeID),
		ExchangeOrderID:   p.Fill.ExchangeOrderID,
		RunID:             p.Scope.RunID,
		Environment:       p.Scope.Environment,
		Symbol:            p.Fill.Symbol,
		Origin:            origin,
		OrderType:         models.OrderTypeBuy,
		Price:             models.NewDecimal(p.Fill.Price),
		Quantity:          models.NewDecimal(qty),
		RemainingQuantity: models.NewDecimal(qty),
		USDValue:          models.NewDecimal(usdValue(p.Fill)),
		Commission:        models.NewDecimal(p.Fill.Commission),
		CommissionAsset:   p.Fill.CommissionAsset,
		CommissionUSD:     models.NewDecimal(p.CommissionUSD),
		Status:            models.StatusOpen,
		Timestamp:         p.Fill.Time.UTC(),
		SellTargetPrice:   models.NewDecimal(p.SellTargetPrice),
		DecisionContext:   datatypes.JSONMap(p.DecisionContext),
	}
	if err := s.db.WithContext(ctx).Create(trade).Error; err != nil {
		return nil, fmt.Errorf("failed to create position: %w", err)
	}
	s.log.Info("Position opened",
		zap.String("trade_id", trade.TradeID),
		zap.String("price", trade.Price.String()),
		zap.String("quantity", trade.Quantity.String()),
		zap.String("sell_target", trade.SellTargetPrice.String()),
	)
	return trade, nil
}

// RecordPartialSell books a sell against buyTradeID and sets the buy's
// remaining quantity to remainingQty, closing it at or below Epsilon. Both
// writes happen in one transaction.
func (s *Store) RecordPartialSell(ctx context.Context, buyTradeID string, remainingQty decimal.Decimal, sell SellRecord) (*models.Trade, error) {
	var sellTrade *models.Trade
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		sellTrade, _, err = recordPartialSell(tx, buyTradeID, remainingQty, sell)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sellTrade, nil
}

// CloseForcedPosition sells the whole remaining quantity of a buy. Dust left
// by lot-size rounding is parked as TREASURY so the buy leaves the open set.
func (s *Store) CloseForcedPosition(ctx context.Context, tradeID string, sell SellRecord) (*models.Trade, error) {
	var sellTrade *models.Trade
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		buy, err := getTrade(tx, tradeID)
		if err != nil {
			return err
		}
		remaining := buy.RemainingQuantity.Sub(sell.Fill.Quantity)
		var closed bool
		sellTrade, closed, err = recordPartialSell(tx, tradeID, remaining, sell)
		if err != nil || closed {
			return err
		}
		return updateTrade(tx, tradeID, map[string]any{"status": models.StatusTreasury})
	})
	if err != nil {
		return nil, err
	}
	return sellTrade, nil
}

// ParkRemainder moves an OPEN buy to TREASURY. It is a no-op for any other status.
func (s *Store) ParkRemainder(ctx context.Context, tradeID string) error {
	err := s.db.WithContext(ctx).Model(&models.Trade{}).
		Where("trade_id = ? AND status = ?", tradeID, models.StatusOpen).
		Update("status", models.StatusTreasury).Error
	if err != nil {
		return fmt.Errorf("failed to park %s: %w", tradeID, err)
	}
	return nil
}

// UpdateTrailingState persists the trailing-stop bookkeeping of a buy.
func (s *Store) UpdateTrailingState(ctx context.Context, tradeID string, active bool, highest decimal.NullDecimal) error {
	return s.UpdateTrade(ctx, tradeID, map[string]any{
		"is_trailing_active":      active,
		"trailing_highest_profit": highest,
	})
}

func recordPartialSell(tx *gorm.DB, buyTradeID string, remainingQty decimal.Decimal, sell SellRecord) (*models.Trade, bool, error) {
	buy, err := getTrade(tx, buyTradeID)
	if err != nil {
		return nil, false, err
	}
	if !buy.IsBuy() {
		return nil, false, fmt.Errorf("%s is not a buy: %w", buyTradeID, ErrInvalidQuantity)
	}
	if buy.Status != models.StatusOpen && buy.Status != models.StatusTreasury {
		return nil, false, fmt.Errorf("buy %s is %s: %w", buyTradeID, buy.Status, ErrInvalidQuantity)
	}
	if remainingQty.IsNegative() {
		if remainingQty.Abs().GreaterThan(models.Epsilon) {
			return nil, false, fmt.Errorf("remaining %s of %s: %w", remainingQty, buyTradeID, ErrInvalidQuantity)
		}
		remainingQty = decimal.Zero
	}
	if remainingQty.GreaterThan(buy.RemainingQuantity.Decimal) {
		return nil, false, fmt.Errorf("remaining %s exceeds %s of %s: %w",
			remainingQty, buy.RemainingQuantity, buyTradeID, ErrInvalidQuantity)
	}

	status := sell.Status
	if status == "" {
		status = models.StatusClosed
	}
	origin := sell.Origin
	if origin == "" {
		origin = models.OriginEngine
	}
	scope := sell.Scope
	if scope.Environment == "" {
		scope = Scope{Environment: buy.Environment, RunID: buy.RunID}
	}
	linked := buy.TradeID
	sellTrade := &models.Trade{
		TradeID:         uuid.NewString(),
		ExchangeTradeID: exchangeTradeID(sell.Fill.ExchangeTradeID),
		ExchangeOrderID: sell.Fill.ExchangeOrderID,
		RunID:           scope.RunID,
		Environment:     scope.Environment,
		Symbol:          buy.Symbol,
		Origin:          origin,
		OrderType:       models.OrderTypeSell,
		Price:           models.NewDecimal(sell.Fill.Price),
		Quantity:        models.NewDecimal(sell.Fill.Quantity),
		USDValue:        models.NewDecimal(usdValue(sell.Fill)),
		Commission:      models.NewDecimal(sell.Fill.Commission),
		CommissionAsset: sell.Fill.CommissionAsset,
		CommissionUSD:   models.NewDecimal(sell.CommissionUSD),
		RealizedPnL:     models.NewDecimal(sell.RealizedPnL),
		Status:          status,
		LinkedTradeID:   &linked,
		Timestamp:       sell.Fill.Time.UTC(),
		ExitReason:      sell.ExitReason,
		DecisionContext: datatypes.JSONMap(sell.DecisionContext),
	}
	if err := tx.Create(sellTrade).Error; err != nil {
		return nil, false, fmt.Errorf("failed to insert sell for %s: %w", buyTradeID, err)
	}

	closed := remainingQty.LessThanOrEqual(models.Epsilon)
	fields := map[string]any{"remaining_quantity": remainingQty}
	if closed {
		fields["status"] = models.StatusClosed
		fields["is_trailing_active"] = false
	}
	if err := updateTrade(tx, buyTradeID, fields); err != nil {
		return nil, false, err
	}
	return sellTrade, closed, nil
}

func exchangeTradeID(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}

func usdValue(fill exchange.Fill) decimal.Decimal {
	if !fill.QuoteQuantity.IsZero() {
		return fill.QuoteQuantity
	}
	return fill.Price.Mul(fill.Quantity)
}
