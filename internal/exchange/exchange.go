// Package exchange defines the contract the engine and reconciliation use to
// talk to a spot exchange, plus an in-memory implementation for paper trading
// and backtests.
package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// PageSize is the number of trades requested per history page.
const PageSize = 1000

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNoPrice             = errors.New("no price available")
)

// Balance is the holding of one asset.
type Balance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

// Total is free plus locked.
func (b Balance) Total() decimal.Decimal { return b.Free.Add(b.Locked) }

// Fill is the aggregated execution of one market order.
type Fill struct {
	Symbol          string
	Side            string
	Price           decimal.Decimal // volume weighted
	Quantity        decimal.Decimal
	QuoteQuantity   decimal.Decimal
	Commission      decimal.Decimal
	CommissionAsset string
	ExchangeOrderID string
	// ExchangeTradeID is the first trade of the order; the order may have more.
	ExchangeTradeID int64
	Time            time.Time
}

// Trade is one entry of the account's trade history.
type Trade struct {
	ID              int64
	OrderID         string
	Symbol          string
	Price           decimal.Decimal
	Quantity        decimal.Decimal
	QuoteQuantity   decimal.Decimal
	Commission      decimal.Decimal
	CommissionAsset string
	IsBuyer         bool
	Time            time.Time
}

// Client is a spot exchange. Every call may fail; callers treat a failure as
// "nothing happened".
type Client interface {
	GetBalance(ctx context.Context, asset string) (Balance, error)
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	PlaceMarketBuy(ctx context.Context, symbol string, quoteAmount decimal.Decimal) (Fill, error)
	PlaceMarketSell(ctx context.Context, symbol string, quantity decimal.Decimal) (Fill, error)
	// GetAllTrades returns up to PageSize trades with id >= fromID, ascending.
	GetAllTrades(ctx context.Context, symbol string, fromID int64) ([]Trade, error)
}

// Side values of a Fill.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// CommissionUSD converts a commission into quote currency. Commissions paid in
// a third asset (e.g. BNB) are priced through lookup; a failed lookup yields zero.
func CommissionUSD(ctx context.Context, lookup func(ctx context.Context, symbol string) (decimal.Decimal, error),
	commission decimal.Decimal, commissionAsset string, price decimal.Decimal, baseAsset, quoteAsset string) (decimal.Decimal, error) {
	switch commissionAsset {
	case "", quoteAsset:
		return commission, nil
	case baseAsset:
		return commission.Mul(price), nil
	}
	if lookup == nil || commission.IsZero() {
		return decimal.Zero, nil
	}
	assetPrice, err := lookup(ctx, commissionAsset+quoteAsset)
	if err != nil {
		return decimal.Zero, err
	}
	return commission.Mul(assetPrice), nil
}

// NetBaseQuantity is the base quantity actually received by a buy whose
// commission may have been charged in the base asset.
func NetBaseQuantity(quantity, commission decimal.Decimal, commissionAsset, baseAsset string) decimal.Decimal {
	if commissionAsset == baseAsset {
		return quantity.Sub(commission)
	}
	return quantity
}
