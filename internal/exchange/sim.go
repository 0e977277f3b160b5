package exchange

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SimExchange is an in-memory single-symbol spot exchange. Buys pay commission
// in the base asset, sells in the quote asset, like a default Binance account.
type SimExchange struct {
	mu sync.Mutex

	symbol         string
	baseAsset      string
	quoteAsset     string
	commissionRate decimal.Decimal
	stepSize       decimal.Decimal

	price    decimal.Decimal
	now      time.Time
	balances map[string]decimal.Decimal
	trades   []Trade
	nextID   int64

	failNext error
}

// NewSimExchange creates an exchange holding only initialQuote.
func NewSimExchange(symbol, baseAsset, quoteAsset string, commissionRate, initialQuote decimal.Decimal) *SimExchange {
	return &SimExchange{
		symbol:         symbol,
		baseAsset:      baseAsset,
		quoteAsset:     quoteAsset,
		commissionRate: commissionRate,
		balances: map[string]decimal.Decimal{
			quoteAsset: initialQuote,
			baseAsset:  decimal.Zero,
		},
		nextID: 1,
	}
}

var _ Client = (*SimExchange)(nil)

// SetStepSize makes sells round their quantity down to a lot size.
func (s *SimExchange) SetStepSize(step decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stepSize = step
}

// SetNextTradeID makes the next fill use id. A paper session continuing an
// existing ledger starts above the ids already stored there.
func (s *SimExchange) SetNextTradeID(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id > s.nextID {
		s.nextID = id
	}
}

// SetMarket moves the simulated price and clock.
func (s *SimExchange) SetMarket(price decimal.Decimal, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.price = price
	s.now = at
}

// SetBalance overrides a balance, e.g. to simulate a withdrawal.
func (s *SimExchange) SetBalance(asset string, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[asset] = amount
}

// FailNextOrder makes the next order return err without executing.
func (s *SimExchange) FailNextOrder(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

func (s *SimExchange) GetBalance(_ context.Context, asset string) (Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Balance{Asset: asset, Free: s.balances[asset]}, nil
}

func (s *SimExchange) GetPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if symbol != s.symbol || !s.price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%s: %w", symbol, ErrNoPrice)
	}
	return s.price, nil
}

func (s *SimExchange) PlaceMarketBuy(_ context.Context, symbol string, quoteAmount decimal.Decimal) (Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.precheck(symbol); err != nil {
		return Fill{}, err
	}
	if !quoteAmount.IsPositive() {
		return Fill{}, fmt.Errorf("quote amount must be positive, got %s", quoteAmount)
	}
	if quoteAmount.GreaterThan(s.balances[s.quoteAsset]) {
		return Fill{}, fmt.Errorf("buy %s %s: %w", quoteAmount, s.quoteAsset, ErrInsufficientBalance)
	}

	qty := quoteAmount.Div(s.price)
	commission := qty.Mul(s.commissionRate)
	s.balances[s.quoteAsset] = s.balances[s.quoteAsset].Sub(quoteAmount)
	s.balances[s.baseAsset] = s.balances[s.baseAsset].Add(qty.Sub(commission))

	return s.record(true, qty, quoteAmount, commission, s.baseAsset), nil
}

func (s *SimExchange) PlaceMarketSell(_ context.Context, symbol string, quantity decimal.Decimal) (Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.precheck(symbol); err != nil {
		return Fill{}, err
	}
	if s.stepSize.IsPositive() {
		quantity = quantity.Div(s.stepSize).Floor().Mul(s.stepSize)
	}
	if !quantity.IsPositive() {
		return Fill{}, fmt.Errorf("sell quantity must be positive, got %s", quantity)
	}
	if quantity.GreaterThan(s.balances[s.baseAsset]) {
		return Fill{}, fmt.Errorf("sell %s %s: %w", quantity, s.baseAsset, ErrInsufficientBalance)
	}

	quote := quantity.Mul(s.price)
	commission := quote.Mul(s.commissionRate)
	s.balances[s.baseAsset] = s.balances[s.baseAsset].Sub(quantity)
	s.balances[s.quoteAsset] = s.balances[s.quoteAsset].Add(quote.Sub(commission))

	return s.record(false, quantity, quote, commission, s.quoteAsset), nil
}

func (s *SimExchange) GetAllTrades(_ context.Context, symbol string, fromID int64) ([]Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if symbol != s.symbol {
		return nil, nil
	}
	start := sort.Search(len(s.trades), func(i int) bool { return s.trades[i].ID >= fromID })
	end := start + PageSize
	if end > len(s.trades) {
		end = len(s.trades)
	}
	page := make([]Trade, end-start)
	copy(page, s.trades[start:end])
	return page, nil
}

// AddExternalTrade records a trade made outside the engine (e.g. manually in
// the exchange UI) and applies it to the balances.
func (s *SimExchange) AddExternalTrade(isBuyer bool, price, quantity decimal.Decimal, at time.Time) Trade {
	s.mu.Lock()
	defer s.mu.Unlock()
	quote := quantity.Mul(price)
	var commission decimal.Decimal
	var asset string
	if isBuyer {
		commission, asset = quantity.Mul(s.commissionRate), s.baseAsset
		s.balances[s.quoteAsset] = s.balances[s.quoteAsset].Sub(quote)
		s.balances[s.baseAsset] = s.balances[s.baseAsset].Add(quantity.Sub(commission))
	} else {
		commission, asset = quote.Mul(s.commissionRate), s.quoteAsset
		s.balances[s.baseAsset] = s.balances[s.baseAsset].Sub(quantity)
		s.balances[s.quoteAsset] = s.balances[s.quoteAsset].Add(quote.Sub(commission))
	}
	prevPrice, prevNow := s.price, s.now
	s.price, s.now = price, at
	s.record(isBuyer, quantity, quote, commission, asset)
	s.price, s.now = prevPrice, prevNow
	return s.trades[len(s.trades)-1]
}

func (s *SimExchange) precheck(symbol string) error {
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return err
	}
	if symbol != s.symbol {
		return fmt.Errorf("unknown symbol %s", symbol)
	}
	if !s.price.IsPositive() {
		return ErrNoPrice
	}
	return nil
}

// record must be called with mu held.
func (s *SimExchange) record(isBuyer bool, qty, quote, commission decimal.Decimal, commissionAsset string) Fill {
	at := s.now
	if at.IsZero() {
		at = time.Now().UTC()
	}
	orderID := uuid.New().String()
	trade := Trade{
		ID:              s.nextID,
		OrderID:         orderID,
		Symbol:          s.symbol,
		Price:           s.price,
		Quantity:        qty,
		QuoteQuantity:   quote,
		Commission:      commission,
		CommissionAsset: commissionAsset,
		IsBuyer:         isBuyer,
		Time:            at,
	}
	s.trades = append(s.trades, trade)
	s.nextID++

	side := SideSell
	if isBuyer {
		side = SideBuy
	}
	return Fill{
		Symbol:          s.symbol,
		Side:            side,
		Price:           s.price,
		Quantity:        qty,
		QuoteQuantity:   quote,
		Commission:      commission,
		CommissionAsset: commissionAsset,
		ExchangeOrderID: orderID,
		ExchangeTradeID: trade.ID,
		Time:            at,
	}
}
