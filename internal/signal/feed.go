package signal

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PriceSource is the part of an exchange client a live feed needs.
type PriceSource interface {
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// LiveFeed polls the exchange price once per cycle.
type LiveFeed struct {
	source PriceSource
	symbol string
	rule   *DipRule
	now    func() time.Time
}

var _ Provider = (*LiveFeed)(nil)

func NewLiveFeed(source PriceSource, symbol string, rule *DipRule, now func() time.Time) *LiveFeed {
	if now == nil {
		now = time.Now
	}
	return &LiveFeed{source: source, symbol: symbol, rule: rule, now: now}
}

func (f *LiveFeed) Next(ctx context.Context) (Snapshot, Signal, error) {
	price, err := f.source.GetPrice(ctx, f.symbol)
	if err != nil {
		return Snapshot{}, Signal{}, fmt.Errorf("failed to get price: %w", err)
	}
	snap := Snapshot{Time: f.now().UTC(), Close: price, High: price}
	return snap, f.rule.Evaluate(snap), nil
}

// ReplayFeed walks a fixed series of snapshots.
type ReplayFeed struct {
	series []Snapshot
	rule   *DipRule
	next   int
}

var _ Provider = (*ReplayFeed)(nil)

func NewReplayFeed(series []Snapshot, rule *DipRule) *ReplayFeed {
	return &ReplayFeed{series: series, rule: rule}
}

func (f *ReplayFeed) Next(_ context.Context) (Snapshot, Signal, error) {
	if f.next >= len(f.series) {
		return Snapshot{}, Signal{}, ErrFeedExhausted
	}
	snap := f.series[f.next]
	f.next++
	return snap, f.rule.Evaluate(snap), nil
}

// Remaining is the number of snapshots not yet replayed.
func (f *ReplayFeed) Remaining() int { return len(f.series) - f.next }

// Observed calls fn with every snapshot a provider yields, before the caller sees it.
type Observed struct {
	Provider
	fn func(Snapshot)
}

// Observe wraps p so fn sees each snapshot. A simulated exchange uses it to
// follow the market of the feed driving the engine.
func Observe(p Provider, fn func(Snapshot)) *Observed {
	return &Observed{Provider: p, fn: fn}
}

func (o *Observed) Next(ctx context.Context) (Snapshot, Signal, error) {
	snap, sig, err := o.Provider.Next(ctx)
	if err == nil {
		o.fn(snap)
	}
	return snap, sig, err
}
