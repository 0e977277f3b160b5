// Package signal defines what the engine consumes from the market-data
// pipeline each cycle, and ships a simple dip-buying rule with live and replay
// feeds.
package signal

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrFeedExhausted is returned by a replay feed after its last snapshot.
var ErrFeedExhausted = errors.New("feed exhausted")

// Regime is the market state a signal was produced in.
type Regime string

const (
	RegimeUnknown   Regime = "unknown"
	RegimeUptrend   Regime = "uptrend"
	RegimeDowntrend Regime = "downtrend"
	RegimeSideways  Regime = "sideways"
)

// Snapshot is the latest market observation.
type Snapshot struct {
	Time       time.Time
	Close      decimal.Decimal
	High       decimal.Decimal
	Indicators map[string]decimal.Decimal
}

// Signal is the entry decision of the pipeline. StartMonitoring asks the
// engine to watch for a reversal instead of buying now.
type Signal struct {
	ShouldBuy       bool
	StartMonitoring bool
	Regime          Regime
	Reason          string
}

// Provider supplies one snapshot and signal per engine cycle.
type Provider interface {
	Next(ctx context.Context) (Snapshot, Signal, error)
}
