package signal

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// DipRule buys when price falls dipPercentage below the recent high. In a
// downtrend it asks for reversal monitoring instead. The regime is the close
// against a simple moving average over window closes.
//
// A DipRule is stateful and must not be shared between bots.
type DipRule struct {
	dipPercentage decimal.Decimal
	window        int

	closes     []decimal.Decimal
	recentHigh decimal.Decimal
}

// NewDipRule creates a rule. window below 2 is raised to 2.
func NewDipRule(dipPercentage decimal.Decimal, window int) *DipRule {
	if window < 2 {
		window = 2
	}
	return &DipRule{dipPercentage: dipPercentage, window: window}
}

// Evaluate folds a snapshot into the rule and returns the resulting signal.
func (r *DipRule) Evaluate(snap Snapshot) Signal {
	high := snap.High
	if high.IsZero() {
		high = snap.Close
	}
	if high.GreaterThan(r.recentHigh) {
		r.recentHigh = high
	}
	r.closes = append(r.closes, snap.Close)
	if len(r.closes) > r.window {
		r.closes = r.closes[len(r.closes)-r.window:]
	}

	regime := r.regime(snap.Close)
	if len(r.closes) < r.window {
		return Signal{Regime: regime, Reason: "warming up"}
	}

	trigger := r.recentHigh.Mul(decimal.NewFromInt(1).Sub(r.dipPercentage))
	if snap.Close.GreaterThan(trigger) {
		return Signal{Regime: regime, Reason: fmt.Sprintf("price %s above dip trigger %s", snap.Close, trigger.StringFixed(2))}
	}

	// The dip is consumed; the next one is measured from here.
	r.recentHigh = snap.Close
	if regime == RegimeDowntrend {
		return Signal{StartMonitoring: true, Regime: regime, Reason: "dip in downtrend, waiting for reversal"}
	}
	return Signal{ShouldBuy: true, Regime: regime, Reason: fmt.Sprintf("dip of %s from recent high", r.dipPercentage)}
}

func (r *DipRule) regime(price decimal.Decimal) Regime {
	if len(r.closes) < r.window {
		return RegimeUnknown
	}
	sum := decimal.Zero
	for _, c := range r.closes {
		sum = sum.Add(c)
	}
	sma := sum.Div(decimal.NewFromInt(int64(len(r.closes))))
	switch {
	case price.GreaterThan(sma):
		return RegimeUptrend
	case price.LessThan(sma):
		return RegimeDowntrend
	default:
		return RegimeSideways
	}
}
