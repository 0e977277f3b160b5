package trader

import (
	"time"

	"github.com/shopspring/decimal"
)

type monitorOutcome int

const (
	monitorWaiting monitorOutcome = iota
	monitorAbandoned
	monitorFired
)

// reversalMonitor waits for price to bounce off a low before buying. Every
// new low restarts the timeout.
type reversalMonitor struct {
	threshold decimal.Decimal
	timeout   time.Duration

	started time.Time
	low     decimal.Decimal
}

func newReversalMonitor(price decimal.Decimal, now time.Time, threshold decimal.Decimal, timeout time.Duration) *reversalMonitor {
	return &reversalMonitor{threshold: threshold, timeout: timeout, started: now, low: price}
}

// observe checks the deadline before anything else: a new low after the
// timeout abandons the monitor instead of extending it.
func (m *reversalMonitor) observe(price decimal.Decimal, now time.Time) monitorOutcome {
	if now.Sub(m.started) > m.timeout {
		return monitorAbandoned
	}
	if price.LessThan(m.low) {
		m.low = price
		m.started = now
		return monitorWaiting
	}
	if price.GreaterThanOrEqual(m.trigger()) {
		return monitorFired
	}
	return monitorWaiting
}

func (m *reversalMonitor) trigger() decimal.Decimal {
	return m.low.Mul(decimal.NewFromInt(1).Add(m.threshold))
}

// MonitorState is the reversal monitor as shown on the status endpoint.
type MonitorState struct {
	Since   time.Time       `json:"since"`
	Low     decimal.Decimal `json:"low"`
	Trigger decimal.Decimal `json:"trigger"`
}

func (m *reversalMonitor) state() *MonitorState {
	if m == nil {
		return nil
	}
	return &MonitorState{Since: m.started, Low: m.low, Trigger: m.trigger()}
}
