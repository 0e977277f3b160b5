// Package metrics exposes engine and reconciliation counters to Prometheus.
// Collectors live on a registry owned by the caller, so parallel bots in one
// process never share series. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

type Metrics struct {
	registry *prometheus.Registry

	Cycles              prometheus.Counter
	CycleErrors         prometheus.Counter
	Orders              *prometheus.CounterVec // side, result
	Exits               *prometheus.CounterVec // reason
	BalanceGateAborts   prometheus.Counter
	TrailingActivations prometheus.Counter
	RealizedPnL         prometheus.Counter
	RealizedLoss        prometheus.Counter
	OpenPositions       prometheus.Gauge
	OperatingMode       *prometheus.GaugeVec // mode
	SyncInserted        *prometheus.CounterVec // side
	SyncOrphans         prometheus.Counter
	HoldingsDrift       prometheus.Gauge
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Cycles: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_cycles_total",
			Help: "Decision cycles run",
		}),
		CycleErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_cycle_errors_total",
			Help: "Decision cycles that failed or panicked",
		}),
		Orders: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_orders_total",
			Help: "Market orders sent, by side and result",
		}, []string{"side", "result"}),
		Exits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_exits_total",
			Help: "Positions sold, by exit reason",
		}, []string{"reason"}),
		BalanceGateAborts: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_balance_gate_aborts_total",
			Help: "Sell batches aborted because the exchange balance was short",
		}),
		TrailingActivations: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_trailing_activations_total",
			Help: "Trailing stops armed by a take-profit breach",
		}),
		RealizedPnL: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_realized_profit_usd_total",
			Help: "Realized profit of engine sells",
		}),
		RealizedLoss: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_realized_loss_usd_total",
			Help: "Realized loss of engine sells, as a positive number",
		}),
		OpenPositions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "engine_open_positions",
			Help: "Open positions at the end of the last cycle",
		}),
		OperatingMode: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engine_operating_mode",
			Help: "1 for the allocator mode of the last cycle, 0 otherwise",
		}, []string{"mode"}),
		SyncInserted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reconcile_mirrored_trades_total",
			Help: "Exchange trades mirrored into the ledger, by side",
		}, []string{"side"}),
		SyncOrphans: factory.NewCounter(prometheus.CounterOpts{
			Name: "reconcile_orphan_sells_total",
			Help: "Sells that could not be matched to an open buy",
		}),
		HoldingsDrift: factory.NewGauge(prometheus.GaugeOpts{
			Name: "reconcile_holdings_drift",
			Help: "Exchange base balance minus ledger open quantity",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) CycleDone(err error) {
	if m == nil {
		return
	}
	m.Cycles.Inc()
	if err != nil {
		m.CycleErrors.Inc()
	}
}

func (m *Metrics) Order(side string, err error) {
	if m == nil {
		return
	}
	result := "filled"
	if err != nil {
		result = "failed"
	}
	m.Orders.WithLabelValues(side, result).Inc()
}

func (m *Metrics) Exit(reason string, pnl decimal.Decimal) {
	if m == nil {
		return
	}
	m.Exits.WithLabelValues(reason).Inc()
	if pnl.IsNegative() {
		m.RealizedLoss.Add(pnl.Neg().InexactFloat64())
	} else {
		m.RealizedPnL.Add(pnl.InexactFloat64())
	}
}

func (m *Metrics) GateAborted() {
	if m == nil {
		return
	}
	m.BalanceGateAborts.Inc()
}

func (m *Metrics) TrailingArmed() {
	if m == nil {
		return
	}
	m.TrailingActivations.Inc()
}

func (m *Metrics) SetOpenPositions(n int) {
	if m == nil {
		return
	}
	m.OpenPositions.Set(float64(n))
}

// SetMode flips the gauge of mode to 1 and every other known mode to 0.
func (m *Metrics) SetMode(mode string, known []string) {
	if m == nil {
		return
	}
	for _, k := range known {
		m.OperatingMode.WithLabelValues(k).Set(0)
	}
	m.OperatingMode.WithLabelValues(mode).Set(1)
}

func (m *Metrics) Mirrored(side string) {
	if m == nil {
		return
	}
	m.SyncInserted.WithLabelValues(side).Inc()
}

func (m *Metrics) Orphan() {
	if m == nil {
		return
	}
	m.SyncOrphans.Inc()
}

func (m *Metrics) SetHoldingsDrift(drift decimal.Decimal) {
	if m == nil {
		return
	}
	m.HoldingsDrift.Set(drift.InexactFloat64())
}
