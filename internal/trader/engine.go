package trader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"binance-position-engine/internal/capital"
	"binance-position-engine/internal/config"
	"binance-position-engine/internal/exchange"
	"binance-position-engine/internal/ledger"
	"binance-position-engine/internal/logger"
	"binance-position-engine/internal/metrics"
	"binance-position-engine/internal/reconcile"
	"binance-position-engine/internal/signal"
	"binance-position-engine/internal/strategy"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Syncer brings the ledger in line with the exchange's trade history.
type Syncer interface {
	RunFullSync(ctx context.Context) (reconcile.SyncReport, error)
}

// Engine runs the per-cycle decision loop for one symbol: exits first, then
// at most one entry. One Engine is one bot instance; it is not safe to run
// RunCycle concurrently on the same Engine.
type Engine struct {
	logger    *zap.Logger
	cfg       config.Config
	rules     strategy.Rules
	client    exchange.Client
	feed      signal.Provider
	store     *ledger.Store
	allocator *capital.Allocator
	metrics   *metrics.Metrics
	syncer    Syncer
	params    capital.Params
	now       func() time.Time

	// readScope sees every row of the environment outside backtests, so that
	// positions adopted by reconciliation are managed too.
	readScope  ledger.Scope
	writeScope ledger.Scope

	monitor *reversalMonitor

	mu        sync.RWMutex
	startTime time.Time
	cycles    int
	last      *CycleReport
	lastSync  *reconcile.SyncReport
}

// Option customizes an Engine.
type Option func(*Engine)

func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

func WithSyncer(s Syncer) Option { return func(e *Engine) { e.syncer = s } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithParams applies per-run sizing overrides, e.g. from an optimizer trial.
func WithParams(p capital.Params) Option { return func(e *Engine) { e.params = p } }

// NewEngine creates a new trading engine. cfg is copied.
func NewEngine(log *zap.Logger, cfg config.Config, client exchange.Client, feed signal.Provider, store *ledger.Store, opts ...Option) *Engine {
	env := string(cfg.Trading.Environment)
	e := &Engine{
		logger:     logger.ForRun(log, env, cfg.Trading.RunID, cfg.Trading.Symbol).Named("engine"),
		cfg:        cfg,
		rules:      strategy.NewRules(cfg.Strategy),
		client:     client,
		feed:       feed,
		store:      store,
		allocator:  capital.NewAllocator(cfg.Capital),
		now:        time.Now,
		readScope:  ledger.Scope{Environment: env},
		writeScope: ledger.Scope{Environment: env, RunID: cfg.Trading.RunID},
	}
	if cfg.Trading.Environment == config.EnvBacktest {
		e.readScope.RunID = cfg.Trading.RunID
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExitResult is one sell executed by a cycle.
type ExitResult struct {
	BuyTradeID  string          `json:"buy_trade_id"`
	SellTradeID string          `json:"sell_trade_id"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Reason      string          `json:"reason"`
}

// CycleReport describes what one cycle observed and did.
type CycleReport struct {
	Time              time.Time         `json:"time"`
	Price             decimal.Decimal   `json:"price"`
	Regime            signal.Regime     `json:"regime"`
	Signal            string            `json:"signal"`
	OpenPositions     int               `json:"open_positions"`
	TrailingActivated int               `json:"trailing_activated"`
	TrailingCancelled int               `json:"trailing_cancelled"`
	GateAborted       bool              `json:"gate_aborted"`
	Exits             []ExitResult      `json:"exits,omitempty"`
	Decision          *capital.Decision `json:"decision,omitempty"`
	BuyTradeID        string            `json:"buy_trade_id,omitempty"`
	Monitor           *MonitorState     `json:"monitor,omitempty"`
	Errors            []string          `json:"errors,omitempty"`
}

// RealizedPnL sums the exits of the cycle.
func (r CycleReport) RealizedPnL() decimal.Decimal {
	total := decimal.Zero
	for _, x := range r.Exits {
		total = total.Add(x.RealizedPnL)
	}
	return total
}

func (r *CycleReport) fail(err error) {
	r.Errors = append(r.Errors, err.Error())
}

// RunCycle evaluates exits for every open position and then a possible entry.
// Failed exchange calls leave the ledger untouched; the next cycle starts over.
func (e *Engine) RunCycle(ctx context.Context) (CycleReport, error) {
	snap, sig, err := e.feed.Next(ctx)
	if err != nil {
		return CycleReport{}, fmt.Errorf("failed to read market: %w", err)
	}
	now := snap.Time
	if now.IsZero() {
		now = e.now()
	}
	report := CycleReport{Time: now, Price: snap.Close, Regime: sig.Regime, Signal: sig.Reason}
	if !snap.Close.IsPositive() {
		return report, fmt.Errorf("%w: %s", exchange.ErrNoPrice, snap.Close)
	}

	open, err := e.store.GetOpenPositions(ctx, e.readScope)
	if err != nil {
		return report, fmt.Errorf("failed to load open positions: %w", err)
	}

	if err := e.evaluateExits(ctx, snap.Close, open, &report); err != nil {
		return report, err
	}
	if len(report.Exits) > 0 {
		if open, err = e.store.GetOpenPositions(ctx, e.readScope); err != nil {
			return report, fmt.Errorf("failed to reload open positions: %w", err)
		}
	}

	if err := e.evaluateEntry(ctx, snap, sig, now, open, &report); err != nil {
		return report, err
	}

	if report.BuyTradeID != "" {
		report.OpenPositions = len(open) + 1
	} else {
		report.OpenPositions = len(open)
	}
	report.Monitor = e.monitor.state()
	e.metrics.SetOpenPositions(report.OpenPositions)
	return report, nil
}

// Run starts the trading engine's main loop. It reconciles on start and every
// sync interval, runs a cycle every tick, and backs off after failures. A
// cycle in progress finishes before Run returns. A replay feed running dry
// ends the loop without error.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	e.startTime = e.now()
	e.mu.Unlock()

	e.sync(ctx)

	ticker := time.NewTicker(e.cfg.Trading.TickInterval)
	defer ticker.Stop()

	var syncC <-chan time.Time
	if e.syncer != nil && e.cfg.Trading.SyncInterval > 0 {
		syncTicker := time.NewTicker(e.cfg.Trading.SyncInterval)
		defer syncTicker.Stop()
		syncC = syncTicker.C
	}

	e.logger.Info("Starting decision loop", zap.Duration("interval", e.cfg.Trading.TickInterval))
	var backoff time.Duration
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Stopping trading engine...")
			return nil
		case <-syncC:
			e.sync(ctx)
			continue
		case <-ticker.C:
		}

		_, err := e.safeCycle(ctx)
		if errors.Is(err, signal.ErrFeedExhausted) {
			e.logger.Info("Market feed exhausted")
			return nil
		}
		if err == nil {
			backoff = 0
			continue
		}

		backoff = e.nextBackoff(backoff)
		e.logger.Error("Cycle failed, backing off", zap.Error(err), zap.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
	}
}

func (e *Engine) nextBackoff(current time.Duration) time.Duration {
	if current == 0 {
		return e.cfg.Trading.ErrorBackoff
	}
	next := current * 2
	if next > e.cfg.Trading.MaxErrorBackoff {
		next = e.cfg.Trading.MaxErrorBackoff
	}
	return next
}

// safeCycle runs one cycle detached from ctx cancellation and turns a panic
// into an error.
func (e *Engine) safeCycle(ctx context.Context) (report CycleReport, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panicked: %v", r)
		}
		if !errors.Is(err, signal.ErrFeedExhausted) {
			e.metrics.CycleDone(err)
			e.recordCycle(report, err)
		}
	}()
	return e.RunCycle(context.WithoutCancel(ctx))
}

func (e *Engine) recordCycle(report CycleReport, err error) {
	if err != nil {
		report.fail(err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cycles++
	e.last = &report
}

func (e *Engine) sync(ctx context.Context) {
	if e.syncer == nil {
		return
	}
	report, err := e.syncer.RunFullSync(context.WithoutCancel(ctx))
	if err != nil {
		e.logger.Error("Reconciliation failed", zap.Error(err))
		return
	}
	e.mu.Lock()
	e.lastSync = &report
	e.mu.Unlock()
}

// Status is a point-in-time view of the engine for the status endpoint.
type Status struct {
	Environment string                `json:"environment"`
	RunID       string                `json:"run_id"`
	Symbol      string                `json:"symbol"`
	StartTime   time.Time             `json:"start_time"`
	Uptime      string                `json:"uptime"`
	Cycles      int                   `json:"cycles"`
	LastCycle   *CycleReport          `json:"last_cycle,omitempty"`
	LastSync    *reconcile.SyncReport `json:"last_sync,omitempty"`
}

func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	status := Status{
		Environment: string(e.cfg.Trading.Environment),
		RunID:       e.cfg.Trading.RunID,
		Symbol:      e.cfg.Trading.Symbol,
		StartTime:   e.startTime,
		Cycles:      e.cycles,
		LastCycle:   e.last,
		LastSync:    e.lastSync,
	}
	if !e.startTime.IsZero() {
		status.Uptime = e.now().Sub(e.startTime).Truncate(time.Second).String()
	}
	return status
}

// Scope is the ledger view the engine manages positions in.
func (e *Engine) Scope() ledger.Scope { return e.readScope }
