// Package backtest replays a price series through isolated engine instances.
// Every trial owns its configuration, simulated exchange, ledger database and
// engine, so trials run in parallel without sharing state.
package backtest

import (
	"context"
	"errors"
	"fmt"

	"binance-position-engine/internal/capital"
	"binance-position-engine/internal/config"
	"binance-position-engine/internal/database"
	"binance-position-engine/internal/exchange"
	"binance-position-engine/internal/ledger"
	"binance-position-engine/internal/signal"
	"binance-position-engine/internal/trader"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Trial is one parameter set to evaluate.
type Trial struct {
	ID     string
	Params capital.Params
	// Configure edits the trial's private copy of the configuration.
	Configure func(cfg *config.Config)
}

// Result summarizes one trial.
type Result struct {
	TrialID       string          `json:"trial_id"`
	Cycles        int             `json:"cycles"`
	CycleErrors   int             `json:"cycle_errors"`
	Buys          int             `json:"buys"`
	Sells         int             `json:"sells"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	OpenPositions int             `json:"open_positions"`
	FinalQuote    decimal.Decimal `json:"final_quote"`
	FinalBase     decimal.Decimal `json:"final_base"`
	FinalEquity   decimal.Decimal `json:"final_equity"`
	Error         string          `json:"error,omitempty"`
}

// Runner executes trials on a bounded worker pool.
type Runner struct {
	logger *zap.Logger
	cfg    config.Config
	// client, when set, wraps the simulated exchange a trial trades on.
	client func(trialID string, sim *exchange.SimExchange) exchange.Client
}

// NewRunner copies cfg; each trial starts from that copy.
func NewRunner(log *zap.Logger, cfg config.Config) *Runner {
	return &Runner{logger: log.Named("backtest"), cfg: cfg}
}

// Run replays series once per trial, at most backtest.workers at a time.
// Results are in trial order. A failing trial is reported in its Result and
// does not stop the others; only cancellation of ctx makes Run fail.
func (r *Runner) Run(ctx context.Context, trials []Trial, series []signal.Snapshot) ([]Result, error) {
	if len(series) == 0 {
		return nil, errors.New("empty price series")
	}
	workers := r.cfg.Backtest.Workers
	if workers <= 0 {
		workers = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	results := make([]Result, len(trials))
	for i, trial := range trials {
		i, trial := i, trial
		if trial.ID == "" {
			trial.ID = uuid.NewString()
		}
		g.Go(func() error {
			res, err := r.runTrial(gctx, trial, series)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				r.logger.Error("Trial failed", zap.String("trial_id", trial.ID), zap.Error(err))
				res.Error = err.Error()
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (r *Runner) runTrial(ctx context.Context, trial Trial, series []signal.Snapshot) (res Result, err error) {
	res = Result{TrialID: trial.ID}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("trial panicked: %v", p)
		}
	}()

	cfg := r.cfg
	cfg.Trading.Environment = config.EnvBacktest
	cfg.Trading.RunID = trial.ID
	if trial.Configure != nil {
		trial.Configure(&cfg)
	}

	db, err := database.NewDatabase(config.Database{Driver: "sqlite", DSN: "file::memory:"}, zap.NewNop())
	if err != nil {
		return res, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return res, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()
	store := ledger.NewStore(db, r.logger)

	sim := exchange.NewSimExchange(cfg.Trading.Symbol, cfg.Trading.BaseAsset, cfg.Trading.QuoteAsset,
		cfg.Strategy.CommissionRate, cfg.Backtest.InitialQuote)
	rule := signal.NewDipRule(cfg.Strategy.DipPercentage, cfg.Strategy.RegimeWindow)
	feed := signal.Observe(signal.NewReplayFeed(series, rule), func(s signal.Snapshot) {
		sim.SetMarket(s.Close, s.Time)
	})
	var client exchange.Client = sim
	if r.client != nil {
		client = r.client(trial.ID, sim)
	}
	engine := trader.NewEngine(r.logger, cfg, client, feed, store, trader.WithParams(trial.Params))

	res.RealizedPnL = decimal.Zero
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		report, err := runCycle(ctx, engine)
		if errors.Is(err, signal.ErrFeedExhausted) {
			break
		}
		res.Cycles++
		if err != nil {
			res.CycleErrors++
			continue
		}
		res.RealizedPnL = res.RealizedPnL.Add(report.RealizedPnL())
		res.Sells += len(report.Exits)
		if report.BuyTradeID != "" {
			res.Buys++
		}
		res.OpenPositions = report.OpenPositions
	}

	if res.FinalQuote, err = balance(ctx, sim, cfg.Trading.QuoteAsset); err != nil {
		return res, err
	}
	if res.FinalBase, err = balance(ctx, sim, cfg.Trading.BaseAsset); err != nil {
		return res, err
	}
	last := series[len(series)-1].Close
	res.FinalEquity = res.FinalQuote.Add(res.FinalBase.Mul(last))

	r.logger.Info("Trial finished",
		zap.String("trial_id", trial.ID),
		zap.Int("buys", res.Buys),
		zap.Int("sells", res.Sells),
		zap.Stringer("realized_pnl", res.RealizedPnL),
		zap.Stringer("final_equity", res.FinalEquity),
	)
	return res, nil
}

// runCycle turns a panicking cycle into a cycle error so the trial goes on
// with the next snapshot, as the live loop does.
func runCycle(ctx context.Context, engine *trader.Engine) (report trader.CycleReport, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("cycle panicked: %v", p)
		}
	}()
	return engine.RunCycle(ctx)
}

func balance(ctx context.Context, client exchange.Client, asset string) (decimal.Decimal, error) {
	b, err := client.GetBalance(ctx, asset)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get %s balance: %w", asset, err)
	}
	return b.Total(), nil
}
