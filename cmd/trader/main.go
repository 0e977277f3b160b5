package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	ossignal "os/signal"
	"strings"
	"syscall"
	"time"

	"binance-position-engine/internal/backtest"
	"binance-position-engine/internal/binance"
	"binance-position-engine/internal/capital"
	"binance-position-engine/internal/config"
	"binance-position-engine/internal/database"
	"binance-position-engine/internal/exchange"
	"binance-position-engine/internal/ledger"
	"binance-position-engine/internal/logger"
	"binance-position-engine/internal/metrics"
	"binance-position-engine/internal/reconcile"
	"binance-position-engine/internal/signal"
	"binance-position-engine/internal/trader"

	"github.com/shopspring/decimal"
	"github.com/urfave/cli"
	"go.uber.org/zap"
)

func main() {
	app := cli.NewApp()
	app.Name = "trader"
	app.Usage = "position and capital management engine for Binance spot"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Value: "./configs",
			Usage: "directory holding config.yml",
		},
	}
	app.Commands = []cli.Command{
		runCMD,
		syncCMD,
		backtestCMD,
	}

	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var (
	runCMD = cli.Command{
		Name:        "run",
		Usage:       "run the decision loop",
		Action:      runAction,
		Description: `Runs the engine in the configured live or paper environment, with the status server.`,
	}
	syncCMD = cli.Command{
		Name:        "sync",
		Usage:       "reconcile the ledger with the exchange once",
		Action:      syncAction,
		Description: `Mirrors the exchange trade history into the ledger and links sells to buys.`,
	}
	backtestCMD = cli.Command{
		Name:   "backtest",
		Usage:  "replay a price series through parallel trials",
		Action: backtestAction,
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "data",
				Usage: "CSV price series (defaults to backtest.data_file)",
			},
			cli.StringFlag{
				Name:  "order-sizes",
				Usage: "comma separated fixed order sizes in quote currency, one trial each",
			},
		},
		Description: `Each trial runs on its own simulated exchange and in-memory ledger; results are printed as JSON.`,
	}
)

// session bundles what every command needs.
type session struct {
	cfg config.Config
	log *zap.Logger
}

func setup(c *cli.Context) (*session, error) {
	cfg, err := config.LoadConfig(c.GlobalString("config"))
	if err != nil {
		return nil, fmt.Errorf("could not load config: %w", err)
	}
	warnings := cfg.Sanitize()

	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		return nil, fmt.Errorf("could not initialize logger: %w", err)
	}
	for _, w := range warnings {
		log.Warn("Invalid configuration value replaced", zap.String("detail", w))
	}
	log.Info("Configuration loaded",
		zap.String("environment", string(cfg.Trading.Environment)),
		zap.String("symbol", cfg.Trading.Symbol),
	)
	return &session{cfg: cfg, log: log}, nil
}

func (a *session) openLedger() (*ledger.Store, error) {
	db, err := database.NewDatabase(a.cfg.Database, a.log)
	if err != nil {
		return nil, err
	}
	return ledger.NewStore(db, a.log), nil
}

// connect builds the exchange client and market feed of the environment.
// Paper trading fills on a simulated exchange at real Binance prices.
func (a *session) connect(ctx context.Context, store *ledger.Store) (exchange.Client, signal.Provider, error) {
	rest := binance.NewRestClient(a.cfg.Binance, a.log)
	serverTime, err := rest.GetServerTime(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to Binance API: %w", err)
	}
	a.log.Info("Successfully connected to Binance API", zap.Time("server_time", serverTime))

	rule := signal.NewDipRule(a.cfg.Strategy.DipPercentage, a.cfg.Strategy.RegimeWindow)
	feed := signal.NewLiveFeed(rest, a.cfg.Trading.Symbol, rule, time.Now)

	switch a.cfg.Trading.Environment {
	case config.EnvLive:
		return rest, feed, nil
	case config.EnvPaper:
		sim, err := newPaperExchange(ctx, a.cfg, store)
		if err != nil {
			return nil, nil, err
		}
		observed := signal.Observe(feed, func(s signal.Snapshot) { sim.SetMarket(s.Close, s.Time) })
		return sim, observed, nil
	default:
		return nil, nil, fmt.Errorf("environment %q cannot trade, use the backtest command", a.cfg.Trading.Environment)
	}
}

// newPaperExchange creates the simulated exchange of a paper session. Its
// trade ids continue after the paper trades already in the ledger.
func newPaperExchange(ctx context.Context, cfg config.Config, store *ledger.Store) (*exchange.SimExchange, error) {
	sim := exchange.NewSimExchange(cfg.Trading.Symbol, cfg.Trading.BaseAsset, cfg.Trading.QuoteAsset,
		cfg.Strategy.CommissionRate, cfg.Trading.InitialQuote)
	last, err := store.MaxExchangeTradeID(ctx, string(config.EnvPaper))
	if err != nil {
		return nil, err
	}
	sim.SetNextTradeID(last + 1)
	return sim, nil
}

// shutdownContext is cancelled on SIGINT or SIGTERM.
func (a *session) shutdownContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigchan := make(chan os.Signal, 1)
		ossignal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-sigchan:
			a.log.Info("Shutdown signal received, gracefully shutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func runAction(c *cli.Context) error {
	a, err := setup(c)
	if err != nil {
		return err
	}
	defer a.log.Sync()

	ctx, cancel := a.shutdownContext()
	defer cancel()

	store, err := a.openLedger()
	if err != nil {
		return err
	}
	client, feed, err := a.connect(ctx, store)
	if err != nil {
		return err
	}

	m := metrics.New()
	syncer := reconcile.NewManager(a.log, a.cfg, client, store, m)
	engine := trader.NewEngine(a.log, a.cfg, client, feed, store,
		trader.WithMetrics(m),
		trader.WithSyncer(syncer),
	)

	api := trader.NewAPIServer(a.cfg.Server.Port, engine, store, m, a.log)
	api.Start()
	defer func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		if err := api.Stop(stopCtx); err != nil {
			a.log.Error("API server shutdown failed", zap.Error(err))
		}
	}()

	if err := engine.Run(ctx); err != nil {
		return err
	}
	a.log.Info("Bot has been shut down.")
	return nil
}

func syncAction(c *cli.Context) error {
	a, err := setup(c)
	if err != nil {
		return err
	}
	defer a.log.Sync()

	ctx, cancel := a.shutdownContext()
	defer cancel()

	store, err := a.openLedger()
	if err != nil {
		return err
	}
	client, _, err := a.connect(ctx, store)
	if err != nil {
		return err
	}
	if a.cfg.Trading.Environment != config.EnvLive {
		a.log.Warn("Reconciling against a simulated exchange, nothing to mirror")
	}

	report, err := reconcile.NewManager(a.log, a.cfg, client, store, nil).RunFullSync(ctx)
	if err != nil {
		return err
	}
	return printJSON(report)
}

func backtestAction(c *cli.Context) error {
	a, err := setup(c)
	if err != nil {
		return err
	}
	defer a.log.Sync()

	ctx, cancel := a.shutdownContext()
	defer cancel()

	path := c.String("data")
	if path == "" {
		path = a.cfg.Backtest.DataFile
	}
	if path == "" {
		return errors.New("no price series: pass --data or set backtest.data_file")
	}
	series, err := backtest.LoadCSVFile(path)
	if err != nil {
		return err
	}

	trials, err := parseTrials(c.String("order-sizes"))
	if err != nil {
		return err
	}
	a.log.Info("Starting backtest", zap.Int("trials", len(trials)), zap.Int("snapshots", len(series)),
		zap.Int("workers", a.cfg.Backtest.Workers))

	results, err := backtest.NewRunner(a.log, a.cfg).Run(ctx, trials, series)
	if err != nil {
		return err
	}
	return printJSON(results)
}

// parseTrials turns "20,50,100" into one trial per order size. An empty list
// is a single trial with the configured sizing.
func parseTrials(raw string) ([]backtest.Trial, error) {
	if strings.TrimSpace(raw) == "" {
		return []backtest.Trial{{ID: "baseline"}}, nil
	}
	var trials []backtest.Trial
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		size, err := decimal.NewFromString(part)
		if err != nil || !size.IsPositive() {
			return nil, fmt.Errorf("invalid order size %q", part)
		}
		trials = append(trials, backtest.Trial{
			ID:     "order_size_" + part,
			Params: capital.Params{OrderSizeUSD: size},
		})
	}
	return trials, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
