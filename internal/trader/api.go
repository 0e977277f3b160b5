package trader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"binance-position-engine/internal/ledger"
	"binance-position-engine/internal/metrics"
	"binance-position-engine/internal/models"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const defaultTradesLimit = 100

// APIServer provides an HTTP interface for the trading engine.
type APIServer struct {
	server  *http.Server
	engine  *Engine
	store   *ledger.Store
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewAPIServer creates a new APIServer listening on port.
func NewAPIServer(port int, engine *Engine, store *ledger.Store, m *metrics.Metrics, logger *zap.Logger) *APIServer {
	s := &APIServer{
		engine:  engine,
		store:   store,
		metrics: m,
		logger:  logger.Named("api-server"),
	}
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Routes returns the router serving every endpoint.
func (s *APIServer) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.healthHandler)
	r.Get("/status", s.statusHandler)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	r.Route("/api", func(r chi.Router) {
		r.Get("/trades", s.tradesHandler)
		r.Get("/positions", s.positionsHandler)
		r.Get("/statistics", s.statisticsHandler)
	})
	return r
}

// Start runs the HTTP server in a new goroutine.
func (s *APIServer) Start() {
	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *APIServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server...")
	return s.server.Shutdown(ctx)
}

func (s *APIServer) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (s *APIServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

func (s *APIServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.engine.Status())
}

// tradesHandler returns the newest trades; ?limit= overrides the page size.
func (s *APIServer) tradesHandler(w http.ResponseWriter, r *http.Request) {
	limit := defaultTradesLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	trades, err := s.store.ListTrades(r.Context(), s.engine.Scope(), limit)
	if err != nil {
		s.logger.Error("Failed to get trades from database", zap.Error(err))
		http.Error(w, "Failed to get trades", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, trades)
}

func (s *APIServer) positionsHandler(w http.ResponseWriter, r *http.Request) {
	open, err := s.store.GetOpenPositions(r.Context(), s.engine.Scope())
	if err != nil {
		s.logger.Error("Failed to get open positions", zap.Error(err))
		http.Error(w, "Failed to get positions", http.StatusInternalServerError)
		return
	}
	treasury, err := s.store.GetTreasury(r.Context(), s.engine.Scope())
	if err != nil {
		s.logger.Error("Failed to get treasury", zap.Error(err))
		http.Error(w, "Failed to get positions", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, map[string][]models.Trade{"open": open, "treasury": treasury})
}

// StatsDetail holds calculated statistics for a given period.
type StatsDetail struct {
	TotalTrades      int64           `json:"total_trades"`
	ProfitableTrades int64           `json:"profitable_trades"`
	WinRate          float64         `json:"win_rate"`
	TotalProfit      decimal.Decimal `json:"total_profit"`
}

func (d *StatsDetail) add(pnl decimal.Decimal) {
	d.TotalTrades++
	if pnl.IsPositive() {
		d.ProfitableTrades++
	}
	d.TotalProfit = d.TotalProfit.Add(pnl)
}

func (d *StatsDetail) finish() {
	if d.TotalTrades > 0 {
		d.WinRate = float64(d.ProfitableTrades) / float64(d.TotalTrades)
	}
}

// StatisticsResponse is the structure for the /api/statistics endpoint.
type StatisticsResponse struct {
	Since24h StatsDetail `json:"since_24h"`
	AllTime  StatsDetail `json:"all_time"`
}

// Statistics aggregates realized P&L over sells attributed to a buy.
func Statistics(sells []models.Trade, now time.Time) StatisticsResponse {
	var resp StatisticsResponse
	since24h := now.Add(-24 * time.Hour)
	for _, sell := range sells {
		resp.AllTime.add(sell.RealizedPnL.Decimal)
		if sell.Timestamp.After(since24h) {
			resp.Since24h.add(sell.RealizedPnL.Decimal)
		}
	}
	resp.AllTime.finish()
	resp.Since24h.finish()
	return resp
}

func (s *APIServer) statisticsHandler(w http.ResponseWriter, r *http.Request) {
	sells, err := s.store.GetRealizedSells(r.Context(), s.engine.Scope())
	if err != nil {
		s.logger.Error("Failed to get trades for statistics", zap.Error(err))
		http.Error(w, "Failed to calculate statistics", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, Statistics(sells, s.engine.now()))
}
