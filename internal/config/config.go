package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Environment tags every ledger row and selects the exchange implementation.
type Environment string

const (
	EnvLive     Environment = "live"
	EnvPaper    Environment = "paper"
	EnvBacktest Environment = "backtest"
)

// Config holds all configuration for the application.
type Config struct {
	Binance  Binance  `mapstructure:"binance"`
	Trading  Trading  `mapstructure:"trading"`
	Strategy Strategy `mapstructure:"strategy"`
	Capital  Capital  `mapstructure:"capital"`
	Logger   Logger   `mapstructure:"logger"`
	Server   Server   `mapstructure:"server"`
	Database Database `mapstructure:"database"`
	Backtest Backtest `mapstructure:"backtest"`
}

// Binance holds the configuration for the Binance API.
type Binance struct {
	ApiKey         string        `mapstructure:"apiKey"`
	SecretKey      string        `mapstructure:"secretKey"`
	Testnet        bool          `mapstructure:"testnet"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// Server holds the configuration for the status server.
type Server struct {
	Port int `mapstructure:"port"`
}

// Database holds the configuration for the database.
type Database struct {
	Driver string `mapstructure:"driver"` // "sqlite" or "postgres"
	DSN    string `mapstructure:"dsn"`
}

// Trading holds the configuration for the decision loop.
type Trading struct {
	Symbol          string        `mapstructure:"symbol"`
	BaseAsset       string        `mapstructure:"base_asset"`
	QuoteAsset      string        `mapstructure:"quote_asset"`
	Environment     Environment   `mapstructure:"environment"`
	RunID           string        `mapstructure:"run_id"`
	TickInterval    time.Duration `mapstructure:"tick_interval"`
	SyncInterval    time.Duration `mapstructure:"sync_interval"`
	ErrorBackoff    time.Duration `mapstructure:"error_backoff"`
	MaxErrorBackoff time.Duration `mapstructure:"max_error_backoff"`
	// InitialQuote seeds the simulated exchange in the paper environment.
	InitialQuote decimal.Decimal `mapstructure:"initial_quote"`
}

// Strategy holds pricing, exit and reversal parameters.
type Strategy struct {
	CommissionRate     decimal.Decimal `mapstructure:"commission_rate"`
	TargetProfit       decimal.Decimal `mapstructure:"target_profit"`
	SellFactor         decimal.Decimal `mapstructure:"sell_factor"`
	TrailingPercentage decimal.Decimal `mapstructure:"trailing_percentage"`
	MinProfitTarget    decimal.Decimal `mapstructure:"min_profit_target"`
	TreasuryRemainder  bool            `mapstructure:"treasury_remainder"`
	ReversalTimeout    time.Duration   `mapstructure:"reversal_timeout"`
	ReversalThreshold  decimal.Decimal `mapstructure:"reversal_threshold"`
	DipPercentage      decimal.Decimal `mapstructure:"dip_percentage"`
	RegimeWindow       int             `mapstructure:"regime_window"`
}

// Capital holds the sizing and damper parameters of the allocator.
type Capital struct {
	SizingStrategy            string          `mapstructure:"sizing_strategy"` // fixed, percentage, logarithmic
	BaseUSDPerTrade           decimal.Decimal `mapstructure:"base_usd_per_trade"`
	OrderSizeFreeCashPct      decimal.Decimal `mapstructure:"order_size_free_cash_percentage"`
	LogMinPct                 decimal.Decimal `mapstructure:"log_min_pct"`
	LogMaxPct                 decimal.Decimal `mapstructure:"log_max_pct"`
	LogScalingFactor          decimal.Decimal `mapstructure:"log_scaling_factor"`
	WorkingCapitalPercentage  decimal.Decimal `mapstructure:"working_capital_percentage"`
	AggressiveMultiplier      decimal.Decimal `mapstructure:"aggressive_buy_multiplier"`
	CorrectionEntryMultiplier decimal.Decimal `mapstructure:"correction_entry_multiplier"`
	MinTradeSize              decimal.Decimal `mapstructure:"min_trade_size"`
	MaxTradeSize              decimal.Decimal `mapstructure:"max_trade_size"`
	MaxOpenPositions          int             `mapstructure:"max_open_positions"`
	UseDynamicCapital         bool            `mapstructure:"use_dynamic_capital"`
	ConsecutiveBuysThreshold  int             `mapstructure:"consecutive_buys_threshold"`
	BaseDifficultyPercentage  decimal.Decimal `mapstructure:"base_difficulty_percentage"`
	PerBuyDifficultyIncrement decimal.Decimal `mapstructure:"per_buy_difficulty_increment"`
	DifficultyResetTimeout    time.Duration   `mapstructure:"difficulty_reset_timeout"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Backtest holds the configuration for parallel trials.
type Backtest struct {
	Workers      int             `mapstructure:"workers"`
	InitialQuote decimal.Decimal `mapstructure:"initial_quote"`
	DataFile     string          `mapstructure:"data_file"`
}

var defaults = map[string]any{
	"binance.rate_limit":       20, // requests per second
	"binance.rate_limit_burst": 5,
	"binance.timeout":          "10s",

	"database.driver": "sqlite",
	"database.dsn":    "trades.db",

	"logger.level":  "info",
	"logger.format": "console",
	"server.port":   8080,

	"trading.symbol":            "BTCUSDT",
	"trading.base_asset":        "BTC",
	"trading.quote_asset":       "USDT",
	"trading.environment":       string(EnvPaper),
	"trading.run_id":            "default",
	"trading.tick_interval":     "30s",
	"trading.sync_interval":     "15m",
	"trading.error_backoff":     "5s",
	"trading.max_error_backoff": "5m",
	"trading.initial_quote":     "1000",

	"strategy.commission_rate":     "0.001",
	"strategy.target_profit":       "0.01",
	"strategy.sell_factor":         "0.9",
	"strategy.trailing_percentage": "0.1",
	"strategy.min_profit_target":   "0.05",
	"strategy.treasury_remainder":  true,
	"strategy.reversal_timeout":    "300s",
	"strategy.reversal_threshold":  "0.005",
	"strategy.dip_percentage":      "0.02",
	"strategy.regime_window":       20,

	"capital.sizing_strategy":                 "fixed",
	"capital.base_usd_per_trade":              "20",
	"capital.order_size_free_cash_percentage": "0.1",
	"capital.log_min_pct":                     "0.01",
	"capital.log_max_pct":                     "0.05",
	"capital.log_scaling_factor":              "0.005",
	"capital.working_capital_percentage":      "0.8",
	"capital.aggressive_buy_multiplier":       "2.0",
	"capital.correction_entry_multiplier":     "2.5",
	"capital.min_trade_size":                  "10",
	"capital.max_trade_size":                  "10000",
	"capital.max_open_positions":              20,
	"capital.use_dynamic_capital":             false,
	"capital.consecutive_buys_threshold":      5,
	"capital.base_difficulty_percentage":      "0.005",
	"capital.per_buy_difficulty_increment":    "0.001",
	"capital.difficulty_reset_timeout":        "2h",

	"backtest.workers":       4,
	"backtest.initial_quote": "1000",
}

// LoadConfig reads configuration from file or environment variables.
// A missing config file is not an error; defaults and the environment apply.
func LoadConfig(path string) (Config, error) {
	v := newViper()
	v.AddConfigPath(path)
	v.SetConfigName("config") // name of config file (without extension)
	v.SetConfigType("yml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return decode(v)
}

// Default returns the configuration built from defaults and the environment only.
func Default() Config {
	cfg, err := decode(newViper())
	if err != nil {
		panic(fmt.Sprintf("defaults must decode: %v", err))
	}
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	// Allow environment variables to override config file
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	return v
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		decimalHook,
	)))
	if err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

// decimalHook decodes strings and numbers into decimal.Decimal.
func decimalHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != decimalType {
		return data, nil
	}
	switch value := data.(type) {
	case string:
		if value == "" {
			return decimal.Zero, nil
		}
		return decimal.NewFromString(value)
	case float64:
		return decimal.NewFromFloat(value), nil
	case float32:
		return decimal.NewFromFloat32(value), nil
	case int:
		return decimal.NewFromInt(int64(value)), nil
	case int64:
		return decimal.NewFromInt(value), nil
	case decimal.Decimal:
		return value, nil
	}
	return nil, fmt.Errorf("cannot decode %s into decimal", from)
}
