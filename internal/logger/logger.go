package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger creates a new zap.Logger instance based on the provided configuration.
func NewLogger(level string, format string) (*zap.Logger, error) {
	logLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	var cfg zap.Config
	if format == "json" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}

	cfg.Level = zap.NewAtomicLevelAt(logLevel)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}

// ForRun tags a logger with the identity of one bot instance.
func ForRun(log *zap.Logger, environment, runID, symbol string) *zap.Logger {
	return log.With(
		zap.String("environment", environment),
		zap.String("run_id", runID),
		zap.String("symbol", symbol),
	)
}

// Critical logs at error level with severity=critical. Used for conditions that
// need an operator: balance desync, orphan sells.
func Critical(log *zap.Logger, msg string, fields ...zap.Field) {
	log.Error(msg, append(fields, zap.String("severity", "critical"))...)
}
