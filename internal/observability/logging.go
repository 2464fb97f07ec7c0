// Package observability provides structured logging for the relay.
package observability

import (
	"fmt"
	"log"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/HernanFAR/PrivateChat/internal/config"
)

// ServiceName is attached to every log entry as the "service" field.
const ServiceName = "privatechat"

// NewLogger creates a structured logger from the given logging configuration.
//
// Precondition: cfg.Level must be one of "debug", "info", "warn", "error".
// Precondition: cfg.Format must be "json" or "console".
// Postcondition: Returns a configured zap.Logger or a non-nil error.
func NewLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", cfg.Level, err)
	}

	var zapCfg zap.Config
	switch cfg.Format {
	case "json":
		zapCfg = zap.NewProductionConfig()
		// No sampling: every eviction and dropped event is logged.
		zapCfg.Sampling = nil
	case "console":
		zapCfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapCfg.InitialFields = map[string]any{"service": ServiceName}

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}

// Component returns a child logger named after a relay component.
//
// Precondition: name must be non-empty.
func Component(logger *zap.Logger, name string) *zap.Logger {
	return logger.Named(name)
}

// StdLogger adapts logger for APIs that require a *log.Logger, such as
// http.Server.ErrorLog. Entries are written at warn level.
func StdLogger(logger *zap.Logger) *log.Logger {
	std, err := zap.NewStdLogAt(logger, zapcore.WarnLevel)
	if err != nil {
		return zap.NewStdLog(logger)
	}
	return std
}
