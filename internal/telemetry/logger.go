// Package telemetry is the process-wide observability surface: structured
// logging, Prometheus metrics, and OpenTelemetry tracing, wired the way the
// teacher's internal/obs package wires them for its worker process.
package telemetry

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process base logger at the configured level. The
// result is installed into internal/ctxlog via SetBase so every
// scope-carrying context derives its per-call logger from it.
func NewLogger(level string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	switch strings.ToLower(level) {
	case "debug":
		lvl = zapcore.DebugLevel
	case "warn":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "json"
	return cfg.Build()
}
