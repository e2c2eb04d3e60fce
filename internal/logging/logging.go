// Package logging constructs the process-wide zap.Logger, matching the
// teacher's convention of passing a shared *zap.Logger into every
// constructor rather than each package reaching for a global.
package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap.Logger at the given level ("debug", "info", "warn",
// "error"). Anything below "info" gets zap's development encoder
// (console, stack traces on warn+); "info" and above use the production
// JSON encoder, suitable for log aggregation.
func New(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	if lvl <= zapcore.DebugLevel {
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(lvl)
		return cfg.Build()
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
