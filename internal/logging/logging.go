// Package logging constructs the orchestrator's structured logger: a
// logr.Logger façade backed by zap, the same combination the teacher used
// inside its Kubernetes-operator controllers, now the default for every
// component instead of an operator-only special case.
package logging

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a root logr.Logger for the given level ("debug", "info",
// "warn", "error") and format ("json" or "console").
func New(level, format string) (logr.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	zl, err := cfg.Build()
	if err != nil {
		return logr.Logger{}, err
	}
	return zapr.NewLogger(zl), nil
}

// Component returns a named child logger, mirroring the
// WithName/WithValues chaining the teacher's jirasync_controller.go used.
func Component(base logr.Logger, name string) logr.Logger {
	return base.WithName(name)
}
