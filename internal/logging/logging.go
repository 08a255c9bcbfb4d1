// Package logging constructs the process's single *zap.Logger, matching the
// reference codebase's one-logger-threaded-into-every-constructor shape
// (there it's a *slog.Logger built once in main and passed down).
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a *zap.Logger at the given level. At "debug" the development
// config with its console encoder is used (human-readable, for local runs);
// "info" and above use the production JSON config, matching the teacher's
// JSON-handler default.
func New(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("unknown log level %q: %w", level, err)
	}

	var cfg zap.Config
	if zapLevel == zapcore.DebugLevel {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}
