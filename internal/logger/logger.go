package logger

import (
	"fmt"
	"strings"

	"github.com/corebank/ledger/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. Development mode switches to the console
// encoder and debug level unless a level is set explicitly.
func New(cfg config.LogConfig) (*zap.Logger, error) {
	base := zap.NewProductionConfig()
	if cfg.Development {
		base = zap.NewDevelopmentConfig()
	}
	base.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	base.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	base.DisableStacktrace = !cfg.Development

	level, err := ParseLevel(cfg.Level, cfg.Development)
	if err != nil {
		return nil, err
	}
	base.Level = level

	l, err := base.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return l.Named("ledger"), nil
}

// ParseLevel resolves a textual level. Empty means debug in development and
// info otherwise.
func ParseLevel(level string, development bool) (zap.AtomicLevel, error) {
	if strings.TrimSpace(level) == "" {
		if development {
			return zap.NewAtomicLevelAt(zapcore.DebugLevel), nil
		}
		return zap.NewAtomicLevelAt(zapcore.InfoLevel), nil
	}

	var parsed zapcore.Level
	if err := parsed.Set(level); err != nil {
		return zap.AtomicLevel{}, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return zap.NewAtomicLevelAt(parsed), nil
}
