package logger

import (
	"testing"

	"github.com/corebank/ledger/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name        string
		level       string
		development bool
		want        zapcore.Level
	}{
		{"explicit warn", "warn", false, zapcore.WarnLevel},
		{"explicit overrides development", "error", true, zapcore.ErrorLevel},
		{"upper case", "DEBUG", false, zapcore.DebugLevel},
		{"empty production", "", false, zapcore.InfoLevel},
		{"empty development", " ", true, zapcore.DebugLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			level, err := ParseLevel(tt.level, tt.development)
			require.NoError(t, err)
			assert.Equal(t, tt.want, level.Level())
		})
	}

	_, err := ParseLevel("loud", false)
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	l, err := New(config.LogConfig{Level: "info"})
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, l.Core().Enabled(zapcore.DebugLevel))

	dev, err := New(config.LogConfig{Development: true})
	require.NoError(t, err)
	assert.True(t, dev.Core().Enabled(zapcore.DebugLevel))

	_, err = New(config.LogConfig{Level: "verbose"})
	assert.Error(t, err)
}
