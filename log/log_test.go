package log

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestInitLogger(t *testing.T) {
	prev := Logger
	t.Cleanup(func() { Logger = prev })

	require.NoError(t, InitLogger(Config{Level: "warn", Format: "json"}))
	assert.False(t, Logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, Logger.Core().Enabled(zapcore.WarnLevel))
}

func TestInitLoggerRejectsBadInput(t *testing.T) {
	prev := Logger
	t.Cleanup(func() { Logger = prev })
	Logger = zap.NewNop()

	assert.Error(t, InitLogger(Config{Level: "loud"}))
	assert.Error(t, InitLogger(Config{Level: "info", Format: "xml"}))
}
