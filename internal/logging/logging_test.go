package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger(t *testing.T) {
	l, err := NewLogger("DEV", "debug")
	require.NoError(t, err)
	l.Debug("hello", "k", "v")

	_, err = NewLogger("PROD", "")
	require.NoError(t, err)

	_, err = NewLogger("PROD", "loud")
	assert.Error(t, err)
}

func TestWithCarriesFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := &Logger{sugar: zap.New(core).Sugar()}

	l.With("process_id", "p-1").Warn("stalled", "attempt", 2)

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "stalled", entry.Message)
	assert.Equal(t, zapcore.WarnLevel, entry.Level)
	fields := entry.ContextMap()
	assert.Equal(t, "p-1", fields["process_id"])
	assert.EqualValues(t, 2, fields["attempt"])
}
