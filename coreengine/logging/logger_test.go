package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.NoError(t, Config{Level: "DEBUG", Format: "console"}.Validate())
	assert.Error(t, Config{Level: "loud", Format: "json"}.Validate())
	assert.Error(t, Config{Level: "info", Format: "xml"}.Validate())
}

func TestNew(t *testing.T) {
	l, err := New(Config{Level: "warn", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, l)

	_, err = New(Config{Level: "nope", Format: "json"})
	assert.Error(t, err)
}

func TestZapLogger_FieldsAndBind(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := FromZap(zap.New(core))

	l.Info("stage_completed", "stage", "development", "duration_ms", 12)
	bound := l.Bind("card_id", "card-1")
	bound.Warn("stage_failed", "stage", "unit_tests")

	entries := logs.All()
	require.Len(t, entries, 2)

	assert.Equal(t, "stage_completed", entries[0].Message)
	assert.Equal(t, "development", entries[0].ContextMap()["stage"])

	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, "card-1", entries[1].ContextMap()["card_id"])
	assert.Equal(t, "unit_tests", entries[1].ContextMap()["stage"])
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))

	l := NewNop()
	assert.Same(t, l, OrNop(l))
}
