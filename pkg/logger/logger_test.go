package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithWriter_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("catalog-sync", "info", &buf)

	log.Info("broker started", "topics", 3)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "broker started", entry["msg"])
	assert.Equal(t, "catalog-sync", entry["service"])
	assert.Equal(t, float64(3), entry["topics"])
}

func TestNewWithWriter_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("test", "warn", &buf)

	log.Info("suppressed")
	assert.Zero(t, buf.Len())

	log.Warn("emitted")
	assert.NotZero(t, buf.Len())
}

func TestNewWithWriter_UnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("test", "chatty", &buf)

	log.Debug("suppressed")
	assert.Zero(t, buf.Len())

	log.Info("emitted")
	assert.NotZero(t, buf.Len())
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	log := WithComponent(NewWithWriter("test", "info", &buf), "dispatcher")

	log.Info("tick")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "dispatcher", entry["component"])
}

func TestCorrelationIDRoundTrip(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "corr-1")
	assert.Equal(t, "corr-1", CorrelationIDFromContext(ctx))
	assert.Empty(t, CorrelationIDFromContext(context.Background()))
}

func TestLoggerContextRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("test", "info", &buf)

	ctx := NewContext(context.Background(), log)
	assert.Same(t, log, FromContext(ctx))
}

func TestWithContext_AddsCorrelationID(t *testing.T) {
	var buf bytes.Buffer
	base := NewWithWriter("test", "info", &buf)

	ctx := WithCorrelationID(context.Background(), "corr-9")
	WithContext(ctx, base).Info("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "corr-9", entry["correlation_id"])
}
