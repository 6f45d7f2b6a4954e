package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// swapLogger installs an observed core and restores the previous global on
// cleanup, so tests can assert on emitted entries.
func swapLogger(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, recorded := observer.New(zapcore.DebugLevel)
	original := log
	log = zap.New(core)
	t.Cleanup(func() { log = original })
	return recorded
}

func TestInit(t *testing.T) {
	original := log
	defer func() { log = original }()

	t.Run("production", func(t *testing.T) {
		require.NoError(t, Init("production", "dispatch"))
		assert.NotNil(t, log)
	})

	t.Run("development", func(t *testing.T) {
		require.NoError(t, Init("development", "dispatch"))
		assert.NotNil(t, log)
	})

	t.Run("empty service name", func(t *testing.T) {
		require.NoError(t, Init("test", ""))
		assert.NotNil(t, log)
	})
}

func TestGetFallsBackWithoutInit(t *testing.T) {
	original := log
	log = nil
	defer func() { log = original }()

	assert.NotNil(t, Get())
}

func TestContextWithCorrelationID(t *testing.T) {
	ctx := ContextWithCorrelationID(context.Background(), "req-42")
	assert.Equal(t, "req-42", CorrelationIDFromContext(ctx))
}

func TestContextWithCorrelationID_NilContext(t *testing.T) {
	var missing context.Context
	ctx := ContextWithCorrelationID(missing, "req-43")
	assert.Equal(t, "req-43", CorrelationIDFromContext(ctx))
}

func TestCorrelationIDFromContext_Missing(t *testing.T) {
	var missing context.Context
	assert.Equal(t, "", CorrelationIDFromContext(context.Background()))
	assert.Equal(t, "", CorrelationIDFromContext(missing))
}

func TestWithContextAddsCorrelationIDField(t *testing.T) {
	recorded := swapLogger(t)

	ctx := ContextWithCorrelationID(context.Background(), "ctx-7")
	WithContext(ctx).Info("driver came online")

	entries := recorded.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "ctx-7", entries[0].ContextMap()["correlation_id"])
}

func TestWithContext_NoCorrelationID(t *testing.T) {
	recorded := swapLogger(t)

	WithContext(context.Background()).Info("plain entry")

	entries := recorded.All()
	require.Len(t, entries, 1)
	_, present := entries[0].ContextMap()["correlation_id"]
	assert.False(t, present)
}

func TestContextLevelHelpers(t *testing.T) {
	recorded := swapLogger(t)
	ctx := ContextWithCorrelationID(context.Background(), "lvl-1")

	DebugContext(ctx, "debug entry")
	InfoContext(ctx, "info entry")
	WarnContext(ctx, "warn entry")
	ErrorContext(ctx, "error entry")

	entries := recorded.All()
	require.Len(t, entries, 4)
	levels := []zapcore.Level{
		zapcore.DebugLevel, zapcore.InfoLevel, zapcore.WarnLevel, zapcore.ErrorLevel,
	}
	for i, entry := range entries {
		assert.Equal(t, levels[i], entry.Level)
		assert.Equal(t, "lvl-1", entry.ContextMap()["correlation_id"])
	}
}

func TestSyncWithoutInit(t *testing.T) {
	original := log
	log = nil
	defer func() { log = original }()

	assert.NoError(t, Sync())
}
