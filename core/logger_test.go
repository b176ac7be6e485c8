package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObservedLogger(level zapcore.Level) (*ProductionLogger, *observer.ObservedLogs) {
	obsCore, logs := observer.New(level)
	return NewLoggerFromZap(zap.New(obsCore), "test-service"), logs
}

// TestProductionLoggerImplementsComponentAwareLogger verifies that ProductionLogger
// implements the ComponentAwareLogger interface
func TestProductionLoggerImplementsComponentAwareLogger(t *testing.T) {
	logger := NewProductionLogger(
		LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		DevelopmentConfig{},
		"test-service",
	)

	_, ok := logger.(ComponentAwareLogger)
	assert.True(t, ok, "ProductionLogger should implement ComponentAwareLogger interface")
}

func TestProductionLogger_Fields(t *testing.T) {
	logger, logs := newObservedLogger(zapcore.DebugLevel)

	logger.Info("Service registered", map[string]interface{}{
		"service_id": "agent-1",
		"ttl":        30,
		"error":      errors.New("none"),
	})

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "Service registered", entry.Message)
	assert.Equal(t, zapcore.InfoLevel, entry.Level)

	ctx := entry.ContextMap()
	assert.Equal(t, "test-service", ctx["service"])
	assert.Equal(t, "agent-1", ctx["service_id"])
	assert.Equal(t, "none", ctx["error"])
}

func TestProductionLogger_WithComponent(t *testing.T) {
	logger, logs := newObservedLogger(zapcore.InfoLevel)

	child := logger.WithComponent("cluster/discovery")
	assert.NotSame(t, logger, child)

	child.Warn("TTL sweep evicted services", map[string]interface{}{"evicted": 2})
	logger.Debug("filtered out", nil)

	require.Equal(t, 1, logs.Len(), "debug below level must be dropped")
	ctx := logs.All()[0].ContextMap()
	assert.Equal(t, "cluster/discovery", ctx["component"])
	assert.Equal(t, int64(2), ctx["evicted"])
}

func TestComponentLogger(t *testing.T) {
	assert.IsType(t, &NoOpLogger{}, ComponentLogger(nil, "x"))

	noop := &NoOpLogger{}
	assert.Same(t, noop, ComponentLogger(noop, "x"))

	logger, logs := newObservedLogger(zapcore.InfoLevel)
	ComponentLogger(logger, "cluster/health").Info("probe", nil)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "cluster/health", logs.All()[0].ContextMap()["component"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("warning"))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("nonsense"))
}
