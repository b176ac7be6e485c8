package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/itsneelabh/gomind-cluster/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(attempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   attempts,
		InitialDelay:  5 * time.Millisecond,
		MaxDelay:      20 * time.Millisecond,
		BackoffFactor: 2.0,
		JitterEnabled: false,
	}
}

// TestRetryBasicSuccess tests successful execution on first attempt
func TestRetryBasicSuccess(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastConfig(3), func() error {
		attempts++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

// TestRetryEventualSuccess tests success after multiple attempts
func TestRetryEventualSuccess(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastConfig(3), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("temporary error")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryExhausted(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastConfig(2), func() error {
		attempts++
		return core.ErrConnectionFailed
	})

	require.Error(t, err)
	assert.Equal(t, 2, attempts)
	assert.True(t, errors.Is(err, core.ErrMaxRetriesExceeded))
	assert.Contains(t, err.Error(), "connection failed")
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	cfg := fastConfig(5)
	cfg.ShouldRetry = core.IsRetryable

	attempts := 0
	err := Retry(context.Background(), cfg, func() error {
		attempts++
		return core.ErrInvalidConfiguration
	})

	assert.Equal(t, 1, attempts)
	assert.True(t, errors.Is(err, core.ErrInvalidConfiguration))
	assert.False(t, errors.Is(err, core.ErrMaxRetriesExceeded))
}

func TestRetryContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := Retry(ctx, fastConfig(3), func() error {
		attempts++
		return nil
	})

	assert.Equal(t, 0, attempts)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTransientRetryConfig(t *testing.T) {
	cfg := TransientRetryConfig(4)
	assert.Equal(t, 4, cfg.MaxAttempts)
	require.NotNil(t, cfg.ShouldRetry)
	assert.True(t, cfg.ShouldRetry(core.ErrTimeout))
	assert.False(t, cfg.ShouldRetry(core.ErrServiceNotFound))

	assert.Equal(t, DefaultRetryConfig().MaxAttempts, TransientRetryConfig(0).MaxAttempts)
}
