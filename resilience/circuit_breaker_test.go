package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/itsneelabh/gomind-cluster/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type breakerClock struct {
	now time.Time
}

func (c *breakerClock) Now() time.Time { return c.now }

func (c *breakerClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBreaker(t *testing.T, threshold, halfOpen int) (*CircuitBreaker, *breakerClock) {
	t.Helper()
	clock := &breakerClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	cfg := DefaultConfig("test")
	cfg.FailureThreshold = threshold
	cfg.SleepWindow = 10 * time.Second
	cfg.HalfOpenRequests = halfOpen
	cfg.Now = clock.Now
	cb, err := NewCircuitBreaker(cfg)
	require.NoError(t, err)
	return cb, clock
}

var errBackend = &core.ClusterError{Op: "redis.Get", Kind: core.KindNetwork, Err: core.ErrNetwork}

func fail(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		_ = cb.Execute(context.Background(), func() error { return errBackend })
	}
}

func succeed() error { return nil }

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(t, 3, 1)

	fail(cb, 2)
	assert.Equal(t, StateClosed, cb.State())

	fail(cb, 1)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(context.Background(), func() error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, core.KindResourceExhausted, core.KindOf(err))
	assert.True(t, core.IsRetryable(err))
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb, _ := newTestBreaker(t, 3, 1)

	fail(cb, 2)
	require.NoError(t, cb.Execute(context.Background(), succeed))
	fail(cb, 2)

	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb, clock := newTestBreaker(t, 1, 2)
	fail(cb, 1)
	require.Equal(t, StateOpen, cb.State())

	clock.Advance(9 * time.Second)
	assert.ErrorIs(t, cb.Execute(context.Background(), succeed), ErrCircuitOpen)

	clock.Advance(time.Second)
	require.NoError(t, cb.Execute(context.Background(), succeed))
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(context.Background(), succeed))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(t, 1, 2)
	fail(cb, 1)

	clock.Advance(10 * time.Second)
	fail(cb, 1)
	assert.Equal(t, StateOpen, cb.State())

	// the sleep window restarts from the failed trial
	clock.Advance(5 * time.Second)
	assert.ErrorIs(t, cb.Execute(context.Background(), succeed), ErrCircuitOpen)
}

func TestCircuitBreaker_HalfOpenLimitsTrials(t *testing.T) {
	cb, clock := newTestBreaker(t, 1, 1)
	fail(cb, 1)
	clock.Advance(10 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(context.Background(), func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	assert.ErrorIs(t, cb.Execute(context.Background(), succeed), ErrCircuitOpen)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_ErrorClassification(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		counted bool
	}{
		{"nil", nil, false},
		{"network", errBackend, true},
		{"plain error", errors.New("boom"), true},
		{"deadline", context.DeadlineExceeded, true},
		{"not found", fmt.Errorf("lookup: %w", core.ErrAgentNotFound), false},
		{"configuration", core.ErrInvalidConfiguration, false},
		{"not started", core.ErrNotStarted, false},
		{"canceled", context.Canceled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.counted, DefaultErrorClassifier(tt.err))
		})
	}

	cb, _ := newTestBreaker(t, 1, 1)
	_ = cb.Execute(context.Background(), func() error { return core.ErrAgentNotFound })
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_Listeners(t *testing.T) {
	cb, clock := newTestBreaker(t, 1, 1)

	var transitions []string
	cb.AddStateChangeListener(func(name string, from, to CircuitState) {
		transitions = append(transitions, name+":"+from.String()+"->"+to.String())
	})

	fail(cb, 1)
	clock.Advance(10 * time.Second)
	require.NoError(t, cb.Execute(context.Background(), succeed))

	assert.Equal(t, []string{
		"test:closed->open",
		"test:open->half-open",
		"test:half-open->closed",
	}, transitions)
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(t, 1, 1)
	fail(cb, 1)
	require.Equal(t, StateOpen, cb.State())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.NoError(t, cb.Execute(context.Background(), succeed))
	assert.Equal(t, "circuit breaker test (closed)", cb.String())
}

func TestCircuitBreaker_CancelledContext(t *testing.T) {
	cb, _ := newTestBreaker(t, 1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, succeed)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CircuitBreakerConfig)
		want   error
	}{
		{"missing name", func(c *CircuitBreakerConfig) { c.Name = "" }, core.ErrMissingConfiguration},
		{"zero threshold", func(c *CircuitBreakerConfig) { c.FailureThreshold = 0 }, core.ErrInvalidConfiguration},
		{"zero sleep window", func(c *CircuitBreakerConfig) { c.SleepWindow = 0 }, core.ErrInvalidConfiguration},
		{"zero half-open requests", func(c *CircuitBreakerConfig) { c.HalfOpenRequests = 0 }, core.ErrInvalidConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("test")
			tt.mutate(cfg)
			_, err := NewCircuitBreaker(cfg)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, core.IsConfigurationError(err))
		})
	}

	_, err := NewCircuitBreaker(nil)
	assert.ErrorIs(t, err, core.ErrMissingConfiguration)
}
