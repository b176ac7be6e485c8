package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/itsneelabh/gomind-cluster/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedProber returns the configured outcome per endpoint.
type scriptedProber struct {
	mu      sync.Mutex
	fail    map[string]bool
	hang    map[string]bool
	calls   map[string]int
	lastCtx context.Context
}

func newScriptedProber() *scriptedProber {
	return &scriptedProber{
		fail:  make(map[string]bool),
		hang:  make(map[string]bool),
		calls: make(map[string]int),
	}
}

func (p *scriptedProber) set(endpoint string, healthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail[endpoint] = !healthy
}

func (p *scriptedProber) count(endpoint string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[endpoint]
}

func (p *scriptedProber) Probe(ctx context.Context, endpoint string) error {
	p.mu.Lock()
	p.calls[endpoint]++
	p.lastCtx = ctx
	fail, hang := p.fail[endpoint], p.hang[endpoint]
	p.mu.Unlock()

	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	if fail {
		return errors.New("connection refused")
	}
	return nil
}

type statusChange struct {
	id                string
	previous, current core.HealthStatus
}

type changeRecorder struct {
	mu      sync.Mutex
	changes []statusChange
}

func (r *changeRecorder) record(id string, previous, current core.HealthStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, statusChange{id, previous, current})
}

func (r *changeRecorder) all() []statusChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]statusChange(nil), r.changes...)
}

func newTestMonitor(prober Prober) *Monitor {
	return NewMonitor(core.HealthCheckConfig{
		DefaultInterval:  time.Hour,
		DefaultTimeout:   100 * time.Millisecond,
		DefaultRetries:   3,
		FailureThreshold: 3,
		SuccessThreshold: 2,
	}, WithProber(prober))
}

func TestMonitor_UnknownBeforeFirstProbe(t *testing.T) {
	m := newTestMonitor(newScriptedProber())
	require.NoError(t, m.StartMonitoring("agent-a1", "http://a1"))

	assert.Equal(t, core.HealthUnknown, m.CheckHealth("agent-a1"))
	assert.Equal(t, core.HealthUnknown, m.CheckHealth("agent-missing"))

	target, err := m.GetTarget("agent-a1")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, target.Interval)
	assert.Equal(t, 100*time.Millisecond, target.Timeout)
	assert.Equal(t, 3, target.Retries)
	assert.True(t, target.Enabled)
}

func TestMonitor_FailureHysteresis(t *testing.T) {
	ctx := context.Background()
	prober := newScriptedProber()
	m := newTestMonitor(prober)
	rec := &changeRecorder{}
	m.OnStatusChange(rec.record)

	require.NoError(t, m.StartMonitoring("agent-a1", "http://a1"))
	assert.Equal(t, core.HealthHealthy, m.CheckNow(ctx, "agent-a1"))

	prober.set("http://a1", false)
	assert.Equal(t, core.HealthHealthy, m.CheckNow(ctx, "agent-a1"), "1st failure")
	assert.Equal(t, core.HealthHealthy, m.CheckNow(ctx, "agent-a1"), "2nd failure")
	assert.Equal(t, core.HealthUnhealthy, m.CheckNow(ctx, "agent-a1"), "3rd failure flips")
	assert.Equal(t, core.HealthUnhealthy, m.CheckNow(ctx, "agent-a1"))

	prober.set("http://a1", true)
	assert.Equal(t, core.HealthUnhealthy, m.CheckNow(ctx, "agent-a1"), "1st success")
	assert.Equal(t, core.HealthHealthy, m.CheckNow(ctx, "agent-a1"), "2nd success flips")

	assert.Equal(t, []statusChange{
		{"agent-a1", core.HealthUnknown, core.HealthHealthy},
		{"agent-a1", core.HealthHealthy, core.HealthUnhealthy},
		{"agent-a1", core.HealthUnhealthy, core.HealthHealthy},
	}, rec.all())

	target, err := m.GetTarget("agent-a1")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), target.TotalChecks)
	assert.Equal(t, uint64(4), target.TotalFailures)
	assert.Equal(t, 2, target.ConsecutiveSuccesses)
	assert.Equal(t, 0, target.ConsecutiveFailures)
	assert.Empty(t, target.LastError)
	assert.False(t, target.LastCheck.IsZero())
}

func TestMonitor_InterruptedStreakDoesNotFlip(t *testing.T) {
	ctx := context.Background()
	prober := newScriptedProber()
	m := newTestMonitor(prober)
	require.NoError(t, m.StartMonitoring("agent-a1", "http://a1"))
	m.CheckNow(ctx, "agent-a1")

	for _, healthy := range []bool{false, false, true, false, false} {
		prober.set("http://a1", healthy)
		assert.Equal(t, core.HealthHealthy, m.CheckNow(ctx, "agent-a1"))
	}
}

func TestMonitor_UnknownToUnhealthyNeedsThreshold(t *testing.T) {
	ctx := context.Background()
	prober := newScriptedProber()
	prober.set("http://a1", false)
	m := newTestMonitor(prober)
	require.NoError(t, m.StartMonitoring("agent-a1", "http://a1"))

	assert.Equal(t, core.HealthUnknown, m.CheckNow(ctx, "agent-a1"))
	assert.Equal(t, core.HealthUnknown, m.CheckNow(ctx, "agent-a1"))
	assert.Equal(t, core.HealthUnhealthy, m.CheckNow(ctx, "agent-a1"))

	target, _ := m.GetTarget("agent-a1")
	assert.Equal(t, "connection refused", target.LastError)
}

func TestMonitor_TimeoutCountsAsOneFailure(t *testing.T) {
	ctx := context.Background()
	prober := newScriptedProber()
	prober.hang["http://slow"] = true
	m := newTestMonitor(prober)
	require.NoError(t, m.StartMonitoring("agent-slow", "http://slow"))
	require.NoError(t, m.UpdateTargetConfig("agent-slow", ConfigUpdate{Timeout: 20 * time.Millisecond}))

	start := time.Now()
	m.CheckNow(ctx, "agent-slow")
	assert.Less(t, time.Since(start), time.Second, "probe is bounded by timeout")

	target, err := m.GetTarget("agent-slow")
	require.NoError(t, err)
	assert.Equal(t, 1, target.ConsecutiveFailures)
	assert.Equal(t, 1, prober.count("http://slow"), "no in-cycle retry")
	assert.Contains(t, target.LastError, "deadline exceeded")
}

func TestMonitor_DisabledTargetsAreSkipped(t *testing.T) {
	ctx := context.Background()
	prober := newScriptedProber()
	m := newTestMonitor(prober)
	require.NoError(t, m.StartMonitoring("agent-a1", "http://a1"))
	require.NoError(t, m.SetTargetEnabled("agent-a1", false))

	m.CheckNow(ctx, "agent-a1")
	assert.Equal(t, 0, prober.count("http://a1"))
	assert.Len(t, m.ListTargets(), 1, "disabled targets remain listed")

	require.NoError(t, m.SetTargetEnabled("agent-a1", true))
	m.CheckNow(ctx, "agent-a1")
	assert.Equal(t, 1, prober.count("http://a1"))
}

func TestMonitor_UnknownTargetErrors(t *testing.T) {
	m := newTestMonitor(newScriptedProber())

	for name, err := range map[string]error{
		"config":  m.UpdateTargetConfig("ghost", ConfigUpdate{Interval: time.Second}),
		"enabled": m.SetTargetEnabled("ghost", false),
	} {
		assert.True(t, errors.Is(err, core.ErrTargetNotFound), name)
		assert.Equal(t, core.KindHealthCheck, core.KindOf(err), name)
	}
	_, err := m.GetTarget("ghost")
	assert.True(t, core.IsNotFound(err))

	assert.NoError(t, m.StopMonitoring("ghost"))
	assert.True(t, core.IsConfigurationError(m.StartMonitoring("", "http://x")))
}

func TestMonitor_UpdateTargetConfig(t *testing.T) {
	m := newTestMonitor(newScriptedProber())
	require.NoError(t, m.StartMonitoring("agent-a1", "http://a1"))

	require.NoError(t, m.UpdateTargetConfig("agent-a1", ConfigUpdate{Interval: 5 * time.Second, Retries: 1}))
	target, err := m.GetTarget("agent-a1")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, target.Interval)
	assert.Equal(t, 100*time.Millisecond, target.Timeout, "zero fields are unchanged")
	assert.Equal(t, 1, target.Retries)
}

func TestMonitor_StartMonitoringIsIdempotent(t *testing.T) {
	ctx := context.Background()
	prober := newScriptedProber()
	m := newTestMonitor(prober)
	require.NoError(t, m.StartMonitoring("agent-a1", "http://a1"))
	m.CheckNow(ctx, "agent-a1")

	require.NoError(t, m.StartMonitoring("agent-a1", "http://a1-new"))
	target, err := m.GetTarget("agent-a1")
	require.NoError(t, err)
	assert.Equal(t, "http://a1-new", target.Endpoint)
	assert.Equal(t, core.HealthHealthy, target.Status)
	assert.Len(t, m.ListTargets(), 1)
}

func TestMonitor_BackgroundLoops(t *testing.T) {
	ctx := context.Background()
	prober := newScriptedProber()
	m := newTestMonitor(prober)
	rec := &changeRecorder{}
	m.OnStatusChange(rec.record)

	require.NoError(t, m.StartMonitoring("agent-a1", "http://a1"))
	require.NoError(t, m.UpdateTargetConfig("agent-a1", ConfigUpdate{Interval: 10 * time.Millisecond}))

	require.NoError(t, m.Start(ctx))
	assert.ErrorIs(t, m.Start(ctx), core.ErrAlreadyStarted)

	// targets added while running get their own loop
	prober.set("http://a2", false)
	require.NoError(t, m.StartMonitoring("agent-a2", "http://a2"))
	require.NoError(t, m.UpdateTargetConfig("agent-a2", ConfigUpdate{Interval: 10 * time.Millisecond}))

	assert.Eventually(t, func() bool {
		return m.CheckHealth("agent-a1") == core.HealthHealthy &&
			m.CheckHealth("agent-a2") == core.HealthUnhealthy
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, m.StopMonitoring("agent-a2"))
	require.NoError(t, m.Stop())
	assert.NoError(t, m.Stop())

	calls := prober.count("http://a1")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, prober.count("http://a1"), "no probes after Stop")
	assert.NotEmpty(t, rec.all())
}
