// Package health runs periodic liveness probes against registered targets and
// tracks a hysteretic healthy/unhealthy status per target.
//
// Each target gets its own probe loop. A status only flips after
// FailureThreshold consecutive failed probes (Healthy to Unhealthy) or
// SuccessThreshold consecutive successful probes (Unhealthy to Healthy).
// A target that has never completed a probe reports Unknown; its first
// successful probe makes it Healthy and failures count toward
// FailureThreshold as if it were Healthy. A probe that exceeds its timeout
// is one failure.
package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/itsneelabh/gomind-cluster/core"
)

// Target is a snapshot of one monitored endpoint.
type Target struct {
	ID                   string            `json:"id"`
	Endpoint             string            `json:"endpoint"`
	Interval             time.Duration     `json:"interval"`
	Timeout              time.Duration     `json:"timeout"`
	Retries              int               `json:"retries"`
	Enabled              bool              `json:"enabled"`
	Status               core.HealthStatus `json:"status"`
	ConsecutiveFailures  int               `json:"consecutive_failures"`
	ConsecutiveSuccesses int               `json:"consecutive_successes"`
	LastCheck            time.Time         `json:"last_check"`
	LastError            string            `json:"last_error,omitempty"`
	ResponseTime         time.Duration     `json:"response_time"`
	TotalChecks          uint64            `json:"total_checks"`
	TotalFailures        uint64            `json:"total_failures"`
}

// ConfigUpdate changes probe settings of one target. Zero fields are left unchanged.
type ConfigUpdate struct {
	Interval time.Duration
	Timeout  time.Duration
	Retries  int
}

// StatusChangeFunc is called after a target's status changes. It runs on the
// probe goroutine without monitor locks held.
type StatusChangeFunc func(id string, previous, current core.HealthStatus)

type targetState struct {
	Target
	cancel   context.CancelFunc
	done     chan struct{}
	reconfig chan struct{}
}

// Monitor is safe for concurrent use.
type Monitor struct {
	cfg       core.HealthCheckConfig
	prober    Prober
	logger    core.Logger
	telemetry core.Telemetry
	now       func() time.Time

	mu       sync.RWMutex
	targets  map[string]*targetState
	onChange StatusChangeFunc
	runCtx   context.Context
	cancel   context.CancelFunc
	running  bool
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger. The monitor logs under the "cluster/health" component.
func WithLogger(logger core.Logger) Option {
	return func(m *Monitor) {
		m.logger = core.ComponentLogger(logger, "cluster/health")
	}
}

// WithProber replaces the default HTTP/TCP prober.
func WithProber(p Prober) Option {
	return func(m *Monitor) {
		m.prober = p
	}
}

// WithTelemetry records a "cluster.health.probes.total" metric per probe.
func WithTelemetry(t core.Telemetry) Option {
	return func(m *Monitor) {
		if t != nil {
			m.telemetry = t
		}
	}
}

// WithClock overrides the time source for LastCheck stamps.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// NewMonitor creates a monitor. Zero thresholds and intervals fall back to defaults.
func NewMonitor(cfg core.HealthCheckConfig, opts ...Option) *Monitor {
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = core.DefaultProbeInterval
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = core.DefaultProbeTimeout
	}
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 3
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 2
	}

	m := &Monitor{
		cfg:       cfg,
		logger:    &core.NoOpLogger{},
		telemetry: &core.NoOpTelemetry{},
		now:       time.Now,
		targets:   make(map[string]*targetState),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.prober == nil {
		m.prober = NewDefaultProber()
	}
	return m
}

// OnStatusChange registers the callback invoked on every status flip.
func (m *Monitor) OnStatusChange(fn StatusChangeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// StartMonitoring adds a target with the configured defaults. An existing
// target keeps its state and only takes the new endpoint.
func (m *Monitor) StartMonitoring(id, endpoint string) error {
	if id == "" {
		return &core.ClusterError{
			Op:      "health.StartMonitoring",
			Kind:    core.KindHealthCheck,
			Message: "target id is required",
			Err:     core.ErrInvalidConfiguration,
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.targets[id]; ok {
		st.Endpoint = endpoint
		return nil
	}

	st := &targetState{
		Target: Target{
			ID:       id,
			Endpoint: endpoint,
			Interval: m.cfg.DefaultInterval,
			Timeout:  m.cfg.DefaultTimeout,
			Retries:  m.cfg.DefaultRetries,
			Enabled:  true,
			Status:   core.HealthUnknown,
		},
		reconfig: make(chan struct{}, 1),
	}
	m.targets[id] = st
	if m.running {
		m.launch(st)
	}

	m.logger.Info("Started monitoring target", map[string]interface{}{
		"target_id": id,
		"endpoint":  endpoint,
		"interval":  st.Interval.String(),
	})
	return nil
}

// StopMonitoring removes a target and stops its probe loop. Unknown ids are a no-op.
func (m *Monitor) StopMonitoring(id string) error {
	m.mu.Lock()
	st, ok := m.targets[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.targets, id)
	cancel, done := st.cancel, st.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	m.logger.Info("Stopped monitoring target", map[string]interface{}{
		"target_id": id,
	})
	return nil
}

// UpdateTargetConfig changes interval, timeout or retries of a target.
// A new interval takes effect immediately.
func (m *Monitor) UpdateTargetConfig(id string, update ConfigUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.targets[id]
	if !ok {
		return targetNotFound("health.UpdateTargetConfig", id)
	}
	if update.Interval > 0 {
		st.Interval = update.Interval
	}
	if update.Timeout > 0 {
		st.Timeout = update.Timeout
	}
	if update.Retries > 0 {
		st.Retries = update.Retries
	}

	select {
	case st.reconfig <- struct{}{}:
	default:
	}
	return nil
}

// SetTargetEnabled pauses or resumes probing. Disabled targets stay listed.
func (m *Monitor) SetTargetEnabled(id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.targets[id]
	if !ok {
		return targetNotFound("health.SetTargetEnabled", id)
	}
	st.Enabled = enabled
	return nil
}

// CheckHealth returns the cached status of a target without probing.
// Unknown ids report HealthUnknown.
func (m *Monitor) CheckHealth(id string) core.HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if st, ok := m.targets[id]; ok {
		return st.Status
	}
	return core.HealthUnknown
}

// GetTarget returns a snapshot of one target.
func (m *Monitor) GetTarget(id string) (Target, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.targets[id]
	if !ok {
		return Target{}, targetNotFound("health.GetTarget", id)
	}
	return st.Target, nil
}

// ListTargets returns snapshots of every target ordered by id.
func (m *Monitor) ListTargets() []Target {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Target, 0, len(m.targets))
	for _, st := range m.targets {
		out = append(out, st.Target)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Start launches one probe loop per target. Targets added later start their
// loop on insertion.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return core.ErrAlreadyStarted
	}
	m.runCtx, m.cancel = context.WithCancel(ctx)
	m.running = true
	for _, st := range m.targets {
		m.launch(st)
	}

	m.logger.Info("Health monitor started", map[string]interface{}{
		"targets":           len(m.targets),
		"failure_threshold": m.cfg.FailureThreshold,
		"success_threshold": m.cfg.SuccessThreshold,
	})
	return nil
}

// Stop cancels every probe loop and waits for them to exit.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.cancel()
	var waits []chan struct{}
	for _, st := range m.targets {
		if st.done != nil {
			waits = append(waits, st.done)
		}
		st.cancel, st.done = nil, nil
	}
	m.mu.Unlock()

	for _, done := range waits {
		<-done
	}
	m.logger.Info("Health monitor stopped", nil)
	return nil
}

// launch starts the probe loop for st. Caller holds m.mu.
func (m *Monitor) launch(st *targetState) {
	ctx, cancel := context.WithCancel(m.runCtx)
	st.cancel = cancel
	st.done = make(chan struct{})
	go m.loop(ctx, st.ID, st.done, st.reconfig)
}

func (m *Monitor) loop(ctx context.Context, id string, done chan struct{}, reconfig <-chan struct{}) {
	defer close(done)

	m.CheckNow(ctx, id)

	ticker := time.NewTicker(m.interval(id))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-reconfig:
			ticker.Reset(m.interval(id))
		case <-ticker.C:
			m.CheckNow(ctx, id)
		}
	}
}

func (m *Monitor) interval(id string) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.targets[id]; ok && st.Interval > 0 {
		return st.Interval
	}
	return m.cfg.DefaultInterval
}

// CheckNow runs one probe for id, applies the result and returns the
// resulting status. Disabled and unknown targets are not probed.
func (m *Monitor) CheckNow(ctx context.Context, id string) core.HealthStatus {
	m.mu.RLock()
	st, ok := m.targets[id]
	if !ok {
		m.mu.RUnlock()
		return core.HealthUnknown
	}
	if !st.Enabled {
		status := st.Status
		m.mu.RUnlock()
		return status
	}
	endpoint, timeout := st.Endpoint, st.Timeout
	m.mu.RUnlock()

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	start := time.Now()
	err := m.prober.Probe(probeCtx, endpoint)
	elapsed := time.Since(start)
	timedOut := errors.Is(probeCtx.Err(), context.DeadlineExceeded)
	cancel()

	// a probe aborted by shutdown is not an outcome
	if ctx.Err() != nil {
		return m.CheckHealth(id)
	}
	if err == nil && timedOut {
		err = fmt.Errorf("probe exceeded timeout %s", timeout)
	}

	return m.record(id, err, elapsed, timedOut)
}

func (m *Monitor) record(id string, probeErr error, elapsed time.Duration, timedOut bool) core.HealthStatus {
	m.mu.Lock()
	st, ok := m.targets[id]
	if !ok {
		m.mu.Unlock()
		return core.HealthUnknown
	}

	previous := st.Status
	st.LastCheck = m.now()
	st.ResponseTime = elapsed
	st.TotalChecks++

	if probeErr == nil {
		st.LastError = ""
		st.ConsecutiveSuccesses++
		st.ConsecutiveFailures = 0
		switch {
		case st.Status == core.HealthUnknown:
			st.Status = core.HealthHealthy
		case st.Status == core.HealthUnhealthy && st.ConsecutiveSuccesses >= m.cfg.SuccessThreshold:
			st.Status = core.HealthHealthy
		}
	} else {
		st.LastError = probeErr.Error()
		st.TotalFailures++
		st.ConsecutiveFailures++
		st.ConsecutiveSuccesses = 0
		if st.Status != core.HealthUnhealthy && st.ConsecutiveFailures >= m.cfg.FailureThreshold {
			st.Status = core.HealthUnhealthy
		}
	}

	current := st.Status
	failures := st.ConsecutiveFailures
	onChange := m.onChange
	m.mu.Unlock()

	result := "success"
	if probeErr != nil {
		result = "failure"
		if timedOut {
			result = "timeout"
		}
		m.logger.Debug("Health probe failed", map[string]interface{}{
			"target_id":            id,
			"error":                probeErr.Error(),
			"consecutive_failures": failures,
			"timed_out":            timedOut,
		})
	}
	m.telemetry.RecordMetric("cluster.health.probes.total", 1, map[string]string{"result": result})

	if current != previous {
		m.logger.Info("Target health status changed", map[string]interface{}{
			"target_id": id,
			"previous":  string(previous),
			"current":   string(current),
		})
		if onChange != nil {
			onChange(id, previous, current)
		}
	}
	return current
}

func targetNotFound(op, id string) error {
	return &core.ClusterError{Op: op, Kind: core.KindHealthCheck, ID: id, Err: core.ErrTargetNotFound}
}
