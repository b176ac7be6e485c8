package state

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/itsneelabh/gomind-cluster/core"
)

// Aggregator owns the cluster status and the per-agent state map.
//
// Status starts as Initializing, Start moves it to Running and Stop to
// Stopped. Anything in between is set explicitly through
// UpdateClusterStatus; the aggregator never infers Degraded on its own.
type Aggregator struct {
	cfg     core.StateConfig
	syncer  StateSync
	logger  core.Logger
	now     func() time.Time
	version string

	mu       sync.RWMutex
	snapshot Snapshot
	agents   map[string]*AgentState

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLogger sets the logger. The aggregator logs under the "cluster/state" component.
func WithLogger(logger core.Logger) Option {
	return func(a *Aggregator) {
		a.logger = core.ComponentLogger(logger, "cluster/state")
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		a.now = now
	}
}

// WithVersion sets the version reported in snapshots.
func WithVersion(v string) Option {
	return func(a *Aggregator) {
		a.version = v
	}
}

// NewAggregator creates an aggregator in the Initializing status. A nil sync
// keeps snapshots in memory.
func NewAggregator(cfg core.StateConfig, stateSync StateSync, opts ...Option) *Aggregator {
	if stateSync == nil {
		stateSync = NewMemoryStateSync()
	}
	if cfg.AgentExpiry <= 0 {
		cfg.AgentExpiry = 300 * time.Second
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = 60 * time.Second
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 30 * time.Second
	}

	a := &Aggregator{
		cfg:     cfg,
		syncer:  stateSync,
		logger:  &core.NoOpLogger{},
		now:     time.Now,
		version: "development",
		agents:  make(map[string]*AgentState),
	}
	for _, opt := range opts {
		opt(a)
	}

	now := a.now()
	metadata := make(map[string]string, len(cfg.Metadata))
	for k, v := range cfg.Metadata {
		metadata[k] = v
	}
	a.snapshot = Snapshot{
		ClusterID:   cfg.ClusterID,
		ClusterName: cfg.ClusterName,
		Version:     a.version,
		Status:      core.ClusterInitializing,
		NodeCount:   1,
		CreatedAt:   now,
		UpdatedAt:   now,
		Metadata:    metadata,
	}
	return a
}

// Start moves the cluster to Running, restores the creation time of a
// previously synced snapshot and launches the sync and expiry loops.
func (a *Aggregator) Start(ctx context.Context) error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	if a.running {
		return core.ErrAlreadyStarted
	}

	if previous, err := a.syncer.FetchState(ctx); err != nil {
		a.logger.Warn("Failed to fetch previous cluster state", map[string]interface{}{
			"error":      err,
			"error_type": fmt.Sprintf("%T", err),
		})
	} else if previous != nil && previous.ClusterID == a.cfg.ClusterID && !previous.CreatedAt.IsZero() {
		a.mu.Lock()
		a.snapshot.CreatedAt = previous.CreatedAt
		a.mu.Unlock()
		a.logger.Info("Restored cluster identity from synced state", map[string]interface{}{
			"cluster_id":       previous.ClusterID,
			"previous_status":  string(previous.Status),
			"previous_version": previous.Version,
		})
	}

	if err := a.UpdateClusterStatus(ctx, core.ClusterRunning); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.running = true

	a.wg.Add(2)
	go a.every(loopCtx, a.cfg.SyncInterval, a.syncOnce)
	go a.every(loopCtx, a.cfg.StatsInterval, func(context.Context) { a.ExpireAgents() })

	a.logger.Info("Cluster state aggregator started", map[string]interface{}{
		"cluster_id":     a.cfg.ClusterID,
		"sync_interval":  a.cfg.SyncInterval.String(),
		"stats_interval": a.cfg.StatsInterval.String(),
	})
	return nil
}

// Stop halts the background loops and moves the cluster to Stopped.
func (a *Aggregator) Stop(ctx context.Context) error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	if !a.running {
		return nil
	}
	a.cancel()
	a.wg.Wait()
	a.running = false

	if err := a.UpdateClusterStatus(ctx, core.ClusterStopped); err != nil {
		a.logger.Warn("Failed to sync final cluster state", map[string]interface{}{
			"error": err,
		})
	}
	a.logger.Info("Cluster state aggregator stopped", nil)
	return nil
}

func (a *Aggregator) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	defer a.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (a *Aggregator) syncOnce(ctx context.Context) {
	snapshot := a.GetState()
	if err := a.syncer.SyncState(ctx, &snapshot); err != nil {
		a.logger.Warn("Periodic state sync failed", map[string]interface{}{
			"error":      err,
			"error_type": fmt.Sprintf("%T", err),
		})
	}
}

// UpdateAgentState inserts or refreshes an agent record. A refresh keeps the
// original registration time and statistics.
func (a *Aggregator) UpdateAgentState(agentID string, descriptor core.AgentDescriptor) error {
	if agentID == "" {
		return &core.ClusterError{
			Op:      "state.UpdateAgentState",
			Kind:    core.KindStateSync,
			Message: "agent id is required",
			Err:     core.ErrInvalidConfiguration,
		}
	}

	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()

	if st, ok := a.agents[agentID]; ok {
		st.Descriptor = descriptor.Clone()
		st.UpdatedAt = now
		st.LastHeartbeat = now
	} else {
		a.agents[agentID] = &AgentState{
			AgentID:       agentID,
			Descriptor:    descriptor.Clone(),
			RegisteredAt:  now,
			UpdatedAt:     now,
			LastHeartbeat: now,
		}
		a.snapshot.AgentCount = len(a.agents)
	}
	a.snapshot.UpdatedAt = now
	return nil
}

// RemoveAgentState deletes an agent record. Unknown ids are a no-op.
func (a *Aggregator) RemoveAgentState(agentID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.agents, agentID)
	a.snapshot.AgentCount = len(a.agents)
	a.snapshot.UpdatedAt = a.now()
	return nil
}

// GetAgentState returns a copy of one agent record.
func (a *Aggregator) GetAgentState(agentID string) (AgentState, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	st, ok := a.agents[agentID]
	if !ok {
		return AgentState{}, agentNotFound("state.GetAgentState", agentID)
	}
	return st.clone(), nil
}

// ListAgentStates returns copies of every agent record ordered by id.
func (a *Aggregator) ListAgentStates() []AgentState {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]AgentState, 0, len(a.agents))
	for _, st := range a.agents {
		out = append(out, st.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// UpdateAgentStats replaces the runtime counters of an agent.
func (a *Aggregator) UpdateAgentStats(agentID string, stats AgentStats) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.agents[agentID]
	if !ok {
		return agentNotFound("state.UpdateAgentStats", agentID)
	}
	st.Stats = stats
	st.UpdatedAt = a.now()
	return nil
}

// RecordHeartbeat refreshes an agent's last heartbeat so it is not expired.
func (a *Aggregator) RecordHeartbeat(agentID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.agents[agentID]
	if !ok {
		return agentNotFound("state.RecordHeartbeat", agentID)
	}
	st.LastHeartbeat = a.now()
	return nil
}

// SetNodeCount records the number of known cluster nodes.
func (a *Aggregator) SetNodeCount(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n < 1 {
		n = 1
	}
	a.snapshot.NodeCount = n
}

// UpdateClusterStatus sets the cluster status and pushes the resulting
// snapshot through the state sync. The previous status is restored when the
// sync fails.
func (a *Aggregator) UpdateClusterStatus(ctx context.Context, status core.ClusterStatus) error {
	return a.updateStatus(ctx, status, "")
}

// MarkError moves the cluster to the Error status with a reason.
func (a *Aggregator) MarkError(ctx context.Context, reason string) error {
	return a.updateStatus(ctx, core.ClusterStatusError, reason)
}

func (a *Aggregator) updateStatus(ctx context.Context, status core.ClusterStatus, reason string) error {
	if !validStatus(status) {
		return &core.ClusterError{
			Op:      "state.UpdateClusterStatus",
			Kind:    core.KindStateSync,
			ID:      string(status),
			Message: fmt.Sprintf("unknown cluster status %q", status),
			Err:     core.ErrInvalidConfiguration,
		}
	}

	a.mu.Lock()
	previous, previousReason := a.snapshot.Status, a.snapshot.StatusReason
	a.snapshot.Status = status
	a.snapshot.StatusReason = reason
	a.snapshot.UpdatedAt = a.now()
	a.mu.Unlock()

	snapshot := a.GetState()
	if err := a.syncer.SyncState(ctx, &snapshot); err != nil {
		// a status the store never saw is not reported locally either
		a.mu.Lock()
		if a.snapshot.Status == status && a.snapshot.StatusReason == reason {
			a.snapshot.Status = previous
			a.snapshot.StatusReason = previousReason
		}
		a.mu.Unlock()
		return &core.ClusterError{
			Op:   "state.UpdateClusterStatus",
			Kind: core.KindStateSync,
			ID:   a.cfg.ClusterID,
			Err:  err,
		}
	}

	if previous != status {
		a.logger.Info("Cluster status changed", map[string]interface{}{
			"cluster_id": a.cfg.ClusterID,
			"previous":   string(previous),
			"current":    string(status),
			"reason":     reason,
		})
	}
	return nil
}

// GetState returns a deep copy of the current snapshot including agent records.
func (a *Aggregator) GetState() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := a.snapshot
	out.Metadata = make(map[string]string, len(a.snapshot.Metadata))
	for k, v := range a.snapshot.Metadata {
		out.Metadata[k] = v
	}
	out.Agents = make(map[string]AgentState, len(a.agents))
	for id, st := range a.agents {
		out.Agents[id] = st.clone()
	}
	out.AgentCount = len(a.agents)
	return out
}

// ExpireAgents removes agents whose last heartbeat is older than the
// configured expiry and returns how many were removed.
func (a *Aggregator) ExpireAgents() int {
	now := a.now()

	a.mu.Lock()
	var expired []string
	for id, st := range a.agents {
		if now.Sub(st.LastHeartbeat) > a.cfg.AgentExpiry {
			expired = append(expired, id)
			delete(a.agents, id)
		}
	}
	a.snapshot.AgentCount = len(a.agents)
	a.snapshot.UpdatedAt = now
	a.mu.Unlock()

	for _, id := range expired {
		a.logger.Warn("Removed expired agent state", map[string]interface{}{
			"agent_id": id,
			"expiry":   a.cfg.AgentExpiry.String(),
		})
	}
	return len(expired)
}

func agentNotFound(op, id string) error {
	return &core.ClusterError{Op: op, Kind: core.KindAgentNotFound, ID: id, Err: core.ErrAgentNotFound}
}
