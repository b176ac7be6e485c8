// Package node tracks this process as a cluster node and the other nodes it
// knows about.
package node

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/itsneelabh/gomind-cluster/core"
)

// Manager owns the local node record and the cluster membership table.
type Manager struct {
	heartbeatInterval time.Duration
	logger            core.Logger
	now               func() time.Time

	mu    sync.RWMutex
	self  core.NodeInfo
	peers map[string]core.NodeInfo

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	running   bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. The manager logs under the "cluster/node" component.
func WithLogger(logger core.Logger) Option {
	return func(m *Manager) {
		m.logger = core.ComponentLogger(logger, "cluster/node")
	}
}

// WithClock overrides the time source for heartbeats.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager validates cfg and creates a manager for a node in the
// Initializing status. An empty id is replaced with a random UUID and an
// empty role defaults to worker.
func NewManager(cfg core.NodeConfig, opts ...Option) (*Manager, error) {
	if cfg.Name == "" {
		return nil, nodeConfigError("node name is required", core.ErrMissingConfiguration)
	}
	if _, _, err := net.SplitHostPort(cfg.BindAddress); err != nil {
		return nil, nodeConfigError(fmt.Sprintf("invalid bind address %q: %v", cfg.BindAddress, err), core.ErrInvalidConfiguration)
	}
	role := cfg.Role
	if role == "" {
		role = core.RoleWorker
	}
	if _, ok := core.ParseNodeRole(string(role)); !ok {
		return nil, nodeConfigError(fmt.Sprintf("invalid node role %q", role), core.ErrInvalidConfiguration)
	}
	id := cfg.ID
	if id == "" {
		id = uuid.New().String()
	}
	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	m := &Manager{
		heartbeatInterval: interval,
		logger:            &core.NoOpLogger{},
		now:               time.Now,
		peers:             make(map[string]core.NodeInfo),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.self = core.NodeInfo{
		ID:          id,
		Name:        cfg.Name,
		BindAddress: cfg.BindAddress,
		Role:        role,
		Status:      core.NodeInitializing,
		Metadata:    copyMetadata(cfg.Metadata),
	}

	m.logger.Info("Node manager created", map[string]interface{}{
		"node_id":      id,
		"node_name":    cfg.Name,
		"bind_address": cfg.BindAddress,
		"role":         string(role),
	})
	return m, nil
}

func nodeConfigError(msg string, sentinel error) error {
	return &core.ClusterError{
		Op:      "node.NewManager",
		Kind:    core.KindConfig,
		Message: msg,
		Err:     sentinel,
	}
}

func copyMetadata(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneInfo(info core.NodeInfo) core.NodeInfo {
	info.Metadata = copyMetadata(info.Metadata)
	return info
}

// ID returns the local node id.
func (m *Manager) ID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.self.ID
}

// Start moves the node to Running and starts the heartbeat loop.
func (m *Manager) Start(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if m.running {
		return core.ErrAlreadyStarted
	}

	now := m.now()
	m.mu.Lock()
	m.self.Status = core.NodeRunning
	m.self.StartedAt = now
	m.self.LastHeartbeat = now
	m.mu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true
	go m.heartbeatLoop(loopCtx, m.done)

	m.logger.Info("Node started", map[string]interface{}{
		"node_id":            m.ID(),
		"heartbeat_interval": m.heartbeatInterval.String(),
	})
	return nil
}

// Stop halts the heartbeat loop and moves the node to Stopped.
func (m *Manager) Stop() error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if !m.running {
		return nil
	}
	m.cancel()
	<-m.done
	m.running = false

	m.mu.Lock()
	m.self.Status = core.NodeStopped
	m.mu.Unlock()

	m.logger.Info("Node stopped", map[string]interface{}{
		"node_id": m.ID(),
	})
	return nil
}

func (m *Manager) heartbeatLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := m.now()
			m.mu.Lock()
			m.self.LastHeartbeat = now
			m.mu.Unlock()
		}
	}
}

// UpdateStatus overrides the local node status.
func (m *Manager) UpdateStatus(status core.NodeStatus) error {
	switch status {
	case core.NodeInitializing, core.NodeRunning, core.NodeStopping, core.NodeStopped, core.NodeError:
	default:
		return &core.ClusterError{
			Op:      "node.UpdateStatus",
			Kind:    core.KindNodeManagement,
			ID:      string(status),
			Message: fmt.Sprintf("unknown node status %q", status),
			Err:     core.ErrInvalidConfiguration,
		}
	}

	m.mu.Lock()
	previous := m.self.Status
	m.self.Status = status
	m.mu.Unlock()

	m.logger.Debug("Node status updated", map[string]interface{}{
		"previous": string(previous),
		"current":  string(status),
	})
	return nil
}

// GetNodeInfo returns a copy of the local node record.
func (m *Manager) GetNodeInfo() core.NodeInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneInfo(m.self)
}

// AddClusterNode records or replaces a peer node.
func (m *Manager) AddClusterNode(info core.NodeInfo) error {
	if info.ID == "" {
		return &core.ClusterError{
			Op:      "node.AddClusterNode",
			Kind:    core.KindNodeManagement,
			Message: "node id is required",
			Err:     core.ErrInvalidConfiguration,
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if info.ID == m.self.ID {
		return &core.ClusterError{
			Op:      "node.AddClusterNode",
			Kind:    core.KindNodeManagement,
			ID:      info.ID,
			Message: "cannot add the local node as a peer",
			Err:     core.ErrInvalidConfiguration,
		}
	}
	m.peers[info.ID] = cloneInfo(info)

	m.logger.Debug("Cluster node added", map[string]interface{}{
		"peer_id":      info.ID,
		"bind_address": info.BindAddress,
	})
	return nil
}

// RemoveClusterNode forgets a peer node. Unknown ids are a no-op.
func (m *Manager) RemoveClusterNode(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, id)
}

// GetClusterNode returns the local node or a peer.
func (m *Manager) GetClusterNode(id string) (core.NodeInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if id == m.self.ID {
		return cloneInfo(m.self), nil
	}
	info, ok := m.peers[id]
	if !ok {
		return core.NodeInfo{}, nodeNotFound("node.GetClusterNode", id)
	}
	return cloneInfo(info), nil
}

// ListNodes returns the local node followed by the peers ordered by id.
func (m *Manager) ListNodes() []core.NodeInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	nodes := make([]core.NodeInfo, 0, len(m.peers)+1)
	nodes = append(nodes, cloneInfo(m.self))

	peers := make([]core.NodeInfo, 0, len(m.peers))
	for _, info := range m.peers {
		peers = append(peers, cloneInfo(info))
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return append(nodes, peers...)
}

// NodeCount returns the number of known nodes including the local one.
func (m *Manager) NodeCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers) + 1
}

// UpdateHeartbeat stamps the heartbeat of the local node or a peer.
func (m *Manager) UpdateHeartbeat(id string) error {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if id == m.self.ID {
		m.self.LastHeartbeat = now
		return nil
	}
	info, ok := m.peers[id]
	if !ok {
		return nodeNotFound("node.UpdateHeartbeat", id)
	}
	info.LastHeartbeat = now
	m.peers[id] = info
	return nil
}

// IsNodeHealthy reports whether a node has sent a heartbeat within timeout.
// Unknown nodes and nodes that never sent one are unhealthy.
func (m *Manager) IsNodeHealthy(id string, timeout time.Duration) bool {
	info, err := m.GetClusterNode(id)
	if err != nil || info.LastHeartbeat.IsZero() {
		return false
	}
	return m.now().Sub(info.LastHeartbeat) < timeout
}

func nodeNotFound(op, id string) error {
	return &core.ClusterError{Op: op, Kind: core.KindNodeNotFound, ID: id, Err: core.ErrNodeNotFound}
}
