// Package state holds the cluster-wide view: cluster status and one state
// record per registered agent. The Aggregator is the single source of truth
// read by the API layer and the autoscaler.
package state

import (
	"time"

	"github.com/itsneelabh/gomind-cluster/core"
)

// AgentStats are runtime counters reported for an agent.
type AgentStats struct {
	MessagesProcessed uint64        `json:"messages_processed"`
	Errors            uint64        `json:"errors"`
	AvgResponseTime   time.Duration `json:"avg_response_time"`
	LastActivity      time.Time     `json:"last_activity,omitempty"`
}

// AgentState is the aggregator's record of one agent.
type AgentState struct {
	AgentID       string               `json:"agent_id"`
	Descriptor    core.AgentDescriptor `json:"descriptor"`
	RegisteredAt  time.Time            `json:"registered_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
	LastHeartbeat time.Time            `json:"last_heartbeat"`
	Stats         AgentStats           `json:"stats"`
}

func (s AgentState) clone() AgentState {
	s.Descriptor = s.Descriptor.Clone()
	return s
}

// Snapshot is a point-in-time copy of the cluster state.
type Snapshot struct {
	ClusterID    string                `json:"cluster_id"`
	ClusterName  string                `json:"cluster_name"`
	Version      string                `json:"version"`
	Status       core.ClusterStatus    `json:"status"`
	StatusReason string                `json:"status_reason,omitempty"`
	NodeCount    int                   `json:"node_count"`
	AgentCount   int                   `json:"agent_count"`
	CreatedAt    time.Time             `json:"created_at"`
	UpdatedAt    time.Time             `json:"updated_at"`
	Metadata     map[string]string     `json:"metadata,omitempty"`
	Agents       map[string]AgentState `json:"agents"`
}

func validStatus(s core.ClusterStatus) bool {
	switch s {
	case core.ClusterInitializing, core.ClusterRunning, core.ClusterDegraded,
		core.ClusterMaintenance, core.ClusterStopping, core.ClusterStopped, core.ClusterStatusError:
		return true
	}
	return false
}
