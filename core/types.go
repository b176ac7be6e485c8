package core

import "time"

// AgentStatus is the status an agent declares about itself at registration.
type AgentStatus string

const (
	AgentOnline      AgentStatus = "online"
	AgentOffline     AgentStatus = "offline"
	AgentBusy        AgentStatus = "busy"
	AgentMaintenance AgentStatus = "maintenance"
	AgentUnknown     AgentStatus = "unknown"
)

// Endpoint is one network address an agent can be reached at.
type Endpoint struct {
	URL      string `json:"url" yaml:"url"`
	Protocol string `json:"protocol" yaml:"protocol"`
}

// AgentDescriptor is the externally supplied metadata for one agent process.
// The cluster only ever stores copies of it.
type AgentDescriptor struct {
	ID           string            `json:"id" yaml:"id"`
	Name         string            `json:"name" yaml:"name"`
	Description  string            `json:"description,omitempty" yaml:"description,omitempty"`
	Capabilities []string          `json:"capabilities" yaml:"capabilities"`
	Endpoints    []Endpoint        `json:"endpoints" yaml:"endpoints"`
	Tags         []string          `json:"tags,omitempty" yaml:"tags,omitempty"`
	Status       AgentStatus       `json:"status" yaml:"status"`
	Metadata     map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// HasCapability reports whether the descriptor declares capability.
func (d *AgentDescriptor) HasCapability(capability string) bool {
	for _, c := range d.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// PrimaryEndpoint returns the URL of the first endpoint, or
// DefaultAgentEndpoint when none is declared.
func (d *AgentDescriptor) PrimaryEndpoint() string {
	for _, ep := range d.Endpoints {
		if ep.URL != "" {
			return ep.URL
		}
	}
	return DefaultAgentEndpoint
}

// Clone returns a deep copy.
func (d *AgentDescriptor) Clone() AgentDescriptor {
	out := *d
	out.Capabilities = append([]string(nil), d.Capabilities...)
	out.Endpoints = append([]Endpoint(nil), d.Endpoints...)
	out.Tags = append([]string(nil), d.Tags...)
	if d.Metadata != nil {
		out.Metadata = make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// NodeRole is the role a cluster node plays.
type NodeRole string

const (
	RoleMaster NodeRole = "master"
	RoleWorker NodeRole = "worker"
	RoleEdge   NodeRole = "edge"
)

// ParseNodeRole parses a role name, case-sensitive lower case.
func ParseNodeRole(s string) (NodeRole, bool) {
	switch NodeRole(s) {
	case RoleMaster, RoleWorker, RoleEdge:
		return NodeRole(s), true
	}
	return "", false
}

// NodeStatus is the lifecycle status of a node.
type NodeStatus string

const (
	NodeInitializing NodeStatus = "initializing"
	NodeRunning      NodeStatus = "running"
	NodeStopping     NodeStatus = "stopping"
	NodeStopped      NodeStatus = "stopped"
	NodeError        NodeStatus = "error"
)

// ClusterStatus is the cluster-wide status held by the state aggregator.
type ClusterStatus string

const (
	ClusterInitializing ClusterStatus = "initializing"
	ClusterRunning      ClusterStatus = "running"
	ClusterDegraded     ClusterStatus = "degraded"
	ClusterMaintenance  ClusterStatus = "maintenance"
	ClusterStopping     ClusterStatus = "stopping"
	ClusterStopped      ClusterStatus = "stopped"
	ClusterStatusError  ClusterStatus = "error"
)

// NodeInfo is an immutable snapshot of one node.
type NodeInfo struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	BindAddress   string            `json:"bind_address"`
	Role          NodeRole          `json:"role"`
	Status        NodeStatus        `json:"status"`
	StartedAt     time.Time         `json:"started_at"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}
