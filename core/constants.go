package core

import "time"

// Environment Variables
const (
	// Node
	EnvNodeID      = "AGENTX_NODE_ID"
	EnvNodeName    = "AGENTX_NODE_NAME"
	EnvBindAddress = "AGENTX_BIND_ADDRESS"
	EnvNodeRole    = "AGENTX_NODE_ROLE"

	// Service Discovery
	EnvDiscoveryBackend = "AGENTX_DISCOVERY_BACKEND"
	EnvDiscoveryTTL     = "AGENTX_DISCOVERY_TTL"
	EnvRedisURL         = "AGENTX_REDIS_URL"
	EnvRedisURLFallback = "REDIS_URL"
	EnvEtcdEndpoints    = "AGENTX_ETCD_ENDPOINTS"

	// Load balancing
	EnvLBStrategy = "AGENTX_LB_STRATEGY"

	// Cluster state
	EnvClusterID   = "AGENTX_CLUSTER_ID"
	EnvClusterName = "AGENTX_CLUSTER_NAME"

	// Autoscaling
	EnvAutoscalerEnabled = "AGENTX_AUTOSCALER_ENABLED"

	// Logging and telemetry
	EnvLogLevel                  = "AGENTX_LOG_LEVEL"
	EnvLogFormat                 = "AGENTX_LOG_FORMAT"
	EnvTelemetryEndpoint         = "AGENTX_TELEMETRY_ENDPOINT"
	EnvTelemetryEndpointFallback = "OTEL_EXPORTER_OTLP_ENDPOINT"
	EnvDevMode                   = "AGENTX_DEV_MODE"
)

// Service discovery conventions
const (
	// ServiceIDPrefix is prepended to an agent id to form its service id.
	ServiceIDPrefix = "agent-"

	// DefaultAgentTag is attached to every registration.
	DefaultAgentTag = "agent"

	// DefaultAgentEndpoint is used for agents that declare no endpoint.
	DefaultAgentEndpoint = "http://localhost:8080"

	// DefaultRedisNamespace prefixes every key the cluster writes to Redis.
	DefaultRedisNamespace = "agentx"

	// DefaultEtcdPrefix prefixes every key the cluster writes to etcd.
	DefaultEtcdPrefix = "/agentx"
)

// Health probing
const (
	// HealthPath is appended to endpoints that do not already contain it.
	HealthPath = "/health"

	DefaultProbeInterval = 30 * time.Second
	DefaultProbeTimeout  = 5 * time.Second
)

// ServiceID derives the registry key for an agent id.
func ServiceID(agentID string) string {
	return ServiceIDPrefix + agentID
}
