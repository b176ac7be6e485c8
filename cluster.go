// Package cluster is the entry point for embedding the AgentX cluster
// control plane. It re-exports the types callers need and builds a
// coordinator from configuration:
//
//	cfg, err := cluster.NewConfig(cluster.WithNodeName("edge-1"))
//	co, err := cluster.New(ctx, cfg, coordinator.WithLogger(logger))
//	err = co.Start(ctx)
//
// Specific functionality lives in the sub-packages:
//   - github.com/itsneelabh/gomind-cluster/core - data model, config, errors, logging
//   - github.com/itsneelabh/gomind-cluster/coordinator - agent lifecycle workflows
//   - github.com/itsneelabh/gomind-cluster/telemetry - OpenTelemetry and Prometheus
package cluster

import (
	"context"

	"github.com/itsneelabh/gomind-cluster/coordinator"
	"github.com/itsneelabh/gomind-cluster/core"
)

// Re-export core types
type (
	Coordinator     = coordinator.Coordinator
	AgentDescriptor = core.AgentDescriptor
	Endpoint        = core.Endpoint
	NodeInfo        = core.NodeInfo
	HealthStatus    = core.HealthStatus
	ClusterError    = core.ClusterError

	Config = core.Config
	Option = core.Option

	Logger    = core.Logger
	Telemetry = core.Telemetry
	Span      = core.Span
)

// Re-export constants
const (
	HealthHealthy   = core.HealthHealthy
	HealthUnhealthy = core.HealthUnhealthy
	HealthUnknown   = core.HealthUnknown
)

// Re-export configuration functions
var (
	NewConfig     = core.NewConfig
	DefaultConfig = core.DefaultConfig

	WithNodeName             = core.WithNodeName
	WithBindAddress          = core.WithBindAddress
	WithDiscoveryBackend     = core.WithDiscoveryBackend
	WithRedisURL             = core.WithRedisURL
	WithEtcdEndpoints        = core.WithEtcdEndpoints
	WithCluster              = core.WithCluster
	WithConfigFile           = core.WithConfigFile
	WithDevelopmentMode      = core.WithDevelopmentMode
	WithLoadBalancerStrategy = core.WithLoadBalancerStrategy
)

// New builds a coordinator for cfg, reporting Version in cluster snapshots
// unless a WithVersion option overrides it.
func New(ctx context.Context, cfg *Config, opts ...coordinator.Option) (*Coordinator, error) {
	opts = append([]coordinator.Option{coordinator.WithVersion(Version)}, opts...)
	return coordinator.Build(ctx, cfg, opts...)
}
