package coordinator

import (
	"context"
	"io"

	"github.com/itsneelabh/gomind-cluster/autoscaler"
	"github.com/itsneelabh/gomind-cluster/core"
	"github.com/itsneelabh/gomind-cluster/discovery"
	"github.com/itsneelabh/gomind-cluster/health"
	"github.com/itsneelabh/gomind-cluster/loadbalancer"
	"github.com/itsneelabh/gomind-cluster/node"
	"github.com/itsneelabh/gomind-cluster/state"
)

type options struct {
	logger      core.Logger
	telemetry   core.Telemetry
	prober      health.Prober
	provisioner autoscaler.Provisioner
	version     string
}

// Option configures a Coordinator.
type Option func(*options)

// WithLogger sets the logger shared with every component Build creates.
func WithLogger(logger core.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithTelemetry sets the span and metric sink.
func WithTelemetry(t core.Telemetry) Option {
	return func(o *options) {
		if t != nil {
			o.telemetry = t
		}
	}
}

// WithProber overrides the health prober used by Build.
func WithProber(p health.Prober) Option {
	return func(o *options) { o.prober = p }
}

// WithProvisioner sets the instance provisioner used by Build.
func WithProvisioner(p autoscaler.Provisioner) Option {
	return func(o *options) { o.provisioner = p }
}

// WithVersion sets the version reported in cluster snapshots built by Build.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

func buildOptions(opts []Option) options {
	o := options{
		logger:    &core.NoOpLogger{},
		telemetry: &core.NoOpTelemetry{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Build validates cfg, connects the configured backends and assembles a
// Coordinator. Connections opened before a failure are closed again.
func Build(ctx context.Context, cfg *core.Config, opts ...Option) (co *Coordinator, err error) {
	if cfg == nil {
		cfg = core.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)

	var closers []func() error
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i]()
			}
		}
	}()

	nodeManager, err := node.NewManager(cfg.Node, node.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}

	backend, err := discovery.NewBackend(ctx, cfg.Discovery, o.logger)
	if err != nil {
		return nil, err
	}
	closers = append(closers, func() error { return discovery.CloseBackend(backend) })
	registry := discovery.NewRegistry(cfg.Discovery, backend, discovery.WithLogger(o.logger))

	balancer, err := loadbalancer.New(cfg.LoadBalancer, loadbalancer.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}

	monitorOpts := []health.Option{health.WithLogger(o.logger), health.WithTelemetry(o.telemetry)}
	if o.prober != nil {
		monitorOpts = append(monitorOpts, health.WithProber(o.prober))
	}
	monitor := health.NewMonitor(cfg.HealthCheck, monitorOpts...)

	stateSync, err := state.NewStateSync(ctx, cfg.State, cfg.Discovery.RedisURL, o.logger,
		state.WithSyncTelemetry(o.telemetry))
	if err != nil {
		return nil, err
	}
	if c, ok := stateSync.(io.Closer); ok {
		closers = append(closers, c.Close)
	}
	aggOpts := []state.Option{state.WithLogger(o.logger)}
	if o.version != "" {
		aggOpts = append(aggOpts, state.WithVersion(o.version))
	}
	aggregator := state.NewAggregator(cfg.State, stateSync, aggOpts...)

	scalerOpts := []autoscaler.Option{
		autoscaler.WithLogger(o.logger),
		autoscaler.WithSnapshotSource(func() state.Snapshot {
			aggregator.SetNodeCount(nodeManager.NodeCount())
			return aggregator.GetState()
		}),
	}
	if o.provisioner != nil {
		scalerOpts = append(scalerOpts, autoscaler.WithProvisioner(o.provisioner))
	}
	scaler, err := autoscaler.New(cfg.Autoscaler, scalerOpts...)
	if err != nil {
		return nil, err
	}

	co, err = New(Components{
		Node:         nodeManager,
		Registry:     registry,
		LoadBalancer: balancer,
		Health:       monitor,
		State:        aggregator,
		Autoscaler:   scaler,
	}, opts...)
	if err != nil {
		return nil, err
	}
	co.closers = closers
	return co, nil
}
