package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/itsneelabh/gomind-cluster/core"
)

// Registry is the service discovery registry. It derives service ids, stamps
// registrations with TTL metadata and filters discovery results, while the
// Backend only stores entries.
type Registry struct {
	backend         Backend
	ttl             time.Duration
	cleanupInterval time.Duration
	logger          core.Logger
	now             func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger. The registry logs under the "cluster/discovery" component.
func WithLogger(logger core.Logger) Option {
	return func(r *Registry) {
		r.logger = core.ComponentLogger(logger, "cluster/discovery")
	}
}

// WithClock overrides the time source used for TTL decisions.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry creates a registry over backend. A nil backend selects a MemoryBackend.
func NewRegistry(cfg core.DiscoveryConfig, backend Backend, opts ...Option) *Registry {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	r := &Registry{
		backend:         backend,
		ttl:             cfg.TTL,
		cleanupInterval: cfg.CleanupInterval,
		logger:          &core.NoOpLogger{},
		now:             time.Now,
	}
	if r.ttl <= 0 {
		r.ttl = 300 * time.Second
	}
	if r.cleanupInterval <= 0 {
		r.cleanupInterval = 60 * time.Second
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Backend returns the storage backend.
func (r *Registry) Backend() Backend {
	return r.backend
}

// Register inserts or overwrites the registration for descriptor and returns
// its service id. Re-registration keeps the original registered_at and marks
// the entry healthy again.
func (r *Registry) Register(ctx context.Context, descriptor core.AgentDescriptor) (string, error) {
	if descriptor.ID == "" {
		return "", &core.ClusterError{
			Op:      "discovery.Register",
			Kind:    core.KindServiceDiscovery,
			Message: "agent id is required",
			Err:     core.ErrInvalidConfiguration,
		}
	}

	serviceID := core.ServiceID(descriptor.ID)
	now := r.now()

	registeredAt := now
	if existing, err := r.backend.GetService(ctx, serviceID); err == nil {
		registeredAt = existing.RegisteredAt
	} else if !core.IsNotFound(err) {
		return "", r.wrap("discovery.Register", serviceID, err)
	}

	reg := &ServiceRegistration{
		ServiceID:    serviceID,
		Agent:        descriptor.Clone(),
		RegisteredAt: registeredAt,
		UpdatedAt:    now,
		TTLSeconds:   int64(r.ttl / time.Second),
		Healthy:      true,
		Tags:         mergeTags(descriptor.Tags),
	}

	if err := r.backend.Register(ctx, reg); err != nil {
		r.logger.Error("Failed to register service", map[string]interface{}{
			"service_id": serviceID,
			"error":      err,
			"error_type": fmt.Sprintf("%T", err),
		})
		return "", r.wrap("discovery.Register", serviceID, err)
	}

	r.logger.Info("Service registered", map[string]interface{}{
		"service_id":   serviceID,
		"agent_name":   descriptor.Name,
		"capabilities": descriptor.Capabilities,
		"ttl":          r.ttl.String(),
	})
	return serviceID, nil
}

// Discover returns healthy, unexpired registrations, optionally restricted to
// those declaring capability. An empty capability matches every entry.
func (r *Registry) Discover(ctx context.Context, capability string) ([]*ServiceRegistration, error) {
	candidates, err := r.backend.Discover(ctx, capability)
	if err != nil {
		return nil, r.wrap("discovery.Discover", capability, err)
	}

	now := r.now()
	out := make([]*ServiceRegistration, 0, len(candidates))
	for _, reg := range candidates {
		if reg.Discoverable(now, capability) {
			out = append(out, reg)
		}
	}

	r.logger.Debug("Discovered services", map[string]interface{}{
		"capability": capability,
		"candidates": len(candidates),
		"matched":    len(out),
	})
	return out, nil
}

// UpdateHealth sets the healthy flag of a registration and refreshes its
// updated_at, as a health report is also proof of life.
func (r *Registry) UpdateHealth(ctx context.Context, serviceID string, healthy bool) error {
	if err := r.backend.UpdateHealth(ctx, serviceID, healthy, r.now()); err != nil {
		if core.IsNotFound(err) {
			r.logger.Warn("Service not found for health update", map[string]interface{}{
				"service_id": serviceID,
			})
		}
		return r.wrap("discovery.UpdateHealth", serviceID, err)
	}
	r.logger.Debug("Updated service health", map[string]interface{}{
		"service_id": serviceID,
		"healthy":    healthy,
	})
	return nil
}

// Heartbeat refreshes updated_at so the registration does not expire. The
// healthy flag is left as stored.
func (r *Registry) Heartbeat(ctx context.Context, serviceID string) error {
	if err := r.backend.Touch(ctx, serviceID, r.now()); err != nil {
		return r.wrap("discovery.Heartbeat", serviceID, err)
	}
	return nil
}

// Deregister removes a registration. Unknown ids are a no-op.
func (r *Registry) Deregister(ctx context.Context, serviceID string) error {
	if err := r.backend.Deregister(ctx, serviceID); err != nil {
		return r.wrap("discovery.Deregister", serviceID, err)
	}
	r.logger.Info("Service deregistered", map[string]interface{}{
		"service_id": serviceID,
	})
	return nil
}

// GetService returns one registration regardless of health or expiry.
func (r *Registry) GetService(ctx context.Context, serviceID string) (*ServiceRegistration, error) {
	reg, err := r.backend.GetService(ctx, serviceID)
	if err != nil {
		return nil, r.wrap("discovery.GetService", serviceID, err)
	}
	return reg, nil
}

// ListServices returns every stored registration, including unhealthy entries
// and expired entries not yet swept.
func (r *Registry) ListServices(ctx context.Context) ([]*ServiceRegistration, error) {
	regs, err := r.backend.ListServices(ctx)
	if err != nil {
		return nil, r.wrap("discovery.ListServices", "", err)
	}
	return regs, nil
}

// Sweep evicts expired registrations once. Backends that cannot sweep are skipped.
func (r *Registry) Sweep(ctx context.Context) (int, error) {
	sweeper, ok := r.backend.(Sweeper)
	if !ok {
		return 0, nil
	}
	removed, err := sweeper.Cleanup(ctx, r.now())
	if err != nil {
		r.logger.Error("TTL sweep failed", map[string]interface{}{
			"error":      err,
			"error_type": fmt.Sprintf("%T", err),
		})
		return removed, r.wrap("discovery.Sweep", "", err)
	}
	if removed > 0 {
		r.logger.Info("TTL sweep evicted services", map[string]interface{}{
			"evicted": removed,
		})
	}
	return removed, nil
}

// Start launches the periodic TTL sweep.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return core.ErrAlreadyStarted
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true

	go r.cleanupLoop(loopCtx, r.done)

	r.logger.Info("Service discovery started", map[string]interface{}{
		"cleanup_interval": r.cleanupInterval.String(),
		"ttl":              r.ttl.String(),
	})
	return nil
}

// Stop cancels the sweep and waits for it to exit. Stop on a stopped registry is a no-op.
func (r *Registry) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.cancel()
	done := r.done
	r.running = false
	r.mu.Unlock()

	<-done
	r.logger.Info("Service discovery stopped", nil)
	return nil
}

func (r *Registry) cleanupLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = r.Sweep(ctx)
		}
	}
}

func (r *Registry) wrap(op, id string, err error) error {
	kind := core.KindOf(err)
	if kind == core.KindInternal {
		kind = core.KindServiceDiscovery
	}
	return &core.ClusterError{Op: op, Kind: kind, ID: id, Err: err}
}

// mergeTags prepends the default agent tag to the descriptor's tags without duplicates.
func mergeTags(tags []string) []string {
	out := []string{core.DefaultAgentTag}
	for _, t := range tags {
		if t != core.DefaultAgentTag {
			out = append(out, t)
		}
	}
	return out
}
