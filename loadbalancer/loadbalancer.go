// Package loadbalancer selects one target out of a candidate set.
//
// The balancer owns its own target table, independent of the discovery
// registry. Callers keep target ids aligned with service ids; the cluster
// coordinator does this through its id table.
package loadbalancer

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itsneelabh/gomind-cluster/core"
)

// Target is one selectable endpoint and its running statistics.
type Target struct {
	ID              string        `json:"id"`
	Endpoint        string        `json:"endpoint"`
	Weight          int           `json:"weight"`
	Healthy         bool          `json:"healthy"`
	Connections     int           `json:"connections"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	Samples         uint64        `json:"samples"`
	Successes       uint64        `json:"successes"`
	Failures        uint64        `json:"failures"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Tracked reports whether any response time has been recorded.
func (t *Target) Tracked() bool {
	return t.Samples > 0
}

// LoadBalancer is safe for concurrent use.
type LoadBalancer struct {
	strategy Strategy
	logger   core.Logger
	now      func() time.Time

	mu      sync.RWMutex
	targets map[string]*Target

	// rotation position shared by every candidate set
	counter atomic.Uint64
}

// Option configures a LoadBalancer.
type Option func(*LoadBalancer)

// WithLogger sets the logger. The balancer logs under the "cluster/loadbalancer" component.
func WithLogger(logger core.Logger) Option {
	return func(lb *LoadBalancer) {
		lb.logger = core.ComponentLogger(logger, "cluster/loadbalancer")
	}
}

// WithClock overrides the time source for UpdatedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(lb *LoadBalancer) {
		lb.now = now
	}
}

// New creates a load balancer using the strategy named in cfg.
func New(cfg core.LoadBalancerConfig, opts ...Option) (*LoadBalancer, error) {
	strategy, err := ParseStrategy(cfg.Strategy)
	if err != nil {
		return nil, err
	}
	lb := &LoadBalancer{
		strategy: strategy,
		logger:   &core.NoOpLogger{},
		now:      time.Now,
		targets:  make(map[string]*Target),
	}
	for _, opt := range opts {
		opt(lb)
	}

	lb.logger.Info("Load balancer created", map[string]interface{}{
		"strategy": string(strategy),
	})
	return lb, nil
}

// Strategy returns the configured strategy.
func (lb *LoadBalancer) Strategy() Strategy {
	return lb.strategy
}

// AddTarget inserts a healthy weight-1 target. Adding an existing id replaces
// its endpoint and keeps weight, health and statistics.
func (lb *LoadBalancer) AddTarget(id, endpoint string) error {
	if id == "" {
		return &core.ClusterError{
			Op:      "loadbalancer.AddTarget",
			Kind:    core.KindLoadBalancer,
			Message: "target id is required",
			Err:     core.ErrInvalidConfiguration,
		}
	}

	lb.mu.Lock()
	defer lb.mu.Unlock()

	if t, ok := lb.targets[id]; ok {
		t.Endpoint = endpoint
		t.UpdatedAt = lb.now()
		return nil
	}
	lb.targets[id] = &Target{
		ID:        id,
		Endpoint:  endpoint,
		Weight:    1,
		Healthy:   true,
		UpdatedAt: lb.now(),
	}

	lb.logger.Debug("Added load balancer target", map[string]interface{}{
		"target_id": id,
		"endpoint":  endpoint,
	})
	return nil
}

// RemoveTarget deletes a target. Unknown ids are a no-op.
func (lb *LoadBalancer) RemoveTarget(id string) error {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if _, ok := lb.targets[id]; ok {
		delete(lb.targets, id)
		lb.logger.Debug("Removed load balancer target", map[string]interface{}{
			"target_id": id,
		})
	}
	return nil
}

// UpdateTargetWeight sets the weight. Weight 0 excludes the target from selection.
func (lb *LoadBalancer) UpdateTargetWeight(id string, weight int) error {
	if weight < 0 {
		return &core.ClusterError{
			Op:      "loadbalancer.UpdateTargetWeight",
			Kind:    core.KindLoadBalancer,
			ID:      id,
			Message: fmt.Sprintf("weight must be >= 0, got %d", weight),
			Err:     core.ErrInvalidConfiguration,
		}
	}
	return lb.update("loadbalancer.UpdateTargetWeight", id, func(t *Target) {
		t.Weight = weight
	})
}

// UpdateTargetHealth sets the healthy flag.
func (lb *LoadBalancer) UpdateTargetHealth(id string, healthy bool) error {
	return lb.update("loadbalancer.UpdateTargetHealth", id, func(t *Target) {
		t.Healthy = healthy
	})
}

// UpdateTargetConnections sets the current load used by LeastConnections.
func (lb *LoadBalancer) UpdateTargetConnections(id string, connections int) error {
	return lb.update("loadbalancer.UpdateTargetConnections", id, func(t *Target) {
		t.Connections = connections
	})
}

// RecordResult counts one request outcome and folds its response time into
// an exponential moving average, avg = (avg*7 + rt) / 8.
func (lb *LoadBalancer) RecordResult(id string, success bool, responseTime time.Duration) error {
	return lb.update("loadbalancer.RecordResult", id, func(t *Target) {
		if success {
			t.Successes++
		} else {
			t.Failures++
		}
		if responseTime <= 0 {
			return
		}
		if t.Samples == 0 {
			t.AvgResponseTime = responseTime
		} else {
			t.AvgResponseTime = (t.AvgResponseTime*7 + responseTime) / 8
		}
		t.Samples++
	})
}

func (lb *LoadBalancer) update(op, id string, fn func(*Target)) error {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	t, ok := lb.targets[id]
	if !ok {
		return &core.ClusterError{Op: op, Kind: core.KindLoadBalancer, ID: id, Err: core.ErrTargetNotFound}
	}
	fn(t)
	t.UpdatedAt = lb.now()
	return nil
}

// GetTarget returns a copy of one target.
func (lb *LoadBalancer) GetTarget(id string) (Target, error) {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	t, ok := lb.targets[id]
	if !ok {
		return Target{}, &core.ClusterError{
			Op:   "loadbalancer.GetTarget",
			Kind: core.KindLoadBalancer,
			ID:   id,
			Err:  core.ErrTargetNotFound,
		}
	}
	return *t, nil
}

// ListTargets returns copies of every target ordered by id.
func (lb *LoadBalancer) ListTargets() []Target {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	out := make([]Target, 0, len(lb.targets))
	for _, t := range lb.targets {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SelectTarget picks one id from candidateIDs using the configured strategy.
// Candidates that are unknown, unhealthy or weighted 0 are skipped.
// ConsistentHash keys on the first candidate id; use SelectTargetForKey to
// supply an affinity key.
func (lb *LoadBalancer) SelectTarget(candidateIDs []string) (string, error) {
	key := ""
	if len(candidateIDs) > 0 {
		key = candidateIDs[0]
	}
	return lb.SelectTargetForKey(key, candidateIDs)
}

// SelectTargetForKey is SelectTarget with an explicit affinity key for the
// ConsistentHash strategy. Other strategies ignore key.
func (lb *LoadBalancer) SelectTargetForKey(key string, candidateIDs []string) (string, error) {
	eligible := lb.eligible(candidateIDs)
	if len(eligible) == 0 {
		lb.logger.Debug("No eligible targets", map[string]interface{}{
			"candidates": len(candidateIDs),
		})
		return "", &core.ClusterError{
			Op:   "loadbalancer.SelectTarget",
			Kind: core.KindLoadBalancer,
			Err:  core.ErrNoAvailableEndpoints,
		}
	}

	var selected string
	switch lb.strategy {
	case WeightedRoundRobin:
		selected = lb.selectWeightedRoundRobin(eligible)
	case LeastConnections:
		selected = selectLeastConnections(eligible)
	case ResponseTime:
		selected = selectResponseTime(eligible)
	case Random:
		selected = selectRandom(eligible)
	case ConsistentHash:
		selected = selectConsistentHash(eligible, key)
	default:
		selected = lb.selectRoundRobin(eligible)
	}

	lb.logger.Debug("Selected target", map[string]interface{}{
		"target_id": selected,
		"strategy":  string(lb.strategy),
		"eligible":  len(eligible),
	})
	return selected, nil
}

// eligible returns copies of the candidates that may receive traffic, in
// input order with duplicates dropped.
func (lb *LoadBalancer) eligible(candidateIDs []string) []Target {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	seen := make(map[string]struct{}, len(candidateIDs))
	out := make([]Target, 0, len(candidateIDs))
	for _, id := range candidateIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		t, ok := lb.targets[id]
		if !ok || !t.Healthy || t.Weight <= 0 {
			continue
		}
		out = append(out, *t)
	}
	return out
}
