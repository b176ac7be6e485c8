package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/itsneelabh/gomind-cluster/core"
	"github.com/itsneelabh/gomind-cluster/resilience"
)

// StateSync publishes cluster snapshots to, and fetches them from, a shared store.
type StateSync interface {
	SyncState(ctx context.Context, snapshot *Snapshot) error
	// FetchState returns nil without error when nothing has been stored.
	FetchState(ctx context.Context) (*Snapshot, error)
}

// MemoryStateSync keeps the last snapshot in process memory.
type MemoryStateSync struct {
	mu       sync.RWMutex
	snapshot []byte
}

func NewMemoryStateSync() *MemoryStateSync {
	return &MemoryStateSync{}
}

func (m *MemoryStateSync) SyncState(ctx context.Context, snapshot *Snapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	m.mu.Lock()
	m.snapshot = data
	m.mu.Unlock()
	return nil
}

func (m *MemoryStateSync) FetchState(ctx context.Context) (*Snapshot, error) {
	m.mu.RLock()
	data := m.snapshot
	m.mu.RUnlock()

	if data == nil {
		return nil, nil
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// RedisStateSync stores the snapshot as JSON under <ns>:cluster:<cluster_id>:state
// and announces each write on <ns>:cluster:<cluster_id>:updates.
type RedisStateSync struct {
	rc        *core.RedisClient
	clusterID string
	logger    core.Logger
	breaker   *resilience.CircuitBreaker
}

// SyncOption configures the Redis state sync.
type SyncOption func(*resilience.CircuitBreakerConfig)

// WithSyncTelemetry reports the sync's circuit breaker state and rejections.
func WithSyncTelemetry(t core.Telemetry) SyncOption {
	return func(c *resilience.CircuitBreakerConfig) { c.Telemetry = t }
}

// WithSyncBreaker overrides the failure threshold and sleep window of the
// sync's circuit breaker.
func WithSyncBreaker(failureThreshold int, sleepWindow time.Duration) SyncOption {
	return func(c *resilience.CircuitBreakerConfig) {
		c.FailureThreshold = failureThreshold
		c.SleepWindow = sleepWindow
	}
}

// NewRedisStateSync creates a sync over a connected RedisClient. It fails
// when the options leave the circuit breaker configuration invalid.
func NewRedisStateSync(rc *core.RedisClient, clusterID string, logger core.Logger, opts ...SyncOption) (*RedisStateSync, error) {
	logger = core.ComponentLogger(logger, "cluster/state/redis")
	cfg := resilience.DefaultConfig("state-sync")
	cfg.Logger = logger
	for _, opt := range opts {
		opt(cfg)
	}
	breaker, err := resilience.NewCircuitBreaker(cfg)
	if err != nil {
		return nil, err
	}
	return &RedisStateSync{
		rc:        rc,
		clusterID: clusterID,
		logger:    logger,
		breaker:   breaker,
	}, nil
}

// Breaker returns the circuit breaker guarding Redis calls. After five
// consecutive network failures calls are rejected for 30 seconds.
func (r *RedisStateSync) Breaker() *resilience.CircuitBreaker {
	return r.breaker
}

func (r *RedisStateSync) stateKey() string {
	return r.rc.Key("cluster", r.clusterID, "state")
}

// UpdatesChannel is the pub/sub channel notified after every SyncState.
func (r *RedisStateSync) UpdatesChannel() string {
	return r.rc.Key("cluster", r.clusterID, "updates")
}

func (r *RedisStateSync) SyncState(ctx context.Context, snapshot *Snapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	err = r.breaker.Execute(ctx, func() error {
		pipe := r.rc.Client().TxPipeline()
		pipe.Set(ctx, r.stateKey(), data, 0)
		pipe.Publish(ctx, r.UpdatesChannel(), string(snapshot.Status))
		if _, err := pipe.Exec(ctx); err != nil {
			return &core.ClusterError{
				Op:   "redis.SyncState",
				Kind: core.KindNetwork,
				ID:   r.clusterID,
				Err:  fmt.Errorf("%v: %w", err, core.ErrNetwork),
			}
		}
		return nil
	})
	if err != nil {
		r.logger.Error("Failed to sync cluster state", map[string]interface{}{
			"cluster_id": r.clusterID,
			"error":      err,
			"error_type": fmt.Sprintf("%T", err),
		})
		return err
	}
	return nil
}

func (r *RedisStateSync) FetchState(ctx context.Context) (*Snapshot, error) {
	var data []byte
	err := r.breaker.Execute(ctx, func() error {
		var getErr error
		data, getErr = r.rc.Client().Get(ctx, r.stateKey()).Bytes()
		if getErr == nil || errors.Is(getErr, redis.Nil) {
			return nil
		}
		return &core.ClusterError{
			Op:   "redis.FetchState",
			Kind: core.KindNetwork,
			ID:   r.clusterID,
			Err:  fmt.Errorf("%v: %w", getErr, core.ErrNetwork),
		}
	})
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}

	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, &core.ClusterError{
			Op:   "redis.FetchState",
			Kind: core.KindStateSync,
			ID:   r.clusterID,
			Err:  fmt.Errorf("malformed snapshot: %w", err),
		}
	}
	return &s, nil
}

// Close closes the underlying Redis client.
func (r *RedisStateSync) Close() error {
	return r.rc.Close()
}

// NewStateSync builds the sync backend named by cfg.SyncBackend. The redis
// backend connects to redisURL on the cluster-state database.
func NewStateSync(ctx context.Context, cfg core.StateConfig, redisURL string, logger core.Logger, opts ...SyncOption) (StateSync, error) {
	switch name := strings.ToLower(strings.TrimSpace(cfg.SyncBackend)); name {
	case "", "memory":
		return NewMemoryStateSync(), nil

	case "redis":
		var rc *core.RedisClient
		err := resilience.Retry(ctx, resilience.TransientRetryConfig(3), func() error {
			var dialErr error
			rc, dialErr = core.NewRedisClient(ctx, core.RedisClientOptions{
				RedisURL:  redisURL,
				DB:        core.RedisDBClusterState,
				Namespace: core.DefaultRedisNamespace,
				Logger:    logger,
			})
			return dialErr
		})
		if err != nil {
			return nil, err
		}
		s, err := NewRedisStateSync(rc, cfg.ClusterID, logger, opts...)
		if err != nil {
			_ = rc.Close()
			return nil, err
		}
		return s, nil

	default:
		return nil, &core.ClusterError{
			Op:   "state.NewStateSync",
			Kind: core.KindUnsupportedBackend,
			ID:   name,
			Err:  fmt.Errorf("state sync backend %q: %w", name, core.ErrUnsupportedBackend),
		}
	}
}
