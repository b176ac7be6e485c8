package discovery

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/itsneelabh/gomind-cluster/core"
	"github.com/itsneelabh/gomind-cluster/resilience"
)

// Backend names accepted by NewBackend.
const (
	BackendMemory     = "memory"
	BackendRedis      = "redis"
	BackendEtcd       = "etcd"
	BackendConsul     = "consul"
	BackendKubernetes = "kubernetes"
)

// NewBackend builds the backend named by cfg.Backend. Remote backends are
// dialed with retries on transient connection errors. The returned backend
// implements io.Closer when it holds a connection.
func NewBackend(ctx context.Context, cfg core.DiscoveryConfig, logger core.Logger) (Backend, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if name == "" {
		name = BackendMemory
	}

	switch name {
	case BackendMemory:
		return NewMemoryBackend(), nil

	case BackendRedis:
		var rc *core.RedisClient
		err := resilience.Retry(ctx, resilience.TransientRetryConfig(3), func() error {
			var dialErr error
			rc, dialErr = core.NewRedisClient(ctx, core.RedisClientOptions{
				RedisURL:    cfg.RedisURL,
				DB:          core.RedisDBServiceDiscovery,
				Namespace:   cfg.RedisNamespace,
				DialTimeout: cfg.DialTimeout,
				Logger:      logger,
			})
			return dialErr
		})
		if err != nil {
			return nil, err
		}
		return NewRedisBackend(rc, logger), nil

	case BackendEtcd:
		if len(cfg.EtcdEndpoints) == 0 {
			return nil, &core.ClusterError{
				Op:      "discovery.NewBackend",
				Kind:    core.KindConfig,
				ID:      name,
				Message: "etcd endpoints are required",
				Err:     core.ErrMissingConfiguration,
			}
		}
		return DialEtcd(ctx, cfg.EtcdEndpoints, cfg.EtcdPrefix, cfg.DialTimeout, logger)

	default:
		// consul and kubernetes are recognised names without a client
		return nil, &core.ClusterError{
			Op:   "discovery.NewBackend",
			Kind: core.KindUnsupportedBackend,
			ID:   name,
			Err:  fmt.Errorf("discovery backend %q: %w", name, core.ErrUnsupportedBackend),
		}
	}
}

// CloseBackend releases a backend's connection if it holds one.
func CloseBackend(b Backend) error {
	if c, ok := b.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
