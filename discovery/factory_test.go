package discovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/itsneelabh/gomind-cluster/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBackend(t *testing.T) {
	ctx := context.Background()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	t.Run("memory by default", func(t *testing.T) {
		b, err := NewBackend(ctx, core.DiscoveryConfig{}, nil)
		require.NoError(t, err)
		assert.IsType(t, &MemoryBackend{}, b)
		assert.NoError(t, CloseBackend(b))
	})

	t.Run("redis", func(t *testing.T) {
		b, err := NewBackend(ctx, core.DiscoveryConfig{
			Backend:        "Redis",
			RedisURL:       "redis://" + mr.Addr(),
			RedisNamespace: "factory",
		}, nil)
		require.NoError(t, err)
		require.IsType(t, &RedisBackend{}, b)
		defer CloseBackend(b)

		r := NewRegistry(core.DiscoveryConfig{TTL: time.Minute}, b)
		_, err = r.Register(ctx, testDescriptor("a1", "nlp"))
		require.NoError(t, err)
		assert.True(t, mr.Exists("factory:services:agent-a1"))
	})

	t.Run("redis unreachable", func(t *testing.T) {
		_, err := NewBackend(ctx, core.DiscoveryConfig{
			Backend:     BackendRedis,
			RedisURL:    "redis://127.0.0.1:1",
			DialTimeout: 100 * time.Millisecond,
		}, nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, core.ErrConnectionFailed))
		assert.True(t, errors.Is(err, core.ErrMaxRetriesExceeded))
	})

	t.Run("redis without url", func(t *testing.T) {
		_, err := NewBackend(ctx, core.DiscoveryConfig{Backend: BackendRedis}, nil)
		assert.True(t, core.IsConfigurationError(err))
	})

	t.Run("etcd without endpoints", func(t *testing.T) {
		_, err := NewBackend(ctx, core.DiscoveryConfig{Backend: BackendEtcd}, nil)
		assert.True(t, errors.Is(err, core.ErrMissingConfiguration))
	})

	for _, name := range []string{BackendConsul, BackendKubernetes, "zookeeper"} {
		t.Run("unsupported "+name, func(t *testing.T) {
			_, err := NewBackend(ctx, core.DiscoveryConfig{Backend: name}, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, core.ErrUnsupportedBackend))
			assert.Equal(t, core.KindUnsupportedBackend, core.KindOf(err))
		})
	}
}
