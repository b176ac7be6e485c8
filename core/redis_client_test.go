package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRedisClient(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	ctx := context.Background()

	t.Run("connects and namespaces keys", func(t *testing.T) {
		rc, err := NewRedisClient(ctx, RedisClientOptions{
			RedisURL:  "redis://" + mr.Addr(),
			DB:        RedisDBClusterState,
			Namespace: "test",
		})
		require.NoError(t, err)
		defer rc.Close()

		assert.Equal(t, RedisDBClusterState, rc.GetDB())
		assert.Equal(t, "test", rc.GetNamespace())
		assert.Equal(t, "test:services:agent-1", rc.Key("services", "agent-1"))
		assert.NoError(t, rc.HealthCheck(ctx))
	})

	t.Run("empty url", func(t *testing.T) {
		_, err := NewRedisClient(ctx, RedisClientOptions{})
		assert.True(t, errors.Is(err, ErrInvalidConfiguration))
	})

	t.Run("bad url", func(t *testing.T) {
		_, err := NewRedisClient(ctx, RedisClientOptions{RedisURL: "://nope"})
		assert.True(t, errors.Is(err, ErrInvalidConfiguration))
	})

	t.Run("unreachable server", func(t *testing.T) {
		_, err := NewRedisClient(ctx, RedisClientOptions{
			RedisURL:    "redis://127.0.0.1:1",
			DialTimeout: 200 * time.Millisecond,
		})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrConnectionFailed))
		assert.True(t, IsRetryable(err))
	})
}

func TestRedisClient_HealthCheckAfterClose(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	rc, err := NewRedisClient(context.Background(), RedisClientOptions{RedisURL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	assert.Equal(t, DefaultRedisNamespace, rc.GetNamespace())

	mr.Close()
	err = rc.HealthCheck(context.Background())
	assert.True(t, errors.Is(err, ErrConnectionFailed))
}
