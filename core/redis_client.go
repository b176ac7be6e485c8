// Package core provides the shared model, errors, configuration and
// infrastructure clients of the cluster control plane.
//
// This file implements a Redis client wrapper with database isolation and key
// namespacing. The Redis discovery backend and the Redis state sync both use it.
//
// Database Allocation:
//   - DB 0: Service discovery registrations and capability indexes
//   - DB 1: Cluster state snapshots
//
// Namespacing:
// All keys are prefixed with the namespace, "agentx" by default:
//   - Discovery: "agentx:services:<service_id>", "agentx:capabilities:<capability>"
//   - State:     "agentx:cluster:<cluster_id>:state", "agentx:cluster:<cluster_id>:updates"
package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	// RedisDBServiceDiscovery holds registrations (default)
	RedisDBServiceDiscovery = 0

	// RedisDBClusterState holds synced cluster snapshots
	RedisDBClusterState = 1
)

// RedisClient provides a namespaced Redis handle with DB isolation
type RedisClient struct {
	client    *redis.Client
	dbID      int
	namespace string
	logger    Logger
}

// RedisClientOptions configures the Redis client
type RedisClientOptions struct {
	RedisURL    string
	DB          int    // Redis DB number for isolation (0-15)
	Namespace   string // Key namespace for organization
	DialTimeout time.Duration
	Logger      Logger // Optional logger
}

// NewRedisClient creates a new Redis client and verifies the connection with a Ping.
func NewRedisClient(ctx context.Context, opts RedisClientOptions) (*RedisClient, error) {
	logger := opts.Logger
	if logger == nil {
		logger = &NoOpLogger{}
	}

	if opts.RedisURL == "" {
		logger.Error("Failed to initialize Redis client", map[string]interface{}{
			"error":      "Redis URL is required",
			"error_type": "ErrInvalidConfiguration",
		})
		return nil, fmt.Errorf("redis URL is required: %w", ErrInvalidConfiguration)
	}

	redisOpt, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		logger.Error("Failed to parse Redis URL", map[string]interface{}{
			"error":      err,
			"error_type": fmt.Sprintf("%T", err),
			"redis_url":  opts.RedisURL,
		})
		return nil, fmt.Errorf("invalid Redis URL: %w", ErrInvalidConfiguration)
	}

	if opts.DB >= 0 && opts.DB <= 15 {
		redisOpt.DB = opts.DB
	}

	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	redisOpt.DialTimeout = timeout
	redisOpt.ReadTimeout = timeout
	redisOpt.WriteTimeout = timeout

	client := redis.NewClient(redisOpt)

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Error("Failed to connect to Redis", map[string]interface{}{
			"error":      err,
			"error_type": fmt.Sprintf("%T", err),
			"db":         opts.DB,
			"namespace":  opts.Namespace,
		})
		_ = client.Close()
		return nil, &ClusterError{
			Op:   "redis.Connect",
			Kind: KindConnection,
			ID:   redisOpt.Addr,
			Err:  fmt.Errorf("%v: %w", err, ErrConnectionFailed),
		}
	}

	rc := NewRedisClientFromClient(client, opts.Namespace, logger)
	rc.dbID = opts.DB

	logger.Info("Redis client connected", map[string]interface{}{
		"db":        opts.DB,
		"namespace": opts.Namespace,
	})

	return rc, nil
}

// NewRedisClientFromClient wraps an already configured go-redis client.
func NewRedisClientFromClient(client *redis.Client, namespace string, logger Logger) *RedisClient {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if namespace == "" {
		namespace = DefaultRedisNamespace
	}
	return &RedisClient{
		client:    client,
		dbID:      client.Options().DB,
		namespace: namespace,
		logger:    logger,
	}
}

// Client exposes the underlying go-redis client.
func (r *RedisClient) Client() *redis.Client {
	return r.client
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	err := r.client.Close()
	if err != nil {
		r.logger.Error("Failed to close Redis client", map[string]interface{}{
			"error":      err,
			"error_type": fmt.Sprintf("%T", err),
			"db":         r.dbID,
			"namespace":  r.namespace,
		})
	}
	return err
}

// GetDB returns the DB number being used
func (r *RedisClient) GetDB() int {
	return r.dbID
}

// GetNamespace returns the namespace being used
func (r *RedisClient) GetNamespace() string {
	return r.namespace
}

// Key joins parts with ':' under the namespace.
func (r *RedisClient) Key(parts ...string) string {
	return r.namespace + ":" + strings.Join(parts, ":")
}

// HealthCheck verifies Redis connectivity
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	err := r.client.Ping(ctx).Err()
	if err != nil {
		r.logger.Error("Redis health check failed", map[string]interface{}{
			"error":      err,
			"error_type": fmt.Sprintf("%T", err),
			"db":         r.dbID,
			"namespace":  r.namespace,
		})
		return NewClusterError("redis.HealthCheck", KindConnection, fmt.Errorf("%v: %w", err, ErrConnectionFailed))
	}
	return nil
}
