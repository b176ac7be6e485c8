package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/itsneelabh/gomind-cluster/core"
)

// RedisBackend stores registrations in Redis.
//
// Key layout (namespace "agentx" by default):
//
//	agentx:services:<service_id>     JSON registration, expires after its TTL
//	agentx:service_ids               set of every registered service id
//	agentx:capabilities:<capability> set of service ids declaring capability
//
// Registration and removal run in a MULTI/EXEC transaction so the indexes never
// reference a key that was not written in the same step.
type RedisBackend struct {
	rc     *core.RedisClient
	client *redis.Client
	logger core.Logger
}

// NewRedisBackend creates a backend over a connected RedisClient.
func NewRedisBackend(rc *core.RedisClient, logger core.Logger) *RedisBackend {
	return &RedisBackend{
		rc:     rc,
		client: rc.Client(),
		logger: core.ComponentLogger(logger, "cluster/discovery/redis"),
	}
}

func (b *RedisBackend) serviceKey(id string) string {
	return b.rc.Key("services", id)
}

func (b *RedisBackend) indexKey() string {
	return b.rc.Key("service_ids")
}

func (b *RedisBackend) capabilityKey(capability string) string {
	return b.rc.Key("capabilities", capability)
}

func (b *RedisBackend) Register(ctx context.Context, reg *ServiceRegistration) error {
	data, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("failed to marshal registration for %s: %w", reg.ServiceID, err)
	}

	// capabilities dropped by a re-registration must leave their index sets
	previous, err := b.get(ctx, reg.ServiceID)
	if err != nil && !core.IsNotFound(err) {
		return err
	}

	ttl := reg.TTL()
	if ttl <= 0 {
		ttl = time.Second
	}

	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.serviceKey(reg.ServiceID), data, ttl)
	pipe.SAdd(ctx, b.indexKey(), reg.ServiceID)
	if previous != nil {
		for _, c := range previous.Agent.Capabilities {
			if !reg.Agent.HasCapability(c) {
				pipe.SRem(ctx, b.capabilityKey(c), reg.ServiceID)
			}
		}
	}
	for _, c := range reg.Agent.Capabilities {
		pipe.SAdd(ctx, b.capabilityKey(c), reg.ServiceID)
		pipe.Expire(ctx, b.capabilityKey(c), ttl*2)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		b.logger.Error("Failed to register service atomically", map[string]interface{}{
			"service_id": reg.ServiceID,
			"error":      err,
			"error_type": fmt.Sprintf("%T", err),
		})
		return networkError("redis.Register", reg.ServiceID, err)
	}
	return nil
}

func (b *RedisBackend) Deregister(ctx context.Context, serviceID string) error {
	previous, err := b.get(ctx, serviceID)
	if err != nil && !core.IsNotFound(err) {
		return err
	}

	pipe := b.client.TxPipeline()
	pipe.Del(ctx, b.serviceKey(serviceID))
	pipe.SRem(ctx, b.indexKey(), serviceID)
	if previous != nil {
		for _, c := range previous.Agent.Capabilities {
			pipe.SRem(ctx, b.capabilityKey(c), serviceID)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return networkError("redis.Deregister", serviceID, err)
	}
	return nil
}

func (b *RedisBackend) Discover(ctx context.Context, capability string) ([]*ServiceRegistration, error) {
	setKey := b.indexKey()
	if capability != "" {
		setKey = b.capabilityKey(capability)
	}

	ids, err := b.client.SMembers(ctx, setKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, networkError("redis.Discover", capability, err)
	}

	out := make([]*ServiceRegistration, 0, len(ids))
	for _, id := range ids {
		reg, err := b.get(ctx, id)
		if err != nil {
			if core.IsNotFound(err) {
				// key expired natively; drop the stale index entry
				b.client.SRem(ctx, setKey, id)
				continue
			}
			return nil, err
		}
		if capability != "" && !reg.Agent.HasCapability(capability) {
			continue
		}
		out = append(out, reg)
	}
	sortRegistrations(out)
	return out, nil
}

func (b *RedisBackend) UpdateHealth(ctx context.Context, serviceID string, healthy bool, now time.Time) error {
	err := b.modify(ctx, "redis.UpdateHealth", serviceID, func(reg *ServiceRegistration) {
		reg.Healthy = healthy
		reg.UpdatedAt = now
	})
	if core.IsNotFound(err) {
		b.logger.Warn("Service not found for health update", map[string]interface{}{
			"service_id": serviceID,
			"key":        b.serviceKey(serviceID),
		})
	}
	return err
}

// Touch refreshes updated_at and restarts the key and index expirations.
func (b *RedisBackend) Touch(ctx context.Context, serviceID string, now time.Time) error {
	return b.modify(ctx, "redis.Touch", serviceID, func(reg *ServiceRegistration) {
		reg.UpdatedAt = now
	})
}

// modify applies fn to the stored registration inside WATCH/MULTI so a
// concurrent writer of the same key forces a retry instead of being overwritten.
func (b *RedisBackend) modify(ctx context.Context, op, serviceID string, fn func(*ServiceRegistration)) error {
	key := b.serviceKey(serviceID)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return core.NotFoundError(op, serviceID)
			}
			return networkError(op, serviceID, err)
		}
		var reg ServiceRegistration
		if err := json.Unmarshal(data, &reg); err != nil {
			return malformedRegistration(op, serviceID, err)
		}
		fn(&reg)
		out, err := json.Marshal(&reg)
		if err != nil {
			return fmt.Errorf("failed to marshal registration for %s: %w", serviceID, err)
		}

		ttl := reg.TTL()
		if ttl <= 0 {
			ttl = time.Second
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, ttl)
			for _, c := range reg.Agent.Capabilities {
				pipe.Expire(ctx, b.capabilityKey(c), ttl*2)
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		err := b.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			var ce *core.ClusterError
			if errors.As(err, &ce) {
				return err
			}
			return networkError(op, serviceID, err)
		}
		return nil
	}
	return updateConflict(op, serviceID)
}

func (b *RedisBackend) GetService(ctx context.Context, serviceID string) (*ServiceRegistration, error) {
	return b.get(ctx, serviceID)
}

func (b *RedisBackend) ListServices(ctx context.Context) ([]*ServiceRegistration, error) {
	return b.Discover(ctx, "")
}

// Cleanup deletes registrations whose updated_at is older than their TTL.
// Redis also expires keys on its own; this catches entries whose key TTL
// outlives updated_at, such as entries written with a clock behind the server's.
func (b *RedisBackend) Cleanup(ctx context.Context, now time.Time) (int, error) {
	regs, err := b.ListServices(ctx)
	if err != nil {
		return 0, err
	}
	ids := expiredIDs(regs, now)
	for _, id := range ids {
		if err := b.Deregister(ctx, id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// Close closes the underlying Redis client.
func (b *RedisBackend) Close() error {
	return b.rc.Close()
}

func (b *RedisBackend) get(ctx context.Context, serviceID string) (*ServiceRegistration, error) {
	data, err := b.client.Get(ctx, b.serviceKey(serviceID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, core.NotFoundError("redis.GetService", serviceID)
		}
		return nil, networkError("redis.GetService", serviceID, err)
	}

	var reg ServiceRegistration
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, malformedRegistration("redis.GetService", serviceID, err)
	}
	return &reg, nil
}


func networkError(op, id string, err error) error {
	return &core.ClusterError{
		Op:   op,
		Kind: core.KindNetwork,
		ID:   id,
		Err:  fmt.Errorf("%v: %w", err, core.ErrDiscoveryUnavailable),
	}
}
