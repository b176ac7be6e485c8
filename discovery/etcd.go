package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/itsneelabh/gomind-cluster/core"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdBackend stores each registration under <prefix>/services/<service_id>,
// attached to a lease of the registration's TTL. A re-registration grants a
// fresh lease and revokes the previous one, so etcd drops entries that stop
// heartbeating even when no sweep runs.
type EtcdBackend struct {
	kv     clientv3.KV
	lease  clientv3.Lease
	client *clientv3.Client // nil when constructed over bare KV/Lease
	prefix string
	logger core.Logger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID
}

// NewEtcdBackend creates a backend over the given KV and Lease APIs.
func NewEtcdBackend(kv clientv3.KV, lease clientv3.Lease, prefix string, logger core.Logger) *EtcdBackend {
	if prefix == "" {
		prefix = core.DefaultEtcdPrefix
	}
	return &EtcdBackend{
		kv:     kv,
		lease:  lease,
		prefix: strings.TrimSuffix(prefix, "/"),
		logger: core.ComponentLogger(logger, "cluster/discovery/etcd"),
		leases: make(map[string]clientv3.LeaseID),
	}
}

// DialEtcd connects to etcd and returns a backend that owns the client.
func DialEtcd(ctx context.Context, endpoints []string, prefix string, dialTimeout time.Duration, logger core.Logger) (*EtcdBackend, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Context:     ctx,
	})
	if err != nil {
		return nil, &core.ClusterError{
			Op:   "etcd.Dial",
			Kind: core.KindConnection,
			ID:   strings.Join(endpoints, ","),
			Err:  fmt.Errorf("%v: %w", err, core.ErrConnectionFailed),
		}
	}

	b := NewEtcdBackend(client.KV, client.Lease, prefix, logger)
	b.client = client

	b.logger.Info("Etcd client created successfully", map[string]interface{}{
		"endpoints": endpoints,
		"prefix":    b.prefix,
	})
	return b, nil
}

func (b *EtcdBackend) servicesPrefix() string {
	return b.prefix + "/services/"
}

func (b *EtcdBackend) key(serviceID string) string {
	return b.servicesPrefix() + serviceID
}

func (b *EtcdBackend) Register(ctx context.Context, reg *ServiceRegistration) error {
	data, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("failed to marshal registration for %s: %w", reg.ServiceID, err)
	}

	ttl := reg.TTLSeconds
	if ttl <= 0 {
		ttl = 1
	}
	grant, err := b.lease.Grant(ctx, ttl)
	if err != nil {
		b.logger.Error("Failed to create etcd lease", map[string]interface{}{
			"service_id": reg.ServiceID,
			"error":      err,
		})
		return etcdError("etcd.Register", reg.ServiceID, err)
	}

	if _, err := b.kv.Put(ctx, b.key(reg.ServiceID), string(data), clientv3.WithLease(grant.ID)); err != nil {
		b.logger.Error("Failed to put key to etcd", map[string]interface{}{
			"service_id": reg.ServiceID,
			"key":        b.key(reg.ServiceID),
			"error":      err,
		})
		_, _ = b.lease.Revoke(ctx, grant.ID)
		return etcdError("etcd.Register", reg.ServiceID, err)
	}

	b.mu.Lock()
	previous, had := b.leases[reg.ServiceID]
	b.leases[reg.ServiceID] = grant.ID
	b.mu.Unlock()

	if had && previous != grant.ID {
		// the key is already bound to the new lease, revoking only drops the old one
		if _, err := b.lease.Revoke(ctx, previous); err != nil {
			b.logger.Warn("Failed to revoke superseded lease", map[string]interface{}{
				"service_id": reg.ServiceID,
				"error":      err,
			})
		}
	}
	return nil
}

func (b *EtcdBackend) Deregister(ctx context.Context, serviceID string) error {
	if _, err := b.kv.Delete(ctx, b.key(serviceID)); err != nil {
		return etcdError("etcd.Deregister", serviceID, err)
	}

	b.mu.Lock()
	leaseID, had := b.leases[serviceID]
	delete(b.leases, serviceID)
	b.mu.Unlock()

	if had {
		_, _ = b.lease.Revoke(ctx, leaseID)
	}
	return nil
}

func (b *EtcdBackend) Discover(ctx context.Context, capability string) ([]*ServiceRegistration, error) {
	resp, err := b.kv.Get(ctx, b.servicesPrefix(), clientv3.WithPrefix())
	if err != nil {
		return nil, etcdError("etcd.Discover", capability, err)
	}

	out := make([]*ServiceRegistration, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var reg ServiceRegistration
		if err := json.Unmarshal(kv.Value, &reg); err != nil {
			b.logger.Warn("Skipping malformed registration", map[string]interface{}{
				"key":   string(kv.Key),
				"error": err,
			})
			continue
		}
		if capability == "" || reg.Agent.HasCapability(capability) {
			out = append(out, &reg)
		}
	}
	sortRegistrations(out)
	return out, nil
}

func (b *EtcdBackend) UpdateHealth(ctx context.Context, serviceID string, healthy bool, now time.Time) error {
	return b.modify(ctx, "etcd.UpdateHealth", serviceID, func(reg *ServiceRegistration) {
		reg.Healthy = healthy
		reg.UpdatedAt = now
	})
}

// Touch refreshes updated_at and renews the registration's lease when this
// backend granted it.
func (b *EtcdBackend) Touch(ctx context.Context, serviceID string, now time.Time) error {
	if err := b.modify(ctx, "etcd.Touch", serviceID, func(reg *ServiceRegistration) {
		reg.UpdatedAt = now
	}); err != nil {
		return err
	}

	b.mu.Lock()
	leaseID, ok := b.leases[serviceID]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	if _, err := b.lease.KeepAliveOnce(ctx, leaseID); err != nil {
		return etcdError("etcd.Touch", serviceID, err)
	}
	return nil
}

// modify applies fn to the stored registration and writes it back only if
// the key's mod revision is unchanged, retrying on conflict. The key keeps
// its lease.
func (b *EtcdBackend) modify(ctx context.Context, op, serviceID string, fn func(*ServiceRegistration)) error {
	key := b.key(serviceID)
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		resp, err := b.kv.Get(ctx, key)
		if err != nil {
			return etcdError(op, serviceID, err)
		}
		if len(resp.Kvs) == 0 {
			return core.NotFoundError(op, serviceID)
		}
		current := resp.Kvs[0]

		var reg ServiceRegistration
		if err := json.Unmarshal(current.Value, &reg); err != nil {
			return malformedRegistration(op, serviceID, err)
		}
		fn(&reg)
		data, err := json.Marshal(&reg)
		if err != nil {
			return fmt.Errorf("failed to marshal registration for %s: %w", serviceID, err)
		}

		txn, err := b.kv.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(key), "=", current.ModRevision)).
			Then(clientv3.OpPut(key, string(data), clientv3.WithIgnoreLease())).
			Commit()
		if err != nil {
			return etcdError(op, serviceID, err)
		}
		if txn.Succeeded {
			return nil
		}
	}
	return updateConflict(op, serviceID)
}

func (b *EtcdBackend) GetService(ctx context.Context, serviceID string) (*ServiceRegistration, error) {
	resp, err := b.kv.Get(ctx, b.key(serviceID))
	if err != nil {
		return nil, etcdError("etcd.GetService", serviceID, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, core.NotFoundError("etcd.GetService", serviceID)
	}

	var reg ServiceRegistration
	if err := json.Unmarshal(resp.Kvs[0].Value, &reg); err != nil {
		return nil, malformedRegistration("etcd.GetService", serviceID, err)
	}
	return &reg, nil
}

func (b *EtcdBackend) ListServices(ctx context.Context) ([]*ServiceRegistration, error) {
	return b.Discover(ctx, "")
}

// Cleanup deletes registrations whose updated_at is older than their TTL.
func (b *EtcdBackend) Cleanup(ctx context.Context, now time.Time) (int, error) {
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

// Close releases the client when the backend owns one.
func (b *EtcdBackend) Close() error {
	if b.client == nil {
		return nil
	}
	return b.client.Close()
}

func etcdError(op, id string, err error) error {
	kind := core.KindNetwork
	if errors.Is(err, context.DeadlineExceeded) {
		kind = core.KindTimeout
	}
	return &core.ClusterError{
		Op:   op,
		Kind: kind,
		ID:   id,
		Err:  fmt.Errorf("%v: %w", err, core.ErrDiscoveryUnavailable),
	}
}
