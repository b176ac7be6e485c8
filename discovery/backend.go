// Package discovery implements the TTL-backed service registry that tracks
// which agents exist and whether they may receive traffic.
//
// The Registry owns registration semantics (service id derivation, TTL,
// health filtering, periodic sweeps) and delegates storage to a Backend.
// Three backends ship with the package:
//
//   - MemoryBackend: in-process maps, the reference implementation
//   - RedisBackend: one key per registration plus capability index sets
//   - EtcdBackend: one lease-bound key per registration
package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/itsneelabh/gomind-cluster/core"
)

// ServiceRegistration is one discovery entry.
type ServiceRegistration struct {
	ServiceID    string               `json:"service_id"`
	Agent        core.AgentDescriptor `json:"agent"`
	RegisteredAt time.Time            `json:"registered_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
	TTLSeconds   int64                `json:"ttl_seconds"`
	Healthy      bool                 `json:"healthy"`
	Tags         []string             `json:"tags"`
}

// TTL returns the registration lifetime as a duration.
func (r *ServiceRegistration) TTL() time.Duration {
	return time.Duration(r.TTLSeconds) * time.Second
}

// Expired reports whether the entry has not been refreshed within its TTL.
func (r *ServiceRegistration) Expired(now time.Time) bool {
	return now.Sub(r.UpdatedAt) > r.TTL()
}

// Discoverable reports whether the entry may be returned by Discover.
func (r *ServiceRegistration) Discoverable(now time.Time, capability string) bool {
	if !r.Healthy || r.Expired(now) {
		return false
	}
	return capability == "" || r.Agent.HasCapability(capability)
}

// Clone returns a deep copy.
func (r *ServiceRegistration) Clone() *ServiceRegistration {
	out := *r
	out.Agent = r.Agent.Clone()
	out.Tags = append([]string(nil), r.Tags...)
	return &out
}

// Backend stores registrations. Implementations must be safe for concurrent use.
//
// Discover returns every entry declaring capability (all entries when capability
// is empty); health and expiry filtering is applied by the Registry. Deregister
// of an unknown id succeeds. GetService, UpdateHealth and Touch return an error
// matching core.ErrServiceNotFound for unknown ids.
//
// UpdateHealth and Touch are atomic read-modify-writes of a single entry: both
// set updated_at to now, UpdateHealth also sets the healthy flag and Touch
// leaves it untouched. Neither may overwrite a concurrent change to another field.
type Backend interface {
	Register(ctx context.Context, reg *ServiceRegistration) error
	Deregister(ctx context.Context, serviceID string) error
	Discover(ctx context.Context, capability string) ([]*ServiceRegistration, error)
	UpdateHealth(ctx context.Context, serviceID string, healthy bool, now time.Time) error
	Touch(ctx context.Context, serviceID string, now time.Time) error
	GetService(ctx context.Context, serviceID string) (*ServiceRegistration, error)
	ListServices(ctx context.Context) ([]*ServiceRegistration, error)
}

// maxUpdateAttempts bounds optimistic retries of UpdateHealth and Touch in
// backends shared between processes.
const maxUpdateAttempts = 5

func updateConflict(op, serviceID string) error {
	return &core.ClusterError{
		Op:      op,
		Kind:    core.KindServiceDiscovery,
		ID:      serviceID,
		Message: fmt.Sprintf("registration changed concurrently %d times", maxUpdateAttempts),
		Err:     core.ErrDiscoveryUnavailable,
	}
}

// Sweeper is implemented by backends that can evict expired entries.
type Sweeper interface {
	Cleanup(ctx context.Context, now time.Time) (int, error)
}

func malformedRegistration(op, serviceID string, err error) error {
	return &core.ClusterError{
		Op:   op,
		Kind: core.KindServiceDiscovery,
		ID:   serviceID,
		Err:  fmt.Errorf("malformed registration: %w", err),
	}
}

// expiredIDs collects ids of entries that expired at now.
func expiredIDs(regs []*ServiceRegistration, now time.Time) []string {
	var ids []string
	for _, reg := range regs {
		if reg.Expired(now) {
			ids = append(ids, reg.ServiceID)
		}
	}
	return ids
}
