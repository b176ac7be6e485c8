package discovery

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/itsneelabh/gomind-cluster/core"
)

// MemoryBackend keeps registrations in process memory. All reads return copies.
type MemoryBackend struct {
	mu       sync.RWMutex
	services map[string]*ServiceRegistration
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		services: make(map[string]*ServiceRegistration),
	}
}

func (m *MemoryBackend) Register(ctx context.Context, reg *ServiceRegistration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[reg.ServiceID] = reg.Clone()
	return nil
}

func (m *MemoryBackend) Deregister(ctx context.Context, serviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.services, serviceID)
	return nil
}

func (m *MemoryBackend) Discover(ctx context.Context, capability string) ([]*ServiceRegistration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*ServiceRegistration
	for _, reg := range m.services {
		if capability == "" || reg.Agent.HasCapability(capability) {
			out = append(out, reg.Clone())
		}
	}
	sortRegistrations(out)
	return out, nil
}

func (m *MemoryBackend) UpdateHealth(ctx context.Context, serviceID string, healthy bool, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, ok := m.services[serviceID]
	if !ok {
		return core.NotFoundError("memory.UpdateHealth", serviceID)
	}
	reg.Healthy = healthy
	reg.UpdatedAt = now
	return nil
}

func (m *MemoryBackend) Touch(ctx context.Context, serviceID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, ok := m.services[serviceID]
	if !ok {
		return core.NotFoundError("memory.Touch", serviceID)
	}
	reg.UpdatedAt = now
	return nil
}

func (m *MemoryBackend) GetService(ctx context.Context, serviceID string) (*ServiceRegistration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	reg, ok := m.services[serviceID]
	if !ok {
		return nil, core.NotFoundError("memory.GetService", serviceID)
	}
	return reg.Clone(), nil
}

func (m *MemoryBackend) ListServices(ctx context.Context) ([]*ServiceRegistration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*ServiceRegistration, 0, len(m.services))
	for _, reg := range m.services {
		out = append(out, reg.Clone())
	}
	sortRegistrations(out)
	return out, nil
}

// Cleanup removes entries that expired at now.
func (m *MemoryBackend) Cleanup(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, reg := range m.services {
		if reg.Expired(now) {
			delete(m.services, id)
			removed++
		}
	}
	return removed, nil
}

// sortRegistrations orders by registration time then id so results are stable.
func sortRegistrations(regs []*ServiceRegistration) {
	sort.Slice(regs, func(i, j int) bool {
		if !regs[i].RegisteredAt.Equal(regs[j].RegisteredAt) {
			return regs[i].RegisteredAt.Before(regs[j].RegisteredAt)
		}
		return regs[i].ServiceID < regs[j].ServiceID
	})
}
