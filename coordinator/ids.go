package coordinator

import "sync"

// idTable maps agent ids to the service ids used as keys by the registry,
// the load balancer, the health monitor and the state aggregator, and back.
type idTable struct {
	mu        sync.RWMutex
	toService map[string]string
	toAgent   map[string]string
}

func newIDTable() *idTable {
	return &idTable{
		toService: make(map[string]string),
		toAgent:   make(map[string]string),
	}
}

func (t *idTable) bind(agentID, serviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.toService[agentID]; ok && old != serviceID {
		delete(t.toAgent, old)
	}
	t.toService[agentID] = serviceID
	t.toAgent[serviceID] = agentID
}

// unbind removes the pair that contains id, given as either side.
func (t *idTable) unbind(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if serviceID, ok := t.toService[id]; ok {
		delete(t.toService, id)
		delete(t.toAgent, serviceID)
		return
	}
	if agentID, ok := t.toAgent[id]; ok {
		delete(t.toAgent, id)
		delete(t.toService, agentID)
	}
}

// service resolves an agent id, or a service id passed as-is, to a known service id.
func (t *idTable) service(id string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if serviceID, ok := t.toService[id]; ok {
		return serviceID, true
	}
	if _, ok := t.toAgent[id]; ok {
		return id, true
	}
	return "", false
}

func (t *idTable) agent(serviceID string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	agentID, ok := t.toAgent[serviceID]
	return agentID, ok
}

func (t *idTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.toService)
}
