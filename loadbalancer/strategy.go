package loadbalancer

import (
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"strings"

	"github.com/itsneelabh/gomind-cluster/core"
)

// Strategy names a selection algorithm.
type Strategy string

const (
	RoundRobin         Strategy = "round_robin"
	WeightedRoundRobin Strategy = "weighted_round_robin"
	LeastConnections   Strategy = "least_connections"
	ResponseTime       Strategy = "response_time"
	Random             Strategy = "random"
	ConsistentHash     Strategy = "consistent_hash"
)

// ParseStrategy maps a configuration value to a Strategy. Matching ignores
// case and accepts dashes for underscores. Empty selects RoundRobin.
func ParseStrategy(s string) (Strategy, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	switch norm {
	case "", "roundrobin", string(RoundRobin):
		return RoundRobin, nil
	case "weightedroundrobin", string(WeightedRoundRobin):
		return WeightedRoundRobin, nil
	case "leastconnections", string(LeastConnections):
		return LeastConnections, nil
	case "responsetime", "least_response_time", string(ResponseTime):
		return ResponseTime, nil
	case string(Random):
		return Random, nil
	case "consistenthash", string(ConsistentHash):
		return ConsistentHash, nil
	}
	return "", &core.ClusterError{
		Op:      "loadbalancer.ParseStrategy",
		Kind:    core.KindConfig,
		ID:      s,
		Message: fmt.Sprintf("unknown load balancing strategy %q", s),
		Err:     core.ErrInvalidConfiguration,
	}
}

func (lb *LoadBalancer) next() int {
	return int(lb.counter.Add(1) - 1)
}

func (lb *LoadBalancer) selectRoundRobin(targets []Target) string {
	return targets[lb.next()%len(targets)].ID
}

// selectWeightedRoundRobin expands each target into weight slots and rotates
// over the slots with the shared counter.
func (lb *LoadBalancer) selectWeightedRoundRobin(targets []Target) string {
	total := 0
	for _, t := range targets {
		total += t.Weight
	}
	slot := lb.next() % total
	for _, t := range targets {
		if slot < t.Weight {
			return t.ID
		}
		slot -= t.Weight
	}
	return targets[0].ID
}

// selectLeastConnections returns the first target with the fewest connections.
func selectLeastConnections(targets []Target) string {
	best := 0
	for i := 1; i < len(targets); i++ {
		if targets[i].Connections < targets[best].Connections {
			best = i
		}
	}
	return targets[best].ID
}

// selectResponseTime returns the tracked target with the lowest average
// response time. Untracked targets are chosen only when nothing is tracked.
func selectResponseTime(targets []Target) string {
	best := -1
	for i := range targets {
		if !targets[i].Tracked() {
			continue
		}
		if best < 0 || targets[i].AvgResponseTime < targets[best].AvgResponseTime {
			best = i
		}
	}
	if best < 0 {
		return targets[0].ID
	}
	return targets[best].ID
}

func selectRandom(targets []Target) string {
	return targets[rand.IntN(len(targets))].ID
}

// selectConsistentHash uses rendezvous hashing: each target scores
// fnv1a(key + "/" + id) and the highest score wins, so a key keeps its target
// while that target stays eligible.
func selectConsistentHash(targets []Target, key string) string {
	var (
		best      string
		bestScore uint64
	)
	for i, t := range targets {
		h := fnv.New64a()
		_, _ = h.Write([]byte(key))
		_, _ = h.Write([]byte{'/'})
		_, _ = h.Write([]byte(t.ID))
		score := h.Sum64()
		if i == 0 || score > bestScore {
			best, bestScore = t.ID, score
		}
	}
	return best
}
