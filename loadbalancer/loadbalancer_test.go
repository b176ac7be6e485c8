package loadbalancer

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/itsneelabh/gomind-cluster/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBalancer(t *testing.T, strategy Strategy, ids ...string) *LoadBalancer {
	t.Helper()
	lb, err := New(core.LoadBalancerConfig{Strategy: string(strategy)})
	require.NoError(t, err)
	for _, id := range ids {
		require.NoError(t, lb.AddTarget(id, "http://"+id+":8080"))
	}
	return lb
}

func selectN(t *testing.T, lb *LoadBalancer, n int, candidates []string) []string {
	t.Helper()
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := lb.SelectTarget(candidates)
		require.NoError(t, err)
		out = append(out, id)
	}
	return out
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in      string
		want    Strategy
		wantErr bool
	}{
		{"", RoundRobin, false},
		{"round_robin", RoundRobin, false},
		{"RoundRobin", RoundRobin, false},
		{"weighted-round-robin", WeightedRoundRobin, false},
		{"least_connections", LeastConnections, false},
		{"least_response_time", ResponseTime, false},
		{"response_time", ResponseTime, false},
		{"random", Random, false},
		{"consistent_hash", ConsistentHash, false},
		{"fastest", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseStrategy(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, core.IsConfigurationError(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew_InvalidStrategy(t *testing.T) {
	_, err := New(core.LoadBalancerConfig{Strategy: "fastest"})
	assert.Equal(t, core.KindConfig, core.KindOf(err))
}

func TestTargetManagement(t *testing.T) {
	lb := newTestBalancer(t, RoundRobin, "node1", "node2")

	targets := lb.ListTargets()
	require.Len(t, targets, 2)
	assert.Equal(t, "node1", targets[0].ID)
	assert.Equal(t, 1, targets[0].Weight)
	assert.True(t, targets[0].Healthy)

	require.NoError(t, lb.UpdateTargetWeight("node1", 5))
	require.NoError(t, lb.UpdateTargetHealth("node1", false))
	require.NoError(t, lb.RecordResult("node1", true, 80*time.Millisecond))

	// re-adding keeps weight, health and stats
	require.NoError(t, lb.AddTarget("node1", "http://moved:9090"))
	got, err := lb.GetTarget("node1")
	require.NoError(t, err)
	assert.Equal(t, "http://moved:9090", got.Endpoint)
	assert.Equal(t, 5, got.Weight)
	assert.False(t, got.Healthy)
	assert.Equal(t, uint64(1), got.Successes)

	require.NoError(t, lb.RemoveTarget("node1"))
	_, err = lb.GetTarget("node1")
	assert.True(t, errors.Is(err, core.ErrTargetNotFound))
	assert.True(t, core.IsNotFound(err))

	assert.NoError(t, lb.RemoveTarget("node1"), "removing an unknown target is a no-op")
}

func TestTargetManagement_Errors(t *testing.T) {
	lb := newTestBalancer(t, RoundRobin, "node1")

	assert.True(t, core.IsConfigurationError(lb.AddTarget("", "http://x")))
	assert.True(t, core.IsConfigurationError(lb.UpdateTargetWeight("node1", -1)))

	for name, err := range map[string]error{
		"weight":      lb.UpdateTargetWeight("ghost", 1),
		"health":      lb.UpdateTargetHealth("ghost", true),
		"connections": lb.UpdateTargetConnections("ghost", 1),
		"result":      lb.RecordResult("ghost", true, time.Millisecond),
	} {
		assert.True(t, errors.Is(err, core.ErrTargetNotFound), name)
		assert.Equal(t, core.KindLoadBalancer, core.KindOf(err), name)
	}
}

func TestRoundRobin_Sequence(t *testing.T) {
	lb := newTestBalancer(t, RoundRobin, "t1", "t2", "t3")
	candidates := []string{"t1", "t2", "t3"}

	assert.Equal(t, []string{"t1", "t2", "t3", "t1", "t2", "t3"}, selectN(t, lb, 6, candidates))
}

func TestRoundRobin_EachTargetTwiceIn2N(t *testing.T) {
	for _, n := range []int{1, 2, 5, 8} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			ids := make([]string, n)
			for i := range ids {
				ids[i] = fmt.Sprintf("t%d", i)
			}
			lb := newTestBalancer(t, RoundRobin, ids...)

			// start from an arbitrary rotation offset
			selectN(t, lb, 3, ids)

			picks := selectN(t, lb, 2*n, ids)
			counts := map[string]int{}
			for _, id := range picks {
				counts[id]++
			}
			for _, id := range ids {
				assert.Equal(t, 2, counts[id], id)
			}
			assert.Equal(t, picks[:n], picks[n:], "fixed repeating order")
		})
	}
}

func TestRoundRobin_CounterIsShared(t *testing.T) {
	lb := newTestBalancer(t, RoundRobin, "a", "b", "c", "d")

	first, err := lb.SelectTarget([]string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, "a", first)

	// another candidate set advances the same counter
	_, err = lb.SelectTarget([]string{"c", "d"})
	require.NoError(t, err)

	third, err := lb.SelectTarget([]string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, "a", third)
}

func TestSelectTarget_Filtering(t *testing.T) {
	lb := newTestBalancer(t, RoundRobin, "node1", "node2", "node3")
	require.NoError(t, lb.UpdateTargetHealth("node1", false))
	require.NoError(t, lb.UpdateTargetWeight("node3", 0))

	picks := selectN(t, lb, 4, []string{"node1", "node2", "node3", "unknown", "node2"})
	assert.Equal(t, []string{"node2", "node2", "node2", "node2"}, picks)

	require.NoError(t, lb.UpdateTargetHealth("node2", false))

	tests := []struct {
		name       string
		candidates []string
	}{
		{"no candidates", nil},
		{"all filtered", []string{"node1", "node2", "node3"}},
		{"unknown only", []string{"ghost"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := lb.SelectTarget(tt.candidates)
			require.Error(t, err)
			assert.True(t, errors.Is(err, core.ErrNoAvailableEndpoints))
			assert.Equal(t, core.KindLoadBalancer, core.KindOf(err))
		})
	}
}

func TestWeightedRoundRobin(t *testing.T) {
	lb := newTestBalancer(t, WeightedRoundRobin, "a", "b", "c")
	require.NoError(t, lb.UpdateTargetWeight("a", 3))
	require.NoError(t, lb.UpdateTargetWeight("b", 1))
	require.NoError(t, lb.UpdateTargetWeight("c", 2))

	picks := selectN(t, lb, 12, []string{"a", "b", "c"})
	assert.Equal(t, []string{
		"a", "a", "a", "b", "c", "c",
		"a", "a", "a", "b", "c", "c",
	}, picks)
}

func TestLeastConnections(t *testing.T) {
	lb := newTestBalancer(t, LeastConnections, "node1", "node2", "node3")
	require.NoError(t, lb.UpdateTargetConnections("node1", 5))
	require.NoError(t, lb.UpdateTargetConnections("node2", 2))
	require.NoError(t, lb.UpdateTargetConnections("node3", 2))

	picks := selectN(t, lb, 3, []string{"node1", "node2", "node3"})
	assert.Equal(t, []string{"node2", "node2", "node2"}, picks, "ties go to the first candidate")

	id, err := lb.SelectTarget([]string{"node3", "node2"})
	require.NoError(t, err)
	assert.Equal(t, "node3", id)
}

func TestResponseTime(t *testing.T) {
	lb := newTestBalancer(t, ResponseTime, "fast", "slow", "fresh")

	id, err := lb.SelectTarget([]string{"fresh", "slow"})
	require.NoError(t, err)
	assert.Equal(t, "fresh", id, "nothing tracked falls back to the first candidate")

	require.NoError(t, lb.RecordResult("slow", true, 300*time.Millisecond))
	require.NoError(t, lb.RecordResult("fast", true, 40*time.Millisecond))

	id, err = lb.SelectTarget([]string{"fresh", "slow", "fast"})
	require.NoError(t, err)
	assert.Equal(t, "fast", id)

	id, err = lb.SelectTarget([]string{"fresh", "slow"})
	require.NoError(t, err)
	assert.Equal(t, "slow", id, "untracked targets are selected last")
}

func TestRecordResult_MovingAverage(t *testing.T) {
	lb := newTestBalancer(t, ResponseTime, "t1")

	require.NoError(t, lb.RecordResult("t1", true, 80*time.Millisecond))
	got, _ := lb.GetTarget("t1")
	assert.Equal(t, 80*time.Millisecond, got.AvgResponseTime)

	require.NoError(t, lb.RecordResult("t1", false, 160*time.Millisecond))
	got, _ = lb.GetTarget("t1")
	assert.Equal(t, 90*time.Millisecond, got.AvgResponseTime)
	assert.Equal(t, uint64(1), got.Successes)
	assert.Equal(t, uint64(1), got.Failures)
	assert.Equal(t, uint64(2), got.Samples)

	// failures without a timing do not move the average
	require.NoError(t, lb.RecordResult("t1", false, 0))
	got, _ = lb.GetTarget("t1")
	assert.Equal(t, 90*time.Millisecond, got.AvgResponseTime)
	assert.Equal(t, uint64(2), got.Failures)
}

func TestRandom(t *testing.T) {
	lb := newTestBalancer(t, Random, "a", "b", "c")
	require.NoError(t, lb.UpdateTargetHealth("b", false))

	seen := map[string]bool{}
	for _, id := range selectN(t, lb, 200, []string{"a", "b", "c"}) {
		seen[id] = true
	}
	assert.False(t, seen["b"])
	assert.True(t, seen["a"])
	assert.True(t, seen["c"])
}

func TestConsistentHash(t *testing.T) {
	lb := newTestBalancer(t, ConsistentHash, "a", "b", "c", "d")
	candidates := []string{"a", "b", "c", "d"}

	first, err := lb.SelectTargetForKey("session-42", candidates)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := lb.SelectTargetForKey("session-42", candidates)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}

	// removing a different target keeps the mapping
	var other string
	for _, id := range candidates {
		if id != first {
			other = id
			break
		}
	}
	require.NoError(t, lb.UpdateTargetHealth(other, false))
	again, err := lb.SelectTargetForKey("session-42", candidates)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	// keys spread across targets
	spread := map[string]bool{}
	for i := 0; i < 100; i++ {
		id, err := lb.SelectTargetForKey(fmt.Sprintf("key-%d", i), candidates)
		require.NoError(t, err)
		spread[id] = true
	}
	assert.Greater(t, len(spread), 1)
}

func TestSelectTarget_Concurrent(t *testing.T) {
	lb := newTestBalancer(t, RoundRobin, "t1", "t2", "t3")
	candidates := []string{"t1", "t2", "t3"}

	const workers, perWorker = 8, 30
	var (
		mu     sync.Mutex
		counts = map[string]int{}
		wg     sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id, err := lb.SelectTarget(candidates)
				if err != nil {
					continue
				}
				mu.Lock()
				counts[id]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	for _, id := range candidates {
		assert.Equal(t, workers*perWorker/3, counts[id], id)
	}
}
