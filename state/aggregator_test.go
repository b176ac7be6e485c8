package state

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/itsneelabh/gomind-cluster/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() core.StateConfig {
	return core.StateConfig{
		ClusterID:   "cluster-1",
		ClusterName: "test-cluster",
		AgentExpiry: time.Minute,
		Metadata:    map[string]string{"region": "eu"},
	}
}

func descriptor(id string) core.AgentDescriptor {
	return core.AgentDescriptor{ID: id, Name: "agent " + id, Capabilities: []string{"chat"}}
}

// failingSync rejects every write.
type failingSync struct{ MemoryStateSync }

func (f *failingSync) SyncState(ctx context.Context, snapshot *Snapshot) error {
	return errors.New("store offline")
}

// toggleSync accepts writes until fail is set.
type toggleSync struct {
	MemoryStateSync
	fail bool
}

func (s *toggleSync) SyncState(ctx context.Context, snapshot *Snapshot) error {
	if s.fail {
		return errors.New("store offline")
	}
	return s.MemoryStateSync.SyncState(ctx, snapshot)
}

func TestAggregator_Lifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStateSync()
	a := NewAggregator(testConfig(), store, WithVersion("1.2.3"))

	s := a.GetState()
	assert.Equal(t, core.ClusterInitializing, s.Status)
	assert.Equal(t, "cluster-1", s.ClusterID)
	assert.Equal(t, "test-cluster", s.ClusterName)
	assert.Equal(t, "1.2.3", s.Version)
	assert.Equal(t, 1, s.NodeCount)
	assert.Equal(t, "eu", s.Metadata["region"])

	require.NoError(t, a.Start(ctx))
	assert.ErrorIs(t, a.Start(ctx), core.ErrAlreadyStarted)
	assert.Equal(t, core.ClusterRunning, a.GetState().Status)

	require.NoError(t, a.UpdateClusterStatus(ctx, core.ClusterDegraded))
	synced, err := store.FetchState(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.ClusterDegraded, synced.Status)

	require.NoError(t, a.UpdateClusterStatus(ctx, core.ClusterRunning))
	require.NoError(t, a.Stop(ctx))
	assert.NoError(t, a.Stop(ctx))
	assert.Equal(t, core.ClusterStopped, a.GetState().Status)

	synced, err = store.FetchState(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.ClusterStopped, synced.Status)
}

func TestAggregator_UpdateClusterStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown status", func(t *testing.T) {
		a := NewAggregator(testConfig(), nil)
		err := a.UpdateClusterStatus(ctx, core.ClusterStatus("exploded"))
		assert.True(t, core.IsConfigurationError(err))
		assert.Equal(t, core.ClusterInitializing, a.GetState().Status)
	})

	t.Run("error with reason", func(t *testing.T) {
		a := NewAggregator(testConfig(), nil)
		require.NoError(t, a.MarkError(ctx, "quorum lost"))
		s := a.GetState()
		assert.Equal(t, core.ClusterStatusError, s.Status)
		assert.Equal(t, "quorum lost", s.StatusReason)

		require.NoError(t, a.UpdateClusterStatus(ctx, core.ClusterMaintenance))
		assert.Empty(t, a.GetState().StatusReason)
	})

	t.Run("sync failure", func(t *testing.T) {
		a := NewAggregator(testConfig(), &failingSync{})
		err := a.UpdateClusterStatus(ctx, core.ClusterDegraded)
		require.Error(t, err)
		assert.Equal(t, core.KindStateSync, core.KindOf(err))
		assert.Equal(t, core.ClusterInitializing, a.GetState().Status)
	})

	t.Run("failed start is not reported as running", func(t *testing.T) {
		a := NewAggregator(testConfig(), &failingSync{})
		require.Error(t, a.Start(ctx))
		assert.Equal(t, core.ClusterInitializing, a.GetState().Status)
		assert.NoError(t, a.Stop(ctx))
	})

	t.Run("failed error report keeps the previous reason", func(t *testing.T) {
		store := &toggleSync{}
		a := NewAggregator(testConfig(), store)
		require.NoError(t, a.MarkError(ctx, "quorum lost"))

		store.fail = true
		require.Error(t, a.MarkError(ctx, "disk full"))
		s := a.GetState()
		assert.Equal(t, core.ClusterStatusError, s.Status)
		assert.Equal(t, "quorum lost", s.StatusReason)
	})
}

func TestAggregator_AgentStates(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	a := NewAggregator(testConfig(), nil, WithClock(clock.Now))

	require.NoError(t, a.UpdateAgentState("agent-b", descriptor("b")))
	require.NoError(t, a.UpdateAgentState("agent-a", descriptor("a")))
	assert.Equal(t, 2, a.GetState().AgentCount)

	clock.Advance(time.Second)
	updated := descriptor("a")
	updated.Name = "renamed"
	require.NoError(t, a.UpdateAgentState("agent-a", updated))

	st, err := a.GetAgentState("agent-a")
	require.NoError(t, err)
	assert.Equal(t, "renamed", st.Descriptor.Name)
	assert.True(t, st.UpdatedAt.After(st.RegisteredAt), "refresh keeps registered_at")
	assert.Equal(t, 2, a.GetState().AgentCount)

	ids := []string{}
	for _, s := range a.ListAgentStates() {
		ids = append(ids, s.AgentID)
	}
	assert.Equal(t, []string{"agent-a", "agent-b"}, ids)

	snap := a.GetState()
	require.Contains(t, snap.Agents, "agent-b")
	assert.Equal(t, "agent b", snap.Agents["agent-b"].Descriptor.Name)

	require.NoError(t, a.RemoveAgentState("agent-b"))
	require.NoError(t, a.RemoveAgentState("agent-b"))
	assert.Equal(t, 1, a.GetState().AgentCount)

	_, err = a.GetAgentState("agent-b")
	assert.True(t, errors.Is(err, core.ErrAgentNotFound))
	assert.Equal(t, core.KindAgentNotFound, core.KindOf(err))

	assert.True(t, core.IsConfigurationError(a.UpdateAgentState("", descriptor("x"))))
}

func TestAggregator_SnapshotIsACopy(t *testing.T) {
	a := NewAggregator(testConfig(), nil)
	require.NoError(t, a.UpdateAgentState("agent-a", descriptor("a")))

	snap := a.GetState()
	snap.Metadata["region"] = "us"
	st := snap.Agents["agent-a"]
	st.Descriptor.Capabilities[0] = "mutated"

	again := a.GetState()
	assert.Equal(t, "eu", again.Metadata["region"])
	assert.Equal(t, []string{"chat"}, again.Agents["agent-a"].Descriptor.Capabilities)
}

func TestAggregator_UpdateAgentStats(t *testing.T) {
	a := NewAggregator(testConfig(), nil)
	require.NoError(t, a.UpdateAgentState("agent-a", descriptor("a")))

	stats := AgentStats{MessagesProcessed: 42, Errors: 2, AvgResponseTime: 15 * time.Millisecond}
	require.NoError(t, a.UpdateAgentStats("agent-a", stats))

	st, err := a.GetAgentState("agent-a")
	require.NoError(t, err)
	assert.Equal(t, stats, st.Stats)

	err = a.UpdateAgentStats("agent-missing", stats)
	assert.True(t, core.IsNotFound(err))
}

func TestAggregator_ExpireAgents(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	a := NewAggregator(testConfig(), nil, WithClock(clock.Now))

	require.NoError(t, a.UpdateAgentState("agent-old", descriptor("old")))
	clock.Advance(40 * time.Second)
	require.NoError(t, a.UpdateAgentState("agent-new", descriptor("new")))
	clock.Advance(30 * time.Second)

	require.NoError(t, a.RecordHeartbeat("agent-new"))
	assert.Error(t, a.RecordHeartbeat("agent-missing"))

	assert.Equal(t, 1, a.ExpireAgents())
	_, err := a.GetAgentState("agent-old")
	assert.True(t, core.IsNotFound(err))
	assert.Equal(t, 1, a.GetState().AgentCount)
}

func TestAggregator_RestoresCreationTime(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStateSync()
	created := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.SyncState(ctx, &Snapshot{ClusterID: "cluster-1", CreatedAt: created}))

	a := NewAggregator(testConfig(), store)
	require.NoError(t, a.Start(ctx))
	defer a.Stop(ctx)

	assert.True(t, a.GetState().CreatedAt.Equal(created))
}

func TestAggregator_SetNodeCount(t *testing.T) {
	a := NewAggregator(testConfig(), nil)
	a.SetNodeCount(3)
	assert.Equal(t, 3, a.GetState().NodeCount)
	a.SetNodeCount(0)
	assert.Equal(t, 1, a.GetState().NodeCount)
}

func TestAggregator_BackgroundExpiry(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Now()}
	cfg := testConfig()
	cfg.StatsInterval = 10 * time.Millisecond
	a := NewAggregator(cfg, nil, WithClock(clock.Now))

	require.NoError(t, a.UpdateAgentState("agent-a", descriptor("a")))
	require.NoError(t, a.Start(ctx))
	defer a.Stop(ctx)

	clock.Advance(2 * time.Minute)
	assert.Eventually(t, func() bool {
		return a.GetState().AgentCount == 0
	}, time.Second, 10*time.Millisecond)
}
