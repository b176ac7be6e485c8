package cluster

import (
	"context"
	"testing"

	"github.com/itsneelabh/gomind-cluster/coordinator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_ReportsVersion(t *testing.T) {
	cfg, err := NewConfig(WithNodeName("edge-1"), WithCluster("c1", "test"))
	require.NoError(t, err)

	co, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer co.Close()

	snapshot := co.GetClusterState()
	assert.Equal(t, Version, snapshot.Version)
	assert.Equal(t, "c1", snapshot.ClusterID)
}

func TestNew_VersionOverride(t *testing.T) {
	co, err := New(context.Background(), DefaultConfig(), coordinator.WithVersion("2.0.0"))
	require.NoError(t, err)
	defer co.Close()

	assert.Equal(t, "2.0.0", co.GetClusterState().Version)
}
