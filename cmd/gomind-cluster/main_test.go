package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"-version"}, &out))
	assert.Contains(t, out.String(), "gomind-cluster development")
}

func TestRun_UnknownFlag(t *testing.T) {
	var out bytes.Buffer
	assert.Error(t, run(context.Background(), []string{"-bogus"}, &out))
}

func TestLoadConfig_FileAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cluster.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
node:
  name: edge-7
  role: edge
load_balancer:
  strategy: least_connections
`), 0o600))

	f, err := parseFlags([]string{"-config", path, "-log-level", "debug", "-metrics-addr", "127.0.0.1:9999"}, &bytes.Buffer{})
	require.NoError(t, err)

	cfg, err := loadConfig(f)
	require.NoError(t, err)
	assert.Equal(t, "edge-7", cfg.Node.Name)
	assert.Equal(t, "least_connections", cfg.LoadBalancer.Strategy)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "127.0.0.1:9999", cfg.Telemetry.MetricsAddress)
}

func TestRun_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, []string{"-metrics-addr", "127.0.0.1:0", "-log-level", "error"}, &bytes.Buffer{})
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
}
