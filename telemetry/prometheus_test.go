package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusName(t *testing.T) {
	tests := []struct {
		namespace, name, want string
	}{
		{"", "cluster.select.total", "cluster_select_total"},
		{"agentx", "cluster.agents.registered", "agentx_cluster_agents_registered"},
		{"agent-x", "cluster.health-probes.total", "agent_x_cluster_health_probes_total"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, PrometheusName(tt.namespace, tt.name))
		})
	}
}

func TestPrometheusCollector_CountersAndGauges(t *testing.T) {
	p := NewPrometheusCollector(prometheus.NewRegistry(), WithNamespace("agentx"))

	p.RecordMetric("cluster.select.total", 1, map[string]string{"capability": "chat", "result": "selected"})
	p.RecordMetric("cluster.select.total", 1, map[string]string{"capability": "chat", "result": "selected"})
	p.RecordMetric("cluster.select.total", 1, map[string]string{"capability": "chat", "result": "no_candidates"})
	p.RecordMetric("cluster.agents.registered", 4, nil)
	p.RecordMetric("cluster.agents.registered", 3, nil)

	expected := `
# HELP agentx_cluster_agents_registered Cluster gauge cluster.agents.registered
# TYPE agentx_cluster_agents_registered gauge
agentx_cluster_agents_registered 3
# HELP agentx_cluster_select_total Cluster counter cluster.select.total
# TYPE agentx_cluster_select_total counter
agentx_cluster_select_total{capability="chat",result="no_candidates"} 1
agentx_cluster_select_total{capability="chat",result="selected"} 2
`
	assert.NoError(t, testutil.GatherAndCompare(p.Registry(), strings.NewReader(expected),
		"agentx_cluster_agents_registered", "agentx_cluster_select_total"))
}

func TestPrometheusCollector_InconsistentLabels(t *testing.T) {
	p := NewPrometheusCollector(prometheus.NewRegistry())

	p.RecordMetric("cluster.scaling.decisions.total", 1, map[string]string{"action": "scale_up"})
	p.RecordMetric("cluster.scaling.decisions.total", 1, map[string]string{"action": "scale_up", "extra": "x"})
	p.RecordMetric("cluster.scaling.decisions.total", 1, nil)

	vec := p.counters["cluster_scaling_decisions_total"]
	require.NotNil(t, vec)
	assert.Equal(t, float64(2), testutil.ToFloat64(vec.WithLabelValues("scale_up")))
	assert.Equal(t, float64(1), testutil.ToFloat64(vec.WithLabelValues("")))
}

func TestPrometheusCollector_IgnoresNegativeCounterValues(t *testing.T) {
	p := NewPrometheusCollector(prometheus.NewRegistry())

	assert.NotPanics(t, func() {
		p.RecordMetric("cluster.health.probes.total", -1, map[string]string{"result": "success"})
	})
	p.RecordMetric("cluster.health.probes.total", 1, map[string]string{"result": "success"})

	vec := p.counters["cluster_health_probes_total"]
	assert.Equal(t, float64(1), testutil.ToFloat64(vec.WithLabelValues("success")))
}

func TestPrometheusCollector_Handler(t *testing.T) {
	p := NewPrometheusCollector(nil)
	p.RecordMetric("cluster.agents.registered", 7, nil)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "cluster_agents_registered 7")
	assert.Contains(t, string(body), "go_goroutines", "default registry carries the Go collector")
}

func TestPrometheusCollector_SpansAreNoOps(t *testing.T) {
	p := NewPrometheusCollector(prometheus.NewRegistry())
	ctx := context.WithValue(context.Background(), struct{}{}, "marker")

	got, span := p.StartSpan(ctx, "cluster.SelectTarget")
	assert.Equal(t, ctx, got)
	assert.NotPanics(t, func() {
		span.SetAttribute("k", "v")
		span.RecordError(errors.New("boom"))
		span.End()
	})
}

func TestCardinalityLimiter(t *testing.T) {
	l := NewCardinalityLimiter(map[string]int{"capability": 2})

	assert.Equal(t, "chat", l.CheckAndLimit("m", "capability", "chat"))
	assert.Equal(t, "search", l.CheckAndLimit("m", "capability", "search"))
	assert.Equal(t, OverflowLabelValue, l.CheckAndLimit("m", "capability", "translate"))
	assert.Equal(t, "chat", l.CheckAndLimit("m", "capability", "chat"), "known values pass")
	assert.Equal(t, "translate", l.CheckAndLimit("other.metric", "capability", "translate"), "limits are per metric")
	assert.Equal(t, "anything", l.CheckAndLimit("m", "result", "anything"), "unlimited label")
	assert.Equal(t, 3, l.CurrentCardinality())

	assert.Nil(t, l.Apply("m", nil))
}
