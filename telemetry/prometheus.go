package telemetry

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/itsneelabh/gomind-cluster/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector implements core.Telemetry on a Prometheus registry.
// Vectors are created on first use with the label names of that first
// call; later calls fill missing labels with "" and drop unknown ones.
type PrometheusCollector struct {
	registry  *prometheus.Registry
	namespace string
	limiter   *CardinalityLimiter
	logger    core.Logger

	mu       sync.Mutex
	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec
	labels   map[string][]string
}

// PrometheusOption configures a PrometheusCollector.
type PrometheusOption func(*PrometheusCollector)

// WithNamespace prefixes every metric name.
func WithNamespace(namespace string) PrometheusOption {
	return func(p *PrometheusCollector) { p.namespace = namespace }
}

// WithCollectorLogger sets the logger for registration failures.
func WithCollectorLogger(logger core.Logger) PrometheusOption {
	return func(p *PrometheusCollector) { p.logger = core.ComponentLogger(logger, "cluster/telemetry") }
}

// WithCollectorLabelLimits overrides DefaultLabelLimits.
func WithCollectorLabelLimits(limits map[string]int) PrometheusOption {
	return func(p *PrometheusCollector) { p.limiter = NewCardinalityLimiter(limits) }
}

// NewPrometheusCollector records into registry, or into a fresh registry
// carrying the Go and process collectors when registry is nil.
func NewPrometheusCollector(registry *prometheus.Registry, opts ...PrometheusOption) *PrometheusCollector {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	p := &PrometheusCollector{
		registry: registry,
		limiter:  NewCardinalityLimiter(DefaultLabelLimits),
		logger:   &core.NoOpLogger{},
		counters: make(map[string]*prometheus.CounterVec),
		gauges:   make(map[string]*prometheus.GaugeVec),
		labels:   make(map[string][]string),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Registry returns the underlying registry.
func (p *PrometheusCollector) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// StartSpan does not trace.
func (p *PrometheusCollector) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	return ctx, &core.NoOpSpan{}
}

// RecordMetric adds to a counter or sets a gauge depending on name.
func (p *PrometheusCollector) RecordMetric(name string, value float64, labels map[string]string) {
	labels = p.limiter.Apply(name, labels)
	metricName := PrometheusName(p.namespace, name)

	p.mu.Lock()
	defer p.mu.Unlock()

	if IsCounter(name) {
		vec, ok := p.counters[metricName]
		if !ok {
			names := labelNames(labels)
			vec = prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: metricName,
				Help: "Cluster counter " + name,
			}, names)
			if !p.register(metricName, vec) {
				return
			}
			p.counters[metricName] = vec
			p.labels[metricName] = names
		}
		if value < 0 {
			return
		}
		vec.With(p.values(metricName, labels)).Add(value)
		return
	}

	vec, ok := p.gauges[metricName]
	if !ok {
		names := labelNames(labels)
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: metricName,
			Help: "Cluster gauge " + name,
		}, names)
		if !p.register(metricName, vec) {
			return
		}
		p.gauges[metricName] = vec
		p.labels[metricName] = names
	}
	vec.With(p.values(metricName, labels)).Set(value)
}

func (p *PrometheusCollector) register(name string, c prometheus.Collector) bool {
	if err := p.registry.Register(c); err != nil {
		p.logger.Warn("Failed to register Prometheus metric", map[string]interface{}{
			"metric": name,
			"error":  err,
		})
		return false
	}
	return true
}

// values projects labels onto the label names fixed for metricName.
// Caller holds p.mu.
func (p *PrometheusCollector) values(metricName string, labels map[string]string) prometheus.Labels {
	names := p.labels[metricName]
	out := make(prometheus.Labels, len(names))
	for _, n := range names {
		out[n] = labels[n]
	}
	return out
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// PrometheusName converts a dotted metric name into a Prometheus name:
// characters outside [a-zA-Z0-9_] become underscores and the namespace,
// when set, is prepended.
func PrometheusName(namespace, name string) string {
	sanitize := func(s string) string {
		return strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
				return r
			default:
				return '_'
			}
		}, s)
	}
	if namespace == "" {
		return sanitize(name)
	}
	return sanitize(namespace) + "_" + sanitize(name)
}
