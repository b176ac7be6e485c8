package telemetry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// IsCounter reports whether name denotes a monotonic counter.
func IsCounter(name string) bool {
	return strings.HasSuffix(name, ".total")
}

// MetricInstruments caches OpenTelemetry instruments by name. Counter names
// get a Float64Counter and every other name a synchronous Float64Gauge.
type MetricInstruments struct {
	meter    metric.Meter
	counters map[string]metric.Float64Counter
	gauges   map[string]metric.Float64Gauge
	mu       sync.RWMutex
}

// NewMetricInstruments creates an instrument cache on meter.
func NewMetricInstruments(meter metric.Meter) *MetricInstruments {
	return &MetricInstruments{
		meter:    meter,
		counters: make(map[string]metric.Float64Counter),
		gauges:   make(map[string]metric.Float64Gauge),
	}
}

// Record adds value to the counter or sets the gauge called name.
func (m *MetricInstruments) Record(ctx context.Context, name string, value float64, labels map[string]string) error {
	attrs := metric.WithAttributes(attributes(labels)...)
	if IsCounter(name) {
		counter, err := m.counter(name)
		if err != nil {
			return err
		}
		counter.Add(ctx, value, attrs)
		return nil
	}
	gauge, err := m.gauge(name)
	if err != nil {
		return err
	}
	gauge.Record(ctx, value, attrs)
	return nil
}

func (m *MetricInstruments) counter(name string) (metric.Float64Counter, error) {
	m.mu.RLock()
	counter, exists := m.counters[name]
	m.mu.RUnlock()
	if exists {
		return counter, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Double-check after acquiring write lock
	if counter, exists = m.counters[name]; exists {
		return counter, nil
	}
	counter, err := m.meter.Float64Counter(name)
	if err != nil {
		return nil, fmt.Errorf("failed to create counter %s: %w", name, err)
	}
	m.counters[name] = counter
	return counter, nil
}

func (m *MetricInstruments) gauge(name string) (metric.Float64Gauge, error) {
	m.mu.RLock()
	gauge, exists := m.gauges[name]
	m.mu.RUnlock()
	if exists {
		return gauge, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if gauge, exists = m.gauges[name]; exists {
		return gauge, nil
	}
	gauge, err := m.meter.Float64Gauge(name)
	if err != nil {
		return nil, fmt.Errorf("failed to create gauge %s: %w", name, err)
	}
	m.gauges[name] = gauge
	return gauge, nil
}

// attributes converts labels into attributes sorted by key.
func attributes(labels map[string]string) []attribute.KeyValue {
	if len(labels) == 0 {
		return nil
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]attribute.KeyValue, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, attribute.String(k, labels[k]))
	}
	return attrs
}
