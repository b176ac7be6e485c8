package telemetry

import (
	"context"

	"github.com/itsneelabh/gomind-cluster/core"
)

type multiTelemetry []core.Telemetry

// Multi fans spans and metrics out to every non-nil provider. Each provider
// starts its span on the context returned by the previous one.
func Multi(providers ...core.Telemetry) core.Telemetry {
	out := make(multiTelemetry, 0, len(providers))
	for _, p := range providers {
		if p != nil {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return &core.NoOpTelemetry{}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

func (m multiTelemetry) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	spans := make(multiSpan, 0, len(m))
	for _, p := range m {
		var span core.Span
		ctx, span = p.StartSpan(ctx, name)
		spans = append(spans, span)
	}
	return ctx, spans
}

func (m multiTelemetry) RecordMetric(name string, value float64, labels map[string]string) {
	for _, p := range m {
		p.RecordMetric(name, value, labels)
	}
}

type multiSpan []core.Span

// End ends spans innermost first.
func (s multiSpan) End() {
	for i := len(s) - 1; i >= 0; i-- {
		s[i].End()
	}
}

func (s multiSpan) SetAttribute(key string, value interface{}) {
	for _, span := range s {
		span.SetAttribute(key, value)
	}
}

func (s multiSpan) RecordError(err error) {
	for _, span := range s {
		span.RecordError(err)
	}
}
