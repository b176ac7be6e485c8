package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/itsneelabh/gomind-cluster/core"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// StdoutEndpoint selects the stdout exporters instead of OTLP.
const StdoutEndpoint = "stdout"

const instrumentationName = "github.com/itsneelabh/gomind-cluster"

// OTelProvider implements core.Telemetry with OpenTelemetry.
type OTelProvider struct {
	tracer         trace.Tracer
	instruments    *MetricInstruments
	limiter        *CardinalityLimiter
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	logger         core.Logger
}

type providerOptions struct {
	spanExporter sdktrace.SpanExporter
	metricReader sdkmetric.Reader
	version      string
	logger       core.Logger
	labelLimits  map[string]int
	setGlobal    bool
}

// ProviderOption configures an OTelProvider.
type ProviderOption func(*providerOptions)

// WithSpanExporter replaces the exporter derived from the endpoint. Spans
// are exported synchronously.
func WithSpanExporter(exporter sdktrace.SpanExporter) ProviderOption {
	return func(o *providerOptions) { o.spanExporter = exporter }
}

// WithMetricReader replaces the periodic reader derived from the endpoint.
func WithMetricReader(reader sdkmetric.Reader) ProviderOption {
	return func(o *providerOptions) { o.metricReader = reader }
}

// WithServiceVersion sets the service.version resource attribute.
func WithServiceVersion(version string) ProviderOption {
	return func(o *providerOptions) { o.version = version }
}

// WithProviderLogger sets the logger for instrument failures.
func WithProviderLogger(logger core.Logger) ProviderOption {
	return func(o *providerOptions) { o.logger = core.ComponentLogger(logger, "cluster/telemetry") }
}

// WithLabelLimits overrides DefaultLabelLimits.
func WithLabelLimits(limits map[string]int) ProviderOption {
	return func(o *providerOptions) { o.labelLimits = limits }
}

// WithGlobal installs the providers and the W3C trace context propagator
// as the process-wide OpenTelemetry defaults.
func WithGlobal() ProviderOption {
	return func(o *providerOptions) { o.setGlobal = true }
}

// NewOTelProvider creates tracer and meter providers for cfg. The endpoint
// "stdout" writes both signals to stdout; any other endpoint is an OTLP
// gRPC collector address.
func NewOTelProvider(ctx context.Context, cfg core.TelemetryConfig, opts ...ProviderOption) (*OTelProvider, error) {
	o := providerOptions{
		version:     "dev",
		logger:      &core.NoOpLogger{},
		labelLimits: DefaultLabelLimits,
	}
	for _, opt := range opts {
		opt(&o)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "agentx-cluster"
	}
	res, err := resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(o.version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	traceOpt, err := spanProcessorOption(ctx, cfg, o.spanExporter)
	if err != nil {
		return nil, fmt.Errorf("failed to create span exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(traceOpt, sdktrace.WithResource(res))

	reader := o.metricReader
	if reader == nil {
		exporter, err := metricExporter(ctx, cfg)
		if err != nil {
			_ = tp.Shutdown(ctx)
			return nil, fmt.Errorf("failed to create metric exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exporter)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))

	if o.setGlobal {
		otel.SetTracerProvider(tp)
		otel.SetMeterProvider(mp)
		otel.SetTextMapPropagator(propagation.TraceContext{})
	}

	o.logger.Info("OpenTelemetry provider created", map[string]interface{}{
		"service_name": serviceName,
		"endpoint":     cfg.Endpoint,
		"insecure":     cfg.Insecure,
	})

	return &OTelProvider{
		tracer:         tp.Tracer(instrumentationName),
		instruments:    NewMetricInstruments(mp.Meter(instrumentationName)),
		limiter:        NewCardinalityLimiter(o.labelLimits),
		tracerProvider: tp,
		meterProvider:  mp,
		logger:         o.logger,
	}, nil
}

func spanProcessorOption(ctx context.Context, cfg core.TelemetryConfig, injected sdktrace.SpanExporter) (sdktrace.TracerProviderOption, error) {
	if injected != nil {
		return sdktrace.WithSyncer(injected), nil
	}
	if cfg.Endpoint == StdoutEndpoint {
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(os.Stdout))
		if err != nil {
			return nil, err
		}
		return sdktrace.WithBatcher(exporter), nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return sdktrace.WithBatcher(exporter), nil
}

func metricExporter(ctx context.Context, cfg core.TelemetryConfig) (sdkmetric.Exporter, error) {
	if cfg.Endpoint == StdoutEndpoint {
		return stdoutmetric.New(stdoutmetric.WithWriter(os.Stdout))
	}
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	return otlpmetricgrpc.New(ctx, opts...)
}

// StartSpan starts a new telemetry span
func (o *OTelProvider) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	ctx, span := o.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

// RecordMetric adds to a counter or sets a gauge depending on name.
func (o *OTelProvider) RecordMetric(name string, value float64, labels map[string]string) {
	if err := o.instruments.Record(context.Background(), name, value, o.limiter.Apply(name, labels)); err != nil {
		o.logger.Warn("Failed to record metric", map[string]interface{}{
			"metric": name,
			"error":  err,
		})
	}
}

// Shutdown flushes and stops both providers.
func (o *OTelProvider) Shutdown(ctx context.Context) error {
	return errors.Join(o.tracerProvider.Shutdown(ctx), o.meterProvider.Shutdown(ctx))
}

// otelSpan wraps an OpenTelemetry span to implement core.Span
type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() {
	s.span.End()
}

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	case []string:
		s.span.SetAttributes(attribute.StringSlice(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (s *otelSpan) RecordError(err error) {
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}
