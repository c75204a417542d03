// Package observability wires OpenTelemetry tracing and metrics for a
// fabric node: OTLP export, RED (rate, errors, duration) metrics for the
// publish and admission paths, and span helpers that carry envelope trace
// ids into the distributed trace.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "openi.fabric"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // gRPC, e.g. "localhost:4317"
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig samples everything, suitable for development.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "fabric-node",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
	}
}

// Provider manages the node's trace and metric providers. A disabled
// provider is fully functional and records nothing.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	publishCounter  metric.Int64Counter
	denyCounter     metric.Int64Counter
	errorCounter    metric.Int64Counter
	publishDuration metric.Float64Histogram
	admittedAgents  metric.Int64UpDownCounter
}

// New creates a provider and installs it as the process-global OTel setup.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
			attribute.String("fabric.component", "kernel"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init metric provider: %w", err)
	}

	p.tracer = otel.Tracer(instrumentationName,
		trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter(instrumentationName,
		metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initMetrics(); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initMetrics() error {
	var err error

	p.publishCounter, err = p.meter.Int64Counter("fabric.envelopes.published",
		metric.WithDescription("Envelopes accepted for delivery"),
		metric.WithUnit("{envelope}"))
	if err != nil {
		return err
	}

	p.denyCounter, err = p.meter.Int64Counter("fabric.policy.denials",
		metric.WithDescription("Publishes and admissions blocked by policy"),
		metric.WithUnit("{decision}"))
	if err != nil {
		return err
	}

	p.errorCounter, err = p.meter.Int64Counter("fabric.errors.total",
		metric.WithDescription("Transport and kernel errors"),
		metric.WithUnit("{error}"))
	if err != nil {
		return err
	}

	p.publishDuration, err = p.meter.Float64Histogram("fabric.publish.duration",
		metric.WithDescription("Publish pipeline latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0))
	if err != nil {
		return err
	}

	p.admittedAgents, err = p.meter.Int64UpDownCounter("fabric.agents.admitted",
		metric.WithDescription("Currently admitted agent instances"),
		metric.WithUnit("{agent}"))
	return err
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "metric provider shutdown failed", "error", err)
		}
	}
	return nil
}

// Tracer returns the node tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// Meter returns the node meter.
func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter(instrumentationName)
	}
	return p.meter
}

// RecordPublish records one accepted publish.
func (p *Provider) RecordPublish(ctx context.Context, attrs ...attribute.KeyValue) {
	if p.publishCounter != nil {
		p.publishCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordDenial records one policy denial.
func (p *Provider) RecordDenial(ctx context.Context, attrs ...attribute.KeyValue) {
	if p.denyCounter != nil {
		p.denyCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordError records one transport or kernel error.
func (p *Provider) RecordError(ctx context.Context, err error, attrs ...attribute.KeyValue) {
	if p.errorCounter != nil {
		all := append(attrs, attribute.String("error.type", fmt.Sprintf("%T", err)))
		p.errorCounter.Add(ctx, 1, metric.WithAttributes(all...))
	}
}

// AgentAdmitted adjusts the admitted-agent gauge by delta (+1 on admit,
// -1 on revocation or deactivation).
func (p *Provider) AgentAdmitted(ctx context.Context, delta int64, attrs ...attribute.KeyValue) {
	if p.admittedAgents != nil {
		p.admittedAgents.Add(ctx, delta, metric.WithAttributes(attrs...))
	}
}

// TrackPublish opens a span around the publish pipeline and returns a
// completion callback recording duration and outcome.
func (p *Provider) TrackPublish(ctx context.Context, envelopeID, src string) (context.Context, func(err error, denied bool)) {
	start := time.Now()
	attrs := []attribute.KeyValue{
		attribute.String("fabric.envelope.id", envelopeID),
		attribute.String("fabric.envelope.src", src),
	}
	ctx, span := p.Tracer().Start(ctx, "fabric.publish",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...))

	return ctx, func(err error, denied bool) {
		if p.publishDuration != nil {
			p.publishDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
		}
		switch {
		case err != nil:
			span.RecordError(err)
			p.RecordError(ctx, err, attrs...)
		case denied:
			p.RecordDenial(ctx, attrs...)
		default:
			p.RecordPublish(ctx, attrs...)
		}
		span.End()
	}
}
