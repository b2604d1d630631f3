// Package observability traces capability executions and keeps RED metrics
// for them, exported over OTLP.
//
// A disabled Provider is safe to use: it records into the global no-op
// tracer and meter.
package observability

import (
	"context"
	"errors"
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

	"github.com/Mindburn-Labs/ccos/pkg/runtime"
)

const (
	instrumentationName = "ccos.core"
	spanName            = "ccos.capability.execute"
)

// Config configures the OTLP exporters.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // gRPC, e.g. "localhost:4317"
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool // plaintext gRPC, dev only
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "ccos",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
	}
}

// Provider records capability executions as spans and RED metrics.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	logger         *slog.Logger

	calls      metric.Int64Counter
	failures   metric.Int64Counter
	duration   metric.Float64Histogram
	inFlight   metric.Int64UpDownCounter
	violations metric.Int64Counter
}

// New builds a Provider exporting to cfg.OTLPEndpoint and installs it as
// the global tracer and meter provider. A disabled config yields a no-op
// Provider.
func New(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger := slog.Default().With("component", "observability")

	if !cfg.Enabled {
		logger.InfoContext(ctx, "observability disabled")
		return newProvider(cfg, otel.Tracer(instrumentationName), otel.Meter(instrumentationName), logger)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
			attribute.String("ccos.component", "core"),
		),
	)
	// Merged attributes are kept when only the schema URLs disagree.
	if err != nil && !errors.Is(err, resource.ErrSchemaURLConflict) {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp, err := newTracerProvider(ctx, cfg, res)
	if err != nil {
		return nil, fmt.Errorf("init trace provider: %w", err)
	}
	mp, err := newMeterProvider(ctx, cfg, res)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("init metric provider: %w", err)
	}
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	p, err := newProvider(cfg,
		tp.Tracer(instrumentationName, trace.WithInstrumentationVersion(cfg.ServiceVersion)),
		mp.Meter(instrumentationName, metric.WithInstrumentationVersion(cfg.ServiceVersion)),
		logger)
	if err != nil {
		return nil, err
	}
	p.tracerProvider, p.meterProvider = tp, mp

	logger.InfoContext(ctx, "observability initialized",
		"service", cfg.ServiceName,
		"environment", cfg.Environment,
		"endpoint", cfg.OTLPEndpoint,
		"sample_rate", cfg.SampleRate,
		"insecure", cfg.Insecure,
	)
	return p, nil
}

func newTracerProvider(ctx context.Context, cfg *Config, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(cfg.BatchTimeout)),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	), nil
}

func newMeterProvider(ctx context.Context, cfg *Config, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	), nil
}

func newProvider(cfg *Config, tracer trace.Tracer, meter metric.Meter, logger *slog.Logger) (*Provider, error) {
	p := &Provider{config: cfg, tracer: tracer, logger: logger}
	var err error
	if p.calls, err = meter.Int64Counter("ccos.capability.calls",
		metric.WithDescription("Capability executions by outcome"),
		metric.WithUnit("{call}"),
	); err != nil {
		return nil, err
	}
	if p.failures, err = meter.Int64Counter("ccos.capability.errors",
		metric.WithDescription("Failed capability executions by error kind"),
		metric.WithUnit("{error}"),
	); err != nil {
		return nil, err
	}
	if p.duration, err = meter.Float64Histogram("ccos.capability.duration",
		metric.WithDescription("Capability execution time"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	); err != nil {
		return nil, err
	}
	if p.inFlight, err = meter.Int64UpDownCounter("ccos.capability.active",
		metric.WithDescription("Capability executions in flight"),
		metric.WithUnit("{call}"),
	); err != nil {
		return nil, err
	}
	if p.violations, err = meter.Int64Counter("ccos.capability.resource_violations",
		metric.WithDescription("Soft resource limit violations"),
		metric.WithUnit("{violation}"),
	); err != nil {
		return nil, err
	}
	return p, nil
}

// Shutdown flushes and stops the exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace provider: %w", err))
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metric provider: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		p.logger.ErrorContext(ctx, "observability shutdown failed", "error", err)
	}
	return nil
}

// TrackCapability opens a span for one execution of capabilityID and
// counts it in flight. Call the returned func with the execution's error.
// planID is a span attribute only; metrics are labelled by capability and
// namespace.
func (p *Provider) TrackCapability(ctx context.Context, capabilityID, namespace, planID string) (context.Context, func(error)) {
	start := time.Now()
	labels := metric.WithAttributes(AttrCapabilityID.String(capabilityID), AttrNamespace.String(namespace))

	ctx, span := p.tracer.Start(ctx, spanName,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(CapabilityOperation(capabilityID, namespace, planID)...),
	)
	p.inFlight.Add(ctx, 1, labels)

	return ctx, func(err error) {
		p.inFlight.Add(ctx, -1, labels)
		outcome := AttrOutcome.String(OutcomeOK)
		if err != nil {
			outcome = AttrOutcome.String(OutcomeError)
			kind := ErrorKindLabel(err)
			span.SetAttributes(AttrErrorKind.String(kind))
			setSpanError(ctx, err)
			p.failures.Add(ctx, 1, labels, metric.WithAttributes(AttrErrorKind.String(kind)))
		}
		p.calls.Add(ctx, 1, labels, metric.WithAttributes(outcome))
		p.duration.Record(ctx, time.Since(start).Seconds(), labels, metric.WithAttributes(outcome))
		span.End()
	}
}

// RecordViolation notes a soft resource violation on the current span and
// in the violation counter.
func (p *Provider) RecordViolation(ctx context.Context, capabilityID, resourceType string) {
	addSpanEvent(ctx, "resource.violation", AttrResource.String(resourceType))
	p.violations.Add(ctx, 1, metric.WithAttributes(
		AttrCapabilityID.String(capabilityID),
		AttrResource.String(resourceType),
	))
}

// ErrorKindLabel is the error.kind label for err: its runtime error kind,
// or "UNCLASSIFIED" for errors raised outside the runtime.
func ErrorKindLabel(err error) string {
	if kind := runtime.KindOf(err); kind != "" {
		return string(kind)
	}
	return "UNCLASSIFIED"
}
