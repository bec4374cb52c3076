// Package telemetry instruments the request lifecycle with
// OpenTelemetry metrics and traces. A manual reader always backs the
// /v1/metrics JSON snapshot; an OTLP pipeline is attached when an
// endpoint is configured.
package telemetry

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
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the telemetry provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint enables gRPC export when non-empty (host:port).
	OTLPEndpoint string
	Insecure     bool
}

// durationBuckets are the explicit histogram bounds, in seconds.
var durationBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0,
}

// Provider owns the meter/tracer providers and the lifecycle
// instruments. A nil *Provider is a valid no-op: every method
// nil-checks, so components can carry telemetry optionally.
type Provider struct {
	reader         *sdkmetric.ManualReader
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	logger         *slog.Logger

	admissions  metric.Int64Counter
	tasks       metric.Int64Counter
	callbacks   metric.Int64Counter
	ticks       metric.Int64Counter
	admissionS  metric.Float64Histogram
	executionS  metric.Float64Histogram
	tickS       metric.Float64Histogram
	callbackS   metric.Float64Histogram
}

// New builds the provider. The manual reader is always installed; OTLP
// readers and the trace exporter are added when cfg.OTLPEndpoint is set.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{
		reader: sdkmetric.NewManualReader(),
		logger: logger.With("component", "telemetry"),
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	meterOpts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(p.reader),
	}
	if cfg.OTLPEndpoint != "" {
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.Insecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		exporter, err := otlpmetricgrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("otlp metric exporter: %w", err)
		}
		meterOpts = append(meterOpts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second)),
		))
	}
	p.meterProvider = sdkmetric.NewMeterProvider(meterOpts...)
	otel.SetMeterProvider(p.meterProvider)

	if cfg.OTLPEndpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("otlp trace exporter: %w", err)
		}
		p.tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(exporter),
		)
		otel.SetTracerProvider(p.tracerProvider)
	}
	p.tracer = otel.Tracer("rudder", trace.WithInstrumentationVersion(cfg.ServiceVersion))

	if err := p.initInstruments(); err != nil {
		return nil, err
	}
	p.logger.InfoContext(ctx, "telemetry initialized",
		"service", cfg.ServiceName, "otlp_endpoint", cfg.OTLPEndpoint)
	return p, nil
}

func (p *Provider) initInstruments() error {
	meter := p.meterProvider.Meter("rudder")
	var err error

	if p.admissions, err = meter.Int64Counter("rudder.admissions.total",
		metric.WithDescription("Envelope admissions by result"),
		metric.WithUnit("{request}")); err != nil {
		return err
	}
	if p.tasks, err = meter.Int64Counter("rudder.tasks.total",
		metric.WithDescription("Task executions by terminal status"),
		metric.WithUnit("{task}")); err != nil {
		return err
	}
	if p.callbacks, err = meter.Int64Counter("rudder.callbacks.total",
		metric.WithDescription("Callback ingestions by outcome"),
		metric.WithUnit("{callback}")); err != nil {
		return err
	}
	if p.ticks, err = meter.Int64Counter("rudder.runner.ticks.total",
		metric.WithDescription("Runner ticks completed"),
		metric.WithUnit("{tick}")); err != nil {
		return err
	}

	hist := func(name, desc string) (metric.Float64Histogram, error) {
		return meter.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(durationBuckets...),
		)
	}
	if p.admissionS, err = hist("rudder.admission.duration", "Admission latency"); err != nil {
		return err
	}
	if p.executionS, err = hist("rudder.execution.duration", "Plan execution latency"); err != nil {
		return err
	}
	if p.tickS, err = hist("rudder.runner.tick.duration", "Runner tick latency"); err != nil {
		return err
	}
	if p.callbackS, err = hist("rudder.callback.duration", "Callback fold latency"); err != nil {
		return err
	}
	return nil
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var first error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			first = err
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// StartSpan opens a span when tracing is configured; otherwise the
// returned span is a no-op.
func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if p == nil || p.tracer == nil {
		return noopSpan(ctx)
	}
	return p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func noopSpan(ctx context.Context) (context.Context, trace.Span) {
	return trace.ContextWithSpan(ctx, trace.SpanFromContext(ctx)), trace.SpanFromContext(ctx)
}

// IncAdmission counts an admission by result (accepted, replayed,
// conflict, denied, invalid, error).
func (p *Provider) IncAdmission(ctx context.Context, result string) {
	if p == nil || p.admissions == nil {
		return
	}
	p.admissions.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// IncTask counts a task transition by status.
func (p *Provider) IncTask(ctx context.Context, status string) {
	if p == nil || p.tasks == nil {
		return
	}
	p.tasks.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// IncCallback counts a callback ingestion by outcome (applied, dropped,
// rejected).
func (p *Provider) IncCallback(ctx context.Context, outcome string) {
	if p == nil || p.callbacks == nil {
		return
	}
	p.callbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// IncTick counts a completed runner tick.
func (p *Provider) IncTick(ctx context.Context) {
	if p == nil || p.ticks == nil {
		return
	}
	p.ticks.Add(ctx, 1)
}

// ObserveAdmission records admission latency.
func (p *Provider) ObserveAdmission(ctx context.Context, d time.Duration) {
	if p == nil || p.admissionS == nil {
		return
	}
	p.admissionS.Record(ctx, d.Seconds())
}

// ObserveExecution records plan execution latency.
func (p *Provider) ObserveExecution(ctx context.Context, d time.Duration) {
	if p == nil || p.executionS == nil {
		return
	}
	p.executionS.Record(ctx, d.Seconds())
}

// ObserveTick records runner tick latency.
func (p *Provider) ObserveTick(ctx context.Context, d time.Duration) {
	if p == nil || p.tickS == nil {
		return
	}
	p.tickS.Record(ctx, d.Seconds())
}

// ObserveCallback records callback fold latency.
func (p *Provider) ObserveCallback(ctx context.Context, d time.Duration) {
	if p == nil || p.callbackS == nil {
		return
	}
	p.callbackS.Record(ctx, d.Seconds())
}
