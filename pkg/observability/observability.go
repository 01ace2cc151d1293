// Package observability wires OpenTelemetry tracing and metrics for the
// foundry daemon: OTLP export, RED metrics on the API surface and pipeline
// counters for runs, stages and indexed chunks.
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

const scopeName = "foundry.data-pipeline"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // gRPC collector, e.g. "localhost:4317"
	SampleRate     float64       // 0.0 to 1.0
	BatchTimeout   time.Duration // span batch flush interval
	Enabled        bool
	Insecure       bool // dev only
}

// DefaultConfig returns development defaults: sample everything, local
// collector.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "foundryd",
		ServiceVersion: "dev",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
	}
}

// Provider manages trace and metric providers plus the domain instruments.
// A disabled provider is a valid no-op.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger
	slo            *SLOTracker

	requestCounter metric.Int64Counter
	errorCounter   metric.Int64Counter
	durationHist   metric.Float64Histogram
	activeRuns     metric.Int64UpDownCounter

	runCounter    metric.Int64Counter
	chunksIndexed metric.Int64Counter
	ingestedBytes metric.Int64Counter
	stageDuration metric.Float64Histogram
}

// New creates the provider and, when enabled, installs the global otel
// trace and meter providers.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
		slo:    NewSLOTracker(),
	}
	for _, target := range DefaultSLOTargets() {
		p.slo.SetTarget(target)
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

	p.tracer = otel.Tracer(scopeName,
		trace.WithInstrumentationVersion(config.ServiceVersion),
	)
	p.meter = otel.Meter(scopeName,
		metric.WithInstrumentationVersion(config.ServiceVersion),
	)

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
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
			sdktrace.WithBatchTimeout(p.config.BatchTimeout),
		),
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
			sdkmetric.WithInterval(15*time.Second),
		)),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error

	p.requestCounter, err = p.meter.Int64Counter("foundry.requests.total",
		metric.WithDescription("API requests processed"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}
	p.errorCounter, err = p.meter.Int64Counter("foundry.errors.total",
		metric.WithDescription("Errors across API and pipeline"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return err
	}
	p.durationHist, err = p.meter.Float64Histogram("foundry.request.duration",
		metric.WithDescription("Request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return err
	}
	p.activeRuns, err = p.meter.Int64UpDownCounter("foundry.runs.active",
		metric.WithDescription("Pipeline runs currently executing"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return err
	}
	p.runCounter, err = p.meter.Int64Counter("foundry.runs.total",
		metric.WithDescription("Pipeline runs by terminal status"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return err
	}
	p.chunksIndexed, err = p.meter.Int64Counter("foundry.chunks.indexed",
		metric.WithDescription("Chunks embedded and upserted to the vector store"),
		metric.WithUnit("{chunk}"),
	)
	if err != nil {
		return err
	}
	p.ingestedBytes, err = p.meter.Int64Counter("foundry.ingest.bytes",
		metric.WithDescription("Raw bytes ingested"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}
	p.stageDuration, err = p.meter.Float64Histogram("foundry.stage.duration",
		metric.WithDescription("Pipeline stage duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 15, 60, 300, 900),
	)
	return err
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(scopeName)
	}
	return p.tracer
}

// Meter returns the configured meter.
func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter(scopeName)
	}
	return p.meter
}

// SLO returns the in-process SLO tracker fed by the HTTP middleware and the
// pipeline hooks.
func (p *Provider) SLO() *SLOTracker {
	return p.slo
}

// StartSpan starts a new span with the given name.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordRequest counts one API request.
func (p *Provider) RecordRequest(ctx context.Context, attrs ...attribute.KeyValue) {
	if p.requestCounter != nil {
		p.requestCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordError counts one error with its Go type attached.
func (p *Provider) RecordError(ctx context.Context, err error, attrs ...attribute.KeyValue) {
	if p.errorCounter != nil {
		allAttrs := append(attrs, attribute.String("error.type", fmt.Sprintf("%T", err)))
		p.errorCounter.Add(ctx, 1, metric.WithAttributes(allAttrs...))
	}
}

// RecordDuration records one request duration.
func (p *Provider) RecordDuration(ctx context.Context, duration time.Duration, attrs ...attribute.KeyValue) {
	if p.durationHist != nil {
		p.durationHist.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	}
}

// RecordRunFinished counts one terminal pipeline run and feeds the run SLO.
func (p *Provider) RecordRunFinished(ctx context.Context, status string, duration time.Duration, attrs ...attribute.KeyValue) {
	if p.runCounter != nil {
		allAttrs := append(attrs, AttrRunStatus.String(status))
		p.runCounter.Add(ctx, 1, metric.WithAttributes(allAttrs...))
	}
	p.slo.Record(SLOObservation{
		Operation: OpPipelineRun,
		Latency:   duration,
		Success:   status == "SUCCEEDED",
	})
}

// RecordStageFinished records one stage execution.
func (p *Provider) RecordStageFinished(ctx context.Context, stage, status string, duration time.Duration) {
	if p.stageDuration != nil {
		p.stageDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
			AttrStage.String(stage),
			AttrStageStatus.String(status),
		))
	}
}

// RecordChunksIndexed counts chunks upserted to the vector store.
func (p *Provider) RecordChunksIndexed(ctx context.Context, n int64, attrs ...attribute.KeyValue) {
	if p.chunksIndexed != nil {
		p.chunksIndexed.Add(ctx, n, metric.WithAttributes(attrs...))
	}
}

// RecordIngestedBytes counts raw bytes written to the blob store.
func (p *Provider) RecordIngestedBytes(ctx context.Context, n int64, attrs ...attribute.KeyValue) {
	if p.ingestedBytes != nil {
		p.ingestedBytes.Add(ctx, n, metric.WithAttributes(attrs...))
	}
}

// TrackRun brackets one pipeline run: active gauge, span, terminal counter.
// The returned finish takes the run's terminal status.
func (p *Provider) TrackRun(ctx context.Context, attrs ...attribute.KeyValue) (context.Context, func(status string)) {
	start := time.Now()
	ctx, span := p.StartSpan(ctx, "pipeline.run",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	if p.activeRuns != nil {
		p.activeRuns.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	return ctx, func(status string) {
		if p.activeRuns != nil {
			p.activeRuns.Add(ctx, -1, metric.WithAttributes(attrs...))
		}
		p.RecordRunFinished(ctx, status, time.Since(start), attrs...)
		span.SetAttributes(AttrRunStatus.String(status))
		span.End()
	}
}
