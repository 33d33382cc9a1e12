// Package observability wires OpenTelemetry tracing and metrics for the repair service.
//
// New installs global trace and meter providers exporting over OTLP gRPC. With
// telemetry disabled the global no-op providers stay in place, so instrumented code
// never needs to check.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
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

const instrumentationName = "manifest-repair"

type Config struct {
	ServiceName    string        `mapstructure:"service_name"`
	ServiceVersion string        `mapstructure:"service_version"`
	Environment    string        `mapstructure:"environment"`
	OTLPEndpoint   string        `mapstructure:"otlp_endpoint"` // host:port of the collector
	SampleRate     float64       `mapstructure:"sample_rate"`   // 0.0 to 1.0
	BatchTimeout   time.Duration `mapstructure:"batch_timeout"`
	ExportInterval time.Duration `mapstructure:"export_interval"`
	Enabled        bool          `mapstructure:"enabled"`
	Insecure       bool          `mapstructure:"insecure"`
}

func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "manifest-repair",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		ExportInterval: 15 * time.Second,
	}
}

// Provider owns the exporters and the per-operation instruments.
type Provider struct {
	config *Config
	logger *slog.Logger

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	shutdown       []func(context.Context) error

	operations metric.Int64Counter
	failures   metric.Int64Counter
	duration   metric.Float64Histogram
	inFlight   metric.Int64UpDownCounter
}

type Option func(*Provider)

// WithMeterProvider records into mp instead of the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(p *Provider) { p.meterProvider = mp }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Provider) { p.tracerProvider = tp }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

func New(ctx context.Context, config *Config, opts ...Option) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	for _, opt := range opts {
		opt(p)
	}

	if config.Enabled {
		if err := p.installExporters(ctx); err != nil {
			_ = p.Shutdown(ctx)
			return nil, err
		}
		p.logger.InfoContext(ctx, "telemetry exporting",
			"service", config.ServiceName, "endpoint", config.OTLPEndpoint,
			"sample_rate", config.SampleRate, "insecure", config.Insecure)
	} else {
		p.logger.DebugContext(ctx, "telemetry disabled")
	}
	if p.meterProvider == nil {
		p.meterProvider = otel.GetMeterProvider()
	}
	if p.tracerProvider == nil {
		p.tracerProvider = otel.GetTracerProvider()
	}

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("init operation metrics: %w", err)
	}
	return p, nil
}

func (p *Provider) installExporters(ctx context.Context) error {
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(p.config.ServiceName),
		semconv.ServiceVersion(p.config.ServiceVersion),
		semconv.DeploymentEnvironment(p.config.Environment),
	))
	if err != nil {
		return fmt.Errorf("telemetry resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	traceExporter, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return fmt.Errorf("trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler(p.config.SampleRate))),
	)
	p.shutdown = append(p.shutdown, tp.Shutdown)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	metricExporter, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return fmt.Errorf("metric exporter: %w", err)
	}
	interval := p.config.ExportInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(interval))),
	)
	p.shutdown = append(p.shutdown, mp.Shutdown)
	otel.SetMeterProvider(mp)
	return nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

func (p *Provider) initInstruments() error {
	meter := p.Meter()
	var err error
	if p.operations, err = meter.Int64Counter("repair.operations.total",
		metric.WithDescription("Operations handled, by operation and outcome"),
		metric.WithUnit("{operation}")); err != nil {
		return err
	}
	if p.failures, err = meter.Int64Counter("repair.operation.errors.total",
		metric.WithDescription("Failed operations, by operation and error code"),
		metric.WithUnit("{error}")); err != nil {
		return err
	}
	if p.duration, err = meter.Float64Histogram("repair.operation.duration",
		metric.WithDescription("Operation latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5)); err != nil {
		return err
	}
	p.inFlight, err = meter.Int64UpDownCounter("repair.operations.active",
		metric.WithDescription("Operations in flight"),
		metric.WithUnit("{operation}"))
	return err
}

// Shutdown flushes the exporters installed by New.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(p.shutdown) - 1; i >= 0; i-- {
		if err := p.shutdown[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	p.shutdown = nil
	return errors.Join(errs...)
}

func (p *Provider) Tracer() trace.Tracer {
	return p.tracerProvider.Tracer(instrumentationName, trace.WithInstrumentationVersion(p.config.ServiceVersion))
}

func (p *Provider) Meter() metric.Meter {
	return p.meterProvider.Meter(instrumentationName, metric.WithInstrumentationVersion(p.config.ServiceVersion))
}

// TrackOperation opens a span for name and counts it. Call the returned function once
// with the operation's error (nil on success) and the error's code.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(err error, code string)) {
	start := time.Now()
	ctx, span := p.Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
	base := append([]attribute.KeyValue{attribute.String("operation", name)}, attrs...)
	p.inFlight.Add(ctx, 1, metric.WithAttributes(base...))

	return ctx, func(err error, code string) {
		p.inFlight.Add(ctx, -1, metric.WithAttributes(base...))
		p.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(base...))
		outcome := "ok"
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, code)
			p.failures.Add(ctx, 1, metric.WithAttributes(append(base, attribute.String("error.code", code))...))
		}
		p.operations.Add(ctx, 1, metric.WithAttributes(append(base, attribute.String("outcome", outcome))...))
		span.End()
	}
}
