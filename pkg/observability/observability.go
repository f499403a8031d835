// Package observability sets up OpenTelemetry export for paygate. When
// telemetry is off nothing global is touched and instruments come from the
// no-op providers.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
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

const scope = "github.com/Mindburn-Labs/paygate"

// Config selects what is exported and where.
type Config struct {
	Enabled bool
	// Endpoint is the OTLP gRPC collector, host:port.
	Endpoint   string
	Insecure   bool
	SampleRate float64

	ServiceName    string
	ServiceVersion string
	Environment    string

	// Zero values fall back to 5s span batching and 15s metric export.
	SpanBatchTimeout time.Duration
	MetricInterval   time.Duration
}

// DefaultConfig is telemetry off, pointed at a local collector.
func DefaultConfig() *Config {
	return &Config{
		Endpoint:       "localhost:4317",
		Insecure:       true,
		SampleRate:     1.0,
		ServiceName:    "paygate",
		ServiceVersion: "dev",
		Environment:    "development",
	}
}

// Provider owns the SDK providers created by New.
type Provider struct {
	version string
	tp      *sdktrace.TracerProvider
	mp      *sdkmetric.MeterProvider
}

// New installs OTLP trace and metric pipelines as the global providers when
// cfg.Enabled. Exporters dial lazily, so a missing collector is not an error.
func New(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger := slog.Default().With("component", "observability")
	p := &Provider{version: cfg.ServiceVersion}
	if !cfg.Enabled {
		logger.DebugContext(ctx, "telemetry disabled")
		return p, nil
	}

	// Schemaless so it merges with the SDK default resource whatever its schema.
	res := resource.NewSchemaless(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	)

	tp, err := newTracerProvider(ctx, cfg, res)
	if err != nil {
		return nil, err
	}
	mp, err := newMeterProvider(ctx, cfg, res)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}
	p.tp, p.mp = tp, mp

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	logger.InfoContext(ctx, "telemetry exporting", "endpoint", cfg.Endpoint, "sample_rate", cfg.SampleRate)
	return p, nil
}

func newTracerProvider(ctx context.Context, cfg *Config, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create span exporter: %w", err)
	}
	batch := cfg.SpanBatchTimeout
	if batch <= 0 {
		batch = 5 * time.Second
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
		sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(batch)),
	), nil
}

func newMeterProvider(ctx context.Context, cfg *Config, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}
	interval := cfg.MetricInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))),
	), nil
}

// sampler honours the parent's decision and samples roots at rate.
func sampler(rate float64) sdktrace.Sampler {
	if rate >= 1 {
		return sdktrace.AlwaysSample()
	}
	if rate <= 0 {
		return sdktrace.NeverSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// Exporting reports whether New installed real pipelines.
func (p *Provider) Exporting() bool { return p.tp != nil }

// Shutdown flushes pending spans and metrics.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.tp != nil {
		if err := p.tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace provider: %w", err))
		}
	}
	if p.mp != nil {
		if err := p.mp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Tracer returns the tracer for paygate spans.
func (p *Provider) Tracer() trace.Tracer {
	if p.tp == nil {
		return otel.Tracer(scope)
	}
	return p.tp.Tracer(scope, trace.WithInstrumentationVersion(p.version))
}

// Meter returns the meter for paygate instruments.
func (p *Provider) Meter() metric.Meter {
	if p.mp == nil {
		return otel.Meter(scope)
	}
	return p.mp.Meter(scope, metric.WithInstrumentationVersion(p.version))
}
