// Package telemetry sets up OpenTelemetry tracing and metrics and provides
// the TracingFilter pipeline stage.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config selects what the providers export and where.
type Config struct {
	// ServiceName is reported as the service.name resource attribute.
	ServiceName string
	// Output receives exported spans and metrics. Defaults to os.Stdout.
	Output io.Writer
	// SampleRatio is the fraction of new traces recorded, in [0, 1].
	SampleRatio float64
	// MetricInterval is the export period for metrics. Defaults to 60s.
	MetricInterval time.Duration
}

// Provider owns the SDK tracer and meter providers.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
}

// Setup builds stdout-exporting providers and installs them, together with
// the W3C trace context propagator, as the global providers.
func Setup(ctx context.Context, cfg Config) (*Provider, error) {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "filtergate"
	}
	interval := cfg.MetricInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}

	res := resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName))

	traceExporter, err := stdouttrace.New(stdouttrace.WithWriter(out))
	if err != nil {
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}
	metricExporter, err := stdoutmetric.New(stdoutmetric.WithWriter(out))
	if err != nil {
		return nil, fmt.Errorf("creating metric exporter: %w", err)
	}

	p := &Provider{
		tracerProvider: sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(traceExporter),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		),
		meterProvider: sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(interval))),
			sdkmetric.WithResource(res),
		),
	}

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetMeterProvider(p.meterProvider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return p, nil
}

// TracerProvider returns the tracer provider.
func (p *Provider) TracerProvider() trace.TracerProvider { return p.tracerProvider }

// MeterProvider returns the meter provider.
func (p *Provider) MeterProvider() metric.MeterProvider { return p.meterProvider }

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	return errors.Join(
		p.tracerProvider.Shutdown(ctx),
		p.meterProvider.Shutdown(ctx),
	)
}
