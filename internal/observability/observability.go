// Package observability configures OpenTelemetry tracing around host
// calls. Ported from oriys-nova's internal/observability.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config controls whether and how tracing is enabled.
type Config struct {
	Enabled     bool
	Exporter    string // not read: Init always uses the OTLP/HTTP exporter
	Endpoint    string
	ServiceName string
	SampleRate  float64
}

var tracerProvider *sdktrace.TracerProvider

// Init configures the global tracer provider. Calling Init with
// Enabled=false installs a no-op provider.
func Init(ctx context.Context, cfg Config) error {
	if !cfg.Enabled {
		otel.SetTracerProvider(trace.NewNoopTracerProvider())
		return nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "botloader-runtime"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 1.0
	}

	exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure())
	if err != nil {
		return fmt.Errorf("observability: create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
		attribute.String("service.component", "botloader-runtime"),
	))
	if err != nil {
		return fmt.Errorf("observability: build resource: %w", err)
	}

	tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRate)),
	)
	otel.SetTracerProvider(tracerProvider)
	return nil
}

// Shutdown flushes and stops the tracer provider, if one was created.
func Shutdown(ctx context.Context) error {
	if tracerProvider == nil {
		return nil
	}
	return tracerProvider.Shutdown(ctx)
}

// Tracer returns a named tracer for a runtime component.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
