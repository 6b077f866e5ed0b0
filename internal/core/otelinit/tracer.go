// Package otelinit wires up the process-wide OpenTelemetry tracer and meter
// providers. The tracer is gated by the TELEMETRY_ENDPOINT environment
// variable the same way the original megaservice gated
// ENABLE_OPEA_TELEMETRY; the Prometheus-backed meter provider is always
// installed.
package otelinit

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
)

// TelemetryEnabled reports whether TELEMETRY_ENDPOINT is set, mirroring
// ENABLE_OPEA_TELEMETRY in the Python original.
func TelemetryEnabled() bool {
	return os.Getenv("TELEMETRY_ENDPOINT") != ""
}

// InitTracer configures a global tracer provider with an OTLP gRPC exporter.
// No-op (returns a no-op shutdown) when telemetry is disabled.
func InitTracer(ctx context.Context, service string) func(context.Context) error {
	if !TelemetryEnabled() {
		return func(context.Context) error { return nil }
	}
	endpoint := os.Getenv("TELEMETRY_ENDPOINT")

	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithInsecure()),
	)
	if err != nil {
		slog.Warn("otel trace exporter init failed", "error", err)
		return func(context.Context) error { return nil }
	}

	res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
	))

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	slog.Info("otel tracer initialized", "endpoint", endpoint)
	return tp.Shutdown
}

// Tracer returns the process-wide tracer. Calling Start on it is always
// safe: when telemetry is disabled the global provider is the default
// no-op provider, so spans cost nothing and are simply discarded.
func Tracer() trace.Tracer {
	return otel.Tracer("megaservice")
}

// StartSpan starts a span named name, gated by TelemetryEnabled so the
// schedule engine, node executor and stream stitcher only pay for spans
// when TELEMETRY_ENDPOINT is actually configured (spec.md §6, SPEC_FULL.md
// Domain Stack). When disabled it returns ctx unchanged and the no-op span
// already attached to it.
func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if !TelemetryEnabled() {
		return ctx, trace.SpanFromContext(ctx)
	}
	return Tracer().Start(ctx, name)
}

// Flush gives the tracer provider a bounded window to drain in-flight spans.
func Flush(ctx context.Context, shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_ = shutdown(ctx)
}
