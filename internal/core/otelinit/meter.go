package otelinit

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// InitMeterProvider installs a global MeterProvider backed by a Prometheus
// exporter, so metric names created through otel's metric API (the
// megaservice_* instruments in internal/metrics) are served in Prometheus
// exposition format. Returns the shutdown func and the http.Handler to
// mount at /metrics.
func InitMeterProvider(service string) (shutdown func(context.Context) error, handler http.Handler) {
	exp, err := prometheus.New()
	if err != nil {
		slog.Warn("prometheus exporter init failed", "error", err)
		return func(context.Context) error { return nil }, nil
	}

	res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
	))

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exp), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	slog.Info("prometheus metrics exporter initialized")
	return mp.Shutdown, promhttp.Handler()
}
