package otelinit

import (
	"context"
	"log/slog"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// InitMetrics configures a global meter provider backed by a Prometheus
// exporter/reader, so every counter created against otel.Meter("swarm-go")
// (mesh heartbeats, distributor delegations, resilience retries) is
// actually scrapeable, not just accumulated in memory. Failure to build the
// exporter is logged, not fatal: metrics degrade to a discarding meter
// provider and handler is nil rather than blocking node startup.
func InitMetrics(ctx context.Context, service string) (shutdown func(context.Context) error, handler any, err error) {
	res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
	))

	registry := promclient.NewRegistry()
	exp, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		slog.Warn("prometheus exporter init failed", "error", err)
		mp := metric.NewMeterProvider()
		otel.SetMeterProvider(mp)
		return mp.Shutdown, nil, nil
	}

	mp := metric.NewMeterProvider(metric.WithReader(exp), metric.WithResource(res))
	otel.SetMeterProvider(mp)
	slog.Info("otel meter initialized", "service", service)
	return mp.Shutdown, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}
