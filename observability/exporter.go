package observability

// https://opentelemetry.io/docs/languages/go/exporters/

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const (
	mapServiceName       = "xordmap"
	mapResourceKey       = "xordmap.map"
	handshakeLatencyName = "xvbst.handshake.latency"
)

// A handshake waits for the in-flight updates only, most of them end
// within a few microseconds. In milliseconds.
var handshakeLatencyBounds = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 50}

// newMapMeterProvider tags every exported series with the map name and
// buckets the handshake latency at the microsecond scale.
func newMapMeterProvider(name string, reader metric.Reader) *metric.MeterProvider {
	res := resource.NewSchemaless(
		attribute.String("service.name", mapServiceName),
		attribute.String(mapResourceKey, mapMeterName(name)),
	)
	return metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(reader),
		metric.WithView(metric.NewView(
			metric.Instrument{Name: handshakeLatencyName},
			metric.Stream{Aggregation: metric.AggregationExplicitBucketHistogram{
				Boundaries: handshakeLatencyBounds,
			}},
		)),
	)
}

// NewConsoleMetricsExporter serves for test/dev environment. It installs
// the global meter provider of the named map and returns its shutdown
// callback.
func NewConsoleMetricsExporter(name string, interval, timeout time.Duration, opts ...stdoutmetric.Option) (func(ctx context.Context) error, error) {
	exporter, err := stdoutmetric.New(opts...)
	if err != nil {
		return nil, err
	}
	mp := newMapMeterProvider(name, metric.NewPeriodicReader(
		exporter,
		metric.WithInterval(interval),
		metric.WithTimeout(timeout),
	))
	otel.SetMeterProvider(mp)
	return mp.Shutdown, nil
}

// NewPrometheusMetricsExporter serves for the product environment, the
// stats of the named map are fetched by HTTP from the prometheus registry.
func NewPrometheusMetricsExporter(name string, opts ...prometheus.Option) (func(ctx context.Context) error, error) {
	exporter, err := prometheus.New(opts...)
	if err != nil {
		return nil, err
	}
	mp := newMapMeterProvider(name, exporter)
	otel.SetMeterProvider(mp)
	return mp.Shutdown, nil
}
