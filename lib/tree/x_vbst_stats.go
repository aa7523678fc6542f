package tree

import (
	"context"
	"time"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// xVbstStats is the OpenTelemetry view of the map. The always-on
// counters live in the map itself, a nil stats records nothing.
type xVbstStats struct {
	handshakeCount   metric.Int64Counter
	handshakeLatency metric.Float64Histogram
	queryCount       metric.Int64Counter
	forwardHops      metric.Int64Counter
	approxLen        metric.Int64ObservableGauge
}

func (stats *xVbstStats) recordHandshake(latency time.Duration) {
	if stats == nil {
		return
	}
	stats.handshakeCount.Add(context.Background(), 1)
	stats.handshakeLatency.Record(context.Background(), float64(latency.Microseconds())/1e3)
}

func (stats *xVbstStats) recordQuery() {
	if stats == nil {
		return
	}
	stats.queryCount.Add(context.Background(), 1)
}

func (stats *xVbstStats) recordForwardHops(hops int64) {
	if stats == nil {
		return
	}
	stats.forwardHops.Add(context.Background(), hops)
}

func newXVbstStats(meterName string, approxLen func() int64) *xVbstStats {
	meter := otel.Meter(meterName)
	return &xVbstStats{
		handshakeCount: lo.Must[metric.Int64Counter](meter.
			Int64Counter(
				"xvbst.handshake.count",
				metric.WithDescription("The number of fast to slow transitions."),
			),
		),
		handshakeLatency: lo.Must[metric.Float64Histogram](meter.
			Float64Histogram(
				"xvbst.handshake.latency",
				metric.WithDescription("The leader time of a fast to slow transition. In milliseconds."),
				metric.WithUnit("ms"),
			),
		),
		queryCount: lo.Must[metric.Int64Counter](meter.
			Int64Counter(
				"xvbst.query.count",
				metric.WithDescription("The number of aggregate queries."),
			),
		),
		forwardHops: lo.Must[metric.Int64Counter](meter.
			Int64Counter(
				"xvbst.forward.hops",
				metric.WithDescription("The number of forwarding links followed by the aggregate queries."),
			),
		),
		approxLen: lo.Must[metric.Int64ObservableGauge](meter.
			Int64ObservableGauge(
				"xvbst.len.approx",
				metric.WithDescription("The approximate number of entries."),
				metric.WithInt64Callback(func(ctx context.Context, ob metric.Int64Observer) error {
					ob.Observe(approxLen())
					return nil
				}),
			),
		),
	}
}
