package observability

import (
	"context"
	"runtime"
	"strings"
	"sync"

	"github.com/samber/lo"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/benz9527/xordmap/lib/tree"
)

var (
	runtimeOnce sync.Once
)

// MapStatsSource is implemented by every tree.OrderStatMap.
type MapStatsSource interface {
	ApproxLen() int64
	Stats() tree.OrderStatMapStats
}

type mapStats struct {
	ctx              context.Context
	shutdownCallback func(ctx context.Context) error
	registration     metric.Registration
	goroutines       metric.Int64ObservableUpDownCounter
	approxLen        metric.Int64ObservableGauge
	participants     metric.Int64ObservableGauge
	handshakes       metric.Int64ObservableCounter
	queries          metric.Int64ObservableCounter
}

func (stats *mapStats) waitForShutdown() {
	if stats == nil {
		return
	}
	go func() {
		<-stats.ctx.Done()
		_ = stats.registration.Unregister()
		if stats.shutdownCallback != nil {
			_ = stats.shutdownCallback(context.Background())
		}
	}()
}

func mapMeterName(name string) string {
	builder := &strings.Builder{}
	builder.WriteString("xordmap/map")
	builder.WriteString("/")
	if len(strings.TrimSpace(name)) > 0 {
		builder.WriteString(name)
	} else {
		builder.WriteString("default")
	}
	return builder.String()
}

// InitMapStats observes the map until ctx is done. The Go runtime metrics
// are started once per process. The shutdown callback, usually the one
// of an exporter, runs after ctx is done.
func InitMapStats(ctx context.Context, name string, src MapStatsSource, shutdown ...func(ctx context.Context) error) error {
	meter := otel.Meter(
		mapMeterName(name),
		metric.WithInstrumentationVersion(otelruntime.Version()),
	)
	stats := &mapStats{
		ctx: ctx,
		goroutines: lo.Must[metric.Int64ObservableUpDownCounter](meter.Int64ObservableUpDownCounter(
			"app.core.goroutines",
			metric.WithDescription(`The application goroutines' info.`),
		)),
		approxLen: lo.Must[metric.Int64ObservableGauge](meter.Int64ObservableGauge(
			"xordmap.len.approx",
			metric.WithDescription("The approximate number of entries."),
		)),
		participants: lo.Must[metric.Int64ObservableGauge](meter.Int64ObservableGauge(
			"xordmap.participants",
			metric.WithDescription("The high-water mark of the participant registry."),
		)),
		handshakes: lo.Must[metric.Int64ObservableCounter](meter.Int64ObservableCounter(
			"xordmap.handshakes",
			metric.WithDescription("The number of fast to slow transitions."),
		)),
		queries: lo.Must[metric.Int64ObservableCounter](meter.Int64ObservableCounter(
			"xordmap.queries",
			metric.WithDescription("The number of aggregate queries."),
		)),
	}
	if len(shutdown) > 0 {
		stats.shutdownCallback = shutdown[0]
	}
	reg, err := meter.RegisterCallback(func(ctx context.Context, ob metric.Observer) error {
		s := src.Stats()
		ob.ObserveInt64(stats.goroutines, int64(runtime.NumGoroutine()))
		ob.ObserveInt64(stats.approxLen, src.ApproxLen())
		ob.ObserveInt64(stats.participants, int64(s.Participants))
		ob.ObserveInt64(stats.handshakes, s.HandshakeCount)
		ob.ObserveInt64(stats.queries, s.QueryCount)
		return nil
	}, stats.goroutines, stats.approxLen, stats.participants, stats.handshakes, stats.queries)
	if err != nil {
		return err
	}
	stats.registration = reg

	runtimeOnce.Do(func() {
		_ = otelruntime.Start()
	})
	stats.waitForShutdown()
	return nil
}
