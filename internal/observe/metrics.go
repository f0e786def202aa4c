// Package observe provides application-wide observability primitives for
// Bardic: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Bardic metrics.
const meterName = "github.com/MrWong99/bardic"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Playback ---

	// PlaybackStarts counts sources handed to the transport. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("mode", ...)
	PlaybackStarts metric.Int64Counter

	// PrepareFailures counts items whose frame source could not be created.
	// Use with attribute: attribute.String("kind", ...)
	PrepareFailures metric.Int64Counter

	// Preemptions counts play-now requests that interrupted running playback.
	Preemptions metric.Int64Counter

	// Skips counts successful skip requests.
	Skips metric.Int64Counter

	// IdleDisconnects counts transports released by the idle timer.
	IdleDisconnects metric.Int64Counter

	// LockStalls counts tenant lock acquisitions that hit the bounded wait.
	LockStalls metric.Int64Counter

	// --- Download pipeline ---

	// Downloads counts finished downloads. Use with attribute:
	//   attribute.String("status", "ready"|"failed")
	Downloads metric.Int64Counter

	// DownloadDuration tracks how long a media download took.
	DownloadDuration metric.Float64Histogram

	// Resolutions counts query resolutions. Use with attributes:
	//   attribute.String("source", ...), attribute.String("status", ...)
	Resolutions metric.Int64Counter

	// FilesReclaimed counts downloaded files removed by the retention sweep.
	FilesReclaimed metric.Int64Counter

	// CircuitTransitions counts circuit breaker state changes. Use with
	// attributes: attribute.String("name", ...), attribute.String("to", ...)
	CircuitTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveConnections tracks the number of live voice connections.
	ActiveConnections metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// downloadBuckets defines histogram bucket boundaries (in seconds) for
// media downloads, which range from sub-second cache hits to minutes.
var downloadBuckets = []float64{
	0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.PlaybackStarts, err = m.Int64Counter("bardic.playback.starts",
		metric.WithDescription("Total sources started on a transport by item kind and mode."),
	); err != nil {
		return nil, err
	}
	if met.PrepareFailures, err = m.Int64Counter("bardic.playback.prepare_failures",
		metric.WithDescription("Total items skipped because audio preparation failed."),
	); err != nil {
		return nil, err
	}
	if met.Preemptions, err = m.Int64Counter("bardic.playback.preemptions",
		metric.WithDescription("Total play-now requests that interrupted running playback."),
	); err != nil {
		return nil, err
	}
	if met.Skips, err = m.Int64Counter("bardic.playback.skips",
		metric.WithDescription("Total skip requests that stopped an item."),
	); err != nil {
		return nil, err
	}
	if met.IdleDisconnects, err = m.Int64Counter("bardic.playback.idle_disconnects",
		metric.WithDescription("Total voice connections released after the idle timeout."),
	); err != nil {
		return nil, err
	}
	if met.LockStalls, err = m.Int64Counter("bardic.playback.lock_stalls",
		metric.WithDescription("Total tenant lock acquisitions that timed out."),
	); err != nil {
		return nil, err
	}
	if met.Downloads, err = m.Int64Counter("bardic.download.total",
		metric.WithDescription("Total finished media downloads by status."),
	); err != nil {
		return nil, err
	}
	if met.Resolutions, err = m.Int64Counter("bardic.resolve.total",
		metric.WithDescription("Total query resolutions by source and status."),
	); err != nil {
		return nil, err
	}
	if met.FilesReclaimed, err = m.Int64Counter("bardic.download.reclaimed",
		metric.WithDescription("Total downloaded files removed by the retention sweep."),
	); err != nil {
		return nil, err
	}

	if met.CircuitTransitions, err = m.Int64Counter("bardic.circuit.transitions",
		metric.WithDescription("Total circuit breaker state changes by backend and target state."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.DownloadDuration, err = m.Float64Histogram("bardic.download.duration",
		metric.WithDescription("Latency of media downloads."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(downloadBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveConnections, err = m.Int64UpDownCounter("bardic.active_connections",
		metric.WithDescription("Number of live voice connections."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("bardic.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordPlaybackStart records a playback start for the given item kind and
// playback mode.
func (m *Metrics) RecordPlaybackStart(ctx context.Context, kind, mode string) {
	m.PlaybackStarts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("mode", mode),
		),
	)
}

// RecordPrepareFailure records an audio preparation failure for kind.
func (m *Metrics) RecordPrepareFailure(ctx context.Context, kind string) {
	m.PrepareFailures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordDownload records a finished download with its status and latency.
func (m *Metrics) RecordDownload(ctx context.Context, status string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.Downloads.Add(ctx, 1, attrs)
	m.DownloadDuration.Record(ctx, seconds, attrs)
}

// RecordResolution records a query resolution attempt against source.
func (m *Metrics) RecordResolution(ctx context.Context, source, status string) {
	m.Resolutions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("source", source),
			attribute.String("status", status),
		),
	)
}

// RecordCircuitTransition records a breaker named name entering state to.
func (m *Metrics) RecordCircuitTransition(name, to string) {
	m.CircuitTransitions.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("name", name),
			attribute.String("to", to),
		),
	)
}
