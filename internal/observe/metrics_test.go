package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumWhere returns the value of the int64 sum data point carrying key=value.
func sumWhere(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key && kv.Value.AsString() == value {
				return dp.Value
			}
		}
	}
	t.Fatalf("metric %q: data point with %s=%s not found", name, key, value)
	return 0
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestPlaybackStartsCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordPlaybackStart(ctx, "clip", "queue")
	m.RecordPlaybackStart(ctx, "clip", "queue")
	m.RecordPlaybackStart(ctx, "media", "queue")
	m.RecordPlaybackStart(ctx, "buffer", "single_sound")

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "bardic.playback.starts", "kind", "clip"); got != 2 {
		t.Errorf("clip starts = %d, want 2", got)
	}
	if got := sumWhere(t, rm, "bardic.playback.starts", "mode", "single_sound"); got != 1 {
		t.Errorf("single_sound starts = %d, want 1", got)
	}
}

func TestPrepareFailuresCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordPrepareFailure(ctx, "media")

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "bardic.playback.prepare_failures", "kind", "media"); got != 1 {
		t.Errorf("prepare failures = %d, want 1", got)
	}
}

func TestDownloadRecording(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordDownload(ctx, "ready", 3.2)
	m.RecordDownload(ctx, "ready", 12)
	m.RecordDownload(ctx, "failed", 0.4)

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "bardic.download.total", "status", "ready"); got != 2 {
		t.Errorf("ready downloads = %d, want 2", got)
	}

	met := findMetric(rm, "bardic.download.duration")
	if met == nil {
		t.Fatal("duration metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	var total uint64
	for _, dp := range hist.DataPoints {
		total += dp.Count
	}
	if total != 3 {
		t.Errorf("sample count = %d, want 3", total)
	}
}

func TestResolutionsCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordResolution(ctx, "ytdlp", "ok")
	m.RecordResolution(ctx, "ytsearch", "error")

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "bardic.resolve.total", "source", "ytsearch"); got != 1 {
		t.Errorf("ytsearch resolutions = %d, want 1", got)
	}
}

func TestCircuitTransitions(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.RecordCircuitTransition("yt-dlp", "open")
	m.RecordCircuitTransition("yt-dlp", "half-open")
	m.RecordCircuitTransition("ytmusic", "open")

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "bardic.circuit.transitions", "name", "ytmusic"); got != 1 {
		t.Errorf("ytmusic transitions = %d, want 1", got)
	}
	if got := sumWhere(t, rm, "bardic.circuit.transitions", "to", "half-open"); got != 1 {
		t.Errorf("half-open transitions = %d, want 1", got)
	}
}

func TestPlainCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	counters := []struct {
		name string
		c    metric.Int64Counter
		n    int64
	}{
		{"bardic.playback.preemptions", m.Preemptions, 2},
		{"bardic.playback.skips", m.Skips, 3},
		{"bardic.playback.idle_disconnects", m.IdleDisconnects, 1},
		{"bardic.playback.lock_stalls", m.LockStalls, 4},
		{"bardic.download.reclaimed", m.FilesReclaimed, 5},
	}
	for _, tc := range counters {
		tc.c.Add(ctx, tc.n)
	}

	rm := collect(t, reader)
	for _, tc := range counters {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok || len(sum.DataPoints) == 0 {
				t.Fatalf("metric %q has no sum data points", tc.name)
			}
			if got := sum.DataPoints[0].Value; got != tc.n {
				t.Errorf("value = %d, want %d", got, tc.n)
			}
		})
	}
}

func TestActiveConnectionsGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	// UpDownCounters are additive.
	m.ActiveConnections.Add(ctx, 1)
	m.ActiveConnections.Add(ctx, 1)
	m.ActiveConnections.Add(ctx, -1)

	rm := collect(t, reader)
	met := findMetric(rm, "bardic.active_connections")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) == 0 {
		t.Fatal("metric has no sum data points")
	}
	if got := sum.DataPoints[0].Value; got != 1 {
		t.Errorf("gauge value = %d, want 1", got)
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.HTTPRequestDuration.Record(ctx, 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("path", "/healthz"),
		),
	)

	rm := collect(t, reader)
	met := findMetric(rm, "bardic.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
