package playback_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/bardic/internal/observe"
	"github.com/MrWong99/bardic/internal/playback"
	"github.com/MrWong99/bardic/pkg/audio/mock"
)

const (
	guild   = "guild-1"
	voiceA  = "voice-a"
	voiceB  = "voice-b"
	userOne = "user-1"
)

// harness bundles an orchestrator with its mocks.
type harness struct {
	orch     *playback.Orchestrator
	platform *mock.Platform
	preparer *mock.Preparer
	presence *fakePresence
	fetcher  *fakeFetcher
	resolver *fakeResolver
}

func testConfig() playback.Config {
	cfg := playback.DefaultConfig()
	cfg.LockTimeout = time.Second
	cfg.ConnectTimeout = time.Second
	cfg.IdleTimeout = 0
	return cfg
}

func noopMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return metrics
}

func newHarness(t *testing.T, cfg playback.Config) *harness {
	t.Helper()
	metrics := noopMetrics(t)
	h := &harness{
		platform: &mock.Platform{},
		preparer: &mock.Preparer{},
		presence: &fakePresence{},
		fetcher:  &fakeFetcher{paths: map[string]string{}, fail: map[string]error{}},
		resolver: &fakeResolver{},
	}
	h.orch = playback.New(h.platform, h.preparer, cfg,
		playback.WithMetrics(metrics),
		playback.WithPresence(h.presence),
		playback.WithFetcher(h.fetcher),
		playback.WithResolver(h.resolver),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.orch.Shutdown(ctx)
	})
	return h
}

// connect joins voiceA and returns the mock connection.
func (h *harness) connect(t *testing.T) *mock.Connection {
	t.Helper()
	if _, err := h.orch.EnsureConnected(t.Context(), guild, voiceA); err != nil {
		t.Fatalf("EnsureConnected: %v", err)
	}
	return h.platform.Last()
}

func (h *harness) enqueue(t *testing.T, item playback.Item) int {
	t.Helper()
	pos, err := h.orch.Enqueue(t.Context(), guild, item)
	if err != nil {
		t.Fatalf("Enqueue(%s): %v", item.Label(), err)
	}
	return pos
}

func (h *harness) mode(t *testing.T) playback.Mode {
	t.Helper()
	m, err := h.orch.Mode(t.Context(), guild)
	if err != nil {
		t.Fatalf("Mode: %v", err)
	}
	return m
}

func (h *harness) queueLen(t *testing.T) int {
	t.Helper()
	snap, err := h.orch.QueueSnapshot(t.Context(), guild)
	if err != nil {
		t.Fatalf("QueueSnapshot: %v", err)
	}
	return len(snap)
}

// playedPaths returns the file paths of every source the connection played.
func playedPaths(conn *mock.Connection) []string {
	var out []string
	for _, p := range conn.Plays() {
		if src, ok := p.Source.(*mock.Source); ok {
			out = append(out, src.Path)
		} else {
			out = append(out, "<buffer>")
		}
	}
	return out
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// never asserts that cond stays false for d.
func never(t *testing.T, what string, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			t.Fatalf("unexpected: %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// tempClip writes an empty file that stands in for an uploaded clip.
func tempClip(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("clip"), 0o600); err != nil {
		t.Fatalf("write clip: %v", err)
	}
	return path
}

// ─── fakes ────────────────────────────────────────────────────────────────────

type fakePresence struct {
	mu     sync.Mutex
	humans int
}

func (p *fakePresence) HumansIn(string, string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.humans
}

func (p *fakePresence) set(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.humans = n
}

// fakeFetcher resolves Metadata.URL to a path, or fails. A non-nil gate
// holds every fetch until it is closed.
type fakeFetcher struct {
	mu    sync.Mutex
	paths map[string]string
	fail  map[string]error
	calls []string
	gate  chan struct{}
}

func (f *fakeFetcher) Fetch(ctx context.Context, meta playback.Metadata) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, meta.URL)
	gate := f.gate
	path, ok := f.paths[meta.URL]
	err := f.fail[meta.URL]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errors.New("unknown url")
	}
	return path, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeResolver struct {
	meta playback.Metadata
	err  error
}

func (r *fakeResolver) Resolve(context.Context, string) (playback.Metadata, error) {
	return r.meta, r.err
}
