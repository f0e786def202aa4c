package config_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/bardic/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
discord:
  token: test-token
playback:
  idle_timeout: 5m
join_sounds:
  "111": sounds/tada.ogg
`

const watcherUpdatedYAML = `
server:
  log_level: debug
discord:
  token: test-token
playback:
  idle_timeout: 1m
join_sounds:
  "111": sounds/tada.ogg
  "222": sounds/horn.ogg
stay_connected: ["g1"]
`

const watcherInvalidYAML = `
server:
  log_level: bananas
discord:
  token: test-token
`

// writeFile writes content and pushes the mtime forward so pollers notice
// the change regardless of filesystem timestamp granularity.
func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
	bump(t, path)
}

var (
	bumpMu sync.Mutex
	bumpAt = time.Now()
)

func bump(t *testing.T, path string) {
	t.Helper()
	bumpMu.Lock()
	bumpAt = bumpAt.Add(time.Second)
	at := bumpAt
	bumpMu.Unlock()
	if err := os.Chtimes(path, at, at); err != nil {
		t.Fatalf("chtimes %q: %v", path, err)
	}
}

type recorder struct {
	mu    sync.Mutex
	calls int
	old   *config.Config
	new   *config.Config
	diff  config.ConfigDiff
	fired chan struct{}
}

func newRecorder() *recorder { return &recorder{fired: make(chan struct{}, 8)} }

func (r *recorder) onChange(old, new *config.Config, diff config.ConfigDiff) {
	r.mu.Lock()
	r.calls++
	r.old, r.new, r.diff = old, new, diff
	r.mu.Unlock()
	r.fired <- struct{}{}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func newWatcher(t *testing.T, content string, rec *recorder) (*config.Watcher, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, content)
	w, err := config.NewWatcher(path, rec.onChange, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	return w, path
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	w, _ := newWatcher(t, watcherValidYAML, newRecorder())

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() returned nil after initial load")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
	if cfg.Playback.IdleTimeout != 5*time.Minute {
		t.Errorf("idle_timeout: got %v", cfg.Playback.IdleTimeout)
	}
}

func TestWatcher_RunDetectsChange(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	w, path := newWatcher(t, watcherValidYAML, rec)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	writeFile(t, path, watcherUpdatedYAML)

	select {
	case <-rec.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not invoked within timeout")
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.old.Server.LogLevel != config.LogInfo || rec.new.Server.LogLevel != config.LogDebug {
		t.Errorf("log levels: old %q new %q", rec.old.Server.LogLevel, rec.new.Server.LogLevel)
	}
	if !rec.diff.LogLevelChanged || !rec.diff.PlaybackChanged {
		t.Errorf("diff = %+v", rec.diff)
	}
	if len(rec.diff.StayConnectedAdded) != 1 || len(rec.diff.JoinSoundChanges) != 1 {
		t.Errorf("diff = %+v", rec.diff)
	}
	if w.Current().Server.LogLevel != config.LogDebug {
		t.Errorf("Current() log_level: got %q", w.Current().Server.LogLevel)
	}
}

func TestWatcher_InvalidFileKeepsOldConfig(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	w, path := newWatcher(t, watcherValidYAML, rec)

	writeFile(t, path, watcherInvalidYAML)
	if err := w.Reload(); err == nil {
		t.Fatal("Reload of an invalid file succeeded")
	}
	if rec.count() != 0 {
		t.Errorf("callback should not be called for invalid config, got %d calls", rec.count())
	}
	if w.Current().Server.LogLevel != config.LogInfo {
		t.Errorf("Current() should still have old config, got log_level=%q", w.Current().Server.LogLevel)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher("/nonexistent/path.yaml", nil); err == nil {
		t.Fatal("expected error for non-existent file, got nil")
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherInvalidYAML)
	if _, err := config.NewWatcher(path, nil); err == nil {
		t.Fatal("expected error for invalid file, got nil")
	}
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	w, path := newWatcher(t, watcherValidYAML, rec)

	bump(t, path)
	if err := w.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if rec.count() != 0 {
		t.Errorf("callback should not fire for touch-only, got %d calls", rec.count())
	}
}

func TestWatcher_CommentOnlyEditIsSilent(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	w, path := newWatcher(t, watcherValidYAML, rec)

	writeFile(t, path, watcherValidYAML+"# tweaked by hand\n")
	if err := w.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if rec.count() != 0 {
		t.Errorf("callback fired %d times for a comment-only edit", rec.count())
	}
}
