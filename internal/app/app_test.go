package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/bardic/internal/app"
	"github.com/MrWong99/bardic/internal/config"
	"github.com/MrWong99/bardic/internal/health"
	"github.com/MrWong99/bardic/internal/observe"
	"github.com/MrWong99/bardic/internal/playback"
	"github.com/MrWong99/bardic/pkg/audio"
	"github.com/MrWong99/bardic/pkg/audio/mock"
)

// testConfig returns a validated config with defaults applied.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Discord:    config.DiscordConfig{Token: "test"},
		JoinSounds: map[string]string{"user-1": "sounds/hello.ogg"},
	}
	cfg.Download.Dir = t.TempDir()
	cfg.Playback.LockTimeout = time.Second
	cfg.Playback.ConnectTimeout = time.Second
	cfg.Playback.IdleTimeout = -1
	cfg.ApplyDefaults()
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

type fixture struct {
	app      *app.App
	orch     *playback.Orchestrator
	platform *mock.Platform
	preparer *mock.Preparer
}

func newFixture(t *testing.T, cfg *config.Config, opts ...app.Option) *fixture {
	t.Helper()
	metrics := testMetrics(t)
	f := &fixture{platform: &mock.Platform{}, preparer: &mock.Preparer{}}
	f.orch = playback.New(f.platform, f.preparer, cfg.Orchestrator(), playback.WithMetrics(metrics))

	opts = append([]app.Option{app.WithMetrics(metrics)}, opts...)
	a, err := app.New(t.Context(), cfg, f.orch, opts...)
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	f.app = a
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return f
}

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

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
	return rec
}

// ─── Voice events ────────────────────────────────────────────────────────────

func TestHandleVoiceEvent_PlaysJoinSound(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(t))

	f.app.HandleVoiceEvent(audio.Event{Type: audio.EventJoin, GuildID: "g1", ChannelID: "c1", UserID: "user-1"})

	conn := f.platform.Last()
	if conn == nil || conn.ChannelID() != "c1" {
		t.Fatalf("bot did not join c1: %+v", conn)
	}
	plays := conn.Plays()
	if len(plays) != 1 {
		t.Fatalf("plays = %d, want 1", len(plays))
	}
	if src, ok := plays[0].Source.(*mock.Source); !ok || src.Path != "sounds/hello.ogg" {
		t.Errorf("played %+v, want sounds/hello.ogg", plays[0].Source)
	}
	mode, err := f.orch.Mode(t.Context(), "g1")
	if err != nil || mode != playback.ModeSingleSound {
		t.Errorf("mode = %v, %v; want single_sound", mode, err)
	}
}

func TestHandleVoiceEvent_NoJoinSound(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ev   audio.Event
	}{
		{"unknown user", audio.Event{Type: audio.EventJoin, GuildID: "g1", ChannelID: "c1", UserID: "user-2"}},
		{"bot account", audio.Event{Type: audio.EventJoin, GuildID: "g1", ChannelID: "c1", UserID: "user-1", Bot: true}},
		{"leave", audio.Event{Type: audio.EventLeave, GuildID: "g1", ChannelID: "c1", UserID: "user-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, testConfig(t))
			f.app.HandleVoiceEvent(tt.ev)
			if n := f.platform.ConnectCount(); n != 0 {
				t.Errorf("ConnectCount = %d, want 0", n)
			}
		})
	}
}

func TestHandleVoiceEvent_JoinSoundPrepareFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(t))
	f.preparer.SetFail("sounds/hello.ogg", errors.New("no such file"))

	f.app.HandleVoiceEvent(audio.Event{Type: audio.EventJoin, GuildID: "g1", ChannelID: "c1", UserID: "user-1"})

	if conn := f.platform.Last(); conn != nil && len(conn.Plays()) != 0 {
		t.Errorf("plays = %d, want 0", len(conn.Plays()))
	}
	if mode, _ := f.orch.Mode(t.Context(), "g1"); mode != playback.ModeIdle {
		t.Errorf("mode = %v, want idle", mode)
	}
}

func TestHandleVoiceEvent_BotDisconnectKeepsQueue(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(t))

	if _, err := f.orch.EnsureConnected(t.Context(), "g1", "c1"); err != nil {
		t.Fatalf("EnsureConnected: %v", err)
	}
	if _, err := f.orch.Enqueue(t.Context(), "g1", playback.NewClip("user-2", "a.ogg", false)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := f.orch.Enqueue(t.Context(), "g1", playback.NewClip("user-2", "b.ogg", false)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	f.app.HandleVoiceEvent(audio.Event{Type: audio.EventDisconnected, GuildID: "g1", Bot: true})

	queue, err := f.orch.QueueSnapshot(t.Context(), "g1")
	if err != nil || len(queue) != 1 {
		t.Errorf("queue = %v, %v; want the waiting item kept", queue, err)
	}
	if playing, _ := f.orch.IsPlaying(t.Context(), "g1"); playing {
		t.Error("still playing after the transport was lost")
	}
}

// ─── Config ──────────────────────────────────────────────────────────────────

func TestNew_SeedsStayConnected(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Playback.IdleTimeout = 30 * time.Millisecond
	cfg.StayConnected = []string{"stay"}
	f := newFixture(t, cfg)

	if _, err := f.orch.EnsureConnected(t.Context(), "stay", "c1"); err != nil {
		t.Fatalf("EnsureConnected: %v", err)
	}
	if _, err := f.orch.EnsureConnected(t.Context(), "leave", "c1"); err != nil {
		t.Fatalf("EnsureConnected: %v", err)
	}
	conns := f.platform.Connections()

	eventually(t, "idle guild to leave", func() bool { return conns[1].DisconnectCount() > 0 })
	time.Sleep(60 * time.Millisecond)
	if conns[0].DisconnectCount() != 0 {
		t.Error("stay-connected guild was disconnected by the idle timer")
	}
}

func TestApplyConfig(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	level := new(slog.LevelVar)
	f := newFixture(t, cfg, app.WithLogLevel(level))

	next := testConfig(t)
	next.Server.LogLevel = config.LogDebug
	next.Playback.MaxQueueLength = 7
	next.Download.GlobalConcurrency = 99
	next.Download.Dir = "/somewhere/else"
	next.JoinSounds = map[string]string{"user-2": "sounds/horn.ogg"}

	f.app.ApplyConfig(cfg, next, config.Diff(cfg, next))

	if level.Level() != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", level.Level())
	}
	pb := f.orch.Config()
	if pb.MaxQueueLength != 7 {
		t.Errorf("MaxQueueLength = %d, want 7", pb.MaxQueueLength)
	}
	if pb.GlobalDownloads == 99 || pb.DownloadDir == "/somewhere/else" {
		t.Errorf("restart-only settings applied live: %+v", pb)
	}
	if f.app.Config() != next {
		t.Error("Config() does not return the applied config")
	}

	f.app.HandleVoiceEvent(audio.Event{Type: audio.EventJoin, GuildID: "g1", ChannelID: "c1", UserID: "user-2"})
	conn := f.platform.Last()
	if conn == nil || len(conn.Plays()) != 1 {
		t.Fatal("reloaded join sound did not play")
	}
}

func TestWithConfigFile_Reload(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "bardic.yaml")
	write := func(queue int) {
		body := fmt.Sprintf("discord:\n  token: test\ndownload:\n  dir: %s\nplayback:\n  max_queue_length: %d\n", dir, queue)
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write(10)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	f := newFixture(t, cfg, app.WithConfigFile(path, time.Hour))

	write(20)
	if err := f.app.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := f.orch.Config().MaxQueueLength; got != 20 {
		t.Errorf("MaxQueueLength = %d, want 20", got)
	}
}

// ─── Ops server ──────────────────────────────────────────────────────────────

func TestHandler_Endpoints(t *testing.T) {
	t.Parallel()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("bardic_playback_starts_total 1\n"))
	})
	f := newFixture(t, testConfig(t),
		app.WithMetricsHandler(metrics),
		app.WithReadyCheck(health.Checker{Name: "discord", Check: func(context.Context) error { return errors.New("session not ready") }}),
	)
	h := f.app.Handler()

	if rec := get(t, h, "/healthz"); rec.Code != http.StatusOK {
		t.Errorf("/healthz = %d", rec.Code)
	}
	rec := get(t, h, "/readyz")
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "session not ready") {
		t.Errorf("/readyz = %d %s", rec.Code, rec.Body)
	}
	if rec := get(t, h, "/metrics"); !strings.Contains(rec.Body.String(), "bardic_playback_starts_total") {
		t.Errorf("/metrics body = %s", rec.Body)
	}
}

func TestHandler_Statusz(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(t))

	if _, err := f.orch.EnsureConnected(t.Context(), "g1", "c1"); err != nil {
		t.Fatalf("EnsureConnected: %v", err)
	}
	for _, p := range []string{"a.ogg", "b.ogg"} {
		if _, err := f.orch.Enqueue(t.Context(), "g1", playback.NewClip("user-2", p, false)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	rec := get(t, f.app.Handler(), "/statusz")
	if rec.Code != http.StatusOK {
		t.Fatalf("/statusz = %d", rec.Code)
	}
	var body struct {
		Guilds []struct {
			GuildID string `json:"guild_id"`
			Mode    string `json:"mode"`
			Current *struct {
				Title string `json:"title"`
			} `json:"current"`
			Queue []struct {
				Title string `json:"title"`
			} `json:"queue"`
		} `json:"guilds"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Guilds) != 1 {
		t.Fatalf("guilds = %+v", body.Guilds)
	}
	g := body.Guilds[0]
	if g.GuildID != "g1" || g.Mode != "queue" || g.Current == nil || g.Current.Title != "a.ogg" {
		t.Errorf("guild = %+v", g)
	}
	if len(g.Queue) != 1 || g.Queue[0].Title != "b.ogg" {
		t.Errorf("queue = %+v", g.Queue)
	}
}

// ─── Lifecycle ───────────────────────────────────────────────────────────────

func TestRun_StopsOnCancel(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Server.ListenAddr = "127.0.0.1:0"
	f := newFixture(t, cfg)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- f.app.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestShutdown_RunsClosersOnce(t *testing.T) {
	t.Parallel()
	calls := 0
	f := newFixture(t, testConfig(t),
		app.WithCloser(func() error { calls++; return nil }),
		app.WithCloser(func() error { return errors.New("bot close failed") }),
	)

	err := f.app.Shutdown(t.Context())
	if err == nil || !strings.Contains(err.Error(), "bot close failed") {
		t.Errorf("Shutdown = %v, want closer error", err)
	}
	if err := f.app.Shutdown(t.Context()); err != nil {
		t.Errorf("second Shutdown = %v, want nil", err)
	}
	if calls != 1 {
		t.Errorf("closer ran %d times, want 1", calls)
	}
	if _, err := f.orch.Enqueue(t.Context(), "g1", playback.NewClip("u", "a.ogg", false)); !errors.Is(err, playback.ErrClosed) {
		t.Errorf("Enqueue after shutdown = %v, want ErrClosed", err)
	}
}
