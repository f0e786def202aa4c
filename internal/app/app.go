// Package app wires the Bardic subsystems into a running application.
//
// The App struct owns the lifecycle around the playback orchestrator: New
// seeds per-guild preferences and builds the ops HTTP server, Run executes
// the background loops (download sweeper, retention reclaimer, config
// watcher, HTTP server), and Shutdown tears everything down in order.
//
// Voice-state events from the bot layer enter through HandleVoiceEvent,
// which also produces join sounds.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/bardic/internal/config"
	"github.com/MrWong99/bardic/internal/health"
	"github.com/MrWong99/bardic/internal/observe"
	"github.com/MrWong99/bardic/internal/playback"
	"github.com/MrWong99/bardic/pkg/audio"
)

// shutdownGrace bounds the HTTP server's graceful shutdown.
const shutdownGrace = 5 * time.Second

// App owns all subsystem lifetimes around the playback orchestrator.
type App struct {
	orch    *playback.Orchestrator
	cfg     atomic.Pointer[config.Config]
	metrics *observe.Metrics

	level          *slog.LevelVar
	configPath     string
	watchInterval  time.Duration
	watcher        *config.Watcher
	metricsHandler http.Handler
	checkers       []health.Checker

	handler http.Handler
	server  *http.Server

	// closers are called in order during Shutdown, after the orchestrator.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithLogLevel lets config reloads change the level of the default logger.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithConfigFile watches path and applies hot-reloadable changes.
func WithConfigFile(path string, interval time.Duration) Option {
	return func(a *App) {
		a.configPath = path
		a.watchInterval = interval
	}
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithReadyCheck adds a readiness check to /readyz.
func WithReadyCheck(c health.Checker) Option {
	return func(a *App) { a.checkers = append(a.checkers, c) }
}

// WithMetrics overrides the metrics sink (default [observe.DefaultMetrics]).
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithCloser registers fn to run during Shutdown. Closers run in
// registration order.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App around orch. cfg must have defaults applied.
func New(ctx context.Context, cfg *config.Config, orch *playback.Orchestrator, opts ...Option) (*App, error) {
	a := &App{orch: orch}
	a.cfg.Store(cfg)
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	for _, guildID := range cfg.StayConnected {
		if err := orch.SetStayConnected(ctx, guildID, true); err != nil {
			return nil, fmt.Errorf("app: stay connected in guild %s: %w", guildID, err)
		}
	}

	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.ApplyConfig, config.WithInterval(a.watchInterval))
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		a.watcher = w
	}

	a.handler = a.buildHandler()
	if cfg.Server.ListenAddr != "" {
		a.server = &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           a.handler,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return a, nil
}

func (a *App) buildHandler() http.Handler {
	checkers := append([]health.Checker{{Name: "download_dir", Check: a.checkDownloadDir}}, a.checkers...)
	h := health.New(checkers, health.WithStatus(a.status))

	mux := http.NewServeMux()
	h.Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	return observe.Middleware(a.metrics)(mux)
}

// Handler returns the ops HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Config returns the active configuration.
func (a *App) Config() *config.Config { return a.cfg.Load() }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run executes the background loops until ctx is cancelled or one of them
// fails.
func (a *App) Run(ctx context.Context) error {
	cfg := a.cfg.Load()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.orch.RunSweeper(gctx, cfg.Download.SweepInterval)
	})
	g.Go(func() error {
		return a.orch.RunReclaimer(gctx, cfg.Download.CleanupInterval)
	})
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}
	if a.server != nil {
		g.Go(func() error { return a.serve(cfg.Server.TLS) })
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			return a.server.Shutdown(sctx)
		})
	}

	slog.Info("app running",
		"listen_addr", cfg.Server.ListenAddr,
		"sweep_interval", cfg.Download.SweepInterval,
		"cleanup_interval", cfg.Download.CleanupInterval,
		"watching_config", a.watcher != nil,
	)
	return g.Wait()
}

func (a *App) serve(tls *config.TLSConfig) error {
	var err error
	if tls != nil {
		slog.Info("ops server listening (TLS)", "addr", a.server.Addr)
		err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
	} else {
		slog.Info("ops server listening", "addr", a.server.Addr)
		err = a.server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("app: ops server: %w", err)
}

// Reload re-reads the config file immediately. It is a no-op when no file is
// watched.
func (a *App) Reload() error {
	if a.watcher == nil {
		return nil
	}
	return a.watcher.Reload()
}

// ─── Voice events ────────────────────────────────────────────────────────────

// eventTimeout bounds the work done for one voice event, including a
// possible connect for a join sound.
func (a *App) eventTimeout() time.Duration {
	cfg := a.orch.Config()
	return cfg.LockTimeout + cfg.ConnectTimeout
}

// HandleVoiceEvent feeds ev into the orchestrator and plays the user's join
// sound, if one is configured. It is meant to be called from the bot's event
// goroutine and logs instead of returning errors.
func (a *App) HandleVoiceEvent(ev audio.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), a.eventTimeout())
	defer cancel()

	if err := a.orch.HandleVoiceEvent(ctx, ev); err != nil && !errors.Is(err, playback.ErrClosed) {
		slog.Warn("app: voice event not applied", "type", ev.Type, "guild_id", ev.GuildID, "err", err)
	}
	if ev.Type == audio.EventJoin && !ev.Bot {
		a.playJoinSound(ctx, ev)
	}
}

func (a *App) playJoinSound(ctx context.Context, ev audio.Event) {
	path := a.cfg.Load().JoinSounds[ev.UserID]
	if path == "" {
		return
	}
	log := slog.With("guild_id", ev.GuildID, "channel_id", ev.ChannelID, "user_id", ev.UserID, "path", path)

	started, err := a.orch.PlayNow(ctx, ev.GuildID, ev.ChannelID, playback.NewClip(ev.UserID, path, false))
	switch {
	case err != nil:
		log.Warn("app: join sound failed", "err", err)
	case !started:
		log.Warn("app: join sound could not be prepared")
	default:
		log.Debug("app: join sound playing")
	}
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of diff. It is the
// [config.ChangeFunc] of the app's watcher.
func (a *App) ApplyConfig(_, next *config.Config, diff config.ConfigDiff) {
	a.cfg.Store(next)

	if diff.LogLevelChanged && a.level != nil {
		a.level.Set(diff.NewLogLevel.SlogLevel())
		slog.Info("app: log level changed", "level", diff.NewLogLevel)
	}

	if diff.PlaybackChanged {
		cur := a.orch.Config()
		pb := next.Orchestrator()
		pb.DownloadDir = cur.DownloadDir
		pb.GlobalDownloads = cur.GlobalDownloads
		a.orch.SetConfig(pb)
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.eventTimeout())
	defer cancel()
	for _, id := range diff.StayConnectedAdded {
		if err := a.orch.SetStayConnected(ctx, id, true); err != nil {
			slog.Warn("app: stay connected not applied", "guild_id", id, "err", err)
		}
	}
	for _, id := range diff.StayConnectedRemoved {
		if err := a.orch.SetStayConnected(ctx, id, false); err != nil {
			slog.Warn("app: stay connected not applied", "guild_id", id, "err", err)
		}
	}

	for _, js := range diff.JoinSoundChanges {
		if js.Removed() {
			slog.Info("app: join sound removed", "user_id", js.UserID)
		} else {
			slog.Info("app: join sound set", "user_id", js.UserID, "path", js.NewPath)
		}
	}
}

// ─── Ops ─────────────────────────────────────────────────────────────────────

func (a *App) checkDownloadDir(context.Context) error {
	dir := a.orch.Config().DownloadDir
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return nil
}

type itemStatus struct {
	Kind        string `json:"kind"`
	Title       string `json:"title"`
	RequestedBy string `json:"requested_by,omitempty"`
	Status      string `json:"status,omitempty"`
	Duration    string `json:"duration,omitempty"`
	URL         string `json:"url,omitempty"`
}

type guildStatus struct {
	GuildID string       `json:"guild_id"`
	Mode    string       `json:"mode"`
	Current *itemStatus  `json:"current,omitempty"`
	Queue   []itemStatus `json:"queue"`
	Error   string       `json:"error,omitempty"`
}

func toItemStatus(info playback.ItemInfo) itemStatus {
	s := itemStatus{
		Kind:        info.Kind,
		Title:       info.Title,
		RequestedBy: info.RequestedBy,
		URL:         info.URL,
	}
	if info.Kind == "media" {
		s.Status = info.Status.String()
	}
	if info.Duration > 0 {
		s.Duration = info.Duration.String()
	}
	return s
}

// status is the /statusz snapshot: one entry per known guild.
func (a *App) status(ctx context.Context) any {
	ids := a.orch.Tenants().IDs()
	out := make([]guildStatus, 0, len(ids))
	for _, id := range ids {
		gs := guildStatus{GuildID: id, Queue: []itemStatus{}}
		mode, err := a.orch.Mode(ctx, id)
		if err != nil {
			gs.Error = err.Error()
			out = append(out, gs)
			continue
		}
		gs.Mode = mode.String()
		if cur, ok, err := a.orch.CurrentItem(ctx, id); err == nil && ok {
			s := toItemStatus(cur)
			gs.Current = &s
		}
		if queue, err := a.orch.QueueSnapshot(ctx, id); err == nil {
			for _, info := range queue {
				gs.Queue = append(gs.Queue, toItemStatus(info))
			}
		}
		out = append(out, gs)
	}
	return map[string]any{"guilds": out}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown releases every guild, stops the ops server and runs the closers.
// Errors are joined.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.orch.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("app: ops server: %w", err))
			}
		}
		for i, closer := range a.closers {
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
				errs = append(errs, err)
			}
		}

		slog.Info("shutdown complete")
	})
	return errors.Join(errs...)
}
