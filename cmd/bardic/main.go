// Command bardic is the entry point for the Bardic soundboard and music bot.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"

	"github.com/MrWong99/bardic/internal/app"
	"github.com/MrWong99/bardic/internal/config"
	"github.com/MrWong99/bardic/internal/discord"
	"github.com/MrWong99/bardic/internal/health"
	"github.com/MrWong99/bardic/internal/media"
	"github.com/MrWong99/bardic/internal/observe"
	"github.com/MrWong99/bardic/internal/playback"
	"github.com/MrWong99/bardic/pkg/audio/ffmpeg"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watchInterval := flag.Duration("watch-interval", 5*time.Second, "how often the config file is checked for changes (0 disables)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "bardic: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "bardic: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.SlogLevel())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("bardic starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"download_dir", cfg.Download.Dir,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	provider, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Discord ───────────────────────────────────────────────────────────────
	bot, err := discord.New(cfg.Discord.Token, discord.WithGuildFilter(cfg.GuildAllowed))
	if err != nil {
		slog.Error("failed to create Discord bot", "err", err)
		return 1
	}

	// ── Playback ──────────────────────────────────────────────────────────────
	ffmpegOpts := []ffmpeg.Option{
		ffmpeg.WithMaxDuration(cfg.Playback.MaxClipDuration),
		ffmpeg.WithTargetLoudness(cfg.Playback.TargetLoudness),
	}
	if cfg.Playback.FFmpegPath != "" {
		ffmpegOpts = append(ffmpegOpts, ffmpeg.WithBinary(cfg.Playback.FFmpegPath))
	}
	preparer := ffmpeg.New(ffmpegOpts...)

	// Lookups and downloads share one budget against the upstream sites.
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.Download.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Download.RatePerSecond), 1)
	}
	ytdlpOpts := media.YtdlpOptions{Proxy: cfg.Download.YtdlpProxy}

	resolver := media.NewResolver(
		media.WithYtdlp(ytdlpOpts),
		media.WithLimiter(limiter),
		media.WithPreferMusic(cfg.Download.PreferMusic),
		media.WithResolverMetrics(metrics),
	)
	fetcher := media.NewFetcher(cfg.Download.Dir, ytdlpOpts, metrics, media.WithFetchLimiter(limiter))

	orch := playback.New(bot.Platform(), preparer, cfg.Orchestrator(),
		playback.WithResolver(resolver),
		playback.WithFetcher(fetcher),
		playback.WithPresence(bot.Presence()),
		playback.WithMetrics(metrics),
	)

	// ── Application ───────────────────────────────────────────────────────────
	opts := []app.Option{
		app.WithLogLevel(level),
		app.WithMetrics(metrics),
		app.WithMetricsHandler(provider.MetricsHandler()),
		app.WithReadyCheck(health.Checker{Name: "discord", Check: bot.Ready}),
		app.WithCloser(bot.Close),
	}
	if *watchInterval > 0 {
		opts = append(opts, app.WithConfigFile(*configPath, *watchInterval))
	}
	application, err := app.New(ctx, cfg, orch, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	bot.OnVoiceEvent(application.HandleVoiceEvent)
	if err := bot.Open(); err != nil {
		slog.Error("failed to connect to Discord", "err", err)
		return 1
	}

	// SIGHUP re-reads the config file without waiting for the next poll.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if err := application.Reload(); err != nil {
					slog.Warn("config reload failed", "err", err)
				}
			}
		}
	}()

	slog.Info("bardic ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		shutdown(application)
		return 1
	}

	slog.Info("shutdown signal received, stopping")
	if err := shutdown(application); err != nil {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// shutdown releases every guild and closes the Discord session.
func shutdown(a *app.App) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
		return err
	}
	return nil
}
