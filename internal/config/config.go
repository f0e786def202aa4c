// Package config provides the configuration schema, loader, and hot-reload
// watcher for the Bardic playback bot.
package config

import (
	"log/slog"
	"slices"
	"time"

	"github.com/MrWong99/bardic/internal/playback"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l to the matching [slog.Level]. Unknown levels map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Config is the root configuration structure.
type Config struct {
	// Server holds the ops HTTP listener and logging settings.
	Server ServerConfig `yaml:"server"`

	// Discord holds the bot credentials.
	Discord DiscordConfig `yaml:"discord"`

	// Playback tunes the per-guild scheduler.
	Playback PlaybackConfig `yaml:"playback"`

	// Download tunes the prefetcher and retention sweep.
	Download DownloadConfig `yaml:"download"`

	// JoinSounds maps a Discord user ID to a sound file played when that
	// user joins the bot's voice channel.
	JoinSounds map[string]string `yaml:"join_sounds"`

	// StayConnected lists guild IDs where the idle timer never disconnects.
	StayConnected []string `yaml:"stay_connected"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the address of the metrics and health endpoint
	// (e.g., ":9090"). Empty disables the listener.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Valid values: debug, info, warn, error.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS enables HTTPS on the ops listener when set.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds paths to a TLS certificate and private key.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// DiscordConfig holds the bot session settings.
type DiscordConfig struct {
	// Token is the bot token, without the "Bot " prefix.
	Token string `yaml:"token"`

	// GuildIDs optionally restricts the bot to these guilds. Empty allows all.
	GuildIDs []string `yaml:"guild_ids"`
}

// PlaybackConfig tunes the playback orchestrator.
type PlaybackConfig struct {
	LockTimeout    time.Duration `yaml:"lock_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// IdleTimeout is how long the bot stays in a silent channel. A negative
	// value disables the idle timer.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// RequireAlone makes the idle timer leave only when no listener is left.
	// Defaults to true.
	RequireAlone *bool `yaml:"require_alone"`

	MaxQueueLength int `yaml:"max_queue_length"`

	// MaxClipDuration truncates sound clips. Zero means no limit.
	MaxClipDuration time.Duration `yaml:"max_clip_duration"`

	// TargetLoudness is the loudnorm integrated target in LUFS. Zero
	// disables normalisation.
	TargetLoudness float64 `yaml:"target_loudness"`

	// FFmpegPath overrides the ffmpeg binary. Defaults to "ffmpeg" on PATH.
	FFmpegPath string `yaml:"ffmpeg_path"`
}

// DownloadConfig tunes the download pipeline.
type DownloadConfig struct {
	Dir                  string        `yaml:"dir"`
	SweepInterval        time.Duration `yaml:"sweep_interval"`
	Lookahead            int           `yaml:"lookahead"`
	PerTenantConcurrency int           `yaml:"per_tenant_concurrency"`
	GlobalConcurrency    int           `yaml:"global_concurrency"`
	Retention            time.Duration `yaml:"retention"`
	CleanupInterval      time.Duration `yaml:"cleanup_interval"`
	RatePerSecond        float64       `yaml:"rate_per_second"`
	PreferMusic          bool          `yaml:"prefer_music"`
	YtdlpProxy           string        `yaml:"ytdlp_proxy"`
}

// ApplyDefaults fills zero-valued fields with the defaults of
// [playback.DefaultConfig] and the download pipeline.
func (c *Config) ApplyDefaults() {
	d := playback.DefaultConfig()

	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Playback.LockTimeout == 0 {
		c.Playback.LockTimeout = d.LockTimeout
	}
	if c.Playback.ConnectTimeout == 0 {
		c.Playback.ConnectTimeout = d.ConnectTimeout
	}
	if c.Playback.IdleTimeout == 0 {
		c.Playback.IdleTimeout = d.IdleTimeout
	}
	if c.Playback.RequireAlone == nil {
		v := d.RequireAlone
		c.Playback.RequireAlone = &v
	}
	if c.Playback.MaxQueueLength == 0 {
		c.Playback.MaxQueueLength = d.MaxQueueLength
	}
	if c.Download.Dir == "" {
		c.Download.Dir = "downloads"
	}
	if c.Download.SweepInterval == 0 {
		c.Download.SweepInterval = 2 * time.Second
	}
	if c.Download.Lookahead == 0 {
		c.Download.Lookahead = d.Lookahead
	}
	if c.Download.PerTenantConcurrency == 0 {
		c.Download.PerTenantConcurrency = d.PerTenantDownloads
	}
	if c.Download.GlobalConcurrency == 0 {
		c.Download.GlobalConcurrency = d.GlobalDownloads
	}
	if c.Download.Retention == 0 {
		c.Download.Retention = d.Retention
	}
	if c.Download.CleanupInterval == 0 {
		c.Download.CleanupInterval = 30 * time.Minute
	}
	if c.Download.RatePerSecond == 0 {
		c.Download.RatePerSecond = 1
	}
}

// Orchestrator converts the playback and download sections into the
// orchestrator's configuration. It expects defaults to have been applied.
func (c *Config) Orchestrator() playback.Config {
	cfg := playback.Config{
		LockTimeout:        c.Playback.LockTimeout,
		ConnectTimeout:     c.Playback.ConnectTimeout,
		IdleTimeout:        c.Playback.IdleTimeout,
		RequireAlone:       true,
		MaxQueueLength:     c.Playback.MaxQueueLength,
		Lookahead:          c.Download.Lookahead,
		PerTenantDownloads: c.Download.PerTenantConcurrency,
		GlobalDownloads:    c.Download.GlobalConcurrency,
		DownloadDir:        c.Download.Dir,
		Retention:          c.Download.Retention,
	}
	if c.Playback.RequireAlone != nil {
		cfg.RequireAlone = *c.Playback.RequireAlone
	}
	if cfg.IdleTimeout < 0 {
		cfg.IdleTimeout = 0
	}
	return cfg
}

// GuildAllowed reports whether the bot should serve guildID.
func (c *Config) GuildAllowed(guildID string) bool {
	if len(c.Discord.GuildIDs) == 0 {
		return true
	}
	return slices.Contains(c.Discord.GuildIDs, guildID)
}
