package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Loudness bounds accepted by ffmpeg's loudnorm filter.
const (
	minLoudness = -70.0
	maxLoudness = -5.0
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Discord
	if cfg.Discord.Token == "" {
		errs = append(errs, errors.New("discord.token is required"))
	}

	// Playback
	p := cfg.Playback
	if p.LockTimeout < 0 {
		errs = append(errs, fmt.Errorf("playback.lock_timeout must not be negative, got %s", p.LockTimeout))
	}
	if p.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("playback.connect_timeout must not be negative, got %s", p.ConnectTimeout))
	}
	if p.MaxQueueLength < 0 {
		errs = append(errs, fmt.Errorf("playback.max_queue_length must not be negative, got %d", p.MaxQueueLength))
	}
	if p.MaxClipDuration < 0 {
		errs = append(errs, fmt.Errorf("playback.max_clip_duration must not be negative, got %s", p.MaxClipDuration))
	}
	if p.TargetLoudness != 0 && (p.TargetLoudness < minLoudness || p.TargetLoudness > maxLoudness) {
		errs = append(errs, fmt.Errorf("playback.target_loudness %.1f is out of range [%.0f, %.0f]", p.TargetLoudness, minLoudness, maxLoudness))
	}

	// Download
	d := cfg.Download
	if d.SweepInterval < 0 {
		errs = append(errs, fmt.Errorf("download.sweep_interval must not be negative, got %s", d.SweepInterval))
	}
	if d.CleanupInterval < 0 {
		errs = append(errs, fmt.Errorf("download.cleanup_interval must not be negative, got %s", d.CleanupInterval))
	}
	if d.Retention < 0 {
		errs = append(errs, fmt.Errorf("download.retention must not be negative, got %s", d.Retention))
	}
	if d.Lookahead < 0 {
		errs = append(errs, fmt.Errorf("download.lookahead must not be negative, got %d", d.Lookahead))
	}
	if d.PerTenantConcurrency < 0 {
		errs = append(errs, fmt.Errorf("download.per_tenant_concurrency must not be negative, got %d", d.PerTenantConcurrency))
	}
	if d.GlobalConcurrency < 0 {
		errs = append(errs, fmt.Errorf("download.global_concurrency must not be negative, got %d", d.GlobalConcurrency))
	}
	if d.PerTenantConcurrency > 0 && d.GlobalConcurrency > 0 && d.PerTenantConcurrency > d.GlobalConcurrency {
		slog.Warn("download.per_tenant_concurrency exceeds global_concurrency; the global cap wins",
			"per_tenant", d.PerTenantConcurrency, "global", d.GlobalConcurrency)
	}
	if d.RatePerSecond < 0 {
		errs = append(errs, fmt.Errorf("download.rate_per_second must not be negative, got %g", d.RatePerSecond))
	}

	// Join sounds
	for user, path := range cfg.JoinSounds {
		if user == "" {
			errs = append(errs, errors.New("join_sounds: empty user id"))
			continue
		}
		if path == "" {
			errs = append(errs, fmt.Errorf("join_sounds[%s]: path is required", user))
			continue
		}
		if _, err := os.Stat(path); err != nil {
			slog.Warn("join sound file is not readable", "user", user, "path", filepath.Clean(path), "err", err)
		}
	}

	seen := make(map[string]bool, len(cfg.StayConnected))
	for i, id := range cfg.StayConnected {
		if id == "" {
			errs = append(errs, fmt.Errorf("stay_connected[%d]: empty guild id", i))
			continue
		}
		if seen[id] {
			errs = append(errs, fmt.Errorf("stay_connected[%d]: duplicate guild id %q", i, id))
		}
		seen[id] = true
	}

	return errors.Join(errs...)
}
