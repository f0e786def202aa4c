package config

import (
	"slices"
	"strings"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PlaybackChanged is true if any hot-reloadable scheduler or prefetch
	// setting changed.
	PlaybackChanged bool

	// StayConnectedAdded and StayConnectedRemoved list guild IDs whose
	// stay-connected flag flipped.
	StayConnectedAdded   []string
	StayConnectedRemoved []string

	// JoinSoundChanges lists users whose join sound was added, replaced or
	// removed.
	JoinSoundChanges []JoinSoundDiff

	// RestartRequired names changed settings that only take effect after a
	// restart.
	RestartRequired []string
}

// JoinSoundDiff describes a changed join sound for one user.
type JoinSoundDiff struct {
	UserID  string
	OldPath string
	NewPath string
}

// Removed reports whether the user no longer has a join sound.
func (j JoinSoundDiff) Removed() bool { return j.NewPath == "" }

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.PlaybackChanged &&
		len(d.StayConnectedAdded) == 0 && len(d.StayConnectedRemoved) == 0 &&
		len(d.JoinSoundChanges) == 0 && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Playback. The download directory and the global download cap are
	// fixed at startup; everything else in the orchestrator config applies
	// immediately.
	oldPB, newPB := old.Orchestrator(), new.Orchestrator()
	if oldPB.DownloadDir != newPB.DownloadDir {
		d.RestartRequired = append(d.RestartRequired, "download.dir")
	}
	if oldPB.GlobalDownloads != newPB.GlobalDownloads {
		d.RestartRequired = append(d.RestartRequired, "download.global_concurrency")
	}
	oldPB.DownloadDir, oldPB.GlobalDownloads = newPB.DownloadDir, newPB.GlobalDownloads
	if oldPB != newPB {
		d.PlaybackChanged = true
	}

	// Settings baked into long-lived components.
	restart := []struct {
		name    string
		changed bool
	}{
		{"server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr},
		{"server.tls", !tlsEqual(old.Server.TLS, new.Server.TLS)},
		{"discord.token", old.Discord.Token != new.Discord.Token},
		{"discord.guild_ids", !slices.Equal(old.Discord.GuildIDs, new.Discord.GuildIDs)},
		{"playback.max_clip_duration", old.Playback.MaxClipDuration != new.Playback.MaxClipDuration},
		{"playback.target_loudness", old.Playback.TargetLoudness != new.Playback.TargetLoudness},
		{"playback.ffmpeg_path", old.Playback.FFmpegPath != new.Playback.FFmpegPath},
		{"download.rate_per_second", old.Download.RatePerSecond != new.Download.RatePerSecond},
		{"download.prefer_music", old.Download.PreferMusic != new.Download.PreferMusic},
		{"download.ytdlp_proxy", old.Download.YtdlpProxy != new.Download.YtdlpProxy},
		{"download.sweep_interval", old.Download.SweepInterval != new.Download.SweepInterval},
		{"download.cleanup_interval", old.Download.CleanupInterval != new.Download.CleanupInterval},
	}
	for _, r := range restart {
		if r.changed {
			d.RestartRequired = append(d.RestartRequired, r.name)
		}
	}

	// Stay connected
	for _, id := range new.StayConnected {
		if !slices.Contains(old.StayConnected, id) {
			d.StayConnectedAdded = append(d.StayConnectedAdded, id)
		}
	}
	for _, id := range old.StayConnected {
		if !slices.Contains(new.StayConnected, id) {
			d.StayConnectedRemoved = append(d.StayConnectedRemoved, id)
		}
	}

	// Join sounds
	for user, oldPath := range old.JoinSounds {
		if newPath := new.JoinSounds[user]; newPath != oldPath {
			d.JoinSoundChanges = append(d.JoinSoundChanges, JoinSoundDiff{UserID: user, OldPath: oldPath, NewPath: newPath})
		}
	}
	for user, newPath := range new.JoinSounds {
		if _, ok := old.JoinSounds[user]; !ok {
			d.JoinSoundChanges = append(d.JoinSoundChanges, JoinSoundDiff{UserID: user, NewPath: newPath})
		}
	}
	slices.SortFunc(d.JoinSoundChanges, func(a, b JoinSoundDiff) int {
		return strings.Compare(a.UserID, b.UserID)
	})

	return d
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
