// Package audio defines the transport-facing interfaces and types used by
// Bardic's playback core.
//
// The two primary abstractions are:
//
//   - [Platform]: joins a voice channel of a guild and returns a [Connection].
//   - [Connection]: the live transport handle for one guild: it can be moved
//     between channels, plays exactly one [Source] at a time, and reports
//     completion through a callback.
//
// Implementations of these interfaces are provided by platform-specific adapter
// packages (e.g., audio/discord). The scheduler never sees codec or network
// details.
package audio

import (
	"context"
	"errors"
)

// Transport errors. Adapters wrap these so callers can use [errors.Is].
var (
	// ErrConnectTimeout is returned when joining or moving to a channel does
	// not finish before the connect deadline.
	ErrConnectTimeout = errors.New("audio: connect timed out")

	// ErrPermissionDenied is returned when the bot may not join or speak in
	// the target channel.
	ErrPermissionDenied = errors.New("audio: missing permission for channel")

	// ErrBusy is returned when the transport is playing in another channel
	// and the caller did not ask to preempt it.
	ErrBusy = errors.New("audio: transport busy in another channel")

	// ErrNotConnected is returned by operations that need a live connection.
	ErrNotConnected = errors.New("audio: not connected")

	// ErrAlreadyPlaying is returned by [Connection.Play] when a source is
	// still active.
	ErrAlreadyPlaying = errors.New("audio: already playing")
)

// EventType classifies voice-state events delivered to the playback core.
type EventType int

const (
	// EventJoin is emitted when a participant enters a voice channel.
	EventJoin EventType = iota

	// EventLeave is emitted when a participant leaves a voice channel.
	EventLeave

	// EventDisconnected is emitted when the bot itself was removed from voice
	// by something other than the playback core (kick, channel deletion, ...).
	EventDisconnected
)

// String returns the human-readable name of the event type.
func (e EventType) String() string {
	switch e {
	case EventJoin:
		return "JOIN"
	case EventLeave:
		return "LEAVE"
	case EventDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Event describes a voice-state change inside a guild.
type Event struct {
	// Type indicates what happened.
	Type EventType

	// GuildID is the tenant the event belongs to.
	GuildID string

	// ChannelID is the voice channel joined (EventJoin) or left (EventLeave).
	// Empty for EventDisconnected.
	ChannelID string

	// UserID is the platform-specific identifier of the participant.
	UserID string

	// Bot reports whether the participant is a bot account. Bots never count
	// as human occupants.
	Bot bool
}

// Connection is the transport handle for one guild.
//
// A Connection plays at most one [Source] at a time. The onComplete callback
// passed to [Connection.Play] is invoked exactly once, from the transport's own
// goroutine, when the source is exhausted, fails, or is stopped. The
// Connection never closes the Source; that is the caller's job.
//
// Implementations must be safe for concurrent use.
type Connection interface {
	// GuildID returns the guild this connection belongs to.
	GuildID() string

	// ChannelID returns the voice channel the connection currently sits in.
	ChannelID() string

	// MoveTo switches the connection to another channel of the same guild.
	// ctx bounds the move; on deadline the adapter returns [ErrConnectTimeout].
	MoveTo(ctx context.Context, channelID string) error

	// Play starts streaming src and returns immediately. It returns
	// [ErrAlreadyPlaying] if a source is active and [ErrNotConnected] after
	// Disconnect. When Play returns an error, onComplete is never called.
	Play(src Source, onComplete func(err error)) error

	// Stop halts the active source, if any, and returns once the transport is
	// free to accept another Play. The onComplete callback of the stopped
	// source fires with a nil error. Stop is a no-op when nothing plays.
	Stop()

	// IsPlaying reports whether a source is currently streaming.
	IsPlaying() bool

	// IsConnected reports whether the connection is still usable.
	IsConnected() bool

	// Disconnect stops playback and leaves the voice channel. It is safe to
	// call more than once; subsequent calls are no-ops and return nil.
	Disconnect() error
}

// Platform is the entry point for a voice provider.
//
// Implementations must be safe for concurrent use.
type Platform interface {
	// Connect joins channelID in guildID and returns an active [Connection].
	// ctx governs the connection attempt only. Adapters map failures to
	// [ErrConnectTimeout], [ErrPermissionDenied] or [ErrBusy] where possible.
	Connect(ctx context.Context, guildID, channelID string) (Connection, error)
}

// Preparer turns a local audio file into a ready-to-play [Source]. It owns
// decoding, loudness normalisation, resampling and duration limiting.
type Preparer interface {
	Prepare(ctx context.Context, path string) (Source, error)
}
