// Package discord provides the Discord bot layer. It owns the
// discordgo.Session lifecycle, turns gateway voice-state updates into
// playback events, and answers occupancy questions from the state cache.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/bardic/pkg/audio"
	discordaudio "github.com/MrWong99/bardic/pkg/audio/discord"
)

// ErrNotReady is returned by [Bot.Ready] before the gateway handshake
// completed or after the session dropped.
var ErrNotReady = errors.New("discord: session not ready")

// VoiceHandler receives translated voice-state events.
type VoiceHandler func(audio.Event)

// Bot owns the Discord gateway connection.
type Bot struct {
	session  *discordgo.Session
	platform *discordaudio.Platform
	presence *Presence
	allow    func(guildID string) bool

	mu      sync.RWMutex
	onVoice VoiceHandler

	ready     atomic.Bool
	closeOnce sync.Once
}

// Option configures a [Bot].
type Option func(*Bot)

// WithGuildFilter drops voice events from guilds for which allow returns
// false.
func WithGuildFilter(allow func(guildID string) bool) Option {
	return func(b *Bot) { b.allow = allow }
}

// New creates a Bot for token. The gateway is not contacted until
// [Bot.Open].
func New(token string, opts ...Option) (*Bot, error) {
	if token == "" {
		return nil, errors.New("discord: empty token")
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	session.StateEnabled = true
	session.State.TrackVoice = true

	b := &Bot{
		session:  session,
		platform: discordaudio.New(session),
		presence: NewPresence(session.State),
		allow:    func(string) bool { return true },
	}
	for _, opt := range opts {
		opt(b)
	}

	session.AddHandler(b.onReady)
	session.AddHandler(b.onResumed)
	session.AddHandler(b.onDisconnect)
	session.AddHandler(b.onVoiceStateUpdate)
	return b, nil
}

// Platform returns the audio platform for voice connections.
func (b *Bot) Platform() audio.Platform {
	return b.platform
}

// Presence returns the occupancy source backed by the state cache.
func (b *Bot) Presence() *Presence {
	return b.presence
}

// Session returns the underlying discordgo session.
func (b *Bot) Session() *discordgo.Session {
	return b.session
}

// OnVoiceEvent sets the handler for voice-state events. It replaces any
// previous handler.
func (b *Bot) OnVoiceEvent(fn VoiceHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onVoice = fn
}

// Open connects to the gateway.
func (b *Bot) Open() error {
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("discord: open session: %w", err)
	}
	return nil
}

// Ready is a readiness check: it fails until the gateway sent READY and
// whenever the websocket is down.
func (b *Bot) Ready(context.Context) error {
	if !b.ready.Load() {
		return ErrNotReady
	}
	return nil
}

// Run blocks until ctx is cancelled. discordgo reconnects on its own; Run
// exists so the session's lifetime can be tied to an errgroup.
func (b *Bot) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// Close disconnects from Discord.
func (b *Bot) Close() error {
	var closeErr error
	b.closeOnce.Do(func() {
		b.ready.Store(false)
		if err := b.session.Close(); err != nil {
			closeErr = fmt.Errorf("discord: close session: %w", err)
		}
		slog.Info("discord bot closed")
	})
	return closeErr
}

func (b *Bot) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	b.ready.Store(true)
	name := ""
	if r.User != nil {
		name = r.User.Username
	}
	slog.Info("discord session ready", "user", name, "guilds", len(r.Guilds))
}

func (b *Bot) onResumed(_ *discordgo.Session, _ *discordgo.Resumed) {
	b.ready.Store(true)
	slog.Info("discord session resumed")
}

func (b *Bot) onDisconnect(_ *discordgo.Session, _ *discordgo.Disconnect) {
	b.ready.Store(false)
	slog.Warn("discord gateway disconnected; waiting for reconnect")
}

func (b *Bot) onVoiceStateUpdate(s *discordgo.Session, v *discordgo.VoiceStateUpdate) {
	if v.VoiceState == nil || !b.allow(v.GuildID) {
		return
	}
	self := ""
	if s.State != nil && s.State.User != nil {
		self = s.State.User.ID
	}
	b.dispatch(VoiceEvents(self, v))
}

func (b *Bot) dispatch(events []audio.Event) {
	b.mu.RLock()
	fn := b.onVoice
	b.mu.RUnlock()
	if fn == nil {
		return
	}
	for _, ev := range events {
		slog.Debug("discord: voice event", "type", ev.Type, "guild_id", ev.GuildID, "channel_id", ev.ChannelID, "user_id", ev.UserID)
		fn(ev)
	}
}
