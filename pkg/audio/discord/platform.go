// Package discord provides an [audio.Platform] implementation backed by
// Discord voice channels via the bwmarrin/discordgo library. It encodes the
// PCM frames of an [audio.Source] to Opus and streams them to the guild's
// voice connection.
//
// The platform requires an active *discordgo.Session (owned by the bot layer).
// Each call to [Platform.Connect] joins the specified voice channel deafened
// and returns a [Connection] that plays one source at a time.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/bardic/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

// Compile-time interface assertion.
var _ audio.Platform = (*Platform)(nil)

// voicePermissions are the channel permissions needed to play audio.
const voicePermissions = discordgo.PermissionVoiceConnect | discordgo.PermissionVoiceSpeak

// Platform implements [audio.Platform] using discordgo voice connections.
//
// Platform is safe for concurrent use.
type Platform struct {
	session *discordgo.Session
}

// New creates a new Discord Platform for the given session.
func New(session *discordgo.Session) *Platform {
	return &Platform{session: session}
}

// Connect joins the voice channel identified by channelID and returns an active
// [audio.Connection]. The supplied ctx governs the connection-setup phase only;
// once the Connection is returned it lives until [Connection.Disconnect] is called.
func (p *Platform) Connect(ctx context.Context, guildID, channelID string) (audio.Connection, error) {
	if err := p.checkPermissions(channelID); err != nil {
		return nil, err
	}

	vc, err := p.join(ctx, guildID, channelID)
	if err != nil {
		return nil, err
	}

	conn := newConnection(vc, guildID, channelID)
	conn.join = func(ctx context.Context, channelID string) (*discordgo.VoiceConnection, error) {
		if err := p.checkPermissions(channelID); err != nil {
			return nil, err
		}
		return p.join(ctx, guildID, channelID)
	}
	return conn, nil
}

// checkPermissions verifies from the state cache that the bot may connect and
// speak in channelID. A cache miss is not treated as a denial.
func (p *Platform) checkPermissions(channelID string) error {
	if p.session.State == nil || p.session.State.User == nil {
		return nil
	}
	perms, err := p.session.State.UserChannelPermissions(p.session.State.User.ID, channelID)
	if err != nil {
		slog.Debug("discord: channel permissions unavailable", "channel_id", channelID, "err", err)
		return nil
	}
	if perms&voicePermissions != voicePermissions {
		return fmt.Errorf("discord: channel %q: %w", channelID, audio.ErrPermissionDenied)
	}
	return nil
}

// join performs ChannelVoiceJoin bounded by ctx. discordgo reuses the guild's
// voice connection, so joining a second channel moves the existing one.
func (p *Platform) join(ctx context.Context, guildID, channelID string) (*discordgo.VoiceConnection, error) {
	type result struct {
		vc  *discordgo.VoiceConnection
		err error
	}
	done := make(chan result, 1)
	go func() {
		// mute=false (we send audio), deaf=true (we never receive audio).
		vc, err := p.session.ChannelVoiceJoin(guildID, channelID, false, true)
		done <- result{vc: vc, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, r.err)
		}
		return r.vc, nil
	case <-ctx.Done():
		// Tear down a join that completes after we gave up on it.
		go func() {
			if r := <-done; r.vc != nil {
				_ = r.vc.Disconnect()
			}
		}()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, audio.ErrConnectTimeout)
		}
		return nil, ctx.Err()
	}
}
