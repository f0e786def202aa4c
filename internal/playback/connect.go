package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/bardic/pkg/audio"
)

// EnsureConnected makes sure the guild's transport sits in channelID,
// connecting or moving as needed. Moving away from a channel where something
// is playing fails with [audio.ErrBusy]. Once connected, pending queue items
// start playing; otherwise the idle timer is armed.
func (o *Orchestrator) EnsureConnected(ctx context.Context, guildID, channelID string) (audio.Connection, error) {
	t := o.tenants.get(guildID)
	if err := o.lock(ctx, t); err != nil {
		return nil, err
	}
	defer t.release()

	if err := o.connectLocked(ctx, t, channelID, false); err != nil {
		return nil, err
	}
	o.kickLocked(ctx, t)
	return t.conn, nil
}

// connectLocked connects or moves the tenant's transport to channelID. With
// force set, running playback in another channel is interrupted instead of
// reported as busy. If the move then fails the tenant resumes in the channel
// it is still in.
func (o *Orchestrator) connectLocked(ctx context.Context, t *tenant, channelID string, force bool) error {
	o.dropLostLocked(t)
	cfg := o.Config()

	if t.conn != nil {
		if t.conn.ChannelID() == channelID {
			return nil
		}
		interrupted := false
		if t.current != nil {
			if !force {
				return fmt.Errorf("playback: guild %s: %w", t.id, audio.ErrBusy)
			}
			o.interruptLocked(t)
			interrupted = true
		}

		mctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
		if err := t.conn.MoveTo(mctx, channelID); err != nil {
			if interrupted {
				o.resumeLocked(ctx, t)
			}
			return connectError(t.id, channelID, err)
		}
		// The idle timer is bound to the channel it was armed in.
		o.cancelIdleLocked(t)
		slog.Info("playback: moved voice", "guild_id", t.id, "channel_id", channelID)
		return nil
	}

	cctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	conn, err := o.platform.Connect(cctx, t.id, channelID)
	if err != nil {
		return connectError(t.id, channelID, err)
	}
	t.conn = conn
	o.metrics.ActiveConnections.Add(ctx, 1)
	slog.Info("playback: joined voice", "guild_id", t.id, "channel_id", channelID)
	return nil
}

// resumeLocked puts a tenant whose playback was interrupted for a move that
// then failed back on track in its current channel: an orphaned play-now
// sound gives way to the mode it preempted, and the queue or idle timer
// takes over from there.
func (o *Orchestrator) resumeLocked(ctx context.Context, t *tenant) {
	if t.mode == ModeSingleSound && t.current == nil {
		t.mode = t.restore
		t.restore = ModeIdle
	}
	o.kickLocked(ctx, t)
}

// connectError maps an expired connect deadline to [audio.ErrConnectTimeout].
func connectError(guildID, channelID string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, audio.ErrConnectTimeout) {
		err = fmt.Errorf("%w: %w", audio.ErrConnectTimeout, err)
	}
	slog.Warn("playback: voice connect failed", "guild_id", guildID, "channel_id", channelID, "err", err)
	return fmt.Errorf("playback: guild %s channel %s: %w", guildID, channelID, err)
}

// PlayNow plays sound in channelID immediately, preempting whatever plays.
// A queue item interrupted this way goes back to the head of the queue. After
// the sound ends the previous mode is restored and the queue resumes.
//
// It reports whether playback started. When the sound cannot be prepared the
// tenant's mode is left unchanged. The sound is released on every failure.
func (o *Orchestrator) PlayNow(ctx context.Context, guildID, channelID string, sound Sound) (bool, error) {
	t := o.tenants.get(guildID)
	if err := o.lock(ctx, t); err != nil {
		sound.release()
		return false, err
	}
	defer t.release()

	if err := o.connectLocked(ctx, t, channelID, true); err != nil {
		sound.release()
		return false, err
	}

	src, err := sound.open(context.WithoutCancel(ctx), o.preparer)
	if err != nil {
		sound.release()
		o.metrics.RecordPrepareFailure(ctx, sound.Kind())
		slog.Warn("playback: prepare failed", "guild_id", guildID, "item", sound.Label(), "err", err)
		o.kickLocked(ctx, t)
		return false, fmt.Errorf("playback: prepare %q: %w", sound.Label(), err)
	}

	if t.current != nil {
		o.interruptLocked(t)
		o.metrics.Preemptions.Add(ctx, 1)
	}
	if t.mode != ModeSingleSound {
		t.restore = t.mode
	}
	t.mode = ModeSingleSound

	var item Item
	if it, ok := sound.(Item); ok {
		item = it
	}
	if err := o.startLocked(ctx, t, sound, item, src, true); err != nil {
		slog.Error("playback: transport refused source", "guild_id", guildID, "item", sound.Label(), "err", err)
		t.mode = t.restore
		t.restore = ModeIdle
		o.dropLostLocked(t)
		o.kickLocked(ctx, t)
		return false, fmt.Errorf("playback: play %q: %w", sound.Label(), err)
	}
	return true, nil
}

// StopAndLeave stops the current item. With clearQueue the queue is emptied;
// with leave the voice connection is closed, otherwise the idle timer may
// start.
func (o *Orchestrator) StopAndLeave(ctx context.Context, guildID string, clearQueue, leave bool) error {
	t, ok := o.tenants.lookup(guildID)
	if !ok {
		return nil
	}
	if err := o.lock(ctx, t); err != nil {
		return err
	}
	defer t.release()

	if leave {
		if !clearQueue {
			// Keep the queue across the disconnect.
			kept := t.queue.Clear()
			err := o.releaseTenantLocked(t)
			for _, item := range kept {
				t.queue.Append(item)
			}
			return err
		}
		return o.releaseTenantLocked(t)
	}

	o.cancelIdleLocked(t)
	if clearQueue {
		for _, item := range t.queue.Clear() {
			item.release()
		}
	}
	if t.current != nil {
		t.current = nil
		t.conn.Stop()
	}
	t.mode = ModeIdle
	t.restore = ModeIdle
	o.startIdleLocked(t)
	return nil
}

// HandleTransportLost is called when the voice connection was closed from the
// outside (kick, channel deletion, network loss). The idle timer is cancelled
// and the handle dropped; the queue is kept for the next connect.
func (o *Orchestrator) HandleTransportLost(ctx context.Context, guildID string) error {
	t, ok := o.tenants.lookup(guildID)
	if !ok {
		return nil
	}
	if err := o.lock(ctx, t); err != nil {
		return err
	}
	defer t.release()

	if t.conn == nil {
		return nil
	}
	slog.Warn("playback: voice connection lost", "guild_id", guildID)
	o.cancelIdleLocked(t)
	if t.current != nil {
		t.current = nil
		t.conn.Stop()
	}
	_ = t.conn.Disconnect()
	t.conn = nil
	t.mode = ModeIdle
	t.restore = ModeIdle
	o.metrics.ActiveConnections.Add(ctx, -1)
	return nil
}

// HandleVoiceEvent feeds a voice-state change into the idle logic. A human
// joining the bot's channel cancels the idle timer; a human leaving it may
// arm the timer; the bot being disconnected drops the transport.
func (o *Orchestrator) HandleVoiceEvent(ctx context.Context, ev audio.Event) error {
	if ev.Type == audio.EventDisconnected {
		return o.HandleTransportLost(ctx, ev.GuildID)
	}
	if ev.Bot {
		return nil
	}
	t, ok := o.tenants.lookup(ev.GuildID)
	if !ok {
		return nil
	}
	if err := o.lock(ctx, t); err != nil {
		return err
	}
	defer t.release()

	if t.conn == nil || t.conn.ChannelID() != ev.ChannelID {
		return nil
	}
	switch ev.Type {
	case audio.EventJoin:
		o.cancelIdleLocked(t)
	case audio.EventLeave:
		o.startIdleLocked(t)
	}
	return nil
}
