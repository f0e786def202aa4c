package playback

import (
	"context"
	"log/slog"
	"time"
)

// idleTimer is the tenant's single delayed disconnect. gen is bumped on every
// arm and cancel so an expiry that raced with a cancel recognises itself as
// stale.
type idleTimer struct {
	timer   *time.Timer
	gen     uint64
	channel string
}

// startIdleLocked arms the idle timer if the tenant is connected, silent,
// has an empty queue, does not want to stay and has no timer yet.
func (o *Orchestrator) startIdleLocked(t *tenant) {
	timeout := o.Config().IdleTimeout
	if timeout <= 0 || t.idle.timer != nil || t.stay {
		return
	}
	if !t.connected() || t.current != nil || t.queue.Len() > 0 {
		return
	}

	t.idle.gen++
	gen := t.idle.gen
	t.idle.channel = t.conn.ChannelID()
	t.idle.timer = time.AfterFunc(timeout, func() { o.idleExpired(t, gen) })
	slog.Debug("playback: idle timer armed", "guild_id", t.id, "channel_id", t.idle.channel, "timeout", timeout)
}

// cancelIdleLocked disarms the idle timer. Cancelling a missing or already
// fired timer is a no-op.
func (o *Orchestrator) cancelIdleLocked(t *tenant) {
	t.idle.gen++
	if t.idle.timer == nil {
		return
	}
	t.idle.timer.Stop()
	t.idle.timer = nil
	slog.Debug("playback: idle timer cancelled", "guild_id", t.id)
}

// idleExpired re-validates every arming condition before releasing the
// tenant; things may have changed while the timer was pending.
func (o *Orchestrator) idleExpired(t *tenant, gen uint64) {
	o.lockForCallback(t)
	defer t.release()

	if t.idle.gen != gen {
		return
	}
	t.idle.timer = nil
	channel := t.idle.channel

	switch {
	case !t.connected(), t.conn.ChannelID() != channel:
		return
	case t.current != nil, t.queue.Len() > 0, t.stay:
		return
	}
	if o.Config().RequireAlone && o.presence != nil {
		if n := o.presence.HumansIn(t.id, channel); n > 0 {
			slog.Debug("playback: idle timeout with listeners present", "guild_id", t.id, "humans", n)
			return
		}
	}

	slog.Info("playback: idle timeout, leaving voice", "guild_id", t.id, "channel_id", channel)
	if err := o.releaseTenantLocked(t); err != nil {
		slog.Warn("playback: idle disconnect", "guild_id", t.id, "err", err)
	}
	o.metrics.IdleDisconnects.Add(context.Background(), 1)
}
