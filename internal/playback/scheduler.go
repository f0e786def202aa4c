package playback

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/bardic/internal/observe"
	"github.com/MrWong99/bardic/pkg/audio"
)

// kickLocked reacts to a queue change: it starts a scheduling pass when the
// transport is connected and free. During a play-now sound it only makes
// sure the queue resumes afterwards.
func (o *Orchestrator) kickLocked(ctx context.Context, t *tenant) {
	switch t.mode {
	case ModeSingleSound:
		if t.queue.Len() > 0 {
			t.restore = ModeQueue
		}
	case ModeIdle:
		if t.current != nil || !t.connected() {
			return
		}
		if t.queue.Len() == 0 {
			o.startIdleLocked(t)
			return
		}
		t.mode = ModeQueue
		o.passLocked(ctx, t)
	case ModeQueue:
		if t.current == nil {
			o.passLocked(ctx, t)
		}
	}
}

// passLocked is one scheduling pass. It scans the queue head-first and starts
// the first playable item. Media that is still downloading blocks the queue.
// Failed media and clips that cannot be prepared are dropped. When the queue
// runs dry the tenant goes idle and the idle timer starts.
func (o *Orchestrator) passLocked(ctx context.Context, t *tenant) {
	if t.mode != ModeQueue || t.current != nil || !t.connected() {
		return
	}

	ctx, span, log := observe.StartGuildSpan(ctx, "playback.pass", t.id)
	defer span.End()

	for t.queue.Len() > 0 {
		head := t.queue.Peek()

		if m, ok := head.(*MediaItem); ok {
			switch m.Status() {
			case StatusPending, StatusDownloading:
				log.Debug("playback: queue blocked on download", "item", m.Label(), "status", m.Status())
				span.SetAttributes(attribute.Bool("blocked", true))
				return
			case StatusFailed:
				t.queue.PopFront()
				m.release()
				log.Info("playback: skipping failed media", "item", m.Label(), "err", m.Err())
				continue
			}
		}

		// The pass may run on an entry point's request context that is
		// already spent; an expired caller must not fail a good file.
		src, err := head.open(context.WithoutCancel(ctx), o.preparer)
		if err != nil {
			o.metrics.RecordPrepareFailure(ctx, head.Kind())
			log.Warn("playback: prepare failed", "item", head.Label(), "err", err)
			if m, ok := head.(*MediaItem); ok {
				// The next iteration sees Failed and drops it.
				m.markFailed(err)
				continue
			}
			t.queue.PopFront()
			head.release()
			continue
		}

		t.queue.PopFront()
		if err := o.startLocked(ctx, t, head, head, src, false); err != nil {
			log.Error("playback: transport refused source", "item", head.Label(), "err", err)
			t.mode = ModeIdle
			o.dropLostLocked(t)
		}
		return
	}

	t.mode = ModeIdle
	o.startIdleLocked(t)
}

// startLocked hands src to the transport and records it as current. On
// failure the source is closed and the sound released before returning.
func (o *Orchestrator) startLocked(ctx context.Context, t *tenant, sound Sound, item Item, src audio.Source, preempt bool) error {
	p := &playing{sound: sound, item: item, src: src, preempt: preempt, started: time.Now()}
	o.cancelIdleLocked(t)
	t.current = p

	if err := t.conn.Play(src, o.completion(t, p)); err != nil {
		t.current = nil
		closeSource(t.id, src)
		sound.release()
		return err
	}

	o.metrics.RecordPlaybackStart(ctx, sound.Kind(), t.mode.String())
	slog.Info("playback: started",
		"guild_id", t.id,
		"item", sound.Label(),
		"kind", sound.Kind(),
		"mode", t.mode,
		"channel_id", t.conn.ChannelID(),
	)
	return nil
}

// completion builds the one-shot callback handed to the transport. The raw
// callback only dispatches; all state changes happen in finish under the
// tenant lock.
func (o *Orchestrator) completion(t *tenant, p *playing) func(error) {
	var once sync.Once
	return func(err error) {
		once.Do(func() {
			go o.finish(t, p, err)
		})
	}
}

// finish runs after the transport is done with p. Resources are released
// first, then the tenant is advanced unless p is no longer current.
func (o *Orchestrator) finish(t *tenant, p *playing, err error) {
	closeSource(t.id, p.src)
	p.sound.release()
	if err != nil {
		slog.Warn("playback: source ended with error", "guild_id", t.id, "item", p.sound.Label(), "err", err)
	}

	o.lockForCallback(t)
	defer t.release()

	if t.current != p {
		slog.Debug("playback: stale completion ignored", "guild_id", t.id, "item", p.sound.Label())
		return
	}
	t.current = nil
	slog.Debug("playback: finished", "guild_id", t.id, "item", p.sound.Label(), "elapsed", time.Since(p.started))

	ctx := context.Background()
	if p.preempt {
		t.mode = t.restore
		t.restore = ModeIdle
		o.kickLocked(ctx, t)
		return
	}
	if t.mode == ModeQueue {
		o.passLocked(ctx, t)
		return
	}
	o.startIdleLocked(t)
}

// interruptLocked stops whatever is playing. An interrupted queue media item
// goes back to the queue head so it is not lost; its stale completion only
// closes the old source.
func (o *Orchestrator) interruptLocked(t *tenant) {
	cur := t.current
	if cur == nil {
		return
	}
	t.current = nil
	if m, ok := cur.item.(*MediaItem); ok && !cur.preempt && t.mode == ModeQueue {
		// Already admitted, so MaxQueueLength is not checked again. A full
		// queue may hold one extra item until this one plays.
		t.queue.Insert(0, m)
		slog.Debug("playback: requeued interrupted media", "guild_id", t.id, "item", m.Label())
	}
	if t.conn != nil {
		t.conn.Stop()
	}
}

// dropLostLocked forgets a transport that is no longer connected.
func (o *Orchestrator) dropLostLocked(t *tenant) {
	if t.conn == nil || t.conn.IsConnected() {
		return
	}
	_ = t.conn.Disconnect()
	t.conn = nil
	o.metrics.ActiveConnections.Add(context.Background(), -1)
	o.cancelIdleLocked(t)
}

// releaseTenantLocked stops playback, leaves the channel and drops all
// queued items. Used by the idle timer and shutdown.
func (o *Orchestrator) releaseTenantLocked(t *tenant) error {
	o.cancelIdleLocked(t)
	for _, item := range t.queue.Clear() {
		item.release()
	}
	if t.current != nil {
		t.current = nil
		if t.conn != nil {
			t.conn.Stop()
		}
	}
	t.mode = ModeIdle
	t.restore = ModeIdle

	if t.conn == nil {
		return nil
	}
	err := t.conn.Disconnect()
	t.conn = nil
	o.metrics.ActiveConnections.Add(context.Background(), -1)
	slog.Info("playback: left voice", "guild_id", t.id)
	if errors.Is(err, audio.ErrNotConnected) {
		return nil
	}
	return err
}

func closeSource(guildID string, src audio.Source) {
	if err := src.Close(); err != nil {
		slog.Warn("playback: close source", "guild_id", guildID, "err", err)
	}
}
