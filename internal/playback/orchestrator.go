// Package playback is Bardic's per-guild audio orchestrator.
//
// Every guild is a tenant with one optional voice [audio.Connection], one
// [Queue], one lock and one [Mode]. Producers (commands, join events, the
// download pipeline) go through the [Orchestrator] entry points, which take
// the tenant lock, mutate the queue and kick the scheduler. The scheduler
// plays queue items strictly in order, blocking behind media that is still
// downloading. [Orchestrator.PlayNow] preempts the queue for a single sound
// and restores the previous mode afterwards. An idle timer releases the
// voice connection once nothing has happened for a while.
//
// Transport completion callbacks never touch tenant state directly; they
// re-enter through the lock and compare the finished playback against the
// tenant's current one, treating mismatches as stale no-ops.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/bardic/internal/observe"
	"github.com/MrWong99/bardic/pkg/audio"
)

// Sentinel errors returned by the orchestrator.
var (
	// ErrLockTimeout is returned when the tenant lock could not be acquired
	// within the configured bound. The tenant is considered stalled.
	ErrLockTimeout = errors.New("playback: tenant lock timed out")

	// ErrQueueFull is returned when the queue holds MaxQueueLength items.
	ErrQueueFull = errors.New("playback: queue is full")

	// ErrNoResults is returned when a query resolves to nothing.
	ErrNoResults = errors.New("playback: no results")

	// ErrNotReady is returned when a media item is opened before its
	// download finished.
	ErrNotReady = errors.New("playback: media not downloaded")

	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("playback: orchestrator shut down")
)

// Config holds the tunables of the orchestrator. All fields can be changed at
// runtime with [Orchestrator.SetConfig] except GlobalDownloads.
type Config struct {
	// LockTimeout bounds how long an entry point waits for the tenant lock.
	LockTimeout time.Duration

	// ConnectTimeout bounds a voice connect or move.
	ConnectTimeout time.Duration

	// IdleTimeout is how long a connected, silent tenant waits before
	// leaving. Zero disables the idle timer.
	IdleTimeout time.Duration

	// RequireAlone makes the idle timer leave only when no human is left in
	// the channel.
	RequireAlone bool

	// MaxQueueLength caps the number of queued items per tenant.
	MaxQueueLength int

	// Lookahead is how many items from the queue head the prefetcher scans.
	Lookahead int

	// PerTenantDownloads caps concurrent downloads per tenant.
	PerTenantDownloads int

	// GlobalDownloads caps concurrent downloads across all tenants.
	GlobalDownloads int

	// DownloadDir is where the fetcher stores files and where the retention
	// sweep looks for stale ones.
	DownloadDir string

	// Retention is the minimum age of an unreferenced download before the
	// sweep deletes it.
	Retention time.Duration
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		LockTimeout:        30 * time.Second,
		ConnectTimeout:     15 * time.Second,
		IdleTimeout:        5 * time.Minute,
		RequireAlone:       true,
		MaxQueueLength:     100,
		Lookahead:          3,
		PerTenantDownloads: 2,
		GlobalDownloads:    4,
		Retention:          6 * time.Hour,
	}
}

// Presence reports how many human (non-bot) users sit in a voice channel.
type Presence interface {
	HumansIn(guildID, channelID string) int
}

// Orchestrator owns the playback state of every guild.
//
// All exported methods are safe for concurrent use.
type Orchestrator struct {
	platform audio.Platform
	preparer audio.Preparer
	resolver Resolver
	fetcher  Fetcher
	presence Presence
	metrics  *observe.Metrics

	cfg     atomic.Pointer[Config]
	tenants *TenantStore

	downloadSem *semaphore.Weighted
	downloads   sync.WaitGroup
	closed      atomic.Bool
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithResolver sets the media resolver used by EnqueueQuery.
func WithResolver(r Resolver) Option {
	return func(o *Orchestrator) { o.resolver = r }
}

// WithFetcher sets the downloader used by the prefetch sweep.
func WithFetcher(f Fetcher) Option {
	return func(o *Orchestrator) { o.fetcher = f }
}

// WithPresence sets the occupancy source consulted by the idle timer.
func WithPresence(p Presence) Option {
	return func(o *Orchestrator) { o.presence = p }
}

// WithMetrics overrides the metrics sink (default [observe.DefaultMetrics]).
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New returns an Orchestrator that connects through platform and turns files
// into sources with preparer.
func New(platform audio.Platform, preparer audio.Preparer, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		platform: platform,
		preparer: preparer,
		tenants:  NewTenantStore(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	cfg = normalize(cfg)
	o.cfg.Store(&cfg)
	o.downloadSem = semaphore.NewWeighted(int64(cfg.GlobalDownloads))
	return o
}

// normalize fills zero limits with defaults.
func normalize(cfg Config) Config {
	def := DefaultConfig()
	if cfg.MaxQueueLength <= 0 {
		cfg.MaxQueueLength = def.MaxQueueLength
	}
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = def.Lookahead
	}
	if cfg.PerTenantDownloads <= 0 {
		cfg.PerTenantDownloads = def.PerTenantDownloads
	}
	if cfg.GlobalDownloads <= 0 {
		cfg.GlobalDownloads = def.GlobalDownloads
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	return cfg
}

// Config returns the active configuration.
func (o *Orchestrator) Config() Config { return *o.cfg.Load() }

// SetConfig swaps the configuration. Running timers keep their old deadline;
// the new values apply from the next decision onwards.
func (o *Orchestrator) SetConfig(cfg Config) {
	cfg = normalize(cfg)
	o.cfg.Store(&cfg)
	slog.Info("playback: configuration updated",
		"idle_timeout", cfg.IdleTimeout,
		"max_queue_length", cfg.MaxQueueLength,
		"lookahead", cfg.Lookahead,
	)
}

// Tenants exposes the tenant store, mainly for diagnostics.
func (o *Orchestrator) Tenants() *TenantStore { return o.tenants }

// lock acquires the tenant lock with the configured bound. A timeout is
// logged as a stalled tenant and counted.
func (o *Orchestrator) lock(ctx context.Context, t *tenant) error {
	if o.closed.Load() {
		return ErrClosed
	}
	err := t.acquire(ctx, o.Config().LockTimeout)
	if errors.Is(err, ErrLockTimeout) {
		slog.Warn("playback stalled", "guild_id", t.id, "timeout", o.Config().LockTimeout)
		o.metrics.LockStalls.Add(ctx, 1)
	}
	return err
}

// lockForCallback acquires the tenant lock for transport and timer callbacks,
// which must not be dropped. It keeps retrying after stalls.
func (o *Orchestrator) lockForCallback(t *tenant) {
	for {
		if err := t.acquire(context.Background(), o.Config().LockTimeout); err == nil {
			return
		}
		slog.Warn("playback stalled", "guild_id", t.id, "waiter", "callback")
		o.metrics.LockStalls.Add(context.Background(), 1)
	}
}

// ─── Queue entry points ───────────────────────────────────────────────────────

// Enqueue appends item to the guild's queue and returns its 1-based position.
// If the transport is connected and idle, a scheduling pass starts right away.
// On error the item is released.
func (o *Orchestrator) Enqueue(ctx context.Context, guildID string, item Item) (int, error) {
	t := o.tenants.get(guildID)
	if err := o.lock(ctx, t); err != nil {
		item.release()
		return 0, err
	}
	defer t.release()

	if t.queue.Len() >= o.Config().MaxQueueLength {
		item.release()
		return 0, fmt.Errorf("playback: guild %s: %w", guildID, ErrQueueFull)
	}
	pos := t.queue.Append(item)
	slog.Debug("playback: enqueued", "guild_id", guildID, "item", item.Label(), "position", pos)
	o.kickLocked(ctx, t)
	return pos, nil
}

// InsertAt places item at index (0-based, clamped to the queue bounds) and
// returns its 1-based position. On error the item is released.
func (o *Orchestrator) InsertAt(ctx context.Context, guildID string, index int, item Item) (int, error) {
	t := o.tenants.get(guildID)
	if err := o.lock(ctx, t); err != nil {
		item.release()
		return 0, err
	}
	defer t.release()

	if t.queue.Len() >= o.Config().MaxQueueLength {
		item.release()
		return 0, fmt.Errorf("playback: guild %s: %w", guildID, ErrQueueFull)
	}
	pos := t.queue.Insert(index, item)
	slog.Debug("playback: inserted", "guild_id", guildID, "item", item.Label(), "position", pos)
	o.kickLocked(ctx, t)
	return pos, nil
}

// RemoveAt removes the queued item at index (0-based). It reports false when
// the index is out of range, which callers should treat as the queue having
// changed concurrently. The currently playing item is never affected.
func (o *Orchestrator) RemoveAt(ctx context.Context, guildID string, index int) (Item, bool, error) {
	t := o.tenants.get(guildID)
	if err := o.lock(ctx, t); err != nil {
		return nil, false, err
	}
	defer t.release()

	item, ok := t.queue.Remove(index)
	if !ok {
		return nil, false, nil
	}
	item.release()
	if index == 0 {
		// A removed blocking head may unblock the next item.
		o.kickLocked(ctx, t)
	}
	return item, true, nil
}

// Clear drops every queued item and returns how many were dropped. The
// currently playing item keeps playing.
func (o *Orchestrator) Clear(ctx context.Context, guildID string) (int, error) {
	t := o.tenants.get(guildID)
	if err := o.lock(ctx, t); err != nil {
		return 0, err
	}
	defer t.release()

	items := t.queue.Clear()
	for _, item := range items {
		item.release()
	}
	o.kickLocked(ctx, t)
	return len(items), nil
}

// Skip stops the current item, if any, and reports whether something was
// interrupted. The completion callback then advances the queue.
func (o *Orchestrator) Skip(ctx context.Context, guildID string) (bool, error) {
	t, ok := o.tenants.lookup(guildID)
	if !ok {
		return false, nil
	}
	if err := o.lock(ctx, t); err != nil {
		return false, err
	}
	defer t.release()

	if t.current == nil || t.conn == nil {
		return false, nil
	}
	slog.Info("playback: skipping", "guild_id", guildID, "item", t.current.sound.Label())
	t.conn.Stop()
	o.metrics.Skips.Add(ctx, 1)
	return true, nil
}

// QueueSnapshot returns the guild's queued items in playback order.
func (o *Orchestrator) QueueSnapshot(ctx context.Context, guildID string) ([]ItemInfo, error) {
	t, ok := o.tenants.lookup(guildID)
	if !ok {
		return nil, nil
	}
	if err := o.lock(ctx, t); err != nil {
		return nil, err
	}
	defer t.release()
	return t.queue.Snapshot(), nil
}

// CurrentItem returns the item being played, if any. Play-now sounds are
// reported too.
func (o *Orchestrator) CurrentItem(ctx context.Context, guildID string) (ItemInfo, bool, error) {
	t, ok := o.tenants.lookup(guildID)
	if !ok {
		return ItemInfo{}, false, nil
	}
	if err := o.lock(ctx, t); err != nil {
		return ItemInfo{}, false, err
	}
	defer t.release()

	if t.current == nil {
		return ItemInfo{}, false, nil
	}
	if t.current.item != nil {
		return t.current.item.Info(), true, nil
	}
	return ItemInfo{Kind: t.current.sound.Kind(), Title: t.current.sound.Label(), Status: StatusReady}, true, nil
}

// IsPlaying reports whether the guild's transport is playing something.
func (o *Orchestrator) IsPlaying(ctx context.Context, guildID string) (bool, error) {
	t, ok := o.tenants.lookup(guildID)
	if !ok {
		return false, nil
	}
	if err := o.lock(ctx, t); err != nil {
		return false, err
	}
	defer t.release()
	return t.current != nil, nil
}

// Mode returns the guild's current playback mode.
func (o *Orchestrator) Mode(ctx context.Context, guildID string) (Mode, error) {
	t, ok := o.tenants.lookup(guildID)
	if !ok {
		return ModeIdle, nil
	}
	if err := o.lock(ctx, t); err != nil {
		return ModeIdle, err
	}
	defer t.release()
	return t.mode, nil
}

// SetStayConnected toggles the guild's stay-connected preference. Turning it
// on cancels a pending idle timer; turning it off may start one.
func (o *Orchestrator) SetStayConnected(ctx context.Context, guildID string, stay bool) error {
	t := o.tenants.get(guildID)
	if err := o.lock(ctx, t); err != nil {
		return err
	}
	defer t.release()

	t.stay = stay
	if stay {
		o.cancelIdleLocked(t)
	} else {
		o.startIdleLocked(t)
	}
	return nil
}

// Shutdown releases every tenant: playback stops, connections close, timers
// are cancelled and queued items are released. It waits for in-flight
// downloads until ctx ends.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if o.closed.Swap(true) {
		return nil
	}

	var errs []error
	for _, t := range o.tenants.all() {
		if err := t.acquire(ctx, 0); err != nil {
			errs = append(errs, fmt.Errorf("playback: shutdown guild %s: %w", t.id, err))
			continue
		}
		if err := o.releaseTenantLocked(t); err != nil {
			errs = append(errs, fmt.Errorf("playback: shutdown guild %s: %w", t.id, err))
		}
		t.release()
	}

	done := make(chan struct{})
	go func() {
		o.downloads.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("playback: waiting for downloads: %w", ctx.Err()))
	}
	return errors.Join(errs...)
}
