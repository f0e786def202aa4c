package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/bardic/internal/observe"
)

// Resolver turns a search query or URL into media metadata. It returns an
// error wrapping [ErrNoResults] when nothing matches.
type Resolver interface {
	Resolve(ctx context.Context, query string) (Metadata, error)
}

// Fetcher downloads the media described by meta to local storage and returns
// the file path.
type Fetcher interface {
	Fetch(ctx context.Context, meta Metadata) (string, error)
}

// EnqueueQuery resolves query outside the tenant lock and enqueues the result
// as a Pending media item. The download pipeline picks it up on its next
// sweep.
func (o *Orchestrator) EnqueueQuery(ctx context.Context, guildID, requester, originChannel, query string) (int, *MediaItem, error) {
	if o.resolver == nil {
		return 0, nil, errors.New("playback: no media resolver configured")
	}

	ctx, span, _ := observe.StartGuildSpan(ctx, "playback.resolve", guildID)
	defer span.End()

	meta, err := o.resolver.Resolve(ctx, query)
	if err != nil {
		span.RecordError(err)
		return 0, nil, fmt.Errorf("playback: resolve %q: %w", query, err)
	}

	item := NewMedia(requester, originChannel, query, meta)
	pos, err := o.Enqueue(ctx, guildID, item)
	if err != nil {
		return 0, nil, err
	}
	return pos, item, nil
}

// Sweep runs one pass of the download pipeline over all tenants. For each
// tenant it looks at the first Lookahead queue items and starts downloads for
// Pending media while the tenant has fewer than PerTenantDownloads in flight.
// Downloads run in the background bounded by GlobalDownloads; ctx cancels
// them.
func (o *Orchestrator) Sweep(ctx context.Context) {
	if o.fetcher == nil || o.closed.Load() {
		return
	}
	for _, t := range o.tenants.all() {
		o.sweepTenant(ctx, t)
	}
}

func (o *Orchestrator) sweepTenant(ctx context.Context, t *tenant) {
	if err := o.lock(ctx, t); err != nil {
		return
	}
	defer t.release()

	cfg := o.Config()
	inFlight := 0
	for _, item := range t.queue.Head(t.queue.Len()) {
		if m, ok := item.(*MediaItem); ok && m.Status() == StatusDownloading {
			inFlight++
		}
	}

	for _, item := range t.queue.Head(cfg.Lookahead) {
		if inFlight >= cfg.PerTenantDownloads {
			return
		}
		m, ok := item.(*MediaItem)
		if !ok || !m.beginDownload() {
			continue
		}
		inFlight++
		o.downloads.Add(1)
		go o.download(ctx, t, m)
	}
}

// download fetches one item and promotes it to Ready or Failed. Failed is
// terminal; nothing retries it.
func (o *Orchestrator) download(ctx context.Context, t *tenant, m *MediaItem) {
	defer o.downloads.Done()

	ctx, span, log := observe.StartGuildSpan(ctx, "playback.download", t.id,
		attribute.String("url", m.Meta.URL))
	defer span.End()
	log = log.With("item", m.Label())
	start := time.Now()
	path, err := o.fetch(ctx, m)
	elapsed := time.Since(start)

	if err != nil {
		span.RecordError(err)
		m.markFailed(err)
		o.metrics.RecordDownload(ctx, StatusFailed.String(), elapsed.Seconds())
		log.Warn("playback: download failed",
			"requested_by", m.RequestedBy,
			"origin_channel", m.OriginChannel,
			"err", err,
		)
	} else {
		m.markReady(path)
		o.metrics.RecordDownload(ctx, StatusReady.String(), elapsed.Seconds())
		log.Info("playback: download ready", "path", path, "elapsed", elapsed)
	}

	// Only a head item can change what plays next.
	if err := o.lock(context.Background(), t); err != nil {
		return
	}
	defer t.release()
	if t.queue.Peek() == Item(m) {
		o.kickLocked(context.Background(), t)
	}
}

func (o *Orchestrator) fetch(ctx context.Context, m *MediaItem) (string, error) {
	if err := o.downloadSem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer o.downloadSem.Release(1)
	return o.fetcher.Fetch(ctx, m.Meta)
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (o *Orchestrator) RunSweeper(ctx context.Context, interval time.Duration) error {
	return runEvery(ctx, interval, func() { o.Sweep(ctx) })
}

// Reclaim deletes files in the download directory that are older than the
// retention window and not referenced by any current or queued item. It
// returns the number of files removed.
func (o *Orchestrator) Reclaim(ctx context.Context) (int, error) {
	cfg := o.Config()
	if cfg.DownloadDir == "" || cfg.Retention <= 0 {
		return 0, nil
	}

	inUse := make(map[string]bool)
	for _, t := range o.tenants.all() {
		if err := o.lock(ctx, t); err != nil {
			// A stalled tenant might reference anything; skip this round.
			return 0, fmt.Errorf("playback: reclaim: %w", err)
		}
		if t.current != nil {
			if m, ok := t.current.item.(*MediaItem); ok {
				markInUse(inUse, m.Path())
			}
		}
		for _, item := range t.queue.Head(t.queue.Len()) {
			if m, ok := item.(*MediaItem); ok {
				markInUse(inUse, m.Path())
			}
		}
		t.release()
	}

	entries, err := os.ReadDir(cfg.DownloadDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("playback: reclaim: %w", err)
	}

	cutoff := time.Now().Add(-cfg.Retention)
	removed := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		path := filepath.Join(cfg.DownloadDir, e.Name())
		if inUse[absPath(path)] {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("playback: reclaim file", "path", path, "err", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		o.metrics.FilesReclaimed.Add(ctx, int64(removed))
		slog.Info("playback: reclaimed downloads", "files", removed, "dir", cfg.DownloadDir)
	}
	return removed, nil
}

// markInUse records path in absolute form. yt-dlp reports absolute paths
// while the download dir may be configured relative to the working dir.
func markInUse(set map[string]bool, path string) {
	if path != "" {
		set[absPath(path)] = true
	}
}

func absPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}

// RunReclaimer calls Reclaim every interval until ctx is cancelled.
func (o *Orchestrator) RunReclaimer(ctx context.Context, interval time.Duration) error {
	return runEvery(ctx, interval, func() {
		if _, err := o.Reclaim(ctx); err != nil {
			slog.Warn("playback: retention sweep", "err", err)
		}
	})
}

// runEvery calls fn on every tick until ctx is done. It returns nil on
// cancellation so it can run inside an errgroup.
func runEvery(ctx context.Context, interval time.Duration, fn func()) error {
	if interval <= 0 {
		return fmt.Errorf("playback: invalid interval %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn()
		}
	}
}
