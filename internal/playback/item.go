package playback

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/bardic/pkg/audio"
)

// Sound is anything the scheduler can turn into a frame source: a queued
// [Item] or a [Buffer] handed to PlayNow.
//
// The interface is sealed; only types in this package implement it.
type Sound interface {
	// Label is a short human-readable description used in logs and snapshots.
	Label() string

	// Kind names the variant ("clip", "media" or "buffer").
	Kind() string

	open(ctx context.Context, p audio.Preparer) (audio.Source, error)

	// release drops resources owned by the sound once it has been played,
	// has failed, or was removed. It is idempotent.
	release()
}

// Item is a queued unit of audio: a [*ClipItem] or a [*MediaItem].
type Item interface {
	Sound

	// Requester is the identity of the user who asked for the item.
	Requester() string

	// Info returns a point-in-time description safe to render.
	Info() ItemInfo
}

var (
	_ Item  = (*ClipItem)(nil)
	_ Item  = (*MediaItem)(nil)
	_ Sound = (*Buffer)(nil)
)

// ─── Clip ─────────────────────────────────────────────────────────────────────

// ClipItem is a short local sound file such as an uploaded effect or a join
// sound. Transient clips are deleted from disk once they have been played,
// have failed to prepare, or were removed from the queue.
type ClipItem struct {
	RequestedBy string
	Path        string
	Transient   bool

	releaseOnce sync.Once
}

// NewClip returns a clip for path requested by requester.
func NewClip(requester, path string, transient bool) *ClipItem {
	return &ClipItem{RequestedBy: requester, Path: path, Transient: transient}
}

// Label implements [Sound].
func (c *ClipItem) Label() string { return c.Path }

// Kind implements [Sound].
func (c *ClipItem) Kind() string { return "clip" }

// Requester implements [Item].
func (c *ClipItem) Requester() string { return c.RequestedBy }

// Info implements [Item].
func (c *ClipItem) Info() ItemInfo {
	return ItemInfo{
		Kind:        c.Kind(),
		Title:       c.Path,
		RequestedBy: c.RequestedBy,
		Status:      StatusReady,
		Path:        c.Path,
	}
}

func (c *ClipItem) open(ctx context.Context, p audio.Preparer) (audio.Source, error) {
	return p.Prepare(ctx, c.Path)
}

func (c *ClipItem) release() {
	if !c.Transient {
		return
	}
	c.releaseOnce.Do(func() {
		if err := os.Remove(c.Path); err != nil && !os.IsNotExist(err) {
			slog.Warn("playback: remove transient clip", "path", c.Path, "err", err)
		}
	})
}

// ─── Media ────────────────────────────────────────────────────────────────────

// Status is the download lifecycle of a [MediaItem].
type Status int

const (
	// StatusPending means the item waits for the download pipeline.
	StatusPending Status = iota
	// StatusDownloading means a download is in flight.
	StatusDownloading
	// StatusReady means the file is on local storage.
	StatusReady
	// StatusFailed is terminal; the item is never played nor retried.
	StatusFailed
)

// String returns the lowercase status name.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusDownloading:
		return "downloading"
	case StatusReady:
		return "ready"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Metadata is the resolved description of a media query.
type Metadata struct {
	ID        string
	Title     string
	Uploader  string
	Duration  time.Duration
	Thumbnail string
	URL       string
}

// MediaItem is a long-form track resolved from a search query or URL. It
// moves through Pending → Downloading → Ready|Failed; the local path is set
// if and only if the status is Ready.
//
// The status fields are guarded by the item's own mutex so the download
// pipeline can update them without holding the tenant lock.
type MediaItem struct {
	RequestedBy   string
	OriginChannel string
	Query         string
	Meta          Metadata

	mu         sync.Mutex
	status     Status
	path       string
	err        error
	lastPlayed time.Time
}

// NewMedia returns a Pending media item.
func NewMedia(requester, originChannel, query string, meta Metadata) *MediaItem {
	return &MediaItem{
		RequestedBy:   requester,
		OriginChannel: originChannel,
		Query:         query,
		Meta:          meta,
	}
}

// Label implements [Sound].
func (m *MediaItem) Label() string {
	if m.Meta.Title != "" {
		return m.Meta.Title
	}
	return m.Query
}

// Kind implements [Sound].
func (m *MediaItem) Kind() string { return "media" }

// Requester implements [Item].
func (m *MediaItem) Requester() string { return m.RequestedBy }

// Status returns the current download status.
func (m *MediaItem) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Path returns the local file path. It is empty unless the item is Ready.
func (m *MediaItem) Path() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.path
}

// Err returns the error that failed the item, if any.
func (m *MediaItem) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// LastPlayed returns when the item last finished playing.
func (m *MediaItem) LastPlayed() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPlayed
}

// Info implements [Item].
func (m *MediaItem) Info() ItemInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ItemInfo{
		Kind:        m.Kind(),
		Title:       m.Label(),
		RequestedBy: m.RequestedBy,
		Status:      m.status,
		Path:        m.path,
		Duration:    m.Meta.Duration,
		URL:         m.Meta.URL,
	}
}

// beginDownload moves a Pending item to Downloading. It reports false if the
// item was in any other state.
func (m *MediaItem) beginDownload() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != StatusPending {
		return false
	}
	m.status = StatusDownloading
	return true
}

// markReady records the downloaded file. Only a Downloading item can become
// Ready.
func (m *MediaItem) markReady(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != StatusDownloading {
		return false
	}
	m.status = StatusReady
	m.path = path
	return true
}

// markFailed makes the item permanently unplayable.
func (m *MediaItem) markFailed(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = StatusFailed
	m.path = ""
	m.err = err
}

func (m *MediaItem) open(ctx context.Context, p audio.Preparer) (audio.Source, error) {
	m.mu.Lock()
	status, path := m.status, m.path
	m.mu.Unlock()
	if status != StatusReady {
		return nil, fmt.Errorf("playback: %q is %s: %w", m.Label(), status, ErrNotReady)
	}
	return p.Prepare(ctx, path)
}

// release stamps the play time. Downloaded files stay on disk until the
// retention sweep reclaims them.
func (m *MediaItem) release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastPlayed = time.Now()
}

// ─── Buffer ───────────────────────────────────────────────────────────────────

// Buffer is pre-rendered PCM audio, such as synthesised speech, played
// through PlayNow without touching the queue.
type Buffer struct {
	Name   string
	PCM    []byte
	Format audio.Format
}

// Label implements [Sound].
func (b *Buffer) Label() string { return b.Name }

// Kind implements [Sound].
func (b *Buffer) Kind() string { return "buffer" }

func (b *Buffer) open(context.Context, audio.Preparer) (audio.Source, error) {
	if len(b.PCM) == 0 {
		return nil, fmt.Errorf("playback: buffer %q is empty", b.Name)
	}
	return audio.NewPCMSource(b.PCM, b.Format), nil
}

func (b *Buffer) release() {}

// ─── Snapshot ─────────────────────────────────────────────────────────────────

// ItemInfo is a copy of an item's displayable state.
type ItemInfo struct {
	Kind        string
	Title       string
	RequestedBy string
	Status      Status
	Path        string
	Duration    time.Duration
	URL         string
}
