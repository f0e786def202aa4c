package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/time/rate"

	"github.com/MrWong99/bardic/internal/observe"
	"github.com/MrWong99/bardic/internal/playback"
	"github.com/MrWong99/bardic/internal/resilience"
)

// DownloadFunc downloads url into dir and returns the path of the file it
// wrote.
type DownloadFunc func(ctx context.Context, url, dir string) (string, error)

// Fetcher implements [playback.Fetcher] on top of yt-dlp.
type Fetcher struct {
	dir      string
	limiter  *rate.Limiter
	breaker  *resilience.Breaker
	download DownloadFunc
}

var _ playback.Fetcher = (*Fetcher)(nil)

// FetcherOption configures a [Fetcher].
type FetcherOption func(*Fetcher)

// WithFetchLimiter rate limits downloads. The limiter may be shared with a
// [Resolver].
func WithFetchLimiter(l *rate.Limiter) FetcherOption {
	return func(f *Fetcher) { f.limiter = l }
}

// WithFetchBreaker replaces the default breaker.
func WithFetchBreaker(b *resilience.Breaker) FetcherOption {
	return func(f *Fetcher) { f.breaker = b }
}

// WithDownloader replaces the yt-dlp download. Mostly useful in tests.
func WithDownloader(fn DownloadFunc) FetcherOption {
	return func(f *Fetcher) { f.download = fn }
}

// NewFetcher returns a fetcher storing files in dir.
func NewFetcher(dir string, ytdlpOpts YtdlpOptions, metrics *observe.Metrics, opts ...FetcherOption) *Fetcher {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	f := &Fetcher{
		dir:      dir,
		download: ytdlpDownload(ytdlpOpts),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.breaker == nil {
		f.breaker = resilience.NewBreaker(resilience.Config{
			Name:          "yt-dlp-download",
			OnStateChange: recordTransition(metrics),
		})
	}
	return f
}

// Dir returns the download directory.
func (f *Fetcher) Dir() string { return f.dir }

// Fetch implements [playback.Fetcher].
func (f *Fetcher) Fetch(ctx context.Context, meta playback.Metadata) (string, error) {
	if meta.URL == "" {
		return "", errors.New("media: fetch: metadata has no URL")
	}
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return "", fmt.Errorf("media: fetch: %w", err)
	}
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	var path string
	err := f.breaker.Do(ctx, func(ctx context.Context) error {
		p, err := f.download(ctx, meta.URL, f.dir)
		if err != nil {
			return err
		}
		if err := f.checkPath(p); err != nil {
			return err
		}
		path = p
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("media: fetch %q: %w", meta.URL, err)
	}
	slog.Debug("media: fetched", "url", meta.URL, "path", path)
	return path, nil
}

// checkPath makes sure the downloader produced a regular file inside the
// download directory.
func (f *Fetcher) checkPath(path string) error {
	if path == "" {
		return errors.New("media: downloader reported no file")
	}
	dir, err := filepath.Abs(f.dir)
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if rel, err := filepath.Rel(dir, abs); err != nil || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("media: downloaded file %s is outside %s", path, f.dir)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("media: downloaded file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("media: downloaded file %s is not a regular file", path)
	}
	return nil
}

// ytdlpDownload fetches the best audio-only format and prints the final
// file path once post-processing has moved it into place.
func ytdlpDownload(opts YtdlpOptions) DownloadFunc {
	return func(ctx context.Context, url, dir string) (string, error) {
		res, err := opts.command().
			Format("bestaudio[ext=webm]/bestaudio").
			Output(filepath.Join(dir, "%(id)s.%(ext)s")).
			NoPlaylist().
			NoPart().
			NoCheckFormats().
			NoSimulate().
			Print("after_move:filepath").
			Run(ctx, url)
		if err != nil {
			return "", ytdlpError("download", res, err)
		}
		return lastLine(res.Stdout), nil
	}
}
