// Package media resolves search queries and URLs to track metadata and
// downloads the audio to local storage.
//
// Resolution tries several backends in order (yt-dlp, the YouTube search
// scraper, YouTube Music) behind per-backend circuit breakers. Downloads
// always go through yt-dlp, rate limited and guarded by a breaker of their
// own so a broken extractor does not fail every queued track at full speed.
package media

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lrstanley/go-ytdlp"

	"github.com/MrWong99/bardic/internal/playback"
)

// ErrNoResults is returned when a query matches nothing. It is the same
// sentinel the playback package reports from EnqueueQuery.
var ErrNoResults = playback.ErrNoResults

// printTemplate is the --print template for metadata lookups. Fields are
// tab separated so titles containing spaces survive.
const printTemplate = "%(webpage_url)s\t%(title)s\t%(uploader)s\t%(duration)s\t%(id)s\t%(thumbnail)s"

// YtdlpOptions are shared by every yt-dlp invocation.
type YtdlpOptions struct {
	// Proxy is passed as --proxy when non-empty.
	Proxy string
}

func (o YtdlpOptions) command() *ytdlp.Command {
	cmd := ytdlp.New().
		Quiet().
		NoWarnings().
		IgnoreConfig()
	if o.Proxy != "" {
		cmd.Proxy(o.Proxy)
	}
	return cmd
}

// isURL reports whether query should be handed to yt-dlp verbatim.
func isURL(query string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	return strings.HasPrefix(q, "https://") || strings.HasPrefix(q, "http://")
}

// parseMetadata parses the first complete line printed with printTemplate.
func parseMetadata(stdout string) (playback.Metadata, error) {
	for _, line := range strings.Split(strings.TrimSpace(stdout), "\n") {
		fields := strings.Split(strings.TrimRight(line, "\r"), "\t")
		if len(fields) < 6 || fields[0] == "" || fields[0] == "NA" {
			continue
		}
		return playback.Metadata{
			URL:       fields[0],
			Title:     naToEmpty(fields[1]),
			Uploader:  naToEmpty(fields[2]),
			Duration:  parseSeconds(fields[3]),
			ID:        naToEmpty(fields[4]),
			Thumbnail: naToEmpty(fields[5]),
		}, nil
	}
	return playback.Metadata{}, ErrNoResults
}

// parseSeconds turns yt-dlp's duration field ("212", "212.5", "NA") into a
// duration; unknown durations are zero.
func parseSeconds(s string) time.Duration {
	secs, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

func naToEmpty(s string) string {
	if s == "NA" {
		return ""
	}
	return s
}

// lastLine returns the last non-empty line of s.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

// ytdlpError enriches a failed run with the tail of yt-dlp's stderr.
func ytdlpError(op string, res *ytdlp.Result, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if res != nil {
		if msg := lastLine(res.Stderr); msg != "" {
			return fmt.Errorf("media: yt-dlp %s: %w: %s", op, err, msg)
		}
	}
	return fmt.Errorf("media: yt-dlp %s: %w", op, err)
}
