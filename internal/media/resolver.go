package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ppalone/ytsearch"
	"github.com/raitonoberu/ytmusic"
	"golang.org/x/time/rate"

	"github.com/MrWong99/bardic/internal/observe"
	"github.com/MrWong99/bardic/internal/playback"
	"github.com/MrWong99/bardic/internal/resilience"
)

// Backend looks up a single best match for a search query.
type Backend interface {
	Lookup(ctx context.Context, query string) (playback.Metadata, error)
}

// BackendFunc adapts a function to [Backend].
type BackendFunc func(ctx context.Context, query string) (playback.Metadata, error)

// Lookup implements [Backend].
func (f BackendFunc) Lookup(ctx context.Context, query string) (playback.Metadata, error) {
	return f(ctx, query)
}

// Resolver implements [playback.Resolver]. URLs go straight to yt-dlp;
// free-text queries walk the search backends in preference order.
type Resolver struct {
	direct  *resilience.Chain[Backend]
	search  *resilience.Chain[Backend]
	metrics *observe.Metrics
}

var _ playback.Resolver = (*Resolver)(nil)

// ResolverOption configures a [Resolver].
type ResolverOption func(*resolverConfig)

type resolverConfig struct {
	ytdlp       YtdlpOptions
	limiter     *rate.Limiter
	preferMusic bool
	breaker     resilience.Config
	metrics     *observe.Metrics
	backends    []namedBackend
	urlBackend  Backend
}

type namedBackend struct {
	name    string
	backend Backend
}

// WithYtdlp sets the options used for yt-dlp lookups.
func WithYtdlp(o YtdlpOptions) ResolverOption {
	return func(c *resolverConfig) { c.ytdlp = o }
}

// WithLimiter rate limits yt-dlp lookups. The limiter may be shared with a
// [Fetcher].
func WithLimiter(l *rate.Limiter) ResolverOption {
	return func(c *resolverConfig) { c.limiter = l }
}

// WithPreferMusic puts YouTube Music first for free-text queries.
func WithPreferMusic(prefer bool) ResolverOption {
	return func(c *resolverConfig) { c.preferMusic = prefer }
}

// WithBreaker sets the breaker configuration used for every backend.
func WithBreaker(cfg resilience.Config) ResolverOption {
	return func(c *resolverConfig) { c.breaker = cfg }
}

// WithResolverMetrics overrides the metrics sink.
func WithResolverMetrics(m *observe.Metrics) ResolverOption {
	return func(c *resolverConfig) { c.metrics = m }
}

// WithBackends replaces the built-in search backends and the URL backend.
// Mostly useful in tests.
func WithBackends(url Backend, search ...Backend) ResolverOption {
	return func(c *resolverConfig) {
		c.urlBackend = url
		c.backends = c.backends[:0]
		for i, b := range search {
			c.backends = append(c.backends, namedBackend{name: fmt.Sprintf("backend-%d", i), backend: b})
		}
	}
}

// NewResolver returns a resolver using yt-dlp, ytsearch and ytmusic.
func NewResolver(opts ...ResolverOption) *Resolver {
	cfg := resolverConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.metrics == nil {
		cfg.metrics = observe.DefaultMetrics()
	}
	if cfg.breaker.IsFailure == nil {
		cfg.breaker.IsFailure = backendFault
	}
	if cfg.breaker.OnStateChange == nil {
		cfg.breaker.OnStateChange = recordTransition(cfg.metrics)
	}

	if cfg.urlBackend == nil {
		yt := &ytdlpBackend{opts: cfg.ytdlp, limiter: cfg.limiter}
		cfg.urlBackend = yt
		ytdlpSearch := namedBackend{"yt-dlp", yt}
		scraper := namedBackend{"ytsearch", BackendFunc(searchYouTube)}
		music := namedBackend{"ytmusic", BackendFunc(searchYouTubeMusic)}
		if cfg.preferMusic {
			cfg.backends = []namedBackend{music, ytdlpSearch, scraper}
		} else {
			cfg.backends = []namedBackend{ytdlpSearch, scraper, music}
		}
	}

	r := &Resolver{
		direct:  resilience.NewChain[Backend](cfg.breaker).Add("yt-dlp", cfg.urlBackend),
		search:  resilience.NewChain[Backend](cfg.breaker),
		metrics: cfg.metrics,
	}
	for _, b := range cfg.backends {
		r.search.Add(b.name, b.backend)
	}
	return r
}

// backendFault keeps "nothing found" and cancellations from tripping a
// breaker.
func backendFault(err error) bool {
	return !errors.Is(err, ErrNoResults) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

func recordTransition(m *observe.Metrics) func(string, resilience.State, resilience.State) {
	return func(name string, _, to resilience.State) {
		m.RecordCircuitTransition(name, to.String())
	}
}

// Resolve implements [playback.Resolver]. It returns an error wrapping
// [ErrNoResults] when no backend found anything.
func (r *Resolver) Resolve(ctx context.Context, query string) (playback.Metadata, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return playback.Metadata{}, fmt.Errorf("media: empty query: %w", ErrNoResults)
	}

	chain := r.search
	if isURL(query) {
		chain = r.direct
	}
	meta, source, err := resilience.Try(ctx, chain, func(ctx context.Context, b Backend) (playback.Metadata, error) {
		return b.Lookup(ctx, query)
	})
	if err != nil {
		status := "error"
		if errors.Is(err, ErrNoResults) {
			status = "no_results"
		}
		r.metrics.RecordResolution(ctx, "none", status)
		return playback.Metadata{}, fmt.Errorf("media: resolve %q: %w", query, err)
	}
	r.metrics.RecordResolution(ctx, source, "ok")
	slog.Debug("media: resolved", "query", query, "source", source, "title", meta.Title, "url", meta.URL)
	return meta, nil
}

// BreakerStates reports the breaker state of each search backend.
func (r *Resolver) BreakerStates() map[string]resilience.State {
	return r.search.States()
}

// ─── backends ─────────────────────────────────────────────────────────────────

type ytdlpBackend struct {
	opts    YtdlpOptions
	limiter *rate.Limiter
}

// Lookup resolves a URL, or the first search hit for free text.
func (b *ytdlpBackend) Lookup(ctx context.Context, query string) (playback.Metadata, error) {
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return playback.Metadata{}, err
		}
	}
	cmd := b.opts.command().
		Print(printTemplate).
		NoPlaylist()
	target := query
	if !isURL(query) {
		target = "ytsearch1:" + query
	}
	res, err := cmd.Run(ctx, "--skip-download", target)
	if err != nil {
		return playback.Metadata{}, ytdlpError("lookup", res, err)
	}
	return parseMetadata(res.Stdout)
}

func searchYouTube(ctx context.Context, query string) (playback.Metadata, error) {
	res, err := ytsearch.NewClient(nil).Search(ctx, query)
	if err != nil {
		return playback.Metadata{}, fmt.Errorf("media: youtube search: %w", err)
	}
	for _, v := range res.Results {
		if v.VideoID == "" {
			continue
		}
		return playback.Metadata{
			ID:    v.VideoID,
			Title: v.Title,
			URL:   "https://www.youtube.com/watch?v=" + v.VideoID,
		}, nil
	}
	return playback.Metadata{}, ErrNoResults
}

func searchYouTubeMusic(ctx context.Context, query string) (playback.Metadata, error) {
	type result struct {
		meta playback.Metadata
		err  error
	}
	// The ytmusic client takes no context; abandon it on cancellation.
	ch := make(chan result, 1)
	go func() {
		res, err := ytmusic.TrackSearch(query).Next()
		if err != nil {
			ch <- result{err: fmt.Errorf("media: youtube music search: %w", err)}
			return
		}
		for _, tr := range res.Tracks {
			if tr.VideoID == "" {
				continue
			}
			meta := playback.Metadata{
				ID:    tr.VideoID,
				Title: tr.Title,
				URL:   "https://music.youtube.com/watch?v=" + tr.VideoID,
			}
			if len(tr.Artists) > 0 {
				meta.Uploader = tr.Artists[0].Name
			}
			ch <- result{meta: meta}
			return
		}
		ch <- result{err: ErrNoResults}
	}()
	select {
	case r := <-ch:
		return r.meta, r.err
	case <-ctx.Done():
		return playback.Metadata{}, ctx.Err()
	}
}
