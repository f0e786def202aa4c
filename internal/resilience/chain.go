package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrExhausted is returned when every backend in a [Chain] failed or was
// skipped because its breaker is open. The individual errors are joined to it
// so callers can still match them with errors.Is.
var ErrExhausted = errors.New("resilience: all backends failed")

type link[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// Chain holds interchangeable backends in preference order, each behind its
// own [Breaker]. Backends are registered at startup; a Chain must not be
// modified once [Try] is in use.
type Chain[T any] struct {
	cfg   Config
	links []link[T]
}

// NewChain returns an empty chain whose breakers are built from cfg. The
// Name field of cfg is replaced by each backend's name.
func NewChain[T any](cfg Config) *Chain[T] {
	return &Chain[T]{cfg: cfg}
}

// Add appends a backend. Backends are tried in the order they were added.
func (c *Chain[T]) Add(name string, value T) *Chain[T] {
	cfg := c.cfg
	cfg.Name = name
	c.links = append(c.links, link[T]{name: name, value: value, breaker: NewBreaker(cfg)})
	return c
}

// Len returns the number of backends.
func (c *Chain[T]) Len() int { return len(c.links) }

// States returns the breaker state of every backend by name.
func (c *Chain[T]) States() map[string]State {
	out := make(map[string]State, len(c.links))
	for _, l := range c.links {
		out[l.name] = l.breaker.State()
	}
	return out
}

// Try calls fn on each backend of c in order and returns the first success
// together with the backend's name. Cancellation of ctx stops the walk
// immediately.
func Try[T, R any](ctx context.Context, c *Chain[T], fn func(context.Context, T) (R, error)) (R, string, error) {
	var (
		zero R
		errs []error
	)
	for _, l := range c.links {
		var result R
		err := l.breaker.Do(ctx, func(ctx context.Context) error {
			var err error
			result, err = fn(ctx, l.value)
			return err
		})
		if err == nil {
			return result, l.name, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, "", ctxErr
		}
		if errors.Is(err, ErrOpen) {
			slog.Debug("resilience: skipping backend", "backend", l.name)
		} else {
			slog.Warn("resilience: backend failed, trying next", "backend", l.name, "err", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", l.name, err))
	}
	if len(errs) == 0 {
		return zero, "", ErrExhausted
	}
	return zero, "", fmt.Errorf("%w: %w", ErrExhausted, errors.Join(errs...))
}
