// Package resilience guards calls to flaky external tools such as yt-dlp and
// the search scrapers.
//
// [Breaker] is a three-state circuit breaker (closed → open → half-open) that
// stops hammering a backend after repeated failures. [Chain] tries a list of
// interchangeable backends in order, each behind its own breaker.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrOpen] until ResetTimeout has passed
	// since the last failure.
	StateOpen

	// StateHalfOpen lets up to HalfOpenMax probe calls through. A failed
	// probe re-opens the breaker; enough successful ones close it.
	StateHalfOpen
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes a [Breaker].
type Config struct {
	// Name labels the breaker in logs and state-change callbacks.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probes allowed, and required to succeed,
	// in the half-open state. Default: 1.
	HalfOpenMax int

	// IsFailure decides whether an error counts against the backend. The
	// default ignores context cancellation and deadline errors, which say
	// more about the caller than the backend.
	IsFailure func(error) bool

	// OnStateChange, if set, is called after every transition. It runs with
	// the breaker's lock held and must not call back into the breaker.
	OnStateChange func(name string, from, to State)
}

// Breaker implements the circuit breaker pattern.
type Breaker struct {
	cfg Config
	now func() time.Time

	mu             sync.Mutex
	state          State
	failures       int
	openedAt       time.Time
	probes         int
	probeSuccesses int
}

// NewBreaker returns a closed breaker. Zero config fields take defaults.
func NewBreaker(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = countsAsFailure
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

func countsAsFailure(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Name returns the configured name.
func (b *Breaker) Name() string { return b.cfg.Name }

// Do runs fn unless the breaker is open. A rejected call returns an error
// wrapping [ErrOpen] without calling fn.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	probe, err := b.admit()
	if err != nil {
		return err
	}

	err = fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case err != nil && b.cfg.IsFailure(err):
		b.onFailure(probe)
	case err != nil:
		// Not the backend's fault; a probe slot is simply returned.
		if probe {
			b.probes--
		}
	default:
		b.onSuccess(probe)
	}
	return err
}

// admit decides whether a call may proceed and whether it is a probe.
func (b *Breaker) admit() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			return false, fmt.Errorf("%s: %w", b.cfg.Name, ErrOpen)
		}
		b.transition(StateHalfOpen)
		b.probes = 0
		b.probeSuccesses = 0
	}
	if b.state == StateHalfOpen {
		if b.probes >= b.cfg.HalfOpenMax {
			return false, fmt.Errorf("%s: %w", b.cfg.Name, ErrOpen)
		}
		b.probes++
		return true, nil
	}
	return false, nil
}

// onFailure must be called with b.mu held.
func (b *Breaker) onFailure(probe bool) {
	if probe || b.state == StateHalfOpen {
		b.openedAt = b.now()
		b.transition(StateOpen)
		return
	}
	b.failures++
	if b.failures >= b.cfg.MaxFailures {
		b.openedAt = b.now()
		b.transition(StateOpen)
		slog.Warn("resilience: circuit opened", "name", b.cfg.Name, "consecutive_failures", b.failures)
	}
}

// onSuccess must be called with b.mu held.
func (b *Breaker) onSuccess(probe bool) {
	if !probe {
		b.failures = 0
		return
	}
	b.probeSuccesses++
	if b.probeSuccesses >= b.cfg.HalfOpenMax {
		b.failures = 0
		b.transition(StateClosed)
	}
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	slog.Info("resilience: circuit state changed", "name", b.cfg.Name, "from", from, "to", to)
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}

// State reports the current state. An open breaker whose timeout has elapsed
// reports [StateHalfOpen]; the transition itself happens on the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probes = 0
	b.probeSuccesses = 0
	b.transition(StateClosed)
}
