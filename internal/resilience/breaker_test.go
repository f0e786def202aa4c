package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errTest = errors.New("test error")

// fakeClock lets tests move time forward without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(cfg Config) (*Breaker, *fakeClock) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := NewBreaker(cfg)
	b.now = clk.Now
	return b, clk
}

func fail(context.Context) error { return errTest }
func ok(context.Context) error { return nil }

func TestNewBreaker_Defaults(t *testing.T) {
	t.Parallel()

	b := NewBreaker(Config{Name: "yt-dlp"})
	if b.cfg.MaxFailures != 5 || b.cfg.ResetTimeout != 30*time.Second || b.cfg.HalfOpenMax != 1 {
		t.Errorf("defaults = %+v", b.cfg)
	}
	if b.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", b.State())
	}
	if b.Name() != "yt-dlp" {
		t.Errorf("Name = %q", b.Name())
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(Config{Name: "t", MaxFailures: 3, ResetTimeout: time.Minute})
	ctx := t.Context()

	_ = b.Do(ctx, fail)
	_ = b.Do(ctx, fail)
	_ = b.Do(ctx, ok) // resets the streak
	_ = b.Do(ctx, fail)
	_ = b.Do(ctx, fail)
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed after broken streak", b.State())
	}

	if err := b.Do(ctx, fail); !errors.Is(err, errTest) {
		t.Fatalf("third failure returned %v", err)
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	called := false
	err := b.Do(ctx, func(context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrOpen) || called {
		t.Errorf("open breaker: err = %v, called = %v", err, called)
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		probe func(context.Context) error
		want  State
	}{
		{name: "success closes", probe: ok, want: StateClosed},
		{name: "failure re-opens", probe: fail, want: StateOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			b, clk := newTestBreaker(Config{Name: "t", MaxFailures: 1, ResetTimeout: time.Minute})
			_ = b.Do(t.Context(), fail)
			clk.Advance(time.Minute)
			if b.State() != StateHalfOpen {
				t.Fatalf("state = %v, want half-open after timeout", b.State())
			}
			_ = b.Do(t.Context(), tt.probe)
			if b.State() != tt.want {
				t.Errorf("state = %v, want %v", b.State(), tt.want)
			}
		})
	}
}

func TestBreaker_HalfOpenLimitsProbes(t *testing.T) {
	t.Parallel()

	b, clk := newTestBreaker(Config{Name: "t", MaxFailures: 1, ResetTimeout: time.Second, HalfOpenMax: 1})
	_ = b.Do(t.Context(), fail)
	clk.Advance(time.Second)

	inProbe := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Do(t.Context(), func(context.Context) error {
			close(inProbe)
			<-release
			return nil
		})
	}()
	<-inProbe

	if err := b.Do(t.Context(), ok); !errors.Is(err, ErrOpen) {
		t.Errorf("second probe = %v, want ErrOpen", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe = %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestBreaker_CancellationIsNotAFailure(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(Config{Name: "t", MaxFailures: 1})
	for range 3 {
		_ = b.Do(t.Context(), func(context.Context) error { return context.DeadlineExceeded })
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	called := false
	if err := b.Do(ctx, func(context.Context) error { called = true; return nil }); !errors.Is(err, context.Canceled) || called {
		t.Errorf("Do with cancelled ctx = %v, called = %v", err, called)
	}
}

func TestBreaker_CustomClassifierAndStateHook(t *testing.T) {
	t.Parallel()

	errNotFound := errors.New("not found")
	var transitions []string
	b, clk := newTestBreaker(Config{
		Name:         "search",
		MaxFailures:  2,
		ResetTimeout: time.Second,
		IsFailure:    func(err error) bool { return !errors.Is(err, errNotFound) },
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	})

	for range 5 {
		_ = b.Do(t.Context(), func(context.Context) error { return errNotFound })
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v; ignored errors must not open the breaker", b.State())
	}

	_ = b.Do(t.Context(), fail)
	_ = b.Do(t.Context(), fail)
	clk.Advance(time.Second)
	_ = b.Do(t.Context(), ok)
	b.Reset()

	want := []string{"search:closed->open", "search:open->half-open", "search:half-open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %q, want %q", i, transitions[i], want[i])
		}
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()

	for s, want := range map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(7):      "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d) = %q, want %q", int(s), got, want)
		}
	}
}
