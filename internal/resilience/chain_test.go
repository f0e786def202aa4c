package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestChain_FirstSuccessWins(t *testing.T) {
	t.Parallel()

	c := NewChain[string](Config{MaxFailures: 3}).Add("primary", "a").Add("secondary", "b")

	var seen []string
	got, name, err := Try(t.Context(), c, func(_ context.Context, v string) (string, error) {
		seen = append(seen, v)
		if v == "a" {
			return "", errTest
		}
		return "result-" + v, nil
	})
	if err != nil {
		t.Fatalf("Try: %v", err)
	}
	if got != "result-b" || name != "secondary" {
		t.Errorf("Try = %q from %q", got, name)
	}
	if len(seen) != 2 {
		t.Errorf("backends tried = %v", seen)
	}
}

func TestChain_AllFailJoinsErrors(t *testing.T) {
	t.Parallel()

	errMissing := errors.New("missing")
	c := NewChain[int](Config{}).Add("one", 1).Add("two", 2)

	_, _, err := Try(t.Context(), c, func(_ context.Context, v int) (int, error) {
		if v == 1 {
			return 0, errMissing
		}
		return 0, errTest
	})
	if !errors.Is(err, ErrExhausted) || !errors.Is(err, errMissing) || !errors.Is(err, errTest) {
		t.Errorf("err = %v; want ErrExhausted wrapping both backend errors", err)
	}

	empty := NewChain[int](Config{})
	if _, _, err := Try(t.Context(), empty, func(context.Context, int) (int, error) { return 1, nil }); !errors.Is(err, ErrExhausted) {
		t.Errorf("empty chain = %v, want ErrExhausted", err)
	}
}

func TestChain_OpenBackendIsSkipped(t *testing.T) {
	t.Parallel()

	c := NewChain[string](Config{MaxFailures: 1, ResetTimeout: time.Hour}).Add("flaky", "f").Add("stable", "s")
	calls := map[string]int{}
	fn := func(_ context.Context, v string) (string, error) {
		calls[v]++
		if v == "f" {
			return "", errTest
		}
		return v, nil
	}

	for range 3 {
		if _, name, err := Try(t.Context(), c, fn); err != nil || name != "stable" {
			t.Fatalf("Try = %q, %v", name, err)
		}
	}
	if calls["f"] != 1 {
		t.Errorf("flaky backend called %d times, want 1 before its breaker opened", calls["f"])
	}
	if st := c.States(); st["flaky"] != StateOpen || st["stable"] != StateClosed {
		t.Errorf("States = %v", st)
	}
	if c.Len() != 2 {
		t.Errorf("Len = %d", c.Len())
	}
}

func TestChain_CancellationStopsWalk(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	c := NewChain[string](Config{}).Add("one", "1").Add("two", "2")

	var seen []string
	_, _, err := Try(ctx, c, func(_ context.Context, v string) (string, error) {
		seen = append(seen, v)
		cancel()
		return "", context.Canceled
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if len(seen) != 1 {
		t.Errorf("backends tried after cancel = %v", seen)
	}
}
