package retry

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	logx "mdsched/pkg/logx"
)

func TestDoSucceedsFirstAttempt(t *testing.T) {
	t.Parallel()
	calls := 0
	err := Do(context.Background(), logx.Nop(), "step", Options{MaxAttempts: 3}, func(context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("fn called %d times, want 1", calls)
	}
}

func TestDoRecoversWithinBudget(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		failures int
		max      int
	}{
		{"one failure", 1, 3},
		{"two failures", 2, 3},
		{"last attempt wins", 4, 5},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			calls := 0
			err := Do(context.Background(), logx.Nop(), "step", Options{MaxAttempts: tc.max}, func(context.Context) error {
				calls++
				if calls <= tc.failures {
					return errors.New("transient")
				}
				return nil
			})
			if err != nil {
				t.Fatal(err)
			}
			if calls != tc.failures+1 {
				t.Fatalf("fn called %d times, want %d", calls, tc.failures+1)
			}
		})
	}
}

func TestDoExhaustsBudget(t *testing.T) {
	t.Parallel()
	calls := 0
	cause := errors.New("persistent")
	err := Do(context.Background(), logx.Nop(), "mdrun", Options{MaxAttempts: 3}, func(context.Context) error {
		calls++
		return cause
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 3 {
		t.Fatalf("fn called %d times, want 3", calls)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("cause not wrapped: %v", err)
	}
	if !strings.Contains(err.Error(), "mdrun: 3 attempts exhausted") {
		t.Fatalf("error = %q", err)
	}
}

func TestDoPermanentShortCircuits(t *testing.T) {
	t.Parallel()
	calls := 0
	cause := errors.New("missing template")
	err := Do(context.Background(), logx.Nop(), "step", Options{MaxAttempts: 5}, func(context.Context) error {
		calls++
		return Permanent(cause)
	})
	if calls != 1 {
		t.Fatalf("fn called %d times, want 1", calls)
	}
	// The permanent wrapper is stripped before returning.
	if !errors.Is(err, cause) || IsPermanent(err) {
		t.Fatalf("err = %v", err)
	}
}

func TestDoStopsOnCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, logx.Nop(), "step", Options{MaxAttempts: 10, Base: time.Hour}, func(context.Context) error {
		calls++
		cancel() // cancel during the first backoff wait
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Fatalf("fn called %d times, want 1", calls)
	}
}

func TestPermanentNil(t *testing.T) {
	t.Parallel()
	if Permanent(nil) != nil {
		t.Fatal("Permanent(nil) != nil")
	}
	if IsPermanent(errors.New("plain")) {
		t.Fatal("plain error reported permanent")
	}
}

func TestBackoffDelayGrowth(t *testing.T) {
	t.Parallel()
	opt := Options{Base: 100 * time.Millisecond, MaxDelay: time.Second, Jitter: 0}.withDefaults()
	// Jitter 0 is replaced by the default; pin it off for determinism.
	opt.Jitter = 0

	var prev time.Duration
	for attempt := 1; attempt <= 6; attempt++ {
		d := backoffDelay(opt, attempt, nil)
		if d < prev {
			t.Fatalf("delay shrank: attempt %d gave %s after %s", attempt, d, prev)
		}
		if d > opt.MaxDelay {
			t.Fatalf("delay %s above cap %s", d, opt.MaxDelay)
		}
		prev = d
	}
	if prev != opt.MaxDelay {
		t.Fatalf("delay never reached cap: %s", prev)
	}
}
