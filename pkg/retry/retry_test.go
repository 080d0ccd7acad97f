package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/conveyor-ci/conveyor/pkg/retry"
	"github.com/conveyor-ci/conveyor/pkg/types"
)

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func policy(attempts int, delay time.Duration) types.RetryPolicy {
	return types.RetryPolicy{MaxAttempts: attempts, Delay: types.Duration(delay)}
}

func TestDo_FirstSuccessShortCircuits(t *testing.T) {
	c := retry.NewControllerWithSleep(nil, noSleep)

	calls := 0
	attempts, err := c.Do(context.Background(), "op", policy(5, time.Second), func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 1 || calls != 1 {
		t.Errorf("expected single attempt, got attempts=%d calls=%d", attempts, calls)
	}
}

func TestDo_SucceedsOnFinalAttempt(t *testing.T) {
	c := retry.NewControllerWithSleep(nil, noSleep)

	calls := 0
	attempts, err := c.Do(context.Background(), "flaky", policy(5, 15*time.Second), func(ctx context.Context) error {
		calls++
		if calls < 5 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success on 5th attempt: %v", err)
	}
	if attempts != 5 {
		t.Errorf("expected 5 attempts, got %d", attempts)
	}
	if calls != 5 {
		t.Errorf("expected exactly 5 invocations, got %d", calls)
	}
}

func TestDo_Exhaustion(t *testing.T) {
	c := retry.NewControllerWithSleep(nil, noSleep)

	calls := 0
	cause := errors.New("still broken")
	attempts, err := c.Do(context.Background(), "doomed", policy(5, time.Second), func(ctx context.Context) error {
		calls++
		return cause
	})
	if err == nil {
		t.Fatal("expected exhaustion error, got nil")
	}
	if calls != 5 {
		t.Errorf("expected exactly 5 invocations, got %d", calls)
	}
	if attempts != 5 {
		t.Errorf("expected 5 attempts reported, got %d", attempts)
	}

	var exh *retry.ExhaustedError
	if !errors.As(err, &exh) {
		t.Fatalf("expected ExhaustedError, got %T", err)
	}
	if exh.Attempts != 5 {
		t.Errorf("expected 5 attempts in error, got %d", exh.Attempts)
	}
	if !errors.Is(err, cause) {
		t.Error("exhaustion error must wrap the last attempt's error")
	}
}

func TestDo_FixedDelayBetweenAttempts(t *testing.T) {
	var delays []time.Duration
	c := retry.NewControllerWithSleep(nil, func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	})

	c.Do(context.Background(), "flaky", policy(3, 15*time.Second), func(ctx context.Context) error {
		return errors.New("nope")
	})

	// Two sleeps between three attempts, none after the last
	if len(delays) != 2 {
		t.Fatalf("expected 2 sleeps, got %d", len(delays))
	}
	for _, d := range delays {
		if d != 15*time.Second {
			t.Errorf("expected fixed 15s delay, got %s", d)
		}
	}
}

func TestDo_CancelledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := retry.NewControllerWithSleep(nil, func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	})

	calls := 0
	_, err := c.Do(ctx, "op", policy(5, time.Minute), func(ctx context.Context) error {
		calls++
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("cancellation during sleep must stop further attempts, got %d calls", calls)
	}
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	c := retry.NewControllerWithSleep(nil, noSleep)

	calls := 0
	attempts, err := c.Do(context.Background(), "op", policy(0, 0), func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 1 || calls != 1 {
		t.Errorf("a zero-attempt policy still runs once, got attempts=%d calls=%d", attempts, calls)
	}
}
