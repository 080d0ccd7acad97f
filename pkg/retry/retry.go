// Package retry wraps flaky operations with bounded fixed-delay retries
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/conveyor-ci/conveyor/pkg/logger"
	"github.com/conveyor-ci/conveyor/pkg/types"
)

// ExhaustedError wraps the last attempt's error after all attempts are
// consumed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

// Error implements the error interface
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.Last)
}

// Unwrap returns the last attempt's error
func (e *ExhaustedError) Unwrap() error { return e.Last }

// Controller executes operations with a fixed inter-attempt delay. The
// delay is constant: no exponential backoff, no jitter.
type Controller struct {
	logger logger.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewController creates a retry controller
func NewController(log logger.Logger) *Controller {
	return &Controller{
		logger: log,
		sleep:  sleepCtx,
	}
}

// NewControllerWithSleep creates a controller with a custom sleep function
// (for testing).
func NewControllerWithSleep(log logger.Logger, sleep func(ctx context.Context, d time.Duration) error) *Controller {
	return &Controller{logger: log, sleep: sleep}
}

// Do runs op up to policy.MaxAttempts times, sleeping policy.Delay between
// attempts. The first success short-circuits the remaining attempts. It
// returns the number of attempts actually made; on final failure the error
// is an ExhaustedError wrapping the last attempt's error. Cancellation
// during an inter-attempt sleep surfaces the context error immediately.
func (c *Controller) Do(ctx context.Context, name string, policy types.RetryPolicy, op func(ctx context.Context) error) (int, error) {
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return attempt, nil
		}

		if attempt == attempts {
			break
		}

		if c.logger != nil {
			c.logger.Warn(fmt.Sprintf("Operation %s failed, retrying in %s", name, policy.Delay),
				logger.WithField("attempt", attempt),
				logger.WithField("error", lastErr))
		}

		if err := c.sleep(ctx, policy.Delay.Std()); err != nil {
			return attempt, err
		}
	}

	return attempts, &ExhaustedError{Attempts: attempts, Last: lastErr}
}

// sleepCtx sleeps for d or until the context is cancelled
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
