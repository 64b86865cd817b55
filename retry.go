package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
)

// Result is the outcome of a fail-soft bus operation. Operations against
// the transport never surface failures as returned errors or panics; they
// report through Result so a single failed publish or subscribe cannot take
// the dispatch path down. Check OK before trusting the operation happened.
type Result struct {
	// Err is nil on success. On exhausted retries it wraps the last
	// transport error in a *RetryExhaustedError.
	Err error
	// Attempts is the number of attempts made, including the first.
	Attempts int
}

// OK reports whether the operation succeeded.
func (r Result) OK() bool {
	return r.Err == nil
}

// TopicResult is the per-topic outcome of ResubscribeAll.
type TopicResult struct {
	Topic string
	Result
}

// Backoff maps a retry attempt (1-based) to the wait before that attempt.
type Backoff func(attempt int) time.Duration

// ExponentialBackoff waits 2^attempt seconds: 2s before the first retry,
// 4s before the second, and so on. No jitter; retries here are per-bus
// operations, not a thundering herd of clients.
func ExponentialBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// 2^30 seconds is already ~34 years; avoid shift overflow beyond that.
	if attempt > 30 {
		attempt = 30
	}
	return time.Duration(1<<uint(attempt)) * time.Second
}

// retryer runs transport operations with backoff between attempts.
// Waits go through the injected clock so tests can drive time.
type retryer struct {
	count   int // extra attempts after the first failure
	backoff Backoff
	clock   clock.Clock
	logger  *slog.Logger
	onRetry func(op string) // metrics hook, may be nil
}

// do attempts fn up to count+1 times. Each failed attempt is logged at warn
// with the failure and the backoff that follows it; exhaustion is logged at
// error and folded into the fail-soft Result.
func (r *retryer) do(ctx context.Context, op, topic string, fn func(ctx context.Context) error) Result {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return Result{Attempts: attempt}
		}

		if attempt > r.count {
			r.logger.Error("retries exhausted",
				"op", op,
				"topic", topic,
				"attempts", attempt,
				"error", err)
			return Result{
				Err:      &RetryExhaustedError{Attempts: attempt, LastErr: err},
				Attempts: attempt,
			}
		}

		wait := r.backoff(attempt)
		r.logger.Warn("operation failed, retrying",
			"op", op,
			"topic", topic,
			"attempt", attempt,
			"backoff", wait,
			"error", err)
		if r.onRetry != nil {
			r.onRetry(op)
		}

		if !r.sleep(ctx, wait) {
			return Result{
				Err:      &RetryExhaustedError{Attempts: attempt, LastErr: ctx.Err()},
				Attempts: attempt,
			}
		}
	}
}

// sleep waits for d on the retryer's clock. Returns false if the context
// was cancelled first.
func (r *retryer) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := r.clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
