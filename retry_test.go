package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRetryer(count int) *retryer {
	return &retryer{
		count:   count,
		backoff: func(int) time.Duration { return 0 },
		clock:   clock.New(),
		logger:  discardLogger(),
	}
}

func TestExponentialBackoff(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{0, 2 * time.Second},  // clamped up
		{-3, 2 * time.Second}, // clamped up
	}
	for _, tc := range cases {
		if got := ExponentialBackoff(tc.attempt); got != tc.want {
			t.Errorf("ExponentialBackoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
	// Large attempts must not overflow into negative durations.
	if got := ExponentialBackoff(200); got <= 0 {
		t.Errorf("ExponentialBackoff(200) = %v, want positive", got)
	}
}

func TestRetryerSucceedsFirstAttempt(t *testing.T) {
	r := newTestRetryer(3)

	var calls int32
	res := r.do(context.Background(), "publish", "orders", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	if !res.OK() {
		t.Fatalf("unexpected failure: %v", res.Err)
	}
	if res.Attempts != 1 || calls != 1 {
		t.Errorf("attempts = %d, calls = %d, want 1 and 1", res.Attempts, calls)
	}
}

func TestRetryerRecoversAfterFailures(t *testing.T) {
	r := newTestRetryer(3)

	var calls int32
	res := r.do(context.Background(), "subscribe", "orders", func(ctx context.Context) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("transient")
		}
		return nil
	})

	if !res.OK() {
		t.Fatalf("unexpected failure: %v", res.Err)
	}
	if res.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", res.Attempts)
	}
}

func TestRetryerExhaustsRetries(t *testing.T) {
	r := newTestRetryer(2)

	transient := errors.New("broker down")
	var calls int32
	res := r.do(context.Background(), "publish", "orders", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return transient
	})

	if res.OK() {
		t.Fatal("expected failure")
	}
	// count retries after the first attempt, so count+1 calls in total
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if res.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", res.Attempts)
	}
	if !IsRetryExhausted(res.Err) {
		t.Errorf("error is not a retry exhaustion: %v", res.Err)
	}
	if !errors.Is(res.Err, transient) {
		t.Errorf("exhaustion does not wrap the last error: %v", res.Err)
	}
}

func TestRetryerZeroCountMeansSingleAttempt(t *testing.T) {
	r := newTestRetryer(0)

	var calls int32
	res := r.do(context.Background(), "publish", "orders", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("nope")
	})

	if res.OK() || calls != 1 {
		t.Errorf("calls = %d, want exactly 1 attempt", calls)
	}
}

func TestRetryerWaitsBackoffBetweenAttempts(t *testing.T) {
	mock := clock.NewMock()
	r := &retryer{
		count:   1,
		backoff: func(int) time.Duration { return 2 * time.Second },
		clock:   mock,
		logger:  discardLogger(),
	}

	var calls int32
	done := make(chan Result, 1)
	go func() {
		done <- r.do(context.Background(), "publish", "orders", func(ctx context.Context) error {
			if atomic.AddInt32(&calls, 1) == 1 {
				return errors.New("first fails")
			}
			return nil
		})
	}()

	// Let the goroutine reach the backoff wait, then check the second
	// attempt has not run yet.
	time.Sleep(20 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("calls = %d before backoff elapsed, want 1", got)
	}

	mock.Add(2 * time.Second)

	select {
	case res := <-done:
		if !res.OK() || res.Attempts != 2 {
			t.Errorf("res = %+v, want success in 2 attempts", res)
		}
	case <-time.After(time.Second):
		t.Fatal("retry did not complete after clock advance")
	}
}

func TestRetryerContextCancelDuringBackoff(t *testing.T) {
	mock := clock.NewMock()
	r := &retryer{
		count:   5,
		backoff: func(int) time.Duration { return time.Minute },
		clock:   mock,
		logger:  discardLogger(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result, 1)
	go func() {
		done <- r.do(ctx, "publish", "orders", func(ctx context.Context) error {
			return errors.New("always fails")
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case res := <-done:
		if res.OK() {
			t.Error("expected failure after cancellation")
		}
		if !errors.Is(res.Err, context.Canceled) {
			t.Errorf("error does not wrap context.Canceled: %v", res.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancellation did not abort the backoff wait")
	}
}

func TestRetryerOnRetryHook(t *testing.T) {
	var retries int32
	r := newTestRetryer(2)
	r.onRetry = func(op string) {
		if op != "publish" {
			t.Errorf("op = %q, want publish", op)
		}
		atomic.AddInt32(&retries, 1)
	}

	r.do(context.Background(), "publish", "orders", func(ctx context.Context) error {
		return errors.New("always fails")
	})

	// Hook fires before each retry, not for the final failed attempt.
	if retries != 2 {
		t.Errorf("retry hook fired %d times, want 2", retries)
	}
}
