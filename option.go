package relay

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"
)

// DefaultRetryCount is the number of retry attempts after the first failed
// attempt of a transport operation.
var DefaultRetryCount = 5

// options holds configuration for the bus (unexported)
type options struct {
	logger             *slog.Logger
	clock              clock.Clock
	retryCount         int
	backoff            Backoff
	maxConcurrentCalls int
	handlerTimeout     time.Duration
	dispatchRate       rate.Limit
	dispatchBurst      int
	invoker            Invoker
	tracingEnabled     bool
	metricsEnabled     bool
	recoveryEnabled    bool
	onError            func(error)
}

// Option is a functional option for bus configuration.
type Option func(*options)

func newOptions(opts ...Option) *options {
	o := &options{
		logger:          slog.Default(),
		clock:           clock.New(),
		retryCount:      DefaultRetryCount,
		backoff:         ExponentialBackoff,
		invoker:         handlerInvoker{},
		tracingEnabled:  true,
		metricsEnabled:  true,
		recoveryEnabled: true,
		onError:         func(error) {},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithMaxConcurrentCalls sizes the permit pool limiting concurrent handler
// invocations across the whole bus instance. Required; New fails without it.
func WithMaxConcurrentCalls(n int) Option {
	return func(o *options) {
		o.maxConcurrentCalls = n
	}
}

// WithRetryCount sets the number of retry attempts after the first failed
// attempt of a publish/subscribe operation. Zero disables retries; negative
// values are ignored.
func WithRetryCount(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.retryCount = n
		}
	}
}

// WithBackoff replaces the default exponential backoff schedule.
func WithBackoff(b Backoff) Option {
	return func(o *options) {
		if b != nil {
			o.backoff = b
		}
	}
}

// WithClock sets the clock used for backoff waits. Tests pass a mock clock
// to drive retries deterministically.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLogger sets a custom logger for the bus.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithInvoker replaces the default handler invoker. The default invoker
// calls the subscription's own Handler.
func WithInvoker(inv Invoker) Option {
	return func(o *options) {
		if inv != nil {
			o.invoker = inv
		}
	}
}

// WithHandlerTimeout attaches a timeout to each handler invocation. Without
// it a hung handler occupies one permit indefinitely.
func WithHandlerTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.handlerTimeout = d
		}
	}
}

// WithDispatchRateLimit throttles inbound message dispatch on top of the
// concurrency cap. Zero limit (the default) disables throttling.
func WithDispatchRateLimit(limit rate.Limit, burst int) Option {
	return func(o *options) {
		if limit > 0 && burst > 0 {
			o.dispatchRate = limit
			o.dispatchBurst = burst
		}
	}
}

// WithTracing enables/disables tracing for the bus.
func WithTracing(enabled bool) Option {
	return func(o *options) {
		o.tracingEnabled = enabled
	}
}

// WithMetrics enables/disables metrics for the bus.
func WithMetrics(enabled bool) Option {
	return func(o *options) {
		o.metricsEnabled = enabled
	}
}

// WithRecovery enables/disables panic recovery around handler invocations.
// Recovery should stay enabled outside of tests.
func WithRecovery(enabled bool) Option {
	return func(o *options) {
		o.recoveryEnabled = enabled
	}
}

// WithErrorHandler installs a callback invoked with every failure the bus
// absorbs (exhausted retries, handler errors, recovered panics). This is the
// observability hook for callers that need more than the fail-soft Result.
func WithErrorHandler(fn func(error)) Option {
	return func(o *options) {
		if fn != nil {
			o.onError = fn
		}
	}
}
