package relay

import (
	"errors"
	"fmt"
)

// Bus errors
var (
	ErrBusClosed             = errors.New("bus is closed")
	ErrConnectionRequired    = errors.New("connection is required: pass a transport connection to New")
	ErrConcurrencyRequired   = errors.New("max concurrent calls is required: use WithMaxConcurrentCalls")
	ErrTopicRequired         = errors.New("topic is required")
	ErrHandlerRequired       = errors.New("handler is required")
	ErrDuplicateSubscription = errors.New("subscription already registered for this topic and consumer")
	ErrSubscriptionNotFound  = errors.New("no subscription registered for this topic and consumer")
	ErrHandlerRegistration   = errors.New("transport rejected message handler registration")
)

// RetryExhaustedError indicates all retry attempts have been exhausted.
type RetryExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.LastErr
}

// IsRetryExhausted checks if an error indicates retry exhaustion.
func IsRetryExhausted(err error) bool {
	var exhausted *RetryExhaustedError
	return errors.As(err, &exhausted)
}

// HandlerPanicError indicates a handler invocation panicked. The panic is
// recovered by the dispatcher and surfaced through the warning log and the
// error callback; it never propagates to the bus.
type HandlerPanicError struct {
	Topic    string
	Consumer string
	Value    any
}

func (e *HandlerPanicError) Error() string {
	return fmt.Sprintf("handler for %q (consumer %q) panicked: %v", e.Topic, e.Consumer, e.Value)
}

// IsHandlerPanic checks if an error indicates a recovered handler panic.
func IsHandlerPanic(err error) bool {
	var panicErr *HandlerPanicError
	return errors.As(err, &panicErr)
}
