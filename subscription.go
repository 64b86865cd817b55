package relay

import (
	"context"
	"sync"
)

// Handler processes a message delivered to a subscription.
// Implementations must be safe for concurrent use.
type Handler interface {
	Handle(ctx context.Context, msg Message) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg Message) error

// Handle calls fn(ctx, msg).
func (fn HandlerFunc) Handle(ctx context.Context, msg Message) error {
	return fn(ctx, msg)
}

// Subscription records one consumer's interest in a topic.
//
// A subscription is immutable once registered; changing a handler means
// unsubscribing and subscribing again. Two subscriptions are the same
// registration when topic and consumer match.
type Subscription struct {
	// Topic is the transport filter the subscription matches against.
	Topic string
	// Consumer identifies the application component behind the handler.
	Consumer string
	// Handler is resolved at subscribe time and invoked for each matching
	// message.
	Handler Handler
}

func (s Subscription) sameIdentity(other Subscription) bool {
	return s.Topic == other.Topic && s.Consumer == other.Consumer
}

// Invoker maps a subscription record plus a delivered message to a handler
// call. The default invoker calls the subscription's own Handler; replace it
// with WithInvoker to route invocations through custom machinery.
type Invoker interface {
	Invoke(ctx context.Context, scope *Scope, sub Subscription, msg Message) error
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, scope *Scope, sub Subscription, msg Message) error

// Invoke calls fn(ctx, scope, sub, msg).
func (fn InvokerFunc) Invoke(ctx context.Context, scope *Scope, sub Subscription, msg Message) error {
	return fn(ctx, scope, sub, msg)
}

type handlerInvoker struct{}

func (handlerInvoker) Invoke(ctx context.Context, _ *Scope, sub Subscription, msg Message) error {
	return sub.Handler.Handle(ctx, msg)
}

// Scope is the per-invocation resource scope handed to the invoker. Each
// handler invocation gets a fresh scope; cleanups registered with Defer run
// in reverse order when the dispatcher closes the scope, whether the handler
// succeeded, failed or panicked.
type Scope struct {
	id string

	mu       sync.Mutex
	values   map[string]any
	cleanups []func()
	closed   bool
}

func newScope() *Scope {
	return &Scope{id: NewID()}
}

// ID returns the unique scope identifier.
func (s *Scope) ID() string {
	return s.id
}

// Set stores a value in the scope.
func (s *Scope) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values == nil {
		s.values = make(map[string]any)
	}
	s.values[key] = value
}

// Value retrieves a value stored in the scope.
func (s *Scope) Value(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// Defer registers a cleanup to run when the scope closes.
func (s *Scope) Defer(fn func()) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanups = append(s.cleanups, fn)
}

// Close tears the scope down, running cleanups in reverse registration
// order. Closing an already-closed scope is a no-op.
func (s *Scope) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cleanups := s.cleanups
	s.cleanups = nil
	s.values = nil
	s.mu.Unlock()

	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}
}

// Compile-time checks
var (
	_ Handler = HandlerFunc(nil)
	_ Invoker = InvokerFunc(nil)
	_ Invoker = handlerInvoker{}
)
