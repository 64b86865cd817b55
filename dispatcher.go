package relay

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	spanKeyMessageID = "message.id"
	spanKeyTopic     = "message.topic"
	spanKeyConsumer  = "subscription.consumer"
	spanKeyScopeID   = "invocation.scope_id"
)

// dispatcher turns inbound transport messages into handler invocations
// under a global concurrency cap.
//
// OnMessage never blocks the transport callback: each message dispatches on
// its own goroutine, which clears the optional rate limiter and then
// acquires a permit from the semaphore. When maxConcurrentCalls handlers are
// already running, further messages queue on the permit pool. The permit is
// released on every path, including handler panics.
type dispatcher struct {
	sem      *semaphore.Weighted
	limiter  *rate.Limiter // optional inbound rate guard
	registry *registry
	invoker  Invoker
	logger   *slog.Logger
	metrics  *busMetrics

	handlerTimeout  time.Duration // 0 disables the per-invocation timeout
	recoveryEnabled bool
	tracingEnabled  bool
	onError         func(error)
}

// OnMessage is the message-received callback registered with the transport.
func (d *dispatcher) OnMessage(msg Message) {
	go d.dispatch(msg)
}

func (d *dispatcher) dispatch(msg Message) {
	ctx := context.Background()

	// Throttle before taking a permit: a message idling in the rate limiter
	// must not occupy a concurrency slot that a running handler could use.
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return
		}
	}

	if err := d.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer d.sem.Release(1)

	d.metrics.inFlightAdd(ctx, 1)
	defer d.metrics.inFlightAdd(ctx, -1)

	// One registry lookup per message; handlers run in registration order.
	subs := d.registry.get(msg.Topic)
	if len(subs) == 0 {
		d.logger.Warn("no subscription for topic", "topic", msg.Topic, "msg_id", msg.ID)
		d.metrics.addNoSubscription(ctx, msg.Topic)
		return
	}

	for _, sub := range subs {
		d.invokeOne(ctx, sub, msg)
	}
}

// invokeOne runs a single handler invocation in its own scope. Failures are
// logged and reported through the error callback but never propagate: one
// failing handler must not starve sibling subscriptions or later messages.
func (d *dispatcher) invokeOne(ctx context.Context, sub Subscription, msg Message) {
	if d.handlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.handlerTimeout)
		defer cancel()
	}

	scope := newScope()
	defer scope.Close()

	if d.tracingEnabled {
		tracer := otel.Tracer(meterName)
		var span trace.Span
		ctx, span = tracer.Start(ctx, fmt.Sprintf("%s.dispatch", msg.Topic),
			trace.WithAttributes(
				attribute.String(spanKeyMessageID, msg.ID),
				attribute.String(spanKeyTopic, msg.Topic),
				attribute.String(spanKeyConsumer, sub.Consumer),
				attribute.String(spanKeyScopeID, scope.ID())),
			trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()
	}

	err := d.invoke(ctx, scope, sub, msg)
	d.metrics.addDispatched(ctx, msg.Topic)
	if err != nil {
		d.logger.Warn("handler invocation failed",
			"topic", msg.Topic,
			"consumer", sub.Consumer,
			"msg_id", msg.ID,
			"error", err)
		d.metrics.addHandlerFailure(ctx, msg.Topic)
		d.onError(err)
	}
}

func (d *dispatcher) invoke(ctx context.Context, scope *Scope, sub Subscription, msg Message) (err error) {
	if d.recoveryEnabled {
		defer func() {
			if v := recover(); v != nil {
				err = &HandlerPanicError{Topic: sub.Topic, Consumer: sub.Consumer, Value: v}
				d.logger.Warn("handler panic recovered",
					"topic", sub.Topic,
					"consumer", sub.Consumer,
					"error", v,
					"stack", string(debug.Stack()))
			}
		}()
	}
	return d.invoker.Invoke(ctx, scope, sub, msg)
}
