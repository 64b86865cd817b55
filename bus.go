package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	busRunning = 1
	busStopped = 0
)

// Bus is the event bus orchestrator. It combines the subscription registry,
// the retrying transport operations and the bounded-concurrency dispatcher,
// and owns the reconnect-driven resubscription protocol.
//
// All methods are safe for concurrent use. Publish, Subscribe and
// Unsubscribe are fail-soft: they report failure through the returned Result
// instead of an error, favoring bus liveness over error fidelity (see
// WithErrorHandler for the observability hook).
type Bus struct {
	status   int32
	id       string
	conn     Connection
	registry *registry
	disp     *dispatcher
	retry    *retryer

	logger         *slog.Logger
	metrics        *busMetrics
	tracingEnabled bool
	onError        func(error)
}

// New creates a bus on top of a transport connection.
//
// The connection and WithMaxConcurrentCalls are required; missing either is
// a construction-time misconfiguration and fails immediately rather than on
// first use. The bus registers itself for connection state changes so that
// subscriptions are restored after a normal-disconnect reconnect.
func New(conn Connection, opts ...Option) (*Bus, error) {
	o := newOptions(opts...)

	if conn == nil {
		return nil, ErrConnectionRequired
	}
	if o.maxConcurrentCalls <= 0 {
		return nil, ErrConcurrencyRequired
	}

	b := &Bus{
		status:         busRunning,
		id:             NewID(),
		conn:           conn,
		registry:       newRegistry(),
		logger:         o.logger.With("component", "relay"),
		tracingEnabled: o.tracingEnabled,
		onError:        o.onError,
	}
	if o.metricsEnabled {
		b.metrics = newBusMetrics()
	}

	b.retry = &retryer{
		count:   o.retryCount,
		backoff: o.backoff,
		clock:   o.clock,
		logger:  b.logger,
		onRetry: func(op string) { b.metrics.addRetry(context.Background(), op) },
	}

	b.disp = &dispatcher{
		sem:             semaphore.NewWeighted(int64(o.maxConcurrentCalls)),
		registry:        b.registry,
		invoker:         o.invoker,
		logger:          b.logger,
		metrics:         b.metrics,
		handlerTimeout:  o.handlerTimeout,
		recoveryEnabled: o.recoveryEnabled,
		tracingEnabled:  o.tracingEnabled,
		onError:         o.onError,
	}
	if o.dispatchRate > 0 {
		b.disp.limiter = rate.NewLimiter(o.dispatchRate, o.dispatchBurst)
	}

	conn.RegisterConnectionHandler(b.OnConnectionChanged)

	return b, nil
}

// ID returns the bus instance ID, used as the source of published messages.
func (b *Bus) ID() string {
	return b.id
}

// Running returns true if the bus has not been closed.
func (b *Bus) Running() bool {
	return atomic.LoadInt32(&b.status) == busRunning
}

// Healthy reports whether the bus is running and the transport is connected.
func (b *Bus) Healthy() bool {
	return b.Running() && b.conn.IsConnected()
}

// Publish sends a message to the transport, connecting first if the
// transport reports disconnected. The publish is retried with backoff;
// exhausted retries yield a failed Result, never an error or panic.
func (b *Bus) Publish(ctx context.Context, msg Message) Result {
	if !b.Running() {
		return Result{Err: ErrBusClosed}
	}
	if msg.Topic == "" {
		return Result{Err: ErrTopicRequired}
	}
	if msg.ID == "" {
		msg.ID = NewID()
	}
	if msg.Source == "" {
		msg.Source = b.id
	}

	b.metrics.addPublished(ctx, msg.Topic)

	if b.tracingEnabled {
		tracer := otel.Tracer(meterName)
		var span trace.Span
		ctx, span = tracer.Start(ctx, fmt.Sprintf("%s.publish", msg.Topic),
			trace.WithAttributes(
				attribute.String(spanKeyMessageID, msg.ID),
				attribute.String(spanKeyTopic, msg.Topic)),
			trace.WithSpanKind(trace.SpanKindProducer))
		defer span.End()
	}

	res := b.retry.do(ctx, "publish", msg.Topic, func(ctx context.Context) error {
		if err := b.ensureConnected(ctx); err != nil {
			return err
		}
		return b.conn.Publish(ctx, msg)
	})
	if !res.OK() {
		b.onError(res.Err)
	}
	return res
}

// Subscribe registers a subscription and, for the first subscription on a
// topic, issues the retrying transport-level subscribe. Additional consumers
// on an already-subscribed topic are recorded in the registry only; the
// transport subscription is shared.
//
// A duplicate (topic, consumer) pair is rejected with
// ErrDuplicateSubscription rather than silently stacked.
func (b *Bus) Subscribe(ctx context.Context, sub Subscription) Result {
	if !b.Running() {
		return Result{Err: ErrBusClosed}
	}
	if sub.Topic == "" {
		return Result{Err: ErrTopicRequired}
	}
	if sub.Handler == nil {
		return Result{Err: ErrHandlerRequired}
	}

	b.logger.Info("subscribing", "topic", sub.Topic, "consumer", sub.Consumer)

	// Idempotent with the transport; repeated registrations keep the first
	// handler.
	if !b.conn.RegisterMessageHandler(b.disp.OnMessage) {
		return Result{Err: ErrHandlerRegistration}
	}

	// first comes from the same critical section as the insert: a concurrent
	// unsubscribe that empties the topic flips the next add back to first, so
	// the transport-level subscribe cannot be skipped on a stale read.
	added, first := b.registry.tryAdd(sub)
	if !added {
		b.logger.Warn("duplicate subscription rejected", "topic", sub.Topic, "consumer", sub.Consumer)
		return Result{Err: ErrDuplicateSubscription}
	}

	if !first {
		// Transport is already subscribed to this topic.
		return Result{Attempts: 0}
	}

	res := b.retry.do(ctx, "subscribe", sub.Topic, func(ctx context.Context) error {
		if err := b.ensureConnected(ctx); err != nil {
			return err
		}
		return b.conn.Subscribe(ctx, sub.Topic)
	})
	if !res.OK() {
		// The registry entry is kept: the next normal reconnect will retry
		// the transport subscribe through ResubscribeAll.
		b.onError(res.Err)
	}
	return res
}

// Unsubscribe removes a subscription and, when the topic has no consumers
// left, issues the retrying transport-level unsubscribe.
func (b *Bus) Unsubscribe(ctx context.Context, sub Subscription) Result {
	if !b.Running() {
		return Result{Err: ErrBusClosed}
	}
	if sub.Topic == "" {
		return Result{Err: ErrTopicRequired}
	}

	b.logger.Info("unsubscribing", "topic", sub.Topic, "consumer", sub.Consumer)

	removed, topicEmpty := b.registry.remove(sub)
	if !removed {
		return Result{Err: ErrSubscriptionNotFound}
	}
	if !topicEmpty {
		// Other consumers still share the transport subscription.
		return Result{Attempts: 0}
	}

	res := b.retry.do(ctx, "unsubscribe", sub.Topic, func(ctx context.Context) error {
		if err := b.ensureConnected(ctx); err != nil {
			return err
		}
		return b.conn.Unsubscribe(ctx, sub.Topic)
	})
	if !res.OK() {
		b.onError(res.Err)
	}
	return res
}

// OnConnectionChanged is invoked by the transport on every connectivity
// state change. A reconnect that followed a normal disconnect triggers the
// resubscription protocol; every other transition is a no-op here.
func (b *Bus) OnConnectionChanged(ev ConnectionEvent) {
	if !b.Running() {
		return
	}
	if !ev.IsReconnected || ev.Reason != ReasonNormal {
		b.logger.Debug("connection change ignored",
			"reconnected", ev.IsReconnected,
			"reason", ev.Reason)
		return
	}
	b.logger.Info("transport reconnected, restoring subscriptions")
	b.ResubscribeAll(context.Background())
}

// ResubscribeAll re-issues the transport-level subscribe for every topic in
// the registry, one concurrent retrying operation per topic. It returns
// after all topics have completed; one topic's failure neither blocks nor
// cancels the others.
func (b *Bus) ResubscribeAll(ctx context.Context) []TopicResult {
	topics := b.registry.allTopics()
	results := make([]TopicResult, len(topics))

	var wg sync.WaitGroup
	for i, topic := range topics {
		wg.Add(1)
		go func(i int, topic string) {
			defer wg.Done()
			res := b.retry.do(ctx, "resubscribe", topic, func(ctx context.Context) error {
				if err := b.ensureConnected(ctx); err != nil {
					return err
				}
				return b.conn.Subscribe(ctx, topic)
			})
			results[i] = TopicResult{Topic: topic, Result: res}
			b.metrics.addResubscribed(ctx, topic, res.OK())
			if !res.OK() {
				b.onError(res.Err)
			}
		}(i, topic)
	}
	wg.Wait()
	return results
}

// Close releases the transport connection and clears the registry. Closing
// an already-closed bus is a no-op.
func (b *Bus) Close(ctx context.Context) error {
	if atomic.CompareAndSwapInt32(&b.status, busRunning, busStopped) {
		b.registry.clear()
		if b.conn != nil {
			return b.conn.Close(ctx)
		}
	}
	return nil
}

func (b *Bus) ensureConnected(ctx context.Context) error {
	if b.conn.IsConnected() {
		return nil
	}
	return b.conn.Connect(ctx)
}
