package relay

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/relaybus/relay"

// busMetrics bundles the OTel instruments the bus records to. A nil
// *busMetrics (metrics disabled) is valid; all methods no-op on it.
type busMetrics struct {
	published       metric.Int64Counter
	dispatched      metric.Int64Counter
	handlerFailures metric.Int64Counter
	noSubscription  metric.Int64Counter
	retries         metric.Int64Counter
	resubscribed    metric.Int64Counter
	inFlight        metric.Int64UpDownCounter
}

func newBusMetrics() *busMetrics {
	meter := otel.Meter(meterName)

	m := &busMetrics{}
	m.published, _ = meter.Int64Counter("relay.published",
		metric.WithDescription("Total number of messages published"),
		metric.WithUnit("{message}"))
	m.dispatched, _ = meter.Int64Counter("relay.dispatched",
		metric.WithDescription("Total number of handler invocations"),
		metric.WithUnit("{invocation}"))
	m.handlerFailures, _ = meter.Int64Counter("relay.handler_failures",
		metric.WithDescription("Total number of failed handler invocations"),
		metric.WithUnit("{invocation}"))
	m.noSubscription, _ = meter.Int64Counter("relay.no_subscription",
		metric.WithDescription("Inbound messages with no matching subscription"),
		metric.WithUnit("{message}"))
	m.retries, _ = meter.Int64Counter("relay.retries",
		metric.WithDescription("Transport operation retry attempts"),
		metric.WithUnit("{attempt}"))
	m.resubscribed, _ = meter.Int64Counter("relay.resubscribed",
		metric.WithDescription("Topics resubscribed after reconnect"),
		metric.WithUnit("{topic}"))
	m.inFlight, _ = meter.Int64UpDownCounter("relay.dispatch_in_flight",
		metric.WithDescription("Message dispatches currently holding a permit"),
		metric.WithUnit("{message}"))
	return m
}

func (m *busMetrics) addPublished(ctx context.Context, topic string) {
	if m == nil {
		return
	}
	m.published.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *busMetrics) addDispatched(ctx context.Context, topic string) {
	if m == nil {
		return
	}
	m.dispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *busMetrics) addHandlerFailure(ctx context.Context, topic string) {
	if m == nil {
		return
	}
	m.handlerFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *busMetrics) addNoSubscription(ctx context.Context, topic string) {
	if m == nil {
		return
	}
	m.noSubscription.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *busMetrics) addRetry(ctx context.Context, op string) {
	if m == nil {
		return
	}
	m.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

func (m *busMetrics) addResubscribed(ctx context.Context, topic string, ok bool) {
	if m == nil {
		return
	}
	m.resubscribed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("topic", topic),
		attribute.Bool("ok", ok)))
}

func (m *busMetrics) inFlightAdd(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.inFlight.Add(ctx, delta)
}
