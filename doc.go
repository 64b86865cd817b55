// Package relay is an in-process event bus that sits between application
// code and a publish/subscribe message transport.
//
// Application components subscribe to named topics and receive messages as
// they arrive; publishes go back out through the same transport. The bus
// insulates callers from transient transport failures: publish and subscribe
// operations are retried with exponential backoff, and subscriptions are
// restored automatically after the transport reconnects.
//
// Operations against the transport are fail-soft. Instead of returning an
// error, Publish, Subscribe and Unsubscribe return a Result whose OK method
// reports whether the operation succeeded; a failed operation never panics
// and never takes the bus down. Callers that need error detail can inspect
// Result.Err or install an error callback via WithErrorHandler.
//
// Inbound messages are dispatched under a global concurrency cap sized by
// WithMaxConcurrentCalls. When the cap is reached, additional messages queue
// on the permit pool instead of spawning unbounded work.
//
// Basic usage:
//
//	conn := channel.New()
//	bus, err := relay.New(conn, relay.WithMaxConcurrentCalls(16))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer bus.Close(ctx)
//
//	res := bus.Subscribe(ctx, relay.Subscription{
//	    Topic:    "orders.created",
//	    Consumer: "billing",
//	    Handler: relay.HandlerFunc(func(ctx context.Context, msg relay.Message) error {
//	        return process(msg.Payload)
//	    }),
//	})
//	if !res.OK() {
//	    log.Printf("subscribe failed: %v", res.Err)
//	}
//
//	bus.Publish(ctx, relay.Message{Topic: "orders.created", Payload: data})
//
// Transport adapters live under transport/ (channel, nats, redis, kafka);
// any type implementing Connection can be used instead.
package relay
