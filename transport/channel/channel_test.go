package channel

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/relaybus/relay"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const waitTimeout = 2 * time.Second

func waitFor(ch chan relay.Message, d time.Duration) (relay.Message, bool) {
	select {
	case msg := <-ch:
		return msg, true
	case <-time.After(d):
		return relay.Message{}, false
	}
}

func subscribe(t *testing.T, bus *relay.Bus, topic, consumer string, ch chan relay.Message) {
	t.Helper()
	res := bus.Subscribe(context.Background(), relay.Subscription{
		Topic:    topic,
		Consumer: consumer,
		Handler: relay.HandlerFunc(func(ctx context.Context, msg relay.Message) error {
			ch <- msg
			return nil
		}),
	})
	if !res.OK() {
		t.Fatalf("subscribe %s/%s failed: %v", topic, consumer, res.Err)
	}
}

func TestPublishSubscribe(t *testing.T) {
	conn := New()
	bus := relay.TestBus(conn)
	defer bus.Close(context.Background())

	got := make(chan relay.Message, 1)
	subscribe(t, bus, "orders", "audit", got)

	res := bus.Publish(context.Background(), relay.Message{
		Topic:    "orders",
		Payload:  []byte("order-1"),
		Metadata: map[string]string{"tenant": "acme"},
	})
	if !res.OK() {
		t.Fatalf("publish failed: %v", res.Err)
	}

	msg, ok := waitFor(got, waitTimeout)
	if !ok {
		t.Fatal("message never delivered")
	}
	if string(msg.Payload) != "order-1" || msg.Metadata["tenant"] != "acme" {
		t.Errorf("unexpected message: %+v", msg)
	}
	if msg.Source != bus.ID() {
		t.Errorf("source = %q, want %q", msg.Source, bus.ID())
	}
}

func TestMultipleConsumersShareTopic(t *testing.T) {
	conn := New()
	bus := relay.TestBus(conn)
	defer bus.Close(context.Background())

	audit := make(chan relay.Message, 1)
	billing := make(chan relay.Message, 1)
	subscribe(t, bus, "orders", "audit", audit)
	subscribe(t, bus, "orders", "billing", billing)

	bus.Publish(context.Background(), relay.Message{Topic: "orders", Payload: []byte("x")})

	if _, ok := waitFor(audit, waitTimeout); !ok {
		t.Error("audit consumer missed the message")
	}
	if _, ok := waitFor(billing, waitTimeout); !ok {
		t.Error("billing consumer missed the message")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	conn := New()
	bus := relay.TestBus(conn)
	defer bus.Close(context.Background())

	got := make(chan relay.Message, 4)
	subscribe(t, bus, "orders", "audit", got)

	res := bus.Unsubscribe(context.Background(), relay.Subscription{Topic: "orders", Consumer: "audit"})
	if !res.OK() {
		t.Fatalf("unsubscribe failed: %v", res.Err)
	}

	bus.Publish(context.Background(), relay.Message{Topic: "orders", Payload: []byte("late")})
	if _, ok := waitFor(got, 100*time.Millisecond); ok {
		t.Error("message delivered after unsubscribe")
	}
}

func TestNormalReconnectRestoresDelivery(t *testing.T) {
	conn := New()
	bus := relay.TestBus(conn)
	defer bus.Close(context.Background())

	got := make(chan relay.Message, 1)
	subscribe(t, bus, "orders", "audit", got)

	// A disconnect wipes the server-side topic set.
	conn.SimulateDisconnect(relay.ReasonNormal)
	if len(conn.Topics()) != 0 {
		t.Fatal("disconnect did not clear topics")
	}

	// The reconnect replays the normal reason, so the bus resubscribes.
	conn.SimulateReconnect()
	if len(conn.Topics()) != 1 {
		t.Fatalf("resubscription did not restore topics: %v", conn.Topics())
	}

	bus.Publish(context.Background(), relay.Message{Topic: "orders", Payload: []byte("after")})
	if _, ok := waitFor(got, waitTimeout); !ok {
		t.Fatal("message lost after normal reconnect")
	}
}

func TestAbnormalReconnectLeavesResumptionToTransport(t *testing.T) {
	conn := New()
	bus := relay.TestBus(conn)
	defer bus.Close(context.Background())

	got := make(chan relay.Message, 1)
	subscribe(t, bus, "orders", "audit", got)

	conn.SimulateDisconnect(relay.ReasonAbnormal)
	conn.SimulateReconnect()

	// The bus must not resubscribe: after an abnormal drop the transport is
	// expected to resume its own sessions.
	if len(conn.Topics()) != 0 {
		t.Errorf("bus resubscribed after abnormal disconnect: %v", conn.Topics())
	}
}

func TestPublishWhileDisconnected(t *testing.T) {
	conn := New()
	defer conn.Close(context.Background())

	conn.SimulateDisconnect(relay.ReasonAbnormal)
	err := conn.Publish(context.Background(), relay.Message{Topic: "orders"})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}

	// The bus absorbs this through retry and Connect.
	bus := relay.TestBus(conn)
	defer bus.Close(context.Background())
	if res := bus.Publish(context.Background(), relay.Message{Topic: "orders"}); !res.OK() {
		t.Errorf("bus publish failed: %v", res.Err)
	}
}

func TestInjectBypassesSubscriptionCheck(t *testing.T) {
	conn := New()
	bus := relay.TestBus(conn)
	defer bus.Close(context.Background())

	got := make(chan relay.Message, 1)
	subscribe(t, bus, "orders", "audit", got)

	// Unsubscribe at the transport level only: the registry still has the
	// consumer, so an injected message reaches it.
	conn.SimulateDisconnect(relay.ReasonAbnormal)
	conn.Inject(relay.Message{ID: "m1", Topic: "orders", Payload: []byte("ghost")})

	if _, ok := waitFor(got, waitTimeout); !ok {
		t.Fatal("injected message not delivered")
	}
}

func TestOperationsAfterClose(t *testing.T) {
	conn := New()
	conn.Close(context.Background())

	if err := conn.Publish(context.Background(), relay.Message{Topic: "orders"}); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("publish: err = %v", err)
	}
	if err := conn.Subscribe(context.Background(), "orders"); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("subscribe: err = %v", err)
	}
	if err := conn.Connect(context.Background()); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("connect: err = %v", err)
	}
	if conn.RegisterMessageHandler(func(relay.Message) {}) {
		t.Error("handler registered on closed connection")
	}
	// Idempotent.
	if err := conn.Close(context.Background()); err != nil {
		t.Errorf("second close: %v", err)
	}
}
