package relay

import (
	"context"
	"sync"
	"time"
)

// TestBus creates a bus configured for testing: recovery, tracing and
// metrics disabled, zero backoff so retries run without waits.
// The connection is required; use channel.New() for in-memory testing.
// Panics if the connection is nil (test setup error).
//
// Example:
//
//	import "github.com/relaybus/relay/transport/channel"
//	bus := relay.TestBus(channel.New())
func TestBus(conn Connection, opts ...Option) *Bus {
	base := []Option{
		WithMaxConcurrentCalls(8),
		WithBackoff(func(int) time.Duration { return 0 }),
		WithRecovery(false),
		WithTracing(false),
		WithMetrics(false),
	}
	bus, err := New(conn, append(base, opts...)...)
	if err != nil {
		panic("relay.TestBus: " + err.Error())
	}
	return bus
}

// RecordedMessage is a message captured by a RecordingConnection.
type RecordedMessage struct {
	Message   Message
	Timestamp time.Time
}

// RecordingConnection wraps a connection and records all published messages.
// Useful for asserting that code under test published what it should.
type RecordingConnection struct {
	Connection
	mu       sync.Mutex
	messages []RecordedMessage
}

// NewRecordingConnection wraps the provided connection (required).
//
// Example:
//
//	import "github.com/relaybus/relay/transport/channel"
//	conn := relay.NewRecordingConnection(channel.New())
func NewRecordingConnection(conn Connection) *RecordingConnection {
	if conn == nil {
		panic("relay: connection is required for NewRecordingConnection")
	}
	return &RecordingConnection{
		Connection: conn,
		messages:   make([]RecordedMessage, 0),
	}
}

// Publish records the message and delegates to the underlying connection.
func (c *RecordingConnection) Publish(ctx context.Context, msg Message) error {
	c.mu.Lock()
	c.messages = append(c.messages, RecordedMessage{
		Message:   msg,
		Timestamp: time.Now(),
	})
	c.mu.Unlock()

	return c.Connection.Publish(ctx, msg)
}

// Messages returns a copy of all recorded messages.
func (c *RecordingConnection) Messages() []RecordedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]RecordedMessage, len(c.messages))
	copy(out, c.messages)
	return out
}

// MessagesFor returns recorded messages for one topic.
func (c *RecordingConnection) MessagesFor(topic string) []RecordedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []RecordedMessage
	for _, m := range c.messages {
		if m.Message.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// Reset clears recorded messages.
func (c *RecordingConnection) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = c.messages[:0]
}
