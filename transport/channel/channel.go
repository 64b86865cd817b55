// Package channel provides an in-memory connection for local pub/sub
// within a single process.
//
// Messages are not persisted and are lost on process exit; there is no
// redelivery. The channel connection is ideal for:
//   - Local event-driven architectures within a single process
//   - Testing and development
//
// For durable delivery use the NATS, Redis or Kafka connections instead.
//
// The connection also exposes test hooks (SimulateDisconnect,
// SimulateReconnect, Inject) for exercising reconnect and dispatch paths
// without a broker.
package channel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/relaybus/relay"
)

// Connection errors
var (
	ErrConnectionClosed = errors.New("channel: connection closed")
	ErrNotConnected     = errors.New("channel: not connected")
)

// Conn implements relay.Connection using an in-process delivery queue.
// Publish loops messages back to the registered message handler for every
// currently subscribed topic.
//
// Like a real broker connection, the server-side topic set is lost on
// disconnect: after SimulateDisconnect only re-subscribed topics receive
// messages again.
type Conn struct {
	connected int32
	closed    int32

	mu           sync.RWMutex
	topics       map[string]struct{}
	handler      relay.MessageHandler
	connHandlers []relay.ConnectionHandler
	lastReason   relay.DisconnectReason

	queue  chan relay.Message
	done   chan struct{}
	logger *slog.Logger
}

// New creates a connected in-memory connection.
func New(opts ...Option) *Conn {
	o := newOptions(opts...)

	c := &Conn{
		connected: 1,
		topics:    make(map[string]struct{}),
		queue:     make(chan relay.Message, o.bufferSize),
		done:      make(chan struct{}),
		logger:    o.logger,
	}
	go c.pump()
	return c
}

// pump delivers queued messages to the handler until Close.
func (c *Conn) pump() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.queue:
			c.mu.RLock()
			handler := c.handler
			c.mu.RUnlock()
			if handler != nil {
				handler(msg)
			}
		}
	}
}

// IsConnected reports the simulated link state.
func (c *Conn) IsConnected() bool {
	return atomic.LoadInt32(&c.closed) == 0 && atomic.LoadInt32(&c.connected) == 1
}

// Connect marks the connection established. Idempotent.
func (c *Conn) Connect(ctx context.Context) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return ErrConnectionClosed
	}
	atomic.StoreInt32(&c.connected, 1)
	return nil
}

// RegisterMessageHandler installs the message-received callback.
// The first registration wins; repeated calls are no-ops that still
// report success.
func (c *Conn) RegisterMessageHandler(h relay.MessageHandler) bool {
	if atomic.LoadInt32(&c.closed) == 1 || h == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handler == nil {
		c.handler = h
	}
	return true
}

// RegisterConnectionHandler adds a connectivity state change callback.
func (c *Conn) RegisterConnectionHandler(h relay.ConnectionHandler) {
	if h == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connHandlers = append(c.connHandlers, h)
}

// Publish loops the message back to the handler if its topic is subscribed.
// Messages for unsubscribed topics are accepted and discarded, matching
// broker semantics. The queue drops on overflow rather than blocking the
// publisher.
func (c *Conn) Publish(ctx context.Context, msg relay.Message) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return ErrConnectionClosed
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.mu.RLock()
	_, subscribed := c.topics[msg.Topic]
	c.mu.RUnlock()
	if !subscribed {
		return nil
	}

	select {
	case c.queue <- msg:
	default:
		c.logger.Warn("delivery queue full, dropping message", "topic", msg.Topic, "msg_id", msg.ID)
	}
	return nil
}

// Subscribe adds the topic to the delivery set.
func (c *Conn) Subscribe(ctx context.Context, topic string) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return ErrConnectionClosed
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	c.mu.Lock()
	c.topics[topic] = struct{}{}
	c.mu.Unlock()
	c.logger.Debug("subscribed", "topic", topic)
	return nil
}

// Unsubscribe removes the topic from the delivery set.
func (c *Conn) Unsubscribe(ctx context.Context, topic string) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return ErrConnectionClosed
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	c.mu.Lock()
	delete(c.topics, topic)
	c.mu.Unlock()
	c.logger.Debug("unsubscribed", "topic", topic)
	return nil
}

// Close stops delivery. Idempotent.
func (c *Conn) Close(ctx context.Context) error {
	if atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		atomic.StoreInt32(&c.connected, 0)
		close(c.done)
	}
	return nil
}

// Topics returns the currently subscribed topics. Test helper.
func (c *Conn) Topics() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.topics))
	for topic := range c.topics {
		out = append(out, topic)
	}
	return out
}

// SimulateDisconnect drops the link and clears the server-side topic set,
// then notifies connection handlers with the given reason. Test hook.
func (c *Conn) SimulateDisconnect(reason relay.DisconnectReason) {
	atomic.StoreInt32(&c.connected, 0)

	c.mu.Lock()
	c.topics = make(map[string]struct{})
	c.lastReason = reason
	handlers := append([]relay.ConnectionHandler(nil), c.connHandlers...)
	c.mu.Unlock()

	ev := relay.ConnectionEvent{IsReconnected: false, Reason: reason}
	for _, h := range handlers {
		h(ev)
	}
}

// SimulateReconnect restores the link and notifies connection handlers
// with the reason recorded at disconnect. Test hook.
func (c *Conn) SimulateReconnect() {
	atomic.StoreInt32(&c.connected, 1)

	c.mu.RLock()
	reason := c.lastReason
	handlers := append([]relay.ConnectionHandler(nil), c.connHandlers...)
	c.mu.RUnlock()

	ev := relay.ConnectionEvent{IsReconnected: true, Reason: reason}
	for _, h := range handlers {
		h(ev)
	}
}

// Inject delivers a message to the handler directly, bypassing the
// subscription check. Test hook for exercising dispatch edge cases.
func (c *Conn) Inject(msg relay.Message) {
	select {
	case c.queue <- msg:
	case <-c.done:
	}
}

// Compile-time check
var _ relay.Connection = (*Conn)(nil)
