// Package nats provides a NATS Core connection for the bus.
//
// NATS Core is simple pub/sub with at-most-once delivery. Messages are not
// persisted and are dropped when no subscriber is connected at publish time.
// Suitable for ephemeral events where message loss is acceptable.
//
// The *nats.Conn is owned by the caller: Close tears down this connection's
// subscriptions but leaves the NATS client open for other users.
package nats

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"

	"github.com/relaybus/relay"
	"github.com/relaybus/relay/codec"
)

// Errors
var (
	ErrConnRequired     = errors.New("nats: connection is required")
	ErrConnectionClosed = errors.New("nats: connection closed")
	ErrNotConnected     = errors.New("nats: not connected")
)

// Conn implements relay.Connection on top of a NATS Core client.
//
// Connectivity events map onto the client's handlers: a disconnect with a
// nil error is reported as a normal disconnect (client-initiated), one with
// an error as abnormal. The reason recorded at disconnect is replayed with
// the reconnect event, so the bus can tell a clean-close reconnect from a
// network-failure reconnect.
type Conn struct {
	closed int32
	nc     *nats.Conn
	codec  codec.Codec

	mu           sync.Mutex
	subs         map[string]*nats.Subscription
	handler      relay.MessageHandler
	connHandlers []relay.ConnectionHandler
	lastReason   relay.DisconnectReason

	opts *options
}

// New creates a bus connection over an established NATS client.
// The client should be created with reconnection enabled; the bus relies
// on the reconnect event to restore subscriptions.
func New(nc *nats.Conn, opts ...Option) (*Conn, error) {
	if nc == nil {
		return nil, ErrConnRequired
	}

	o := newOptions(opts...)
	c := &Conn{
		nc:    nc,
		codec: o.codec,
		subs:  make(map[string]*nats.Subscription),
		opts:  o,
	}

	nc.SetDisconnectErrHandler(func(_ *nats.Conn, err error) {
		reason := relay.ReasonNormal
		if err != nil {
			reason = relay.ReasonAbnormal
		}
		c.notify(relay.ConnectionEvent{IsReconnected: false, Reason: reason}, reason)
	})
	nc.SetReconnectHandler(func(_ *nats.Conn) {
		c.mu.Lock()
		reason := c.lastReason
		c.mu.Unlock()
		c.notify(relay.ConnectionEvent{IsReconnected: true, Reason: reason}, reason)
	})

	return c, nil
}

func (c *Conn) notify(ev relay.ConnectionEvent, reason relay.DisconnectReason) {
	c.mu.Lock()
	c.lastReason = reason
	handlers := append([]relay.ConnectionHandler(nil), c.connHandlers...)
	c.mu.Unlock()

	c.opts.logger.Info("connection state changed",
		"reconnected", ev.IsReconnected,
		"reason", ev.Reason)
	for _, h := range handlers {
		h(ev)
	}
}

// IsConnected reports whether the NATS client currently has a live server
// connection.
func (c *Conn) IsConnected() bool {
	return atomic.LoadInt32(&c.closed) == 0 && c.nc.IsConnected()
}

// Connect reports connection state. The NATS client owns reconnection, so
// there is nothing to initiate here; while the client is between servers
// this returns ErrNotConnected and the caller's retry policy applies.
func (c *Conn) Connect(ctx context.Context) error {
	if atomic.LoadInt32(&c.closed) == 1 || c.nc.IsClosed() {
		return ErrConnectionClosed
	}
	if c.nc.IsConnected() {
		return nil
	}
	return ErrNotConnected
}

// RegisterMessageHandler installs the message-received callback.
// The first registration wins.
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

// Publish encodes and publishes the message to its topic's subject.
func (c *Conn) Publish(ctx context.Context, msg relay.Message) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return ErrConnectionClosed
	}

	data, err := c.codec.Encode(msg)
	if err != nil {
		return err
	}
	return c.nc.Publish(c.subject(msg.Topic), data)
}

// Subscribe creates the NATS subscription for a topic. Idempotent; an
// existing subscription for the topic is kept.
func (c *Conn) Subscribe(ctx context.Context, topic string) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return ErrConnectionClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.subs[topic]; ok {
		return nil
	}

	sub, err := c.nc.Subscribe(c.subject(topic), func(m *nats.Msg) {
		msg, err := c.codec.Decode(m.Data)
		if err != nil {
			c.opts.logger.Warn("dropping undecodable message", "topic", topic, "error", err)
			c.opts.onError(err)
			return
		}
		if msg.Topic == "" {
			msg.Topic = topic
		}

		c.mu.Lock()
		handler := c.handler
		c.mu.Unlock()
		if handler != nil {
			handler(msg)
		}
	})
	if err != nil {
		return err
	}

	c.subs[topic] = sub
	c.opts.logger.Debug("subscribed", "topic", topic, "subject", c.subject(topic))
	return nil
}

// Unsubscribe removes the NATS subscription for a topic. Unsubscribing a
// topic without a subscription is a no-op.
func (c *Conn) Unsubscribe(ctx context.Context, topic string) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return ErrConnectionClosed
	}

	c.mu.Lock()
	sub, ok := c.subs[topic]
	delete(c.subs, topic)
	c.mu.Unlock()

	if !ok {
		return nil
	}
	c.opts.logger.Debug("unsubscribed", "topic", topic)
	return sub.Unsubscribe()
}

// Close unsubscribes all topics. The underlying NATS client stays open for
// its owner. Idempotent.
func (c *Conn) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}

	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*nats.Subscription)
	c.mu.Unlock()

	var errs []error
	for topic, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			c.opts.logger.Warn("unsubscribe on close failed", "topic", topic, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Conn) subject(topic string) string {
	if c.opts.subjectPrefix == "" {
		return topic
	}
	return c.opts.subjectPrefix + "." + topic
}

// Compile-time check
var _ relay.Connection = (*Conn)(nil)
