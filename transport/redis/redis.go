// Package redis provides a Redis Pub/Sub connection for the bus.
//
// Redis Pub/Sub is fire-and-forget: messages published while a subscriber
// is away are lost. Suitable for ephemeral events across processes that
// already share a Redis deployment.
//
// The go-redis PubSub re-issues SUBSCRIBE commands itself after its
// underlying connection drops, so broker-side subscriptions survive network
// failures without help from the caller. Bus-level resubscription on top of
// that is harmless: Subscribe on an already-subscribed channel is a no-op.
//
// The redis.UniversalClient is owned by the caller: Close tears down this
// connection's PubSub but leaves the client open for other users.
package redis

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/relaybus/relay"
	"github.com/relaybus/relay/codec"
)

// Errors
var (
	ErrClientRequired   = errors.New("redis: client is required")
	ErrConnectionClosed = errors.New("redis: connection closed")
)

// Conn implements relay.Connection using Redis Pub/Sub channels.
// All topics share one PubSub; the receive loop fans messages into the
// registered message handler.
type Conn struct {
	closed    int32
	connected int32
	client    redis.UniversalClient
	codec     codec.Codec

	mu           sync.Mutex
	pubsub       *redis.PubSub
	topics       map[string]struct{}
	handler      relay.MessageHandler
	connHandlers []relay.ConnectionHandler

	cancel context.CancelFunc
	wg     sync.WaitGroup

	opts *options
}

// New creates a bus connection over an established Redis client.
func New(client redis.UniversalClient, opts ...Option) (*Conn, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	o := newOptions(opts...)
	return &Conn{
		client: client,
		codec:  o.codec,
		topics: make(map[string]struct{}),
		opts:   o,
	}, nil
}

// IsConnected reports whether the last connectivity check succeeded.
func (c *Conn) IsConnected() bool {
	return atomic.LoadInt32(&c.closed) == 0 && atomic.LoadInt32(&c.connected) == 1
}

// Connect verifies the Redis server is reachable with a PING.
func (c *Conn) Connect(ctx context.Context) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return ErrConnectionClosed
	}
	if err := c.client.Ping(ctx).Err(); err != nil {
		atomic.StoreInt32(&c.connected, 0)
		return err
	}
	atomic.StoreInt32(&c.connected, 1)
	return nil
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
// go-redis does not surface disconnect notifications for Pub/Sub, so the
// callback is retained but only fired when this package observes a failed
// connectivity check; the PubSub resubscribes on its own regardless.
func (c *Conn) RegisterConnectionHandler(h relay.ConnectionHandler) {
	if h == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connHandlers = append(c.connHandlers, h)
}

// Publish encodes and publishes the message to its topic's channel.
func (c *Conn) Publish(ctx context.Context, msg relay.Message) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return ErrConnectionClosed
	}

	data, err := c.codec.Encode(msg)
	if err != nil {
		return err
	}
	if err := c.client.Publish(ctx, c.channel(msg.Topic), data).Err(); err != nil {
		atomic.StoreInt32(&c.connected, 0)
		return err
	}
	return nil
}

// Subscribe adds the topic's channel to the shared PubSub, creating the
// PubSub and its receive loop on first use. Idempotent.
func (c *Conn) Subscribe(ctx context.Context, topic string) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return ErrConnectionClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.topics[topic]; ok {
		return nil
	}

	if c.pubsub == nil {
		c.pubsub = c.client.Subscribe(ctx, c.channel(topic))
		// Confirm the subscription reached the server.
		if _, err := c.pubsub.Receive(ctx); err != nil {
			c.pubsub.Close()
			c.pubsub = nil
			return err
		}
		loopCtx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		c.wg.Add(1)
		go c.receive(loopCtx, c.pubsub.Channel())
	} else {
		if err := c.pubsub.Subscribe(ctx, c.channel(topic)); err != nil {
			return err
		}
	}

	c.topics[topic] = struct{}{}
	c.opts.logger.Debug("subscribed", "topic", topic, "channel", c.channel(topic))
	return nil
}

// Unsubscribe removes the topic's channel from the shared PubSub.
// Unsubscribing a topic without a subscription is a no-op.
func (c *Conn) Unsubscribe(ctx context.Context, topic string) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return ErrConnectionClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.topics[topic]; !ok {
		return nil
	}
	delete(c.topics, topic)
	c.opts.logger.Debug("unsubscribed", "topic", topic)
	return c.pubsub.Unsubscribe(ctx, c.channel(topic))
}

// receive fans PubSub messages into the handler until the channel closes.
func (c *Conn) receive(ctx context.Context, ch <-chan *redis.Message) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			msg, err := c.codec.Decode([]byte(m.Payload))
			if err != nil {
				c.opts.logger.Warn("dropping undecodable message", "channel", m.Channel, "error", err)
				c.opts.onError(err)
				continue
			}
			if msg.Topic == "" {
				msg.Topic = c.topicFromChannel(m.Channel)
			}

			c.mu.Lock()
			handler := c.handler
			c.mu.Unlock()
			if handler != nil {
				handler(msg)
			}
		}
	}
}

// Close stops the receive loop and closes the PubSub. The Redis client
// stays open for its owner. Idempotent.
func (c *Conn) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	atomic.StoreInt32(&c.connected, 0)

	c.mu.Lock()
	pubsub := c.pubsub
	cancel := c.cancel
	c.pubsub = nil
	c.topics = make(map[string]struct{})
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if pubsub != nil {
		err = pubsub.Close()
	}
	c.wg.Wait()
	return err
}

func (c *Conn) channel(topic string) string {
	return c.opts.channelPrefix + topic
}

func (c *Conn) topicFromChannel(channel string) string {
	if len(channel) >= len(c.opts.channelPrefix) {
		return channel[len(c.opts.channelPrefix):]
	}
	return channel
}

// Compile-time check
var _ relay.Connection = (*Conn)(nil)
