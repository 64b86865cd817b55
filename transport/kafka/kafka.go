// Package kafka provides a Kafka connection for the bus.
//
// Messages are persisted by the broker, giving at-least-once delivery for
// the lifetime of the consumer group. All subscribed topics are consumed
// through a single consumer group session; subscribing or unsubscribing a
// topic restarts the session with the new topic set.
//
// The sarama.Client is owned by the caller: Close releases the producer and
// consumer group built on it but leaves the client open for other users.
package kafka

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"

	"github.com/relaybus/relay"
	"github.com/relaybus/relay/codec"
)

// Errors
var (
	ErrClientRequired   = errors.New("kafka: client is required")
	ErrProducerFailed   = errors.New("kafka: failed to create producer")
	ErrConsumerFailed   = errors.New("kafka: failed to create consumer group")
	ErrConnectionClosed = errors.New("kafka: connection closed")
	ErrSyncRequired     = errors.New("kafka: Producer.Return.Successes must be true for the sync producer")
)

// consumeRetryWait is the pause before re-entering Consume after a session
// error. Session errors during broker rebalances are routine.
const consumeRetryWait = 2 * time.Second

// Conn implements relay.Connection on top of a shared sarama.Client.
type Conn struct {
	closed   int32
	client   sarama.Client
	producer sarama.SyncProducer
	group    sarama.ConsumerGroup
	codec    codec.Codec

	mu            sync.Mutex
	topics        map[string]struct{}
	handler       relay.MessageHandler
	connHandlers  []relay.ConnectionHandler
	consuming     bool
	sessionCancel context.CancelFunc

	loopCtx    context.Context
	loopCancel context.CancelFunc
	wg         sync.WaitGroup

	opts *options
}

// New creates a bus connection over an established Kafka client.
//
// The client's config must set Producer.Return.Successes = true (required
// by the sync producer).
func New(client sarama.Client, opts ...Option) (*Conn, error) {
	if client == nil {
		return nil, ErrClientRequired
	}
	if !client.Config().Producer.Return.Successes {
		return nil, ErrSyncRequired
	}

	o := newOptions(opts...)

	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		return nil, errors.Join(ErrProducerFailed, err)
	}

	group, err := sarama.NewConsumerGroupFromClient(o.groupID, client)
	if err != nil {
		producer.Close()
		return nil, errors.Join(ErrConsumerFailed, err)
	}

	loopCtx, loopCancel := context.WithCancel(context.Background())
	return &Conn{
		client:     client,
		producer:   producer,
		group:      group,
		codec:      o.codec,
		topics:     make(map[string]struct{}),
		loopCtx:    loopCtx,
		loopCancel: loopCancel,
		opts:       o,
	}, nil
}

// IsConnected reports whether the Kafka client is still usable.
func (c *Conn) IsConnected() bool {
	return atomic.LoadInt32(&c.closed) == 0 && !c.client.Closed()
}

// Connect verifies broker reachability by refreshing cluster metadata.
func (c *Conn) Connect(ctx context.Context) error {
	if atomic.LoadInt32(&c.closed) == 1 || c.client.Closed() {
		return ErrConnectionClosed
	}
	return c.client.RefreshMetadata()
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
// Sarama recovers broker failures inside the consumer group session, so
// callbacks are retained for interface completeness rather than fired on
// every broker hiccup.
func (c *Conn) RegisterConnectionHandler(h relay.ConnectionHandler) {
	if h == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connHandlers = append(c.connHandlers, h)
}

// Publish encodes and produces the message to its topic.
func (c *Conn) Publish(ctx context.Context, msg relay.Message) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return ErrConnectionClosed
	}

	data, err := c.codec.Encode(msg)
	if err != nil {
		return err
	}

	pm := &sarama.ProducerMessage{
		Topic: c.topicName(msg.Topic),
		Key:   sarama.StringEncoder(msg.ID),
		Value: sarama.ByteEncoder(data),
	}
	_, _, err = c.producer.SendMessage(pm)
	return err
}

// Subscribe adds the topic to the consumer group's topic set, starting the
// consume loop on first use and restarting the session otherwise.
// Idempotent.
func (c *Conn) Subscribe(ctx context.Context, topic string) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return ErrConnectionClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.topics[topic]; ok {
		return nil
	}
	c.topics[topic] = struct{}{}
	c.opts.logger.Debug("subscribed", "topic", topic, "kafka_topic", c.topicName(topic))

	if !c.consuming {
		c.consuming = true
		c.wg.Add(1)
		go c.consume()
	} else if c.sessionCancel != nil {
		// Restart the session so it picks up the new topic set.
		c.sessionCancel()
	}
	return nil
}

// Unsubscribe removes the topic from the consumer group's topic set and
// restarts the session. Unsubscribing a topic without a subscription is a
// no-op.
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

	if c.sessionCancel != nil {
		c.sessionCancel()
	}
	return nil
}

// consume runs consumer group sessions until Close. Each session consumes
// a snapshot of the topic set; topic changes cancel the session so the
// next iteration picks up the new set.
func (c *Conn) consume() {
	defer c.wg.Done()

	stop := func() {
		c.consuming = false
		c.sessionCancel = nil
		c.mu.Unlock()
	}

	for {
		c.mu.Lock()
		// The exit decision and the flag reset are one critical section, so
		// a Subscribe racing the shutdown either extends this loop or starts
		// a fresh one, never neither.
		if c.loopCtx.Err() != nil || len(c.topics) == 0 {
			stop()
			return
		}
		topics := make([]string, 0, len(c.topics))
		for topic := range c.topics {
			topics = append(topics, c.topicName(topic))
		}
		sessCtx, cancel := context.WithCancel(c.loopCtx)
		c.sessionCancel = cancel
		c.mu.Unlock()

		err := c.group.Consume(sessCtx, topics, &groupHandler{conn: c})
		cancel()
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, sarama.ErrClosedConsumerGroup) {
			c.opts.logger.Warn("consumer session failed, restarting", "error", err)
			c.opts.onError(err)
			select {
			case <-c.loopCtx.Done():
			case <-time.After(consumeRetryWait):
			}
		}
	}
}

// Close releases the producer and consumer group. The Kafka client stays
// open for its owner. Idempotent.
func (c *Conn) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}

	c.loopCancel()
	c.wg.Wait()

	return errors.Join(c.producer.Close(), c.group.Close())
}

func (c *Conn) topicName(topic string) string {
	return c.opts.topicPrefix + topic
}

func (c *Conn) relayTopic(kafkaTopic string) string {
	if len(kafkaTopic) >= len(c.opts.topicPrefix) {
		return kafkaTopic[len(c.opts.topicPrefix):]
	}
	return kafkaTopic
}

// groupHandler adapts the consumer group claims to the bus handler.
type groupHandler struct {
	conn *Conn
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for cm := range claim.Messages() {
		msg, err := h.conn.codec.Decode(cm.Value)
		if err != nil {
			h.conn.opts.logger.Warn("dropping undecodable message",
				"kafka_topic", cm.Topic,
				"offset", cm.Offset,
				"error", err)
			h.conn.opts.onError(err)
			session.MarkMessage(cm, "")
			continue
		}
		if msg.Topic == "" {
			msg.Topic = h.conn.relayTopic(cm.Topic)
		}

		h.conn.mu.Lock()
		handler := h.conn.handler
		h.conn.mu.Unlock()
		if handler != nil {
			handler(msg)
		}
		session.MarkMessage(cm, "")
	}
	return nil
}

// Compile-time check
var _ relay.Connection = (*Conn)(nil)
