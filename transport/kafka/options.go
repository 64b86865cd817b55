package kafka

import (
	"log/slog"

	"github.com/relaybus/relay/codec"
)

// Defaults
var (
	// DefaultGroupID is the consumer group used when none is configured.
	DefaultGroupID = "relay-bus"

	// DefaultTopicPrefix namespaces bus topics away from other Kafka users.
	DefaultTopicPrefix = "relay."
)

// options holds configuration for the connection (unexported)
type options struct {
	codec       codec.Codec
	groupID     string
	topicPrefix string
	logger      *slog.Logger
	onError     func(error)
}

// Option configures the Kafka connection
type Option func(*options)

// WithCodec sets the codec for message serialization
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithConsumerGroup sets the consumer group ID. Instances sharing a group
// split the partitions between them; distinct groups each see every message.
func WithConsumerGroup(groupID string) Option {
	return func(o *options) {
		if groupID != "" {
			o.groupID = groupID
		}
	}
}

// WithTopicPrefix replaces the default topic prefix. An empty prefix
// produces to the bare topic name.
func WithTopicPrefix(prefix string) Option {
	return func(o *options) {
		o.topicPrefix = prefix
	}
}

// WithLogger sets the logger for the connection
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithErrorHandler sets the callback for asynchronous errors such as
// undecodable inbound messages and failed consumer sessions.
func WithErrorHandler(fn func(error)) Option {
	return func(o *options) {
		if fn != nil {
			o.onError = fn
		}
	}
}

func newOptions(opts ...Option) *options {
	o := &options{
		codec:       codec.Default(),
		groupID:     DefaultGroupID,
		topicPrefix: DefaultTopicPrefix,
		logger:      slog.Default().With("component", "transport.kafka"),
		onError:     func(error) {},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
