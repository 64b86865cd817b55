package redis

import (
	"log/slog"

	"github.com/relaybus/relay/codec"
)

// DefaultChannelPrefix namespaces bus channels away from other Pub/Sub
// users on a shared Redis deployment.
var DefaultChannelPrefix = "relay:"

// options holds configuration for the connection (unexported)
type options struct {
	codec         codec.Codec
	channelPrefix string
	logger        *slog.Logger
	onError       func(error)
}

// Option configures the Redis connection
type Option func(*options)

// WithCodec sets the codec for message serialization
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithChannelPrefix replaces the default channel prefix. An empty prefix
// publishes to the bare topic name.
func WithChannelPrefix(prefix string) Option {
	return func(o *options) {
		o.channelPrefix = prefix
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
// undecodable inbound messages.
func WithErrorHandler(fn func(error)) Option {
	return func(o *options) {
		if fn != nil {
			o.onError = fn
		}
	}
}

func newOptions(opts ...Option) *options {
	o := &options{
		codec:         codec.Default(),
		channelPrefix: DefaultChannelPrefix,
		logger:        slog.Default().With("component", "transport.redis"),
		onError:       func(error) {},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
