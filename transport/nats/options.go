package nats

import (
	"log/slog"

	"github.com/relaybus/relay/codec"
)

// options holds configuration for the connection (unexported)
type options struct {
	codec         codec.Codec
	subjectPrefix string
	logger        *slog.Logger
	onError       func(error)
}

// Option configures the NATS connection
type Option func(*options)

// WithCodec sets the codec for message serialization
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithSubjectPrefix namespaces all subjects under prefix + "." to avoid
// clashing with other subjects on a shared NATS deployment.
func WithSubjectPrefix(prefix string) Option {
	return func(o *options) {
		o.subjectPrefix = prefix
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
		codec:   codec.Default(),
		logger:  slog.Default().With("component", "transport.nats"),
		onError: func(error) {},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
