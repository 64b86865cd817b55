package channel

import (
	"log/slog"
)

// DefaultBufferSize is the delivery queue size per connection.
var DefaultBufferSize uint = 100

// options holds configuration for the connection (unexported)
type options struct {
	bufferSize uint
	logger     *slog.Logger
}

// Option configures the channel connection
type Option func(*options)

// WithBufferSize sets the buffer size for the internal delivery queue.
func WithBufferSize(size uint) Option {
	return func(o *options) {
		if size > 0 {
			o.bufferSize = size
		}
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

func newOptions(opts ...Option) *options {
	o := &options{
		bufferSize: DefaultBufferSize,
		logger:     slog.Default().With("component", "transport.channel"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
