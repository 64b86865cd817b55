package relay

import (
	"context"
	"fmt"
)

// DisconnectReason classifies why the transport last lost its connection.
type DisconnectReason int

const (
	// ReasonUnknown means the transport could not classify the disconnect.
	ReasonUnknown DisconnectReason = iota
	// ReasonNormal means the prior disconnect was a clean, expected one.
	ReasonNormal
	// ReasonAbnormal means the connection was lost unexpectedly.
	ReasonAbnormal
)

// String returns a string representation of the disconnect reason.
func (r DisconnectReason) String() string {
	switch r {
	case ReasonNormal:
		return "normal"
	case ReasonAbnormal:
		return "abnormal"
	case ReasonUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// ConnectionEvent describes a connectivity state change reported by the
// transport. After a reconnect that followed a normal disconnect the bus
// restores all registered subscriptions; every other transition is ignored
// by the bus itself.
type ConnectionEvent struct {
	// IsReconnected is true when the event reports a re-established
	// connection rather than a loss.
	IsReconnected bool
	// Reason classifies the disconnect that preceded this event.
	Reason DisconnectReason
}

// MessageHandler receives each inbound message from the transport.
type MessageHandler func(msg Message)

// ConnectionHandler receives connectivity state changes from the transport.
type ConnectionHandler func(ev ConnectionEvent)

// Connection is the low-level transport the bus publishes to and receives
// from. Implementations live under transport/; any broker client can be
// adapted by implementing this interface.
//
// Connect must be idempotent: concurrent calls from different bus code paths
// must not establish duplicate connections. All methods may be called
// concurrently.
type Connection interface {
	// IsConnected reports whether the transport currently holds a live
	// connection.
	IsConnected() bool

	// Connect establishes the connection. Calling it while connected is a
	// no-op.
	Connect(ctx context.Context) error

	// RegisterMessageHandler installs the callback invoked for every inbound
	// message. Registration is idempotent; the first handler wins. Returns
	// false if the transport rejected the registration.
	RegisterMessageHandler(fn MessageHandler) bool

	// RegisterConnectionHandler installs the callback invoked on every
	// connectivity state change.
	RegisterConnectionHandler(fn ConnectionHandler)

	// Publish sends a message to the transport.
	Publish(ctx context.Context, msg Message) error

	// Subscribe registers interest in a topic with the transport.
	Subscribe(ctx context.Context, topic string) error

	// Unsubscribe removes a topic subscription from the transport.
	Unsubscribe(ctx context.Context, topic string) error

	// Close releases the connection and all transport resources.
	Close(ctx context.Context) error
}
