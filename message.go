package relay

import (
	"maps"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// Message is the unit of data exchanged with the transport.
//
// Topic is the only field the bus interprets; everything else travels
// opaquely between publisher and handler. Wildcard syntax in topics, if the
// transport supports any, is matched by the transport before messages reach
// the bus, so the registry only ever compares topics as plain strings.
type Message struct {
	// ID uniquely identifies the message. Assigned on publish when empty.
	ID string
	// Source identifies the bus instance that published the message.
	Source string
	// Topic is the transport channel the message belongs to.
	Topic string
	// Payload is the application data, already encoded by the caller.
	Payload []byte
	// Metadata carries optional key-value pairs alongside the payload.
	Metadata map[string]string
}

// Clone returns a copy of the message with its own payload and metadata.
func (m Message) Clone() Message {
	out := m
	if m.Payload != nil {
		out.Payload = make([]byte, len(m.Payload))
		copy(out.Payload, m.Payload)
	}
	if m.Metadata != nil {
		out.Metadata = make(map[string]string, len(m.Metadata))
		maps.Copy(out.Metadata, m.Metadata)
	}
	return out
}

// ID generation
var counter uint64

// NewID generates a new unique ID
func NewID() string {
	u, err := uuid.NewRandom()
	if err == nil {
		return u.String()
	}
	return strconv.FormatUint(atomic.AddUint64(&counter, 1), 10)
}
