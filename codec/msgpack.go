package codec

import (
	"errors"
	"maps"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/relaybus/relay"
)

// MsgPack implements Codec using MessagePack serialization.
// MessagePack is a binary format that's more compact than JSON
// while maintaining schema-less flexibility.
//
// Benefits:
//   - Smaller message size than JSON
//   - Faster encoding/decoding
//   - Supports binary data natively
type MsgPack struct{}

// msgpackMessage is the MessagePack wire format
type msgpackMessage struct {
	ID       string            `msgpack:"id"`
	Source   string            `msgpack:"source"`
	Topic    string            `msgpack:"topic"`
	Payload  []byte            `msgpack:"payload"`
	Metadata map[string]string `msgpack:"metadata,omitempty"`
}

// Encode serializes a message to MessagePack bytes
func (c MsgPack) Encode(msg relay.Message) ([]byte, error) {
	mm := msgpackMessage{
		ID:      msg.ID,
		Source:  msg.Source,
		Topic:   msg.Topic,
		Payload: msg.Payload,
	}

	if msg.Metadata != nil {
		mm.Metadata = make(map[string]string)
		maps.Copy(mm.Metadata, msg.Metadata)
	}

	data, err := msgpack.Marshal(mm)
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}

	return data, nil
}

// Decode deserializes MessagePack bytes to a message
func (c MsgPack) Decode(data []byte) (relay.Message, error) {
	var mm msgpackMessage
	if err := msgpack.Unmarshal(data, &mm); err != nil {
		return relay.Message{}, errors.Join(ErrDecodeFailure, err)
	}

	var metadata map[string]string
	if mm.Metadata != nil {
		metadata = make(map[string]string)
		maps.Copy(metadata, mm.Metadata)
	}

	return relay.Message{
		ID:       mm.ID,
		Source:   mm.Source,
		Topic:    mm.Topic,
		Payload:  mm.Payload,
		Metadata: metadata,
	}, nil
}

// ContentType returns the MIME type for MessagePack
func (c MsgPack) ContentType() string {
	return "application/msgpack"
}

// Name returns the codec identifier
func (c MsgPack) Name() string {
	return "msgpack"
}

// Compile-time check
var _ Codec = MsgPack{}
