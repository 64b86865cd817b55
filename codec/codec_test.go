package codec

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"syreclabs.com/go/faker"

	"github.com/relaybus/relay"
)

func init() {
	faker.Seed(time.Now().UnixNano())
}

func sampleMessage() relay.Message {
	return relay.Message{
		ID:      relay.NewID(),
		Source:  faker.Internet().Slug(),
		Topic:   "orders.created",
		Payload: []byte(faker.Lorem().Sentence(6)),
		Metadata: map[string]string{
			"tenant":  faker.Internet().Slug(),
			"attempt": "1",
		},
	}
}

func TestCodecRoundTrip(t *testing.T) {
	codecs := []Codec{JSON{}, MsgPack{}}

	for _, c := range codecs {
		t.Run(c.Name(), func(t *testing.T) {
			msg := sampleMessage()

			data, err := c.Encode(msg)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}

			got, err := c.Decode(data)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if diff := cmp.Diff(msg, got); diff != "" {
				t.Errorf("round trip mismatch (-sent +received):\n%s", diff)
			}
		})
	}
}

func TestCodecEmptyMetadata(t *testing.T) {
	for _, c := range []Codec{JSON{}, MsgPack{}} {
		t.Run(c.Name(), func(t *testing.T) {
			msg := relay.Message{ID: relay.NewID(), Topic: "orders", Payload: []byte("x")}

			data, err := c.Encode(msg)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			got, err := c.Decode(data)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got.Metadata != nil {
				t.Errorf("metadata = %v, want nil", got.Metadata)
			}
		})
	}
}

func TestDecodeGarbage(t *testing.T) {
	for _, c := range []Codec{JSON{}, MsgPack{}} {
		t.Run(c.Name(), func(t *testing.T) {
			if _, err := c.Decode([]byte("\x00not a message")); err == nil {
				t.Error("garbage decoded without error")
			}
		})
	}
}

func TestDefaultIsJSON(t *testing.T) {
	if Default().Name() != "json" {
		t.Errorf("default codec is %q", Default().Name())
	}
	if Default().ContentType() != "application/json" {
		t.Errorf("content type = %q", Default().ContentType())
	}
}
