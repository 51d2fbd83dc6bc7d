package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"garnish/internal/enrich"
)

// ErrMissingPayload marks an envelope without an event payload.
var ErrMissingPayload = errors.New("envelope has no event payload")

// Codec is a wire codec for event envelopes.
type Codec interface {
	// Name is the codec's configuration name.
	Name() string
	// DecodeEvent parses an input envelope.
	DecodeEvent(data []byte) (enrich.Event, error)
	// EncodeResult serializes an output envelope.
	EncodeResult(res enrich.Result) ([]byte, error)
}

// CodecFor returns the codec registered under name. Empty selects JSON.
func CodecFor(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "msgpack":
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q (supported: json, msgpack)", name)
	}
}

// JSONCodec carries envelopes as JSON.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) DecodeEvent(data []byte) (enrich.Event, error) {
	var evt enrich.Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return enrich.Event{}, fmt.Errorf("decode json envelope: %w", err)
	}
	if len(evt.Payload) == 0 {
		return enrich.Event{}, fmt.Errorf("decode json envelope: %w", ErrMissingPayload)
	}
	return evt, nil
}

func (JSONCodec) EncodeResult(res enrich.Result) ([]byte, error) {
	b, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encode json envelope: %w", err)
	}
	return b, nil
}

// MsgpackCodec carries envelopes as msgpack. The event payload inside
// the envelope stays JSON bytes either way.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return "msgpack" }

func (MsgpackCodec) DecodeEvent(data []byte) (enrich.Event, error) {
	var evt enrich.Event
	if err := msgpack.Unmarshal(data, &evt); err != nil {
		return enrich.Event{}, fmt.Errorf("decode msgpack envelope: %w", err)
	}
	if len(evt.Payload) == 0 {
		return enrich.Event{}, fmt.Errorf("decode msgpack envelope: %w", ErrMissingPayload)
	}
	return evt, nil
}

func (MsgpackCodec) EncodeResult(res enrich.Result) ([]byte, error) {
	b, err := msgpack.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encode msgpack envelope: %w", err)
	}
	return b, nil
}
