package proto

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Websocket subprotocols selecting the envelope encoding.
const (
	SubprotocolJSON = "peerlink.json.v1"
	SubprotocolCBOR = "peerlink.cbor.v1"
)

// ErrMalformed is returned (wrapped) for frames that are not a valid envelope.
var ErrMalformed = errors.New("malformed envelope")

// Codec encodes and decodes envelopes for one wire encoding.
type Codec interface {
	// Subprotocol is the websocket subprotocol naming this encoding.
	Subprotocol() string
	// Binary reports whether frames travel as binary websocket messages.
	Binary() bool
	Encode(m Message) ([]byte, error)
	Decode(b []byte) (Message, error)
}

// JSON is the default codec: text frames of {"type":..,"payload":..}.
var JSON Codec = jsonCodec{}

// CBOR encodes envelopes with core deterministic CBOR in binary frames.
var CBOR Codec = newCBORCodec()

// Subprotocols lists the supported subprotocols in server preference order.
func Subprotocols() []string { return []string{SubprotocolJSON, SubprotocolCBOR} }

// ForSubprotocol returns the codec for a negotiated subprotocol. Unknown or
// empty values fall back to JSON.
func ForSubprotocol(name string) Codec {
	if name == SubprotocolCBOR {
		return CBOR
	}
	return JSON
}

// ByName resolves the short codec names used in peer configuration.
func ByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON, nil
	case "cbor":
		return CBOR, nil
	}
	return nil, fmt.Errorf("unknown codec %q (json or cbor)", name)
}

type jsonEnvelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type jsonCodec struct{}

func (jsonCodec) Subprotocol() string { return SubprotocolJSON }
func (jsonCodec) Binary() bool        { return false }

func (jsonCodec) Encode(m Message) ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", m.Type(), err)
	}
	return json.Marshal(jsonEnvelope{Type: m.Type(), Payload: payload})
}

func (jsonCodec) Decode(b []byte) (Message, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	m, ok := New(env.Type)
	if !ok {
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, env.Type)
	}
	if len(env.Payload) > 0 && string(env.Payload) != "null" {
		if err := json.Unmarshal(env.Payload, m); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformed, env.Type, err)
		}
	}
	return m, nil
}

type cborEnvelope struct {
	Type    Type            `cbor:"type"`
	Payload cbor.RawMessage `cbor:"payload,omitempty"`
}

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() cborCodec {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("proto: CBOR encoder initialization failed: " + err.Error())
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("proto: CBOR decoder initialization failed: " + err.Error())
	}
	return cborCodec{enc: enc, dec: dec}
}

func (cborCodec) Subprotocol() string { return SubprotocolCBOR }
func (cborCodec) Binary() bool        { return true }

func (c cborCodec) Encode(m Message) ([]byte, error) {
	payload, err := c.enc.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", m.Type(), err)
	}
	return c.enc.Marshal(cborEnvelope{Type: m.Type(), Payload: payload})
}

func (c cborCodec) Decode(b []byte) (Message, error) {
	var env cborEnvelope
	if err := c.dec.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	m, ok := New(env.Type)
	if !ok {
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, env.Type)
	}
	if len(env.Payload) > 0 {
		if err := c.dec.Unmarshal(env.Payload, m); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformed, env.Type, err)
		}
	}
	return m, nil
}
