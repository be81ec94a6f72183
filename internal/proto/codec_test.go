package proto

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestJSONWireShape(t *testing.T) {
	b, err := JSON.Encode(ConnectClient{Name: "demo", RegistrationSecret: "S", WantP2P: true})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(raw["type"]) != `"connect_client"` {
		t.Fatalf("type = %s", raw["type"])
	}
	var payload map[string]any
	if err := json.Unmarshal(raw["payload"], &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload["name"] != "demo" || payload["registration_secret"] != "S" || payload["want_p2p"] != true {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestDecodeReturnsPointers(t *testing.T) {
	for _, c := range []Codec{JSON, CBOR} {
		b, err := c.Encode(Data{Bytes: []byte{0, 1, 2, 0xff}})
		if err != nil {
			t.Fatalf("%s encode: %v", c.Subprotocol(), err)
		}
		m, err := c.Decode(b)
		if err != nil {
			t.Fatalf("%s decode: %v", c.Subprotocol(), err)
		}
		d, ok := m.(*Data)
		if !ok {
			t.Fatalf("%s decoded %T, want *Data", c.Subprotocol(), m)
		}
		if !bytes.Equal(d.Bytes, []byte{0, 1, 2, 0xff}) {
			t.Fatalf("%s bytes = %v", c.Subprotocol(), d.Bytes)
		}
	}
}

func TestCandidateOptionalFields(t *testing.T) {
	mid := "0"
	idx := uint16(1)
	for _, c := range []Codec{JSON, CBOR} {
		b, err := c.Encode(SignalCandidate{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host", SDPMid: &mid, SDPMLineIndex: &idx})
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		m, err := c.Decode(b)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		got := m.(*SignalCandidate)
		if got.SDPMid == nil || *got.SDPMid != "0" || got.SDPMLineIndex == nil || *got.SDPMLineIndex != 1 {
			t.Fatalf("%s lost optional fields: %+v", c.Subprotocol(), got)
		}
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := map[string][]byte{
		"not json":     []byte("ls -la"),
		"unknown type": []byte(`{"type":"shell_exec","payload":{}}`),
		"bad payload":  []byte(`{"type":"data","payload":{"bytes":42}}`),
	}
	for name, in := range cases {
		if _, err := JSON.Decode(in); !errors.Is(err, ErrMalformed) {
			t.Errorf("%s: err = %v, want ErrMalformed", name, err)
		}
	}
	if _, err := CBOR.Decode([]byte{0xff, 0x00}); !errors.Is(err, ErrMalformed) {
		t.Errorf("cbor garbage: err = %v, want ErrMalformed", err)
	}
}

func TestEmptyPayloadKinds(t *testing.T) {
	m, err := JSON.Decode([]byte(`{"type":"p2p_upgraded"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := m.(*P2PUpgraded); !ok {
		t.Fatalf("got %T", m)
	}
}

func TestForSubprotocol(t *testing.T) {
	if ForSubprotocol(SubprotocolCBOR) != CBOR {
		t.Fatal("cbor subprotocol did not select CBOR")
	}
	if ForSubprotocol("") != JSON || ForSubprotocol("something") != JSON {
		t.Fatal("unknown subprotocol must fall back to JSON")
	}
}

func TestByName(t *testing.T) {
	if c, err := ByName("cbor"); err != nil || c != CBOR {
		t.Fatalf("cbor: %v %v", c, err)
	}
	if c, err := ByName(""); err != nil || c != JSON {
		t.Fatalf("default: %v %v", c, err)
	}
	if _, err := ByName("xml"); err == nil {
		t.Fatal("expected error for unknown codec")
	}
}
