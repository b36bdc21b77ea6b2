package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"reflect"
	"testing"
)

func sampleDataFrame() Frame {
	f := Frame{
		Type:       FrameData,
		TransferID: 99,
		Offset:     65536,
		Payload:    []byte("ciphertext-and-tag"),
	}
	for i := range f.IV {
		f.IV[i] = byte(i + 1)
	}
	for i := range f.ChunkHash {
		f.ChunkHash[i] = byte(0xA0 + i)
	}
	return f
}

func TestFrameRoundTrip(t *testing.T) {
	frames := []Frame{
		sampleDataFrame(),
		{Type: FrameControl, Subtype: ControlDiscovery, Payload: []byte(`{"device_id":"d"}`)},
		{Type: FrameControl, Subtype: ControlKeyExchange, TransferID: 1, Payload: []byte("pubkey")},
		{Type: FrameControl, Subtype: ControlAck, TransferID: 7, Offset: 1024, Payload: []byte{0, 0, 1, 0}},
		{Type: FrameControl, Subtype: ControlVerification},
		{Type: FrameControl, Subtype: ControlError, Payload: []byte("version_mismatch")},
	}

	for _, frame := range frames {
		encoded, err := frame.Encode()
		if err != nil {
			t.Fatalf("Encode(%v/%v) failed: %v", frame.Type, frame.Subtype, err)
		}
		decoded, err := Decode(encoded)
		if err != nil {
			t.Fatalf("Decode(%v/%v) failed: %v", frame.Type, frame.Subtype, err)
		}
		if !reflect.DeepEqual(frame, decoded) {
			t.Fatalf("round trip mismatch:\n sent %+v\n got  %+v", frame, decoded)
		}
	}
}

func TestControlSubtypeSurvivesRoundTripWithEqualPayloadLength(t *testing.T) {
	payload := []byte("same-length-body")

	ack := Frame{Type: FrameControl, Subtype: ControlAck, Payload: payload}
	verification := Frame{Type: FrameControl, Subtype: ControlVerification, Payload: payload}

	encodedAck, err := ack.Encode()
	if err != nil {
		t.Fatalf("encode ack: %v", err)
	}
	encodedVerification, err := verification.Encode()
	if err != nil {
		t.Fatalf("encode verification: %v", err)
	}
	if len(encodedAck) != len(encodedVerification) {
		t.Fatalf("test premise broken: encoded lengths differ")
	}

	decodedAck, err := Decode(encodedAck)
	if err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	decodedVerification, err := Decode(encodedVerification)
	if err != nil {
		t.Fatalf("decode verification: %v", err)
	}

	if decodedAck.Subtype != ControlAck {
		t.Fatalf("expected ack subtype, got %v", decodedAck.Subtype)
	}
	if decodedVerification.Subtype != ControlVerification {
		t.Fatalf("expected verification subtype, got %v", decodedVerification.Subtype)
	}
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	valid, err := sampleDataFrame().Encode()
	if err != nil {
		t.Fatalf("encode sample frame: %v", err)
	}

	cases := []struct {
		name string
		buf  []byte
	}{
		{"empty buffer", nil},
		{"unknown frame type", append([]byte{0x7F}, valid[1:]...)},
		{"unknown control subtype", []byte{byte(FrameControl), 0x7F, 0, 0, 0, 0, 0, 0, 0, 0}},
		{"truncated header", valid[:20]},
		{"payload shorter than declared", valid[:len(valid)-4]},
		{"payload longer than declared", append(append([]byte(nil), valid...), 0xFF)},
	}

	for _, tc := range cases {
		if _, err := Decode(tc.buf); !errors.Is(err, ErrMalformedFrame) {
			t.Fatalf("%s: expected ErrMalformedFrame, got %v", tc.name, err)
		}
	}
}

func TestDecodeOversizedPayloadLengthIsMalformed(t *testing.T) {
	valid, err := sampleDataFrame().Encode()
	if err != nil {
		t.Fatalf("encode sample frame: %v", err)
	}

	// Declared payload length over the cap, at bytes 17..20 of a data frame.
	oversized := append([]byte(nil), valid...)
	binary.BigEndian.PutUint32(oversized[17:21], MaxPayloadSize+1)

	_, err = Decode(oversized)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	if !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected oversize to match ErrMalformedFrame, got %v", err)
	}
}

func TestEncodeRejectsInvalidFrames(t *testing.T) {
	if _, err := (Frame{Type: FrameData, Subtype: ControlAck}).Encode(); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame for data frame with subtype, got %v", err)
	}
	if _, err := (Frame{Type: FrameControl, Subtype: ControlNone}).Encode(); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame for control frame without subtype, got %v", err)
	}
	if _, err := (Frame{Type: 0x33}).Encode(); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame for unknown type, got %v", err)
	}
}

func TestEmptyControlPayloadIsValid(t *testing.T) {
	frame := Frame{Type: FrameControl, Subtype: ControlVerification, TransferID: 3}
	encoded, err := frame.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(decoded.Payload) != 0 {
		t.Fatalf("expected empty payload, got %d bytes", len(decoded.Payload))
	}
}

func TestAckRoundTrip(t *testing.T) {
	ack := Ack{TransferID: 12, Offset: 128 * 1024, Length: 65536}

	encoded, err := ack.Frame().Encode()
	if err != nil {
		t.Fatalf("encode ack frame: %v", err)
	}
	frame, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode ack frame: %v", err)
	}
	parsed, err := ParseAck(frame)
	if err != nil {
		t.Fatalf("ParseAck failed: %v", err)
	}
	if parsed != ack {
		t.Fatalf("ack round trip mismatch: got %+v want %+v", parsed, ack)
	}
}

func TestParseAckRejectsWrongFrames(t *testing.T) {
	if _, err := ParseAck(sampleDataFrame()); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame for data frame, got %v", err)
	}

	bad := Frame{Type: FrameControl, Subtype: ControlAck, Payload: []byte{1, 2}}
	if _, err := ParseAck(bad); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame for short ack payload, got %v", err)
	}
}

func TestEncodedIntegersAreFixedWidth(t *testing.T) {
	small := Frame{Type: FrameData, TransferID: 1, Offset: 1, Payload: []byte("x")}
	large := Frame{Type: FrameData, TransferID: 1 << 60, Offset: 1 << 60, Payload: []byte("x")}

	encodedSmall, err := small.Encode()
	if err != nil {
		t.Fatalf("encode small: %v", err)
	}
	encodedLarge, err := large.Encode()
	if err != nil {
		t.Fatalf("encode large: %v", err)
	}
	if len(encodedSmall) != len(encodedLarge) {
		t.Fatalf("expected deterministic frame size, got %d and %d", len(encodedSmall), len(encodedLarge))
	}
	if bytes.Equal(encodedSmall, encodedLarge) {
		t.Fatalf("distinct frames must not encode identically")
	}
}
