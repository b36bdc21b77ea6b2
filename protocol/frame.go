package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"peerlink/crypto"
)

// FrameType distinguishes data frames from control frames.
type FrameType uint8

const (
	// FrameData carries one encrypted file chunk.
	FrameData FrameType = 0x01
	// FrameControl carries a protocol control message.
	FrameControl FrameType = 0x02
)

// ControlSubtype classifies control frames. Classification always uses this
// tag, never payload length: two control messages may share a length.
type ControlSubtype uint8

const (
	// ControlNone marks a data frame, which has no subtype on the wire.
	ControlNone ControlSubtype = 0x00
	// ControlDiscovery carries a discovery payload.
	ControlDiscovery ControlSubtype = 0x01
	// ControlKeyExchange carries an ephemeral public key payload.
	ControlKeyExchange ControlSubtype = 0x02
	// ControlVerification carries a post-handshake key confirmation.
	ControlVerification ControlSubtype = 0x03
	// ControlAck acknowledges one received chunk.
	ControlAck ControlSubtype = 0x04
	// ControlError reports a peer-visible protocol error.
	ControlError ControlSubtype = 0x05
)

const (
	// MaxPayloadSize is the maximum accepted frame payload size (10 MB).
	MaxPayloadSize = 10 * 1024 * 1024

	// dataHeaderSize: type(1) transferID(8) offset(8) payloadLen(4) iv(12) hash(32).
	dataHeaderSize = 1 + 8 + 8 + 4 + crypto.IVSize + crypto.HashSize
	// controlHeaderSize adds the subtype tag after the frame type.
	controlHeaderSize = dataHeaderSize + 1
)

var (
	// ErrMalformedFrame indicates a structural violation in an encoded frame.
	ErrMalformedFrame = errors.New("protocol: malformed frame")
	// ErrFrameTooLarge indicates the payload exceeds MaxPayloadSize. It is
	// a structural violation, so it matches ErrMalformedFrame too.
	ErrFrameTooLarge = fmt.Errorf("%w: frame exceeds max payload size", ErrMalformedFrame)
)

// Frame is the unit of wire transmission. Data frames carry an encrypted
// chunk (ciphertext||tag) in Payload; control frames carry a subtype-specific
// payload, empty for some subtypes.
type Frame struct {
	Type       FrameType
	Subtype    ControlSubtype
	TransferID uint64
	Offset     uint64
	IV         [crypto.IVSize]byte
	ChunkHash  [crypto.HashSize]byte
	Payload    []byte
}

// Valid reports whether the frame's type/subtype combination is encodable.
func (f Frame) Valid() bool {
	switch f.Type {
	case FrameData:
		return f.Subtype == ControlNone
	case FrameControl:
		return f.Subtype >= ControlDiscovery && f.Subtype <= ControlError
	default:
		return false
	}
}

// Encode serializes the frame into its fixed binary layout. All integer
// fields are big-endian and fixed width, so frame size is deterministic.
func (f Frame) Encode() ([]byte, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("%w: type %#x subtype %#x", ErrMalformedFrame, f.Type, f.Subtype)
	}
	if len(f.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: payload length %d", ErrFrameTooLarge, len(f.Payload))
	}

	size := dataHeaderSize + len(f.Payload)
	if f.Type == FrameControl {
		size = controlHeaderSize + len(f.Payload)
	}

	buf := make([]byte, 0, size)
	buf = append(buf, byte(f.Type))
	if f.Type == FrameControl {
		buf = append(buf, byte(f.Subtype))
	}
	buf = binary.BigEndian.AppendUint64(buf, f.TransferID)
	buf = binary.BigEndian.AppendUint64(buf, f.Offset)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(f.Payload)))
	buf = append(buf, f.IV[:]...)
	buf = append(buf, f.ChunkHash[:]...)
	buf = append(buf, f.Payload...)

	return buf, nil
}

// Decode parses an encoded frame, failing with ErrMalformedFrame on any
// structural violation: short buffer, unknown tags, or a payload length that
// does not match the remaining bytes.
func Decode(buf []byte) (Frame, error) {
	if len(buf) < 1 {
		return Frame{}, fmt.Errorf("%w: empty buffer", ErrMalformedFrame)
	}

	var f Frame
	f.Type = FrameType(buf[0])

	headerSize := 0
	switch f.Type {
	case FrameData:
		f.Subtype = ControlNone
		headerSize = dataHeaderSize
		buf = buf[1:]
	case FrameControl:
		if len(buf) < 2 {
			return Frame{}, fmt.Errorf("%w: truncated control header", ErrMalformedFrame)
		}
		f.Subtype = ControlSubtype(buf[1])
		headerSize = controlHeaderSize
		buf = buf[2:]
	default:
		return Frame{}, fmt.Errorf("%w: unknown frame type %#x", ErrMalformedFrame, buf[0])
	}

	if !f.Valid() {
		return Frame{}, fmt.Errorf("%w: unknown control subtype %#x", ErrMalformedFrame, f.Subtype)
	}
	if len(buf) < headerSize-tagBytes(f.Type) {
		return Frame{}, fmt.Errorf("%w: header truncated at %d bytes", ErrMalformedFrame, len(buf))
	}

	f.TransferID = binary.BigEndian.Uint64(buf[0:8])
	f.Offset = binary.BigEndian.Uint64(buf[8:16])
	payloadLen := binary.BigEndian.Uint32(buf[16:20])
	copy(f.IV[:], buf[20:20+crypto.IVSize])
	copy(f.ChunkHash[:], buf[20+crypto.IVSize:20+crypto.IVSize+crypto.HashSize])
	rest := buf[20+crypto.IVSize+crypto.HashSize:]

	if payloadLen > MaxPayloadSize {
		return Frame{}, fmt.Errorf("%w: payload length %d", ErrFrameTooLarge, payloadLen)
	}
	if uint64(len(rest)) != uint64(payloadLen) {
		return Frame{}, fmt.Errorf("%w: payload length %d does not match remaining %d bytes",
			ErrMalformedFrame, payloadLen, len(rest))
	}
	if payloadLen > 0 {
		f.Payload = make([]byte, payloadLen)
		copy(f.Payload, rest)
	}

	return f, nil
}

func tagBytes(t FrameType) int {
	if t == FrameControl {
		return 2
	}
	return 1
}
