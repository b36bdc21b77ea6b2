package protocol

import (
	"encoding/binary"
	"fmt"
)

// Ack acknowledges successful receipt and authentication of exactly the
// chunk at (TransferID, Offset) with the given plaintext length.
type Ack struct {
	TransferID uint64
	Offset     uint64
	Length     uint32
}

// ackPayloadSize is the acked chunk length carried in the frame payload.
const ackPayloadSize = 4

// Frame encodes the ack as a control frame.
func (a Ack) Frame() Frame {
	payload := make([]byte, ackPayloadSize)
	binary.BigEndian.PutUint32(payload, a.Length)
	return Frame{
		Type:       FrameControl,
		Subtype:    ControlAck,
		TransferID: a.TransferID,
		Offset:     a.Offset,
		Payload:    payload,
	}
}

// ParseAck extracts an Ack from a control frame.
func ParseAck(f Frame) (Ack, error) {
	if f.Type != FrameControl || f.Subtype != ControlAck {
		return Ack{}, fmt.Errorf("%w: not an ack frame", ErrMalformedFrame)
	}
	if len(f.Payload) != ackPayloadSize {
		return Ack{}, fmt.Errorf("%w: ack payload length %d", ErrMalformedFrame, len(f.Payload))
	}
	return Ack{
		TransferID: f.TransferID,
		Offset:     f.Offset,
		Length:     binary.BigEndian.Uint32(f.Payload),
	}, nil
}
