package transfer

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"peerlink/crypto"
	"peerlink/protocol"
	"peerlink/session"
)

// ErrChunkHashMismatch indicates the decrypted chunk does not match the
// plaintext digest carried in the frame header.
var ErrChunkHashMismatch = errors.New("transfer: chunk hash mismatch")

// ReceiverCallbacks wire the receiver to its collaborators. OnAckSend emits
// ack frames back to the sender; OnChunkReceived delivers authenticated
// plaintext, typically into a file writer and the resume store.
type ReceiverCallbacks struct {
	OnAckSend       func(protocol.Frame) error
	OnChunkReceived func(transferID, offset uint64, data []byte)
}

// Receiver is the inbound half of the reliability protocol: it decrypts and
// authenticates data frames, verifies chunk digests and emits acks.
type Receiver struct {
	sessions  *session.Manager
	sessionID string
	callbacks ReceiverCallbacks
	log       *logrus.Entry
}

// NewReceiver builds a receiver bound to one secure session.
func NewReceiver(sessions *session.Manager, sessionID string, callbacks ReceiverCallbacks) (*Receiver, error) {
	if sessions == nil {
		return nil, errors.New("transfer: session manager is required")
	}
	if callbacks.OnAckSend == nil {
		return nil, errors.New("transfer: OnAckSend callback is required")
	}

	return &Receiver{
		sessions:  sessions,
		sessionID: sessionID,
		callbacks: callbacks,
		log:       logrus.WithFields(logrus.Fields{"component": "transfer", "session_id": sessionID}),
	}, nil
}

// ProcessFrame authenticates and decrypts one data frame, then acks it.
// Crypto and codec failures propagate so the caller decides retry or abort;
// a successfully processed duplicate is simply re-acked (the sender ignores
// duplicate acks).
func (r *Receiver) ProcessFrame(frame protocol.Frame) error {
	if frame.Type != protocol.FrameData {
		return fmt.Errorf("%w: receiver got non-data frame", protocol.ErrMalformedFrame)
	}
	if len(frame.Payload) < crypto.TagSize {
		return fmt.Errorf("%w: data payload shorter than tag", protocol.ErrMalformedFrame)
	}

	var encrypted crypto.AESGCMResult
	encrypted.Ciphertext = frame.Payload[:len(frame.Payload)-crypto.TagSize]
	copy(encrypted.Tag[:], frame.Payload[len(frame.Payload)-crypto.TagSize:])
	encrypted.IV = frame.IV

	aad := crypto.AAD(frame.TransferID, frame.Offset)
	plaintext, err := r.sessions.DecryptWithSessionKey(r.sessionID, encrypted, aad)
	if err != nil {
		return err
	}

	digest := crypto.ChunkHash(plaintext)
	if !crypto.ConstantTimeEqual(digest[:], frame.ChunkHash[:]) {
		return fmt.Errorf("%w: transfer %d offset %d", ErrChunkHashMismatch, frame.TransferID, frame.Offset)
	}

	ack := protocol.Ack{
		TransferID: frame.TransferID,
		Offset:     frame.Offset,
		Length:     uint32(len(plaintext)),
	}
	if err := r.callbacks.OnAckSend(ack.Frame()); err != nil {
		return fmt.Errorf("transfer: dispatch ack: %w", err)
	}

	if r.callbacks.OnChunkReceived != nil {
		r.callbacks.OnChunkReceived(frame.TransferID, frame.Offset, plaintext)
	}

	return nil
}
