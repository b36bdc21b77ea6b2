package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"

	"peerlink/crypto"
	"peerlink/protocol"
	"peerlink/session"
)

const (
	// DefaultWindowSize is the maximum unacknowledged chunks per transfer.
	DefaultWindowSize = 8
	// DefaultMaxRetries bounds retransmissions per chunk.
	DefaultMaxRetries = 5
	// DefaultAckTimeout is how long a chunk may stay unacknowledged before
	// its first retransmission.
	DefaultAckTimeout = 10 * time.Second
	// DefaultRetransmitInterval seeds the retransmission backoff.
	DefaultRetransmitInterval = 500 * time.Millisecond
	// DefaultRetransmitMaxInterval caps the retransmission backoff.
	DefaultRetransmitMaxInterval = 10 * time.Second
	// defaultTickInterval is the retransmit scan period.
	defaultTickInterval = 100 * time.Millisecond
)

var (
	// ErrRetryExhausted indicates a chunk exceeded its retry budget.
	ErrRetryExhausted = errors.New("transfer: retry budget exhausted")
	// ErrTransferFailed indicates the transfer already failed.
	ErrTransferFailed = errors.New("transfer: transfer failed")
	// ErrSenderClosed indicates the sender was shut down.
	ErrSenderClosed = errors.New("transfer: sender closed")
)

// Config tunes the reliability protocol. Zero values take documented
// defaults; production deployments are expected to tune these.
type Config struct {
	WindowSize            int
	ChunkSize             int
	MaxRetries            int
	AckTimeout            time.Duration
	RetransmitInterval    time.Duration
	RetransmitMaxInterval time.Duration
	TickInterval          time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.WindowSize <= 0 {
		out.WindowSize = DefaultWindowSize
	}
	if out.ChunkSize <= 0 {
		out.ChunkSize = DefaultChunkSize
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = DefaultMaxRetries
	}
	if out.AckTimeout <= 0 {
		out.AckTimeout = DefaultAckTimeout
	}
	if out.RetransmitInterval <= 0 {
		out.RetransmitInterval = DefaultRetransmitInterval
	}
	if out.RetransmitMaxInterval <= 0 {
		out.RetransmitMaxInterval = DefaultRetransmitMaxInterval
	}
	if out.TickInterval <= 0 {
		out.TickInterval = defaultTickInterval
	}
	return out
}

// Callbacks wire the sender to its collaborators. OnFrameSend is required;
// the rest may be nil.
type Callbacks struct {
	OnFrameSend      func(protocol.Frame) error
	OnAckReceived    func(protocol.Ack)
	OnChunkDelivered func(transferID, offset uint64, length int)
	OnTransferFailed func(transferID uint64, err error)
}

// TransferStats is the externally visible accounting of one sender.
// Invariant: AckedChunks + InFlightChunks <= TotalChunks.
type TransferStats struct {
	TotalChunks    int
	AckedChunks    int
	InFlightChunks int
}

type chunkKey struct {
	transferID uint64
	offset     uint64
}

type pendingChunk struct {
	frame    protocol.Frame
	length   uint32
	retries  int
	deadline time.Time
	backoff  *backoff.ExponentialBackOff
}

// Sender turns a file's chunk stream into framed, windowed, acknowledged
// transmissions over an abstract frame sink. It is the single writer of the
// in-flight and acked sets for its transfers.
type Sender struct {
	mu   sync.Mutex
	cond *sync.Cond

	cfg       Config
	callbacks Callbacks
	sessions  *session.Manager
	sessionID string

	inFlight   map[chunkKey]*pendingChunk
	inFlightBy map[uint64]int
	ackedKeys  map[chunkKey]struct{}
	ackedBy    map[uint64]int
	totals     map[uint64]int
	failures   map[uint64]error

	closed bool
	done   chan struct{}
	log    *logrus.Entry
}

// NewSender builds a reliability sender bound to one secure session.
func NewSender(sessions *session.Manager, sessionID string, cfg Config, callbacks Callbacks) (*Sender, error) {
	if sessions == nil {
		return nil, errors.New("transfer: session manager is required")
	}
	if callbacks.OnFrameSend == nil {
		return nil, errors.New("transfer: OnFrameSend callback is required")
	}

	s := &Sender{
		cfg:        cfg.withDefaults(),
		callbacks:  callbacks,
		sessions:   sessions,
		sessionID:  sessionID,
		inFlight:   make(map[chunkKey]*pendingChunk),
		inFlightBy: make(map[uint64]int),
		ackedKeys:  make(map[chunkKey]struct{}),
		ackedBy:    make(map[uint64]int),
		totals:     make(map[uint64]int),
		failures:   make(map[uint64]error),
		done:       make(chan struct{}),
		log:        logrus.WithFields(logrus.Fields{"component": "transfer", "session_id": sessionID}),
	}
	s.cond = sync.NewCond(&s.mu)

	go s.retransmitLoop()
	return s, nil
}

// RegisterTransfer declares a transfer's total chunk count so completion
// becomes derivable from Stats.
func (s *Sender) RegisterTransfer(transferID uint64, totalChunks int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totals[transferID] = totalChunks
}

// SendChunk encrypts, frames and dispatches one chunk, tracking it as
// in-flight. It blocks while the transfer's window is full. Sending a chunk
// that is already in flight or acknowledged is a no-op.
func (s *Sender) SendChunk(transferID, offset uint64, data []byte) error {
	aad := crypto.AAD(transferID, offset)
	encrypted, err := s.sessions.EncryptWithSessionKey(s.sessionID, data, aad)
	if err != nil {
		return err
	}

	frame := protocol.Frame{
		Type:       protocol.FrameData,
		TransferID: transferID,
		Offset:     offset,
		IV:         encrypted.IV,
		ChunkHash:  crypto.ChunkHash(data),
		Payload:    encrypted.Sealed(),
	}

	key := chunkKey{transferID: transferID, offset: offset}

	s.mu.Lock()
	for !s.closed && s.failures[transferID] == nil && s.inFlightBy[transferID] >= s.cfg.WindowSize {
		s.cond.Wait()
	}
	if s.closed {
		s.mu.Unlock()
		return ErrSenderClosed
	}
	if cause := s.failures[transferID]; cause != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrTransferFailed, cause)
	}
	if _, acked := s.ackedKeys[key]; acked {
		s.mu.Unlock()
		return nil
	}
	if _, pending := s.inFlight[key]; pending {
		s.mu.Unlock()
		return nil
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = s.cfg.RetransmitInterval
	retry.MaxInterval = s.cfg.RetransmitMaxInterval
	retry.MaxElapsedTime = 0
	retry.Reset()

	s.inFlight[key] = &pendingChunk{
		frame:    frame,
		length:   uint32(len(data)),
		deadline: time.Now().Add(s.cfg.AckTimeout),
		backoff:  retry,
	}
	s.inFlightBy[transferID]++
	s.mu.Unlock()

	if err := s.callbacks.OnFrameSend(frame); err != nil {
		s.mu.Lock()
		delete(s.inFlight, key)
		s.inFlightBy[transferID]--
		s.cond.Broadcast()
		s.mu.Unlock()
		return fmt.Errorf("transfer: dispatch frame: %w", err)
	}

	return nil
}

// ProcessAck matches an ack to an in-flight chunk by transfer ID, offset
// and length, slides the window and fires delivery callbacks. Unknown and
// duplicate acks are ignored.
func (s *Sender) ProcessAck(ack protocol.Ack) {
	key := chunkKey{transferID: ack.TransferID, offset: ack.Offset}

	s.mu.Lock()
	pending, ok := s.inFlight[key]
	if !ok || pending.length != ack.Length {
		s.mu.Unlock()
		return
	}
	delete(s.inFlight, key)
	s.inFlightBy[ack.TransferID]--
	s.ackedKeys[key] = struct{}{}
	s.ackedBy[ack.TransferID]++
	s.cond.Broadcast()
	s.mu.Unlock()

	if s.callbacks.OnChunkDelivered != nil {
		s.callbacks.OnChunkDelivered(ack.TransferID, ack.Offset, int(ack.Length))
	}
	if s.callbacks.OnAckReceived != nil {
		s.callbacks.OnAckReceived(ack)
	}
}

// ProcessAckFrame decodes an ack control frame and processes it. Codec
// errors propagate to the caller.
func (s *Sender) ProcessAckFrame(frame protocol.Frame) error {
	ack, err := protocol.ParseAck(frame)
	if err != nil {
		return err
	}
	s.ProcessAck(ack)
	return nil
}

// Stats returns the aggregate chunk accounting across all transfers.
func (s *Sender) Stats() TransferStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := TransferStats{}
	for _, total := range s.totals {
		stats.TotalChunks += total
	}
	for _, acked := range s.ackedBy {
		stats.AckedChunks += acked
	}
	stats.InFlightChunks = len(s.inFlight)
	return stats
}

// StatsFor returns one transfer's chunk accounting.
func (s *Sender) StatsFor(transferID uint64) TransferStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return TransferStats{
		TotalChunks:    s.totals[transferID],
		AckedChunks:    s.ackedBy[transferID],
		InFlightChunks: s.inFlightBy[transferID],
	}
}

// TransferComplete reports whether every chunk of the transfer is
// acknowledged, derived purely from the counts. A registered transfer with
// zero chunks is trivially complete.
func (s *Sender) TransferComplete(transferID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	total, registered := s.totals[transferID]
	return registered && s.ackedBy[transferID] == total
}

// Complete reports whether every registered transfer is fully acknowledged.
func (s *Sender) Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.totals) == 0 {
		return false
	}
	for transferID, total := range s.totals {
		if s.ackedBy[transferID] != total {
			return false
		}
	}
	return true
}

// Err returns the failure cause for a transfer, nil while healthy.
func (s *Sender) Err(transferID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures[transferID]
}

// SendFile streams every chunk of the file through the window and waits for
// full acknowledgment. Offsets are assigned from chunk indices.
func (s *Sender) SendFile(ctx context.Context, transferID uint64, chunker *Chunker) error {
	count := chunker.ChunkCount()
	s.RegisterTransfer(transferID, count)

	for index := 0; index < count; index++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk, err := chunker.Chunk(index)
		if err != nil {
			return err
		}
		offset := chunk.Offset(chunker.ChunkSize())
		if err := s.SendChunk(transferID, offset, chunk.Data); err != nil {
			return err
		}
	}

	return s.WaitComplete(ctx, transferID)
}

// WaitComplete blocks until the transfer is fully acknowledged, fails, or
// the context is cancelled.
func (s *Sender) WaitComplete(ctx context.Context, transferID uint64) error {
	unblock := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer unblock()

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if cause := s.failures[transferID]; cause != nil {
			return fmt.Errorf("%w: %v", ErrTransferFailed, cause)
		}
		if s.closed {
			return ErrSenderClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if total, registered := s.totals[transferID]; registered && s.ackedBy[transferID] == total {
			return nil
		}
		s.cond.Wait()
	}
}

// Close stops the retransmit loop and releases blocked senders.
func (s *Sender) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.cond.Broadcast()
	s.mu.Unlock()
}

// retransmitLoop scans in-flight chunks and retransmits those whose ack
// deadline passed. A chunk that exhausts its retry budget fails its whole
// transfer rather than retrying forever.
func (s *Sender) retransmitLoop() {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.retransmitDue(now)
		}
	}
}

func (s *Sender) retransmitDue(now time.Time) {
	type resend struct {
		frame protocol.Frame
		key   chunkKey
		retry int
	}

	var resends []resend
	var failed []uint64

	s.mu.Lock()
	for key, pending := range s.inFlight {
		if !now.After(pending.deadline) {
			continue
		}
		if failure := s.failures[key.transferID]; failure != nil {
			continue
		}

		pending.retries++
		if pending.retries > s.cfg.MaxRetries {
			cause := fmt.Errorf("%w: transfer %d offset %d after %d retries",
				ErrRetryExhausted, key.transferID, key.offset, s.cfg.MaxRetries)
			s.failures[key.transferID] = cause
			failed = append(failed, key.transferID)
			continue
		}

		pending.deadline = now.Add(pending.backoff.NextBackOff())
		resends = append(resends, resend{frame: pending.frame, key: key, retry: pending.retries})
	}

	// Drop all in-flight state for failed transfers so the counts settle.
	for _, transferID := range failed {
		for key := range s.inFlight {
			if key.transferID == transferID {
				delete(s.inFlight, key)
			}
		}
		s.inFlightBy[transferID] = 0
	}
	if len(failed) > 0 || len(resends) > 0 {
		s.cond.Broadcast()
	}
	s.mu.Unlock()

	for _, r := range resends {
		s.log.WithFields(logrus.Fields{
			"transfer_id": r.key.transferID,
			"offset":      r.key.offset,
			"retry":       r.retry,
		}).Warn("retransmitting chunk")
		if err := s.callbacks.OnFrameSend(r.frame); err != nil {
			s.log.WithError(err).Warn("retransmission dispatch failed")
		}
	}
	for _, transferID := range failed {
		cause := s.Err(transferID)
		s.log.WithFields(logrus.Fields{"transfer_id": transferID}).Error("transfer failed")
		if s.callbacks.OnTransferFailed != nil {
			s.callbacks.OnTransferFailed(transferID, cause)
		}
	}
}
