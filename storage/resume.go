package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrNotFound indicates a requested resume record does not exist.
var ErrNotFound = errors.New("storage: record not found")

// Transfer status values. A record is resumable while its status is
// non-terminal.
const (
	StatusPending   = "pending"
	StatusActive    = "active"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// FileTransferState is one resume record: per-(sessionID, fileID) progress
// tracking which chunk indices are confirmed complete. CompletedChunks is a
// sorted set and only grows while the transfer is active.
type FileTransferState struct {
	SessionID       string
	FileID          string
	PeerDeviceID    string
	TotalSize       int64
	TransferredSize int64
	ChunkSize       int
	CompletedChunks []int
	Status          string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TransferState groups one session's resume records.
type TransferState struct {
	SessionID    string
	PeerDeviceID string
	Files        []FileTransferState
}

// Resumable reports whether the record represents a transfer that can be
// continued: any persisted state with a non-terminal status.
func (f FileTransferState) Resumable() bool {
	return f.Status != StatusCompleted && f.Status != StatusCancelled
}

// DeriveTransferredSize computes transferred bytes from the completed-chunk
// set, clamping the final chunk to the file size.
func (f FileTransferState) DeriveTransferredSize() int64 {
	if f.ChunkSize <= 0 {
		return 0
	}
	var total int64
	for _, index := range f.CompletedChunks {
		start := int64(index) * int64(f.ChunkSize)
		end := start + int64(f.ChunkSize)
		if end > f.TotalSize {
			end = f.TotalSize
		}
		if end > start {
			total += end - start
		}
	}
	return total
}

func normalizeChunkSet(indices []int) []int {
	seen := make(map[int]struct{}, len(indices))
	out := make([]int, 0, len(indices))
	for _, index := range indices {
		if _, dup := seen[index]; dup {
			continue
		}
		seen[index] = struct{}{}
		out = append(out, index)
	}
	sort.Ints(out)
	return out
}

// SaveTransferState upserts a resume record. On update the stored
// completed-chunk set is merged into the incoming one, so the set only
// grows for an active transfer even if the caller saves a stale snapshot.
func (s *Store) SaveTransferState(state FileTransferState) error {
	if state.SessionID == "" || state.FileID == "" {
		return errors.New("storage: session ID and file ID are required")
	}
	if state.Status == "" {
		state.Status = StatusPending
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.loadLocked(state.SessionID, state.FileID)
	switch {
	case err == nil:
		state.CompletedChunks = normalizeChunkSet(append(existing.CompletedChunks, state.CompletedChunks...))
		state.CreatedAt = existing.CreatedAt
	case errors.Is(err, ErrNotFound):
		state.CompletedChunks = normalizeChunkSet(state.CompletedChunks)
		if state.CreatedAt.IsZero() {
			state.CreatedAt = time.Now()
		}
	default:
		return err
	}

	state.TransferredSize = state.DeriveTransferredSize()
	state.UpdatedAt = time.Now()

	chunks, err := json.Marshal(state.CompletedChunks)
	if err != nil {
		return fmt.Errorf("storage: marshal completed chunks: %w", err)
	}

	_, err = s.db.Exec(`
INSERT INTO transfer_states
  (session_id, file_id, peer_device_id, total_size, transferred_size, chunk_size, completed_chunks, status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id, file_id) DO UPDATE SET
  peer_device_id   = excluded.peer_device_id,
  total_size       = excluded.total_size,
  transferred_size = excluded.transferred_size,
  chunk_size       = excluded.chunk_size,
  completed_chunks = excluded.completed_chunks,
  status           = excluded.status,
  updated_at       = excluded.updated_at
`,
		state.SessionID, state.FileID, state.PeerDeviceID,
		state.TotalSize, state.TransferredSize, state.ChunkSize,
		string(chunks), state.Status,
		state.CreatedAt.UnixMilli(), state.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("storage: save transfer state: %w", err)
	}
	return nil
}

// MarkChunkCompleted records one confirmed chunk index on an existing
// record and refreshes the derived transferred size.
func (s *Store) MarkChunkCompleted(sessionID, fileID string, chunkIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadLocked(sessionID, fileID)
	if err != nil {
		return err
	}

	state.CompletedChunks = normalizeChunkSet(append(state.CompletedChunks, chunkIndex))
	state.TransferredSize = state.DeriveTransferredSize()
	state.UpdatedAt = time.Now()

	chunks, err := json.Marshal(state.CompletedChunks)
	if err != nil {
		return fmt.Errorf("storage: marshal completed chunks: %w", err)
	}

	_, err = s.db.Exec(`
UPDATE transfer_states
SET completed_chunks = ?, transferred_size = ?, updated_at = ?
WHERE session_id = ? AND file_id = ?
`,
		string(chunks), state.TransferredSize, state.UpdatedAt.UnixMilli(),
		sessionID, fileID,
	)
	if err != nil {
		return fmt.Errorf("storage: mark chunk completed: %w", err)
	}
	return nil
}

// UpdateTransferStatus sets a record's status.
func (s *Store) UpdateTransferStatus(sessionID, fileID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
UPDATE transfer_states SET status = ?, updated_at = ? WHERE session_id = ? AND file_id = ?
`, status, time.Now().UnixMilli(), sessionID, fileID)
	if err != nil {
		return fmt.Errorf("storage: update transfer status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: update transfer status: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, sessionID, fileID)
	}
	return nil
}

// LoadTransferState loads one resume record.
func (s *Store) LoadTransferState(sessionID, fileID string) (FileTransferState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(sessionID, fileID)
}

func (s *Store) loadLocked(sessionID, fileID string) (FileTransferState, error) {
	row := s.db.QueryRow(`
SELECT session_id, file_id, peer_device_id, total_size, transferred_size, chunk_size, completed_chunks, status, created_at, updated_at
FROM transfer_states
WHERE session_id = ? AND file_id = ?
`, sessionID, fileID)

	state, err := scanTransferState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return FileTransferState{}, fmt.Errorf("%w: %s/%s", ErrNotFound, sessionID, fileID)
	}
	return state, err
}

// GetAllTransferStates returns every resume record grouped by session.
func (s *Store) GetAllTransferStates() ([]TransferState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
SELECT session_id, file_id, peer_device_id, total_size, transferred_size, chunk_size, completed_chunks, status, created_at, updated_at
FROM transfer_states
ORDER BY session_id, file_id
`)
	if err != nil {
		return nil, fmt.Errorf("storage: list transfer states: %w", err)
	}
	defer rows.Close()

	var states []TransferState
	for rows.Next() {
		file, err := scanTransferState(rows)
		if err != nil {
			return nil, err
		}
		if len(states) == 0 || states[len(states)-1].SessionID != file.SessionID {
			states = append(states, TransferState{
				SessionID:    file.SessionID,
				PeerDeviceID: file.PeerDeviceID,
			})
		}
		last := &states[len(states)-1]
		last.Files = append(last.Files, file)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate transfer states: %w", err)
	}
	return states, nil
}

// DeleteTransferState removes one resume record. Deleting a missing record
// is a no-op.
func (s *Store) DeleteTransferState(sessionID, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM transfer_states WHERE session_id = ? AND file_id = ?`, sessionID, fileID); err != nil {
		return fmt.Errorf("storage: delete transfer state: %w", err)
	}
	return nil
}

// CleanupOldStates removes records created more than maxAge ago and returns
// how many were deleted. Records younger than the cutoff are never touched.
func (s *Store) CleanupOldStates(maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge).UnixMilli()
	result, err := s.db.Exec(`DELETE FROM transfer_states WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup old states: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup old states: %w", err)
	}
	return int(removed), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransferState(row rowScanner) (FileTransferState, error) {
	var state FileTransferState
	var chunksJSON string
	var createdAt, updatedAt int64

	err := row.Scan(
		&state.SessionID, &state.FileID, &state.PeerDeviceID,
		&state.TotalSize, &state.TransferredSize, &state.ChunkSize,
		&chunksJSON, &state.Status, &createdAt, &updatedAt,
	)
	if err != nil {
		return FileTransferState{}, err
	}

	if err := json.Unmarshal([]byte(chunksJSON), &state.CompletedChunks); err != nil {
		return FileTransferState{}, fmt.Errorf("storage: decode completed chunks: %w", err)
	}
	if state.CompletedChunks == nil {
		state.CompletedChunks = []int{}
	}
	state.CreatedAt = time.UnixMilli(createdAt)
	state.UpdatedAt = time.UnixMilli(updatedAt)
	return state, nil
}
