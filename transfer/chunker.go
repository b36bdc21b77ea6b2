package transfer

import (
	"errors"
	"fmt"
	"os"
	"time"
)

// DefaultChunkSize is the chunk span used when no override is configured.
const DefaultChunkSize = 64 * 1024

// ErrInvalidChunkSize indicates a non-positive chunk size.
var ErrInvalidChunkSize = errors.New("transfer: chunk size must be positive")

// FileChunk is one fixed-size span of a file, produced on demand and never
// persisted.
type FileChunk struct {
	FileID    string
	Index     int
	Data      []byte
	IsLast    bool
	Timestamp time.Time
}

// Offset returns the chunk's byte offset within the file.
func (c FileChunk) Offset(chunkSize int) uint64 {
	return uint64(c.Index) * uint64(chunkSize)
}

// Chunker splits a file into fixed-size, indexed spans with random access,
// so resumed transfers can request only the indices they are missing.
type Chunker struct {
	file      *os.File
	fileID    string
	size      int64
	chunkSize int
}

// NewChunker opens path for chunked random-access reads.
func NewChunker(path, fileID string, chunkSize int) (*Chunker, error) {
	if chunkSize <= 0 {
		return nil, ErrInvalidChunkSize
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("transfer: open source file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("transfer: stat source file: %w", err)
	}
	if info.IsDir() {
		file.Close()
		return nil, errors.New("transfer: source path must be a file")
	}

	return &Chunker{
		file:      file,
		fileID:    fileID,
		size:      info.Size(),
		chunkSize: chunkSize,
	}, nil
}

// FileID returns the logical file identifier the chunks carry.
func (c *Chunker) FileID() string { return c.fileID }

// Size returns the file size in bytes.
func (c *Chunker) Size() int64 { return c.size }

// ChunkSize returns the configured chunk span.
func (c *Chunker) ChunkSize() int { return c.chunkSize }

// ChunkCount returns ceil(fileSize / chunkSize).
func (c *Chunker) ChunkCount() int {
	return int((c.size + int64(c.chunkSize) - 1) / int64(c.chunkSize))
}

// Chunk reads the span at the given index. Out-of-range indices return
// (nil, nil), not an error. The final chunk carries IsLast and the
// remainder length.
func (c *Chunker) Chunk(index int) (*FileChunk, error) {
	if index < 0 || index >= c.ChunkCount() {
		return nil, nil
	}

	offset := int64(index) * int64(c.chunkSize)
	end := offset + int64(c.chunkSize)
	if end > c.size {
		end = c.size
	}

	data := make([]byte, end-offset)
	if _, err := c.file.ReadAt(data, offset); err != nil {
		return nil, fmt.Errorf("transfer: read chunk %d: %w", index, err)
	}

	return &FileChunk{
		FileID:    c.fileID,
		Index:     index,
		Data:      data,
		IsLast:    end == c.size,
		Timestamp: time.Now(),
	}, nil
}

// AllChunks returns the full ordered chunk sequence with no gaps.
func (c *Chunker) AllChunks() ([]*FileChunk, error) {
	count := c.ChunkCount()
	chunks := make([]*FileChunk, 0, count)
	for index := 0; index < count; index++ {
		chunk, err := c.Chunk(index)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

// Close releases the underlying file handle.
func (c *Chunker) Close() error {
	return c.file.Close()
}
