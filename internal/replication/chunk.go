package replication

import (
	"errors"
	"fmt"
	"io"
)

var (
	ErrChunkOutOfRange = errors.New("chunk out of range")
	ErrHashMismatch    = errors.New("hash mismatch")
)

// TotalChunks is ceil(size / chunkSize).
func TotalChunks(size, chunkSize int64) int {
	if chunkSize <= 0 || size <= 0 {
		return 0
	}
	return int((size + chunkSize - 1) / chunkSize)
}

// ChunkRange returns the byte range of 1-based chunk n in an object of
// size bytes. The last chunk may be short.
func ChunkRange(n int, size, chunkSize int64) (offset, length int64, err error) {
	if n <= 0 || chunkSize <= 0 {
		return 0, 0, fmt.Errorf("%w: chunk %d", ErrChunkOutOfRange, n)
	}
	offset = int64(n-1) * chunkSize
	if offset >= size {
		return 0, 0, fmt.Errorf("%w: chunk %d of %d bytes", ErrChunkOutOfRange, n, size)
	}
	length = min(chunkSize, size-offset)
	return offset, length, nil
}

// ReadChunk reads chunk n from r.
func ReadChunk(r io.ReaderAt, n int, size, chunkSize int64) ([]byte, error) {
	offset, length, err := ChunkRange(n, size, chunkSize)
	if err != nil {
		return nil, err
	}
	data := make([]byte, length)
	read, err := r.ReadAt(data, offset)
	if err != nil && !(errors.Is(err, io.EOF) && int64(read) == length) {
		return nil, fmt.Errorf("reading chunk %d: %w", n, err)
	}
	return data, nil
}
