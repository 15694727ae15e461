package replication

import (
	"bytes"
	"errors"
	"testing"
)

func TestTotalChunks(t *testing.T) {
	tests := []struct {
		size, chunk int64
		want        int
	}{
		{0, 512, 0},
		{1, 512, 1},
		{512, 512, 1},
		{513, 512, 2},
		{1048576, 524288, 2},
		{1048577, 524288, 3},
		{100, 0, 0},
	}
	for _, tt := range tests {
		if got := TotalChunks(tt.size, tt.chunk); got != tt.want {
			t.Errorf("TotalChunks(%d, %d) = %d, want %d", tt.size, tt.chunk, got, tt.want)
		}
	}
}

func TestChunksConcatenateToOriginal(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789"), 105)
	const chunkSize = 64

	total := TotalChunks(int64(len(data)), chunkSize)
	var joined []byte
	for n := 1; n <= total; n++ {
		chunk, err := ReadChunk(bytes.NewReader(data), n, int64(len(data)), chunkSize)
		if err != nil {
			t.Fatalf("ReadChunk(%d) failed: %v", n, err)
		}
		if n < total && len(chunk) != chunkSize {
			t.Errorf("chunk %d: expected %d bytes, got %d", n, chunkSize, len(chunk))
		}
		joined = append(joined, chunk...)
	}

	if !bytes.Equal(joined, data) {
		t.Error("concatenated chunks differ from original")
	}
}

func TestReadChunkOutOfRange(t *testing.T) {
	data := []byte("abcdef")
	for _, n := range []int{0, -1, 4} {
		_, err := ReadChunk(bytes.NewReader(data), n, int64(len(data)), 2)
		if !errors.Is(err, ErrChunkOutOfRange) {
			t.Errorf("chunk %d: expected ErrChunkOutOfRange, got %v", n, err)
		}
	}
}

func TestChunkRangeLastChunkIsShort(t *testing.T) {
	offset, length, err := ChunkRange(3, 10, 4)
	if err != nil {
		t.Fatalf("ChunkRange failed: %v", err)
	}
	if offset != 8 || length != 2 {
		t.Errorf("expected offset 8 length 2, got %d %d", offset, length)
	}
}
