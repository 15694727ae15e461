package replication

import (
	"errors"
	"testing"

	"github.com/chatmesh/meshd/internal/bucket"
	"github.com/chatmesh/meshd/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func descriptorFor(fileID string, data []byte, chunkSize int64) protocol.FileDescriptor {
	return protocol.FileDescriptor{
		FileID:      fileID,
		Name:        fileID,
		Size:        int64(len(data)),
		MimeType:    "application/octet-stream",
		Hash:        bucket.HashBytes(data),
		TotalChunks: TotalChunks(int64(len(data)), chunkSize),
	}
}

func TestSessionAssemblesOutOfOrder(t *testing.T) {
	data := []byte("aaaabbbbcc")
	s := NewSession(descriptorFor("audio/msg123.wav", data, 4), 4)

	for _, n := range []int{2, 1, 3} {
		_, err := s.Put(n, data[(n-1)*4:min(n*4, len(data))])
		require.NoError(t, err)
	}

	require.True(t, s.Complete())
	got, err := s.Assemble()
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestSessionDuplicateChunkLastWriteWins(t *testing.T) {
	data := []byte("aaaabbbb")
	s := NewSession(descriptorFor("f", data, 4), 4)

	_, err := s.Put(1, []byte("zzzz"))
	require.NoError(t, err)
	_, err = s.Put(1, []byte("aaaa"))
	require.NoError(t, err)
	_, err = s.Put(2, []byte("bbbb"))
	require.NoError(t, err)

	assert.Equal(t, 2, s.Received())
	got, err := s.Assemble()
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestSessionHashMismatch(t *testing.T) {
	data := []byte("aaaabbbb")
	s := NewSession(descriptorFor("f", data, 4), 4)

	_, _ = s.Put(1, []byte("aaaa"))
	_, _ = s.Put(2, []byte("bbbX"))

	_, err := s.Assemble()
	assert.True(t, errors.Is(err, ErrHashMismatch))
}

func TestSessionRejectsBadIndex(t *testing.T) {
	s := NewSession(descriptorFor("f", []byte("aaaa"), 4), 4)

	_, err := s.Put(0, nil)
	assert.ErrorIs(t, err, ErrChunkOutOfRange)
	_, err = s.Put(2, nil)
	assert.ErrorIs(t, err, ErrChunkOutOfRange)
}

func TestSessionProgressMilestones(t *testing.T) {
	data := make([]byte, 20)
	s := NewSession(descriptorFor("f", data, 1), 1)

	var notified []int
	for n := 1; n <= 20; n++ {
		p, err := s.Put(n, []byte{0})
		require.NoError(t, err)
		if p.Notify {
			notified = append(notified, p.Percent)
		}
	}

	assert.Equal(t, []int{5, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100}, notified)
}
