package replication

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/chatmesh/meshd/internal/bucket"
	"github.com/chatmesh/meshd/internal/protocol"
)

// Session collects the chunks of one file download. Chunks may arrive in
// any order and more than once; the last write for an index wins.
type Session struct {
	desc      protocol.FileDescriptor
	chunkSize int64
	started   time.Time

	mu        sync.Mutex
	chunks    map[int][]byte
	watermark int
}

// Progress is a snapshot taken after a chunk is stored.
type Progress struct {
	Received int
	Total    int
	Percent  int
	Bytes    int64
	Rate     float64
	ETA      time.Duration
	// Notify is set when Percent crossed a new multiple of ten.
	Notify bool
}

func NewSession(desc protocol.FileDescriptor, chunkSize int64) *Session {
	return &Session{
		desc:      desc,
		chunkSize: chunkSize,
		started:   time.Now(),
		chunks:    make(map[int][]byte, desc.TotalChunks),
		watermark: -1,
	}
}

func (s *Session) Descriptor() protocol.FileDescriptor {
	return s.desc
}

func (s *Session) Started() time.Time {
	return s.started
}

// Put stores chunk n. Indexes outside 1..TotalChunks are rejected.
func (s *Session) Put(n int, data []byte) (Progress, error) {
	if n < 1 || n > s.desc.TotalChunks {
		return Progress{}, fmt.Errorf("%w: chunk %d of %d", ErrChunkOutOfRange, n, s.desc.TotalChunks)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.chunks[n] = data
	return s.progressLocked(), nil
}

func (s *Session) progressLocked() Progress {
	p := Progress{Received: len(s.chunks), Total: s.desc.TotalChunks}
	if p.Total > 0 {
		p.Percent = p.Received * 100 / p.Total
	} else {
		p.Percent = 100
	}

	p.Bytes = min(int64(p.Received)*s.chunkSize, s.desc.Size)
	if elapsed := time.Since(s.started).Seconds(); elapsed > 0 {
		p.Rate = float64(p.Bytes) / elapsed
	}
	if p.Rate > 0 {
		p.ETA = time.Duration(float64(s.desc.Size-p.Bytes) / p.Rate * float64(time.Second))
	}

	if milestone := p.Percent / 10 * 10; milestone > s.watermark {
		s.watermark = milestone
		p.Notify = true
	}
	return p
}

func (s *Session) Received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

func (s *Session) Complete() bool {
	return s.Received() >= s.desc.TotalChunks
}

// Assemble joins chunks 1..N and checks the result against the
// descriptor's SHA-256.
func (s *Session) Assemble() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var buf bytes.Buffer
	buf.Grow(int(s.desc.Size))
	for n := 1; n <= s.desc.TotalChunks; n++ {
		chunk, ok := s.chunks[n]
		if !ok {
			return nil, fmt.Errorf("chunk %d missing", n)
		}
		buf.Write(chunk)
	}

	data := buf.Bytes()
	if got := bucket.HashBytes(data); got != s.desc.Hash {
		return nil, fmt.Errorf("%w: %s: expected %s, got %s", ErrHashMismatch, s.desc.FileID, s.desc.Hash, got)
	}
	return data, nil
}
