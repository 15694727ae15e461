// Package replication serves locally held files to peers in fixed-size
// chunks and pulls files this node lacks from its peers.
package replication

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chatmesh/meshd/internal/bucket"
	"github.com/chatmesh/meshd/internal/db"
	"github.com/chatmesh/meshd/internal/events"
	"github.com/chatmesh/meshd/internal/peer"
	"github.com/chatmesh/meshd/internal/pool"
	"github.com/chatmesh/meshd/internal/protocol"
	"github.com/chatmesh/meshd/internal/store"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultChunkSize              = 512 * 1024
	DefaultMaxConcurrentDownloads = 3
	DefaultMaxFileSize            = 1 << 30
)

var (
	ErrInFlight   = errors.New("download already in progress")
	ErrNoPeers    = errors.New("no peers available")
	ErrNoMetadata = errors.New("no peer supplied metadata")
	ErrIncomplete = errors.New("chunks missing after all responses")
	ErrTooLarge   = errors.New("file exceeds the replication size limit")
)

// PeerSource lists the peers this node can fetch from.
type PeerSource interface {
	RemotePeers(ctx context.Context) ([]peer.Peer, error)
}

type Config struct {
	ChunkSize              int
	MaxConcurrentDownloads int
	ScanInterval           time.Duration
	// MaxFileSize bounds the size a peer may announce for a download.
	MaxFileSize int64
}

type Replicator struct {
	cfg    Config
	files  store.FileRepository
	bucket *bucket.Bucket
	peers  PeerSource
	pool   *pool.Pool
	bus    *events.Bus
	logger logrus.FieldLogger

	slots    *semaphore.Weighted
	inFlight sync.Map
	wg       sync.WaitGroup
}

func New(cfg Config, files store.FileRepository, b *bucket.Bucket, peers PeerSource, p *pool.Pool, bus *events.Bus, log logrus.FieldLogger) *Replicator {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.MaxConcurrentDownloads <= 0 {
		cfg.MaxConcurrentDownloads = DefaultMaxConcurrentDownloads
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Replicator{
		cfg:    cfg,
		files:  files,
		bucket: b,
		peers:  peers,
		pool:   p,
		bus:    bus,
		logger: log.WithField("component", "replication"),
		slots:  semaphore.NewWeighted(int64(cfg.MaxConcurrentDownloads)),
	}
}

func (r *Replicator) chunkSize() int64 {
	return int64(r.cfg.ChunkSize)
}

// Run scans once immediately and then every ScanInterval until ctx is done.
func (r *Replicator) Run(ctx context.Context) {
	r.Scan(ctx)

	if r.cfg.ScanInterval <= 0 {
		<-ctx.Done()
		r.wg.Wait()
		return
	}

	ticker := time.NewTicker(r.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.wg.Wait()
			return
		case <-ticker.C:
			r.Scan(ctx)
		}
	}
}

// Scan starts a download for every known file whose object is missing
// locally and returns how many were started.
func (r *Replicator) Scan(ctx context.Context) int {
	files, err := r.files.GetFiles(ctx)
	if err != nil {
		r.logger.Warnf("Failed to list files: %v", err)
		return 0
	}

	started := 0
	for _, f := range files {
		if r.bucket.Exists(f.FileID) {
			continue
		}
		if _, busy := r.inFlight.Load(f.FileID); busy {
			continue
		}

		started++
		r.wg.Add(1)
		go func(fileID string) {
			defer r.wg.Done()
			if err := r.Download(ctx, fileID); err != nil && !errors.Is(err, ErrInFlight) {
				r.logger.WithField("file_id", fileID).Debugf("Download ended: %v", err)
			}
		}(f.FileID)
	}

	if started > 0 {
		r.logger.Infof("Scan found %d missing file(s)", started)
	}
	return started
}

// Wait blocks until downloads started by Scan finish.
func (r *Replicator) Wait() {
	r.wg.Wait()
}

// Download fetches fileID from peers. Concurrent calls for the same file
// share one session; the losers get ErrInFlight.
func (r *Replicator) Download(ctx context.Context, fileID string) error {
	if _, loaded := r.inFlight.LoadOrStore(fileID, struct{}{}); loaded {
		return ErrInFlight
	}
	defer r.inFlight.Delete(fileID)

	if err := r.slots.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.slots.Release(1)

	err := r.download(ctx, fileID)
	if err != nil && ctx.Err() == nil {
		r.bus.Publish(events.DownloadFailed{FileID: fileID, Reason: err.Error(), Err: err})
	}
	return err
}

func (r *Replicator) InFlight(fileID string) bool {
	_, ok := r.inFlight.Load(fileID)
	return ok
}

func (r *Replicator) download(ctx context.Context, fileID string) error {
	log := r.logger.WithField("file_id", fileID)

	peers, err := r.candidates(ctx)
	if err != nil {
		return err
	}

	desc, err := r.fetchMetadata(ctx, peers, fileID)
	if err != nil {
		log.Warnf("Download abandoned: %v", err)
		return err
	}

	session := NewSession(desc, r.chunkSize())
	r.bus.Publish(events.DownloadStarted{FileID: fileID, FileName: desc.Name, Size: desc.Size, TotalChunks: desc.TotalChunks})
	log.Infof("Downloading %s (%s, %d chunks) from %d peer(s)", desc.Name, humanize.Bytes(uint64(desc.Size)), desc.TotalChunks, len(peers))

	if err := r.fetchChunks(ctx, peers, session); err != nil {
		log.Warnf("Download abandoned after %d of %d chunks: %v", session.Received(), desc.TotalChunks, err)
		return err
	}

	data, err := session.Assemble()
	if err != nil {
		log.Errorf("Discarding download: %v", err)
		return err
	}

	path, err := r.bucket.Write(fileID, data)
	if err != nil {
		log.Errorf("Failed to store downloaded file: %v", err)
		return err
	}

	if _, _, err := r.files.CreateFile(ctx, db.File{
		FileID:   desc.FileID,
		Name:     desc.Name,
		MimeType: desc.MimeType,
		Size:     desc.Size,
		Hash:     desc.Hash,
	}); err != nil {
		log.Warnf("Failed to record file metadata: %v", err)
	}

	elapsed := time.Since(session.Started())
	r.bus.Publish(events.DownloadCompleted{FileID: fileID, Path: path, Size: desc.Size, Duration: elapsed})
	log.Infof("Downloaded %s in %s", humanize.Bytes(uint64(desc.Size)), elapsed.Round(time.Millisecond))
	return nil
}

// candidates are the remote peers not known to be offline.
func (r *Replicator) candidates(ctx context.Context) ([]peer.Peer, error) {
	peers, err := r.peers.RemotePeers(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing peers: %w", err)
	}
	out := peers[:0]
	for _, p := range peers {
		if p.State != peer.StateOffline {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoPeers
	}
	return out, nil
}

type result struct {
	peer  uuid.UUID
	chunk int
	resp  *protocol.Response
	err   error
}

// collect fans the futures into one channel. Waiters stop when ctx ends.
func collect(ctx context.Context, futures map[uuid.UUID]*pool.Future, chunk int, out chan<- result) {
	for id, f := range futures {
		go func() {
			resp, err := f.Wait(ctx)
			select {
			case out <- result{peer: id, chunk: chunk, resp: resp, err: err}:
			case <-ctx.Done():
			}
		}()
	}
}

func (r *Replicator) fetchMetadata(ctx context.Context, peers []peer.Peer, fileID string) (protocol.FileDescriptor, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	req := protocol.MustRequest(protocol.ActionMetadataRequest, fileID)
	futures := r.pool.Broadcast(ctx, peers, req)

	results := make(chan result, len(futures))
	collect(ctx, futures, 0, results)

	tooLarge := false
	for range futures {
		var res result
		select {
		case res = <-results:
		case <-ctx.Done():
			return protocol.FileDescriptor{}, ctx.Err()
		}
		if res.err != nil || !res.resp.OK() {
			continue
		}

		var desc protocol.FileDescriptor
		if err := res.resp.DecodeData(&desc); err != nil {
			r.logger.WithField("peer_id", res.peer).Debugf("Bad metadata for %s: %v", fileID, err)
			continue
		}
		if desc.FileID != fileID || desc.Size < 0 || desc.TotalChunks != TotalChunks(desc.Size, r.chunkSize()) {
			r.logger.WithField("peer_id", res.peer).Debugf("Inconsistent metadata for %s: %+v", fileID, desc)
			continue
		}
		if desc.Size > r.cfg.MaxFileSize {
			r.logger.WithField("peer_id", res.peer).Warnf("Refusing %s: %s exceeds the %s limit",
				fileID, humanize.Bytes(uint64(desc.Size)), humanize.Bytes(uint64(r.cfg.MaxFileSize)))
			tooLarge = true
			continue
		}
		return desc, nil
	}

	if err := ctx.Err(); err != nil {
		return protocol.FileDescriptor{}, err
	}
	if tooLarge {
		return protocol.FileDescriptor{}, fmt.Errorf("%w: %s", ErrTooLarge, fileID)
	}
	return protocol.FileDescriptor{}, fmt.Errorf("%w: %s", ErrNoMetadata, fileID)
}

func (r *Replicator) fetchChunks(ctx context.Context, peers []peer.Peer, s *Session) error {
	desc := s.Descriptor()
	if desc.TotalChunks == 0 {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	total := desc.TotalChunks * len(peers)
	results := make(chan result, len(peers))

	go func() {
		for n := 1; n <= desc.TotalChunks; n++ {
			req := protocol.MustRequest(protocol.ActionChunkRequest, protocol.ChunkRequest{FileID: desc.FileID, ChunkNumber: n})
			collect(ctx, r.pool.Broadcast(ctx, peers, req), n, results)
		}
	}()

	for i := 0; i < total; i++ {
		var res result
		select {
		case res = <-results:
		case <-ctx.Done():
			return ctx.Err()
		}

		data, ok := r.chunkData(desc.FileID, res)
		if !ok {
			continue
		}

		p, err := s.Put(res.chunk, data)
		if err != nil {
			continue
		}
		if p.Notify {
			r.reportProgress(desc, p)
		}
		if p.Received >= p.Total {
			return nil
		}
	}

	return ErrIncomplete
}

func (r *Replicator) chunkData(fileID string, res result) ([]byte, bool) {
	if res.err != nil || !res.resp.OK() {
		return nil, false
	}

	var chunk protocol.ChunkResponse
	if err := res.resp.DecodeData(&chunk); err != nil {
		return nil, false
	}
	if chunk.FileID != fileID || chunk.ChunkNumber != res.chunk {
		return nil, false
	}

	data, err := base64.StdEncoding.DecodeString(chunk.Data)
	if err != nil {
		r.logger.WithField("peer_id", res.peer).Debugf("Undecodable chunk %d of %s: %v", res.chunk, fileID, err)
		return nil, false
	}
	return data, true
}

func (r *Replicator) reportProgress(desc protocol.FileDescriptor, p Progress) {
	r.bus.Publish(events.DownloadProgress{
		FileID:      desc.FileID,
		Percent:     p.Percent,
		Received:    p.Received,
		TotalChunks: p.Total,
		Bytes:       p.Bytes,
		Size:        desc.Size,
		Rate:        p.Rate,
		ETA:         p.ETA,
	})
	r.logger.WithField("file_id", desc.FileID).Infof("%d%% (%d/%d chunks, %s of %s, %s/s, ETA %s)",
		p.Percent, p.Received, p.Total,
		humanize.Bytes(uint64(p.Bytes)), humanize.Bytes(uint64(desc.Size)),
		humanize.Bytes(uint64(p.Rate)), p.ETA.Round(time.Second))
}

// Publish copies a local file into the bucket and records its metadata so
// peers can fetch it. fileID defaults to the file's base name and mimeType
// to a guess from its extension.
func (r *Replicator) Publish(ctx context.Context, path, fileID, mimeType string) (db.File, bool, error) {
	if fileID == "" {
		fileID = filepath.Base(path)
	}
	if mimeType == "" {
		mimeType = mime.TypeByExtension(filepath.Ext(path))
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	if existing, err := r.files.GetFile(ctx, fileID); err == nil {
		return existing, false, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return db.File{}, false, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	_, hash, size, err := r.bucket.Import(fileID, f)
	if err != nil {
		return db.File{}, false, err
	}

	rec, created, err := r.files.CreateFile(ctx, db.File{
		FileID:   fileID,
		Name:     filepath.Base(path),
		MimeType: mimeType,
		Size:     size,
		Hash:     hash,
	})
	if err != nil {
		return db.File{}, false, fmt.Errorf("record %s: %w", fileID, err)
	}

	r.logger.WithField("file_id", fileID).Infof("Published %s (%s, %d chunks)", rec.Name, humanize.Bytes(uint64(size)), TotalChunks(size, r.chunkSize()))
	return rec, created, nil
}

// Files lists the known file metadata with local availability.
func (r *Replicator) Files(ctx context.Context) ([]db.File, []bool, error) {
	files, err := r.files.GetFiles(ctx)
	if err != nil {
		return nil, nil, err
	}
	local := make([]bool, len(files))
	for i, f := range files {
		local[i] = r.bucket.Exists(f.FileID)
	}
	return files, local, nil
}
