package replication

import (
	"context"
	"encoding/base64"
	"errors"

	"github.com/chatmesh/meshd/internal/protocol"
	"github.com/chatmesh/meshd/internal/store"
	"github.com/chatmesh/meshd/internal/transport"
)

// Register installs the metadata and chunk actions on srv.
func (r *Replicator) Register(srv *transport.Server) {
	srv.Handle(protocol.ActionMetadataRequest, r.handleMetadata)
	srv.Handle(protocol.ActionChunkRequest, r.handleChunk)
}

func (r *Replicator) handleMetadata(ctx context.Context, _ transport.Caller, req *protocol.Request) *protocol.Response {
	var fileID string
	if err := req.DecodePayload(&fileID); err != nil || fileID == "" {
		return protocol.Failure(req.Action, protocol.StatusError, "payload must be a fileId string")
	}

	desc, status, msg := r.describe(ctx, fileID)
	if status != protocol.StatusSuccess {
		return protocol.Failure(req.Action, status, msg)
	}
	return protocol.Success(req.Action, "ok", desc)
}

// describe builds the descriptor for a locally held file.
func (r *Replicator) describe(ctx context.Context, fileID string) (protocol.FileDescriptor, protocol.Status, string) {
	f, err := r.files.GetFile(ctx, fileID)
	if errors.Is(err, store.ErrNotFound) {
		return protocol.FileDescriptor{}, protocol.StatusNotFound, "file not found"
	}
	if err != nil {
		r.logger.Errorf("Failed to load metadata for %s: %v", fileID, err)
		return protocol.FileDescriptor{}, protocol.StatusError, "metadata lookup failed"
	}
	if !r.bucket.Exists(fileID) {
		return protocol.FileDescriptor{}, protocol.StatusNotAvailable, "file not available on this node"
	}

	return protocol.FileDescriptor{
		FileID:      f.FileID,
		Name:        f.Name,
		Size:        f.Size,
		MimeType:    f.MimeType,
		Hash:        f.Hash,
		TotalChunks: TotalChunks(f.Size, r.chunkSize()),
	}, protocol.StatusSuccess, ""
}

func (r *Replicator) handleChunk(ctx context.Context, from transport.Caller, req *protocol.Request) *protocol.Response {
	var body protocol.ChunkRequest
	if err := req.DecodePayload(&body); err != nil {
		return protocol.Failure(req.Action, protocol.StatusError, err.Error())
	}

	if _, err := r.files.GetFile(ctx, body.FileID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return protocol.Failure(req.Action, protocol.StatusNotFound, "file not found")
		}
		r.logger.Errorf("Failed to load metadata for %s: %v", body.FileID, err)
		return protocol.Failure(req.Action, protocol.StatusError, "metadata lookup failed")
	}

	obj, err := r.bucket.Open(body.FileID)
	if err != nil {
		return protocol.Failure(req.Action, protocol.StatusNotAvailable, "file not available on this node")
	}
	defer func() { _ = obj.Close() }()

	data, err := ReadChunk(obj, body.ChunkNumber, obj.Size(), r.chunkSize())
	if err != nil {
		if errors.Is(err, ErrChunkOutOfRange) {
			return protocol.Failure(req.Action, protocol.StatusInvalidChunk, "invalid chunk number")
		}
		r.logger.Errorf("Failed to read chunk %d of %s: %v", body.ChunkNumber, body.FileID, err)
		return protocol.Failure(req.Action, protocol.StatusError, "chunk read failed")
	}

	r.logger.WithField("peer", from.Addr()).Debugf("Serving chunk %d of %s", body.ChunkNumber, body.FileID)
	return protocol.Success(req.Action, "ok", protocol.ChunkResponse{
		FileID:      body.FileID,
		ChunkNumber: body.ChunkNumber,
		Data:        base64.StdEncoding.EncodeToString(data),
	})
}
