package store

import (
	"context"
	"time"

	"github.com/chatmesh/meshd/internal/db"
	"github.com/chatmesh/meshd/internal/peer"
	"github.com/google/uuid"
)

// PeerRepository defines peer membership storage.
type PeerRepository interface {
	Get(ctx context.Context, id uuid.UUID) (peer.Peer, error)
	FindByAddr(ctx context.Context, ip string, port int) (peer.Peer, error)
	List(ctx context.Context) ([]peer.Peer, error)
	GetOrCreateByAddr(ctx context.Context, ip string, port int) (peer.Peer, bool, error)
	Claim(ctx context.Context, id uuid.UUID, ip string, port int) (peer.Peer, bool, error)
	RecordHeartbeat(ctx context.Context, id uuid.UUID, ip string, port int, at time.Time) (peer.Peer, bool, error)
	Touch(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkState(ctx context.Context, id uuid.UUID, state peer.State) error
}

// FileRepository defines file metadata operations.
type FileRepository interface {
	CreateFile(ctx context.Context, f db.File) (db.File, bool, error)
	GetFile(ctx context.Context, fileID string) (db.File, error)
	GetFiles(ctx context.Context) ([]db.File, error)
}
