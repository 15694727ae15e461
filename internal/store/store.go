// Package store provides database access for peers and file metadata.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chatmesh/meshd/internal/db"
	"github.com/chatmesh/meshd/internal/peer"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var ErrNotFound = errors.New("record not found")

type PeerStore struct {
	db *gorm.DB
}

func NewPeerStore(gdb *gorm.DB) *PeerStore {
	return &PeerStore{db: gdb}
}

func (ps *PeerStore) Get(ctx context.Context, id uuid.UUID) (peer.Peer, error) {
	var row db.Peer
	if err := ps.db.WithContext(ctx).First(&row, "id = ?", id.String()).Error; err != nil {
		return peer.Peer{}, notFound(err)
	}
	return toPeer(row), nil
}

func (ps *PeerStore) FindByAddr(ctx context.Context, ip string, port int) (peer.Peer, error) {
	var row db.Peer
	if err := ps.db.WithContext(ctx).First(&row, "ip = ? AND port = ?", ip, port).Error; err != nil {
		return peer.Peer{}, notFound(err)
	}
	return toPeer(row), nil
}

func (ps *PeerStore) List(ctx context.Context) ([]peer.Peer, error) {
	var rows []db.Peer
	if err := ps.db.WithContext(ctx).Order("created_at").Find(&rows).Error; err != nil {
		return nil, err
	}
	peers := make([]peer.Peer, 0, len(rows))
	for _, row := range rows {
		peers = append(peers, toPeer(row))
	}
	return peers, nil
}

// GetOrCreateByAddr returns the peer at ip:port, creating it with a fresh id
// and UNKNOWN state if absent.
func (ps *PeerStore) GetOrCreateByAddr(ctx context.Context, ip string, port int) (peer.Peer, bool, error) {
	var out peer.Peer
	var created bool

	err := ps.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row db.Peer
		err := tx.First(&row, "ip = ? AND port = ?", ip, port).Error
		if err == nil {
			out = toPeer(row)
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		row = db.Peer{
			ID:    uuid.NewString(),
			IP:    ip,
			Port:  port,
			State: string(peer.StateUnknown),
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		out, created = toPeer(row), true
		return nil
	})
	if err != nil {
		return peer.Peer{}, false, fmt.Errorf("get or create peer %s: %w", peer.Key(ip, port), err)
	}
	return out, created, nil
}

// Claim binds id to ip:port. An existing record for id moves to the new
// address; a record at the address under another id is merged into id, so
// one network location never holds two records.
func (ps *PeerStore) Claim(ctx context.Context, id uuid.UUID, ip string, port int) (peer.Peer, bool, error) {
	return ps.claim(ctx, id, ip, port, nil)
}

// RecordHeartbeat claims ip:port for id and marks the peer ONLINE at at.
func (ps *PeerStore) RecordHeartbeat(ctx context.Context, id uuid.UUID, ip string, port int, at time.Time) (peer.Peer, bool, error) {
	return ps.claim(ctx, id, ip, port, &at)
}

func (ps *PeerStore) claim(ctx context.Context, id uuid.UUID, ip string, port int, heartbeat *time.Time) (peer.Peer, bool, error) {
	var out db.Peer
	var created bool

	err := ps.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var byAddr db.Peer
		addrErr := tx.First(&byAddr, "ip = ? AND port = ?", ip, port).Error
		if addrErr != nil && !errors.Is(addrErr, gorm.ErrRecordNotFound) {
			return addrErr
		}
		addrTaken := addrErr == nil && byAddr.ID != id.String()

		var byID db.Peer
		idErr := tx.First(&byID, "id = ?", id.String()).Error
		if idErr != nil && !errors.Is(idErr, gorm.ErrRecordNotFound) {
			return idErr
		}

		switch {
		case idErr == nil && addrTaken:
			if err := tx.Delete(&db.Peer{}, "id = ?", byAddr.ID).Error; err != nil {
				return err
			}
		case idErr != nil && addrTaken:
			if err := tx.Model(&db.Peer{}).Where("id = ?", byAddr.ID).Update("id", id.String()).Error; err != nil {
				return err
			}
		case idErr != nil:
			row := db.Peer{ID: id.String(), IP: ip, Port: port, State: string(peer.StateUnknown)}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
			created = true
		}

		updates := map[string]any{"ip": ip, "port": port}
		if heartbeat != nil {
			updates["state"] = string(peer.StateOnline)
			updates["last_heartbeat"] = *heartbeat
		}
		if err := tx.Model(&db.Peer{}).Where("id = ?", id.String()).Updates(updates).Error; err != nil {
			return err
		}
		return tx.First(&out, "id = ?", id.String()).Error
	})
	if err != nil {
		return peer.Peer{}, false, fmt.Errorf("claim peer %s at %s: %w", id, peer.Key(ip, port), err)
	}
	return toPeer(out), created, nil
}

// Touch marks a known peer ONLINE without changing its address.
func (ps *PeerStore) Touch(ctx context.Context, id uuid.UUID, at time.Time) error {
	res := ps.db.WithContext(ctx).Model(&db.Peer{}).Where("id = ?", id.String()).
		Updates(map[string]any{"state": string(peer.StateOnline), "last_heartbeat": at})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (ps *PeerStore) MarkState(ctx context.Context, id uuid.UUID, state peer.State) error {
	res := ps.db.WithContext(ctx).Model(&db.Peer{}).Where("id = ?", id.String()).Update("state", string(state))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

type FileStore struct {
	db *gorm.DB
}

func NewFileStore(gdb *gorm.DB) *FileStore {
	return &FileStore{db: gdb}
}

// CreateFile stores f unless a record with the same FileID exists, in
// which case the existing record is returned unchanged.
func (fs *FileStore) CreateFile(ctx context.Context, f db.File) (db.File, bool, error) {
	existing, err := fs.GetFile(ctx, f.FileID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return db.File{}, false, err
	}

	if err := fs.db.WithContext(ctx).Create(&f).Error; err != nil {
		return db.File{}, false, err
	}
	return f, true, nil
}

func (fs *FileStore) GetFile(ctx context.Context, fileID string) (db.File, error) {
	var f db.File
	if err := fs.db.WithContext(ctx).First(&f, "file_id = ?", fileID).Error; err != nil {
		return db.File{}, notFound(err)
	}
	return f, nil
}

func (fs *FileStore) GetFiles(ctx context.Context) ([]db.File, error) {
	var files []db.File
	if err := fs.db.WithContext(ctx).Order("created_at").Find(&files).Error; err != nil {
		return nil, err
	}
	return files, nil
}

func toPeer(row db.Peer) peer.Peer {
	id, err := uuid.Parse(row.ID)
	if err != nil {
		id = uuid.Nil
	}
	return peer.Peer{
		ID:            id,
		IP:            row.IP,
		Port:          row.Port,
		State:         peer.ParseState(row.State),
		LastHeartbeat: row.LastHeartbeat,
	}
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

var (
	_ PeerRepository = (*PeerStore)(nil)
	_ FileRepository = (*FileStore)(nil)
)
