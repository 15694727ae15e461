// Package events carries notifications from the node services to
// observers such as metrics, logs and the CLI progress bar.
package events

import (
	"time"

	"github.com/chatmesh/meshd/internal/peer"
	"github.com/google/uuid"
)

// Event is one of the concrete event types in this package.
type Event interface {
	Name() string
	event()
}

type PeerDiscovered struct {
	PeerID uuid.UUID
	IP     string
	Port   int
}

type PeerStateChanged struct {
	PeerID uuid.UUID
	Addr   string
	From   peer.State
	To     peer.State
}

type HeartbeatReceived struct {
	PeerID uuid.UUID
	IP     string
	Port   int
	At     time.Time
	New    bool
}

// LivenessChecked reports the derived peer counts of one liveness check.
type LivenessChecked struct {
	Stats peer.Stats
}

type DownloadStarted struct {
	FileID      string
	FileName    string
	Size        int64
	TotalChunks int
}

type DownloadProgress struct {
	FileID      string
	Percent     int
	Received    int
	TotalChunks int
	Bytes       int64
	Size        int64
	// Rate is in bytes per second.
	Rate float64
	ETA  time.Duration
}

type DownloadCompleted struct {
	FileID   string
	Path     string
	Size     int64
	Duration time.Duration
}

type DownloadFailed struct {
	FileID string
	Reason string
	Err    error
}

func (PeerDiscovered) Name() string    { return "peer_discovered" }
func (PeerStateChanged) Name() string  { return "peer_state_changed" }
func (HeartbeatReceived) Name() string { return "heartbeat_received" }
func (LivenessChecked) Name() string   { return "liveness_checked" }
func (DownloadStarted) Name() string   { return "download_started" }
func (DownloadProgress) Name() string  { return "download_progress" }
func (DownloadCompleted) Name() string { return "download_completed" }
func (DownloadFailed) Name() string    { return "download_failed" }

func (PeerDiscovered) event()    {}
func (PeerStateChanged) event()  {}
func (HeartbeatReceived) event() {}
func (LivenessChecked) event()   {}
func (DownloadStarted) event()   {}
func (DownloadProgress) event()  {}
func (DownloadCompleted) event() {}
func (DownloadFailed) event()    {}
