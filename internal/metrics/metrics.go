// Package metrics exposes node activity as Prometheus collectors fed from
// the event bus.
package metrics

import (
	"errors"
	"sync"

	"github.com/chatmesh/meshd/internal/events"
	"github.com/chatmesh/meshd/internal/pool"
	"github.com/chatmesh/meshd/internal/replication"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Membership
	Peers              *prometheus.GaugeVec   // meshd_peers{state}
	PeersDiscovered    prometheus.Counter     // meshd_peers_discovered_total
	PeerStateChanges   *prometheus.CounterVec // meshd_peer_state_changes_total{to}
	HeartbeatsReceived prometheus.Counter     // meshd_heartbeats_received_total

	// Replication
	DownloadsStarted   prometheus.Counter     // meshd_downloads_started_total
	DownloadsCompleted prometheus.Counter     // meshd_downloads_completed_total
	DownloadsFailed    *prometheus.CounterVec // meshd_downloads_failed_total{reason}
	DownloadsActive    prometheus.Gauge       // meshd_downloads_active
	BytesDownloaded    prometheus.Counter     // meshd_downloaded_bytes_total
	DownloadDuration   prometheus.Histogram   // meshd_download_duration_seconds

	registry prometheus.Registerer
	mu       sync.Mutex
	active   map[string]struct{}
}

// New registers the node collectors with reg, or the default registerer
// when reg is nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		Peers: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshd_peers",
			Help: "Known peers by derived state at the last liveness check",
		}, []string{"state"}),
		PeersDiscovered: f.NewCounter(prometheus.CounterOpts{
			Name: "meshd_peers_discovered_total",
			Help: "Peers added to the registry",
		}),
		PeerStateChanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "meshd_peer_state_changes_total",
			Help: "Derived peer state transitions by new state",
		}, []string{"to"}),
		HeartbeatsReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "meshd_heartbeats_received_total",
			Help: "Heartbeats recorded from peers",
		}),
		DownloadsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "meshd_downloads_started_total",
			Help: "Download sessions opened",
		}),
		DownloadsCompleted: f.NewCounter(prometheus.CounterOpts{
			Name: "meshd_downloads_completed_total",
			Help: "Downloads verified and stored",
		}),
		DownloadsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "meshd_downloads_failed_total",
			Help: "Downloads abandoned by reason",
		}, []string{"reason"}),
		DownloadsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "meshd_downloads_active",
			Help: "Download sessions in progress",
		}),
		BytesDownloaded: f.NewCounter(prometheus.CounterOpts{
			Name: "meshd_downloaded_bytes_total",
			Help: "Bytes of verified downloads",
		}),
		DownloadDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshd_download_duration_seconds",
			Help:    "Time from metadata to verified file",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		registry: reg,
		active:   make(map[string]struct{}),
	}
}

// WatchPool exports the pool's live counters.
func (m *Metrics) WatchPool(p *pool.Pool) {
	f := promauto.With(m.registry)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "meshd_pool_clients",
		Help: "Cached peer clients",
	}, func() float64 { return float64(p.Stats().Clients) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "meshd_pool_queued_jobs",
		Help: "Sends waiting for a pool worker",
	}, func() float64 { return float64(p.Stats().Queued) })
}

// Attach subscribes m to bus and returns the unsubscribe function.
func (m *Metrics) Attach(bus *events.Bus) func() {
	return bus.Subscribe(m.Observe)
}

func (m *Metrics) Observe(e events.Event) {
	switch ev := e.(type) {
	case events.PeerDiscovered:
		m.PeersDiscovered.Inc()
	case events.PeerStateChanged:
		m.PeerStateChanges.WithLabelValues(string(ev.To)).Inc()
	case events.HeartbeatReceived:
		m.HeartbeatsReceived.Inc()
	case events.LivenessChecked:
		m.Peers.WithLabelValues("online").Set(float64(ev.Stats.Online))
		m.Peers.WithLabelValues("offline").Set(float64(ev.Stats.Offline))
		m.Peers.WithLabelValues("unknown").Set(float64(ev.Stats.Unknown))
	case events.DownloadStarted:
		m.DownloadsStarted.Inc()
		m.setActive(ev.FileID, true)
	case events.DownloadCompleted:
		m.DownloadsCompleted.Inc()
		m.BytesDownloaded.Add(float64(ev.Size))
		m.DownloadDuration.Observe(ev.Duration.Seconds())
		m.setActive(ev.FileID, false)
	case events.DownloadFailed:
		m.DownloadsFailed.WithLabelValues(failureReason(ev.Err)).Inc()
		m.setActive(ev.FileID, false)
	}
}

func (m *Metrics) setActive(fileID string, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, present := m.active[fileID]
	switch {
	case active && !present:
		m.active[fileID] = struct{}{}
	case !active && present:
		delete(m.active, fileID)
	}
	m.DownloadsActive.Set(float64(len(m.active)))
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, replication.ErrHashMismatch):
		return "hash_mismatch"
	case errors.Is(err, replication.ErrNoMetadata):
		return "no_metadata"
	case errors.Is(err, replication.ErrNoPeers):
		return "no_peers"
	case errors.Is(err, replication.ErrIncomplete):
		return "incomplete"
	case errors.Is(err, replication.ErrTooLarge):
		return "too_large"
	default:
		return "other"
	}
}
