package metrics

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/chatmesh/meshd/internal/events"
	"github.com/chatmesh/meshd/internal/logger"
	"github.com/chatmesh/meshd/internal/peer"
	"github.com/chatmesh/meshd/internal/pool"
	"github.com/chatmesh/meshd/internal/replication"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func setupMetrics(t *testing.T) (*Metrics, *events.Bus, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := New(reg)
	bus := events.NewBus()
	t.Cleanup(m.Attach(bus))
	return m, bus, reg
}

func TestMembershipMetrics(t *testing.T) {
	m, bus, _ := setupMetrics(t)

	bus.Publish(events.PeerDiscovered{})
	bus.Publish(events.PeerDiscovered{})
	bus.Publish(events.HeartbeatReceived{})
	bus.Publish(events.PeerStateChanged{From: peer.StateOnline, To: peer.StateOffline})
	bus.Publish(events.LivenessChecked{Stats: peer.Stats{Total: 5, Online: 3, Offline: 1, Unknown: 1}})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.PeersDiscovered))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HeartbeatsReceived))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PeerStateChanges.WithLabelValues("OFFLINE")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Peers.WithLabelValues("online")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Peers.WithLabelValues("offline")))
}

func TestDownloadMetrics(t *testing.T) {
	m, bus, _ := setupMetrics(t)

	bus.Publish(events.DownloadStarted{FileID: "a"})
	bus.Publish(events.DownloadStarted{FileID: "b"})
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DownloadsActive))

	bus.Publish(events.DownloadCompleted{FileID: "a", Size: 1024, Duration: time.Second})
	bus.Publish(events.DownloadFailed{FileID: "b", Err: fmt.Errorf("wrapped: %w", replication.ErrHashMismatch)})
	bus.Publish(events.DownloadFailed{FileID: "c", Err: replication.ErrNoMetadata})
	bus.Publish(events.DownloadFailed{FileID: "d", Err: errors.New("boom")})

	assert.Equal(t, 0.0, testutil.ToFloat64(m.DownloadsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DownloadsStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DownloadsCompleted))
	assert.Equal(t, 1024.0, testutil.ToFloat64(m.BytesDownloaded))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DownloadsFailed.WithLabelValues("hash_mismatch")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DownloadsFailed.WithLabelValues("no_metadata")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DownloadsFailed.WithLabelValues("other")))
}

func TestWatchPool(t *testing.T) {
	m, _, reg := setupMetrics(t)

	p := pool.New(pool.Options{Workers: 1, Logger: logger.Discard()})
	t.Cleanup(p.Shutdown)
	m.WatchPool(p)

	p.Client("10.0.0.1", 22200)
	p.Client("10.0.0.2", 22200)

	count, err := testutil.GatherAndCount(reg, "meshd_pool_clients")
	assert.NoError(t, err)
	assert.Equal(t, 1, count)

	families, err := reg.Gather()
	assert.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "meshd_pool_clients" {
			assert.Equal(t, 2.0, mf.GetMetric()[0].GetGauge().GetValue())
		}
	}
}
