package node

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chatmesh/meshd/internal/config"
	"github.com/chatmesh/meshd/internal/logger"
	"github.com/chatmesh/meshd/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func testConfig(t *testing.T, bootstrap string) *config.Config {
	t.Helper()

	cfg := config.Default()
	dir := t.TempDir()
	cfg.ListenIP = "127.0.0.1"
	cfg.Port = freePort(t)
	cfg.BootstrapNodes = bootstrap
	cfg.DataDir = dir
	cfg.Database = filepath.Join(dir, "meshd.sqlite3")
	cfg.Timeouts.Request = 2 * time.Second
	cfg.Timeouts.Liveness = time.Second
	cfg.Timeouts.Bootstrap = time.Second
	cfg.Heartbeat.Interval = 100 * time.Millisecond
	cfg.Heartbeat.LivenessTimeout = 2 * time.Second
	cfg.Registry.ReconcileDelay = 10 * time.Millisecond
	cfg.Registry.IngestDelay = 10 * time.Millisecond
	cfg.Replication.ChunkSize = 8
	return cfg
}

func startNode(t *testing.T, cfg *config.Config) *Node {
	t.Helper()
	return startNodeWithLogger(t, cfg, logger.Discard())
}

func startNodeWithLogger(t *testing.T, cfg *config.Config, log *logrus.Logger) *Node {
	t.Helper()

	n, err := New(Options{Config: cfg, Logger: log})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Start(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("node did not stop")
		}
		assert.NoError(t, n.Close())
	})

	require.Eventually(t, func() bool {
		_, ok := n.ID()
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	return n
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.Pool.Workers = 0

	_, err := New(Options{Config: cfg, Logger: logger.Discard()})
	assert.Error(t, err)
}

func TestStandaloneNodeCreatesIdentity(t *testing.T) {
	cfg := testConfig(t, "")
	n := startNode(t, cfg)

	id, ok := n.ID()
	require.True(t, ok)
	assert.Equal(t, cfg.Port, n.Port())

	stats, err := n.Registry().Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)

	peers, err := n.Registry().Peers(context.Background())
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, id, peers[0].ID)
}

func TestBootstrapAssignsMemberIdentity(t *testing.T) {
	ctx := context.Background()
	a := startNode(t, testConfig(t, ""))

	log := logger.New(io.Discard, logrus.InfoLevel)
	hook := test.NewLocal(log)
	bCfg := testConfig(t, a.cfg.Self().String())
	b := startNodeWithLogger(t, bCfg, log)
	bID, _ := b.ID()

	var assigned, fallback bool
	require.Eventually(t, func() bool {
		for _, e := range hook.AllEntries() {
			assigned = assigned || strings.HasPrefix(e.Message, "Identity assigned by bootstrap node")
			fallback = fallback || strings.HasPrefix(e.Message, "No bootstrap node reachable")
		}
		return assigned || fallback
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, assigned, "b should adopt the id handed out by a")
	assert.False(t, fallback)

	record, err := store.NewPeerStore(a.db).FindByAddr(ctx, bCfg.Self().IP, bCfg.Port)
	require.NoError(t, err)
	assert.Equal(t, bID, record.ID)

	own, err := store.NewPeerStore(b.db).FindByAddr(ctx, bCfg.Self().IP, bCfg.Port)
	require.NoError(t, err)
	assert.Equal(t, bID, own.ID)
}

func TestTwoNodesJoinAndReplicate(t *testing.T) {
	ctx := context.Background()

	a := startNode(t, testConfig(t, ""))
	bCfg := testConfig(t, a.cfg.Self().String())
	b := startNode(t, bCfg)

	aID, _ := a.ID()
	bID, _ := b.ID()
	require.NotEqual(t, aID, bID)

	// a assigned b's identity during bootstrap
	peersOfA, err := a.Registry().Peers(ctx)
	require.NoError(t, err)
	var found bool
	for _, p := range peersOfA {
		if p.ID == bID {
			found = true
			assert.Equal(t, bCfg.Port, p.Port)
		}
	}
	assert.True(t, found, "a should know b under the id it handed out")

	// heartbeats from a replace b's placeholder record for a
	require.Eventually(t, func() bool {
		peers, err := b.Registry().RemotePeers(ctx)
		return err == nil && len(peers) == 1 && peers[0].ID == aID
	}, 5*time.Second, 20*time.Millisecond)

	src := filepath.Join(t.TempDir(), "voice.wav")
	content := []byte("RIFF....WAVEfmt pretend audio payload")
	require.NoError(t, os.WriteFile(src, content, 0o600))

	_, created, err := a.Replicator().Publish(ctx, src, "audio/voice.wav", "audio/wav")
	require.NoError(t, err)
	require.True(t, created)

	require.NoError(t, b.Replicator().Download(ctx, "audio/voice.wav"))

	path := filepath.Join(bCfg.BucketDir(), "audio", "voice.wav")
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}
