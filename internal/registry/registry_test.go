package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chatmesh/meshd/internal/config"
	"github.com/chatmesh/meshd/internal/db"
	"github.com/chatmesh/meshd/internal/events"
	"github.com/chatmesh/meshd/internal/logger"
	"github.com/chatmesh/meshd/internal/peer"
	"github.com/chatmesh/meshd/internal/protocol"
	"github.com/chatmesh/meshd/internal/store"
	"github.com/chatmesh/meshd/internal/transport"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeNetwork answers requests per address without opening sockets.
type fakeNetwork struct {
	mu        sync.Mutex
	responses map[string]*protocol.Response
	reachable map[string]bool
	sent      []sent
	pinged    []string
}

type sent struct {
	addr   string
	action protocol.Action
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		responses: map[string]*protocol.Response{},
		reachable: map[string]bool{},
	}
}

func (f *fakeNetwork) SendWithTimeout(_ context.Context, ip string, port int, req *protocol.Request, _ time.Duration) (*protocol.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := peer.Key(ip, port)
	f.sent = append(f.sent, sent{addr: key, action: req.Action})
	resp, ok := f.responses[key]
	if !ok {
		return nil, &transport.Error{Op: "dial", Addr: key, Kinds: []error{transport.ErrIO}, Err: errors.New("connection refused")}
	}
	return resp, nil
}

func (f *fakeNetwork) Ping(_ context.Context, ip string, port int, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := peer.Key(ip, port)
	f.pinged = append(f.pinged, key)
	if !f.reachable[key] {
		return &transport.Error{Op: "dial", Addr: key, Kinds: []error{transport.ErrTimeout}, Err: errors.New("i/o timeout")}
	}
	return nil
}

func (f *fakeNetwork) sentActions(addr string) []protocol.Action {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []protocol.Action
	for _, s := range f.sent {
		if s.addr == addr {
			out = append(out, s.action)
		}
	}
	return out
}

func (f *fakeNetwork) wasPinged(addr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, a := range f.pinged {
		if a == addr {
			return true
		}
	}
	return false
}

var self = config.Address{IP: "10.0.0.9", Port: 9000}

func setupRegistry(t *testing.T, bootstrap string, net Network) (*Registry, *store.PeerStore) {
	t.Helper()

	gdb, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(gdb) })

	nodes, invalid := config.ParseBootstrapNodes(bootstrap)
	require.Empty(t, invalid)

	peers := store.NewPeerStore(gdb)
	r := New(Config{
		Self:             self,
		Bootstrap:        nodes,
		BootstrapTimeout: time.Second,
		PingTimeout:      time.Second,
		LivenessTimeout:  time.Minute,
	}, peers, net, events.NewBus(), logger.Discard())
	t.Cleanup(r.Wait)
	return r, peers
}

func registeredResponse(t *testing.T, id string, available ...protocol.PeerInfo) *protocol.Response {
	t.Helper()
	resp, err := protocol.NewResponse(protocol.ActionRegisterPeer, protocol.StatusSuccess, "ok", protocol.Discovery{
		Requester: &protocol.Requester{PeerID: id, Registered: true, New: true},
		Available: available,
		Total:     len(available) + 1,
	})
	require.NoError(t, err)
	return resp
}

func TestResolveIdentityFromFirstReachableBootstrap(t *testing.T) {
	net := newFakeNetwork()
	assigned := uuid.New()
	net.responses["10.0.0.2:9000"] = registeredResponse(t, assigned.String(),
		protocol.PeerInfo{PeerID: uuid.NewString(), IP: "10.0.0.3", Port: 9000},
		protocol.PeerInfo{IP: "not a host", Port: 9000},
		protocol.PeerInfo{IP: "10.0.0.4", Port: 70000},
	)

	r, peers := setupRegistry(t, "10.0.0.1:9000,10.0.0.2:9000", net)
	ctx := context.Background()

	id, err := r.ResolveIdentity(ctx)
	require.NoError(t, err)
	assert.Equal(t, assigned, id)

	local, ok := r.LocalID()
	assert.True(t, ok)
	assert.Equal(t, assigned, local)
	assert.Equal(t, assigned.String(), r.LocalIDString())

	own, err := peers.FindByAddr(ctx, self.IP, self.Port)
	require.NoError(t, err)
	assert.Equal(t, assigned, own.ID)

	_, err = peers.FindByAddr(ctx, "10.0.0.3", 9000)
	assert.NoError(t, err)

	all, err := peers.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	assert.Equal(t, []protocol.Action{protocol.ActionRegisterPeer}, net.sentActions("10.0.0.1:9000"))
	assert.Equal(t, []protocol.Action{protocol.ActionRegisterPeer}, net.sentActions("10.0.0.2:9000"))
}

func TestResolveIdentitySkipsInvalidPeerID(t *testing.T) {
	net := newFakeNetwork()
	net.responses["10.0.0.1:9000"] = registeredResponse(t, "not-a-uuid")
	assigned := uuid.New()
	net.responses["10.0.0.2:9000"] = registeredResponse(t, assigned.String())

	r, _ := setupRegistry(t, "10.0.0.1:9000,10.0.0.2:9000", net)

	id, err := r.ResolveIdentity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, assigned, id)
}

func TestResolveIdentityFallbackIsStable(t *testing.T) {
	r, peers := setupRegistry(t, "10.0.0.1:9000", newFakeNetwork())
	ctx := context.Background()

	first, err := r.ResolveIdentity(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, first)

	second, err := r.ResolveIdentity(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	all, err := peers.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestIngestPeerListIsIdempotent(t *testing.T) {
	r, peers := setupRegistry(t, "", newFakeNetwork())
	ctx := context.Background()

	list := protocol.PeerList{
		Shape: protocol.ShapeAvailable,
		Peers: []protocol.PeerInfo{
			{IP: "10.0.0.3", Port: 9000},
			{IP: "node-4.internal", Port: 9001},
			{IP: self.IP, Port: self.Port},
			{IP: "10.0.0.5", Port: 0},
		},
		Skipped: 1,
	}

	assert.Equal(t, 2, r.IngestPeerList(ctx, list))
	assert.Equal(t, 0, r.IngestPeerList(ctx, list))

	all, err := peers.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRegistrationPeerListTriggersReconnect(t *testing.T) {
	net := newFakeNetwork()
	net.responses["10.0.0.1:9000"] = registeredResponse(t, uuid.NewString(),
		protocol.PeerInfo{IP: "10.0.0.3", Port: 9000})
	net.reachable["10.0.0.3:9000"] = true

	r, peers := setupRegistry(t, "10.0.0.1:9000", net)
	r.cfg.IngestDelay = 10 * time.Millisecond
	ctx := context.Background()

	_, err := r.ResolveIdentity(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return net.wasPinged("10.0.0.3:9000")
	}, 2*time.Second, 5*time.Millisecond)
	r.Wait()

	discovered, err := peers.FindByAddr(ctx, "10.0.0.3", 9000)
	require.NoError(t, err)
	assert.Equal(t, peer.StateOnline, discovered.StateAt(time.Now(), time.Minute))
}

func TestKnownPeerListDoesNotReconnect(t *testing.T) {
	net := newFakeNetwork()
	r, peers := setupRegistry(t, "", net)
	ctx := context.Background()

	_, _, err := peers.GetOrCreateByAddr(ctx, "10.0.0.3", 9000)
	require.NoError(t, err)

	assert.Equal(t, 0, r.IngestPeerList(ctx, protocol.PeerList{Peers: []protocol.PeerInfo{{IP: "10.0.0.3", Port: 9000}}}))
	r.Wait()
	assert.False(t, net.wasPinged("10.0.0.3:9000"))
}

func TestIngestKeepsReportedPeerID(t *testing.T) {
	r, peers := setupRegistry(t, "", newFakeNetwork())
	ctx := context.Background()

	id := uuid.New()
	r.ingest(ctx, protocol.PeerList{Peers: []protocol.PeerInfo{{PeerID: id.String(), IP: "10.0.0.3", Port: 9000}}})

	p, err := peers.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.3", p.IP)
}

func TestIngestPublishesDiscoveries(t *testing.T) {
	r, _ := setupRegistry(t, "", newFakeNetwork())

	var discovered []events.PeerDiscovered
	r.bus.Subscribe(func(e events.Event) {
		if d, ok := e.(events.PeerDiscovered); ok {
			discovered = append(discovered, d)
		}
	})

	r.ingest(context.Background(), protocol.PeerList{Peers: []protocol.PeerInfo{{IP: "10.0.0.3", Port: 9000}}})

	require.Len(t, discovered, 1)
	assert.Equal(t, "10.0.0.3", discovered[0].IP)
}

func TestConnectToAllKnownPeers(t *testing.T) {
	net := newFakeNetwork()
	net.reachable["10.0.0.3:9000"] = true

	r, peers := setupRegistry(t, "", net)
	ctx := context.Background()

	_, err := r.ResolveIdentity(ctx)
	require.NoError(t, err)

	up, _, err := peers.GetOrCreateByAddr(ctx, "10.0.0.3", 9000)
	require.NoError(t, err)
	down, _, err := peers.GetOrCreateByAddr(ctx, "10.0.0.4", 9000)
	require.NoError(t, err)

	assert.Equal(t, 1, r.ConnectToAllKnownPeers(ctx))
	assert.False(t, net.wasPinged(self.String()))

	up, err = peers.Get(ctx, up.ID)
	require.NoError(t, err)
	assert.Equal(t, peer.StateOnline, up.StateAt(time.Now(), time.Minute))

	down, err = peers.Get(ctx, down.ID)
	require.NoError(t, err)
	assert.Equal(t, peer.StateOffline, down.StateAt(time.Now(), time.Minute))

	stats, err := r.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, peer.Stats{Total: 3, Online: 1, Offline: 1, Unknown: 1}, stats)

	remote, err := r.RemotePeers(ctx)
	require.NoError(t, err)
	assert.Len(t, remote, 2)
}

func TestInitializePeersContactsBootstrapWhenAlone(t *testing.T) {
	net := newFakeNetwork()
	resp, err := protocol.NewResponse(protocol.ActionDiscoverPeers, protocol.StatusSuccess, "ok", map[string]any{
		"peers": []protocol.PeerInfo{{IP: "10.0.0.3", Port: 9000}},
	})
	require.NoError(t, err)
	net.responses["10.0.0.1:9000"] = resp
	net.reachable["10.0.0.1:9000"] = true

	r, peers := setupRegistry(t, "10.0.0.1:9000", net)
	ctx := context.Background()

	require.NoError(t, r.InitializePeers(ctx))

	assert.Equal(t, []protocol.Action{protocol.ActionDiscoverPeers}, net.sentActions("10.0.0.1:9000"))
	assert.True(t, net.wasPinged("10.0.0.1:9000"))
	assert.True(t, net.wasPinged("10.0.0.3:9000"))

	all, err := peers.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestInitializePeersSkipsBootstrapWhenPopulated(t *testing.T) {
	net := newFakeNetwork()
	r, peers := setupRegistry(t, "10.0.0.1:9000", net)
	ctx := context.Background()

	_, _, err := peers.GetOrCreateByAddr(ctx, "10.0.0.3", 9000)
	require.NoError(t, err)
	_, _, err = peers.GetOrCreateByAddr(ctx, "10.0.0.4", 9000)
	require.NoError(t, err)

	require.NoError(t, r.InitializePeers(ctx))
	assert.Empty(t, net.sentActions("10.0.0.1:9000"))
	assert.True(t, net.wasPinged("10.0.0.3:9000"))
}

func TestInitializePeersHonoursContext(t *testing.T) {
	r, _ := setupRegistry(t, "10.0.0.1:9000", newFakeNetwork())
	r.cfg.ReconcileDelay = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := r.InitializePeers(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
