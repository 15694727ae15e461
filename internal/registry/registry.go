// Package registry tracks peer membership: the local identity, startup
// reconciliation against bootstrap nodes, and ingestion of peer lists
// learned from other nodes.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chatmesh/meshd/internal/config"
	"github.com/chatmesh/meshd/internal/events"
	"github.com/chatmesh/meshd/internal/peer"
	"github.com/chatmesh/meshd/internal/protocol"
	"github.com/chatmesh/meshd/internal/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var ErrPeerNotFound = errors.New("peer not found")

const connectParallelism = 8

// Network is the slice of the connection pool the registry needs.
type Network interface {
	SendWithTimeout(ctx context.Context, ip string, port int, req *protocol.Request, timeout time.Duration) (*protocol.Response, error)
	Ping(ctx context.Context, ip string, port int, timeout time.Duration) error
}

type Config struct {
	// Self is the address this node announces.
	Self             config.Address
	Bootstrap        []config.Address
	BootstrapTimeout time.Duration
	PingTimeout      time.Duration
	// LivenessTimeout is how long a heartbeat keeps a peer ONLINE.
	LivenessTimeout time.Duration
	ReconcileDelay  time.Duration
	IngestDelay     time.Duration
}

type Registry struct {
	cfg    Config
	peers  store.PeerRepository
	net    Network
	bus    *events.Bus
	logger logrus.FieldLogger
	now    func() time.Time

	mu      sync.RWMutex
	localID uuid.UUID

	reconnecting atomic.Bool
	wg           sync.WaitGroup
}

func New(cfg Config, peers store.PeerRepository, net Network, bus *events.Bus, log logrus.FieldLogger) *Registry {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Registry{
		cfg:    cfg,
		peers:  peers,
		net:    net,
		bus:    bus,
		logger: log.WithField("component", "registry"),
		now:    time.Now,
	}
}

// LocalID returns the resolved identity, if any.
func (r *Registry) LocalID() (uuid.UUID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.localID, r.localID != uuid.Nil
}

// LocalIDString is LocalID for handshake acks; "" until resolved.
func (r *Registry) LocalIDString() string {
	id, ok := r.LocalID()
	if !ok {
		return ""
	}
	return id.String()
}

func (r *Registry) Self() config.Address {
	return r.cfg.Self
}

func (r *Registry) setLocalID(id uuid.UUID) {
	r.mu.Lock()
	r.localID = id
	r.mu.Unlock()
}

// IsSelf reports whether p is this node, by id or by announced address.
func (r *Registry) IsSelf(p peer.Peer) bool {
	if id, ok := r.LocalID(); ok && p.ID == id {
		return true
	}
	return r.isSelfAddr(p.IP, p.Port)
}

func (r *Registry) isSelfAddr(ip string, port int) bool {
	return ip == r.cfg.Self.IP && port == r.cfg.Self.Port
}

// ResolveIdentity asks each bootstrap node in order to register this node
// and adopts the first peer id handed back. When no bootstrap node answers
// it falls back to the local record for the announced address. Only a
// storage failure on that fallback is returned as an error.
func (r *Registry) ResolveIdentity(ctx context.Context) (uuid.UUID, error) {
	for _, addr := range r.cfg.Bootstrap {
		if r.isSelfAddr(addr.IP, addr.Port) {
			continue
		}

		id, ok := r.registerWith(ctx, addr)
		if !ok {
			continue
		}

		if _, _, err := r.peers.Claim(ctx, id, r.cfg.Self.IP, r.cfg.Self.Port); err != nil {
			r.logger.Warnf("Failed to store local record for %s: %v", id, err)
		}
		r.setLocalID(id)
		r.logger.WithField("peer_id", id).Infof("Identity assigned by bootstrap node %s", addr)
		return id, nil
	}

	p, created, err := r.peers.GetOrCreateByAddr(ctx, r.cfg.Self.IP, r.cfg.Self.Port)
	if err != nil {
		return uuid.Nil, fmt.Errorf("resolve local identity: %w", err)
	}
	r.setLocalID(p.ID)

	if created {
		r.logger.WithField("peer_id", p.ID).Info("No bootstrap node reachable; created local identity")
	} else {
		r.logger.WithField("peer_id", p.ID).Info("No bootstrap node reachable; reusing stored local identity")
	}
	return p.ID, nil
}

func (r *Registry) registerWith(ctx context.Context, addr config.Address) (uuid.UUID, bool) {
	log := r.logger.WithField("bootstrap", addr.String())

	req := protocol.MustRequest(protocol.ActionRegisterPeer, protocol.RegisterPeer{
		IP:   r.cfg.Self.IP,
		Port: r.cfg.Self.Port,
	})
	resp, err := r.net.SendWithTimeout(ctx, addr.IP, addr.Port, req, r.cfg.BootstrapTimeout)
	if err != nil {
		log.Warnf("Bootstrap registration failed: %v", err)
		return uuid.Nil, false
	}
	if !resp.OK() {
		log.Warnf("Bootstrap registration refused: %s %s", resp.Status, resp.Message)
		return uuid.Nil, false
	}

	raw, ok := protocol.ExtractRequester(resp.Data)
	if !ok {
		log.Warn("Bootstrap response carried no peer id")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		log.Warnf("Bootstrap response carried invalid peer id %q", raw)
		return uuid.Nil, false
	}

	r.IngestPeerList(ctx, protocol.ExtractPeerList(resp.Data))
	return id, true
}

// InitializePeers reconciles membership at startup. With at most one
// known peer it first asks every bootstrap node for its peer list.
func (r *Registry) InitializePeers(ctx context.Context) error {
	peers, err := r.peers.List(ctx)
	if err != nil {
		return fmt.Errorf("list peers: %w", err)
	}

	if len(peers) <= 1 {
		r.logger.Infof("%d peer(s) known; contacting bootstrap nodes", len(peers))
		r.ConnectToBootstrapPeers(ctx)

		if err := sleep(ctx, r.cfg.ReconcileDelay); err != nil {
			return err
		}

		peers, err = r.peers.List(ctx)
		if err != nil {
			return fmt.Errorf("list peers: %w", err)
		}
		r.logger.Infof("%d peer(s) known after bootstrap discovery", len(peers))
	}

	r.ConnectToAllKnownPeers(ctx)
	return nil
}

// ConnectToBootstrapPeers records every bootstrap node locally and asks
// each for the peers it knows.
func (r *Registry) ConnectToBootstrapPeers(ctx context.Context) {
	req := protocol.MustRequest(protocol.ActionDiscoverPeers, protocol.DiscoverPeers{
		PeerID: r.LocalIDString(),
		IP:     r.cfg.Self.IP,
		Port:   r.cfg.Self.Port,
	})

	for _, addr := range r.cfg.Bootstrap {
		if r.isSelfAddr(addr.IP, addr.Port) {
			continue
		}
		log := r.logger.WithField("bootstrap", addr.String())

		if _, _, err := r.peers.GetOrCreateByAddr(ctx, addr.IP, addr.Port); err != nil {
			log.Warnf("Failed to record bootstrap node: %v", err)
			continue
		}

		resp, err := r.net.SendWithTimeout(ctx, addr.IP, addr.Port, req, r.cfg.BootstrapTimeout)
		if err != nil {
			log.Warnf("Discovery request failed: %v", err)
			continue
		}
		if !resp.OK() {
			log.Warnf("Discovery refused: %s %s", resp.Status, resp.Message)
			continue
		}

		added := r.IngestPeerList(ctx, protocol.ExtractPeerList(resp.Data))
		log.Debugf("Discovery returned %d new peer(s)", added)
	}
}

// ConnectToAllKnownPeers pings every known peer except this node and
// returns how many answered.
func (r *Registry) ConnectToAllKnownPeers(ctx context.Context) int {
	peers, err := r.peers.List(ctx)
	if err != nil {
		r.logger.Warnf("Failed to list peers: %v", err)
		return 0
	}

	var (
		mu        sync.Mutex
		connected int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(connectParallelism)
	for _, p := range peers {
		if r.IsSelf(p) {
			continue
		}
		g.Go(func() error {
			if r.ConnectToPeer(gctx, p) == nil {
				mu.Lock()
				connected++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	r.logger.Infof("Connected to %d of %d known peer(s)", connected, len(peers))
	return connected
}

// ConnectToPeer pings p and records the outcome.
func (r *Registry) ConnectToPeer(ctx context.Context, p peer.Peer) error {
	log := r.logger.WithFields(logrus.Fields{"peer_id": p.ID, "peer": p.Addr()})

	if err := r.net.Ping(ctx, p.IP, p.Port, r.cfg.PingTimeout); err != nil {
		log.Debugf("Peer unreachable: %v", err)
		if err := r.peers.MarkState(ctx, p.ID, peer.StateOffline); err != nil && !errors.Is(err, store.ErrNotFound) {
			log.Warnf("Failed to mark peer offline: %v", err)
		}
		return err
	}

	if err := r.peers.Touch(ctx, p.ID, r.now()); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Warnf("Failed to mark peer online: %v", err)
	}
	log.Debug("Peer reachable")
	return nil
}

// IngestPeerList stores the peers in list that are not yet known. When any
// were added, a reconnect to every known peer runs in the background after
// the ingest delay. Batches arriving while one is pending share it.
func (r *Registry) IngestPeerList(ctx context.Context, list protocol.PeerList) int {
	added := r.ingest(ctx, list)
	if added > 0 && r.reconnecting.CompareAndSwap(false, true) {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			err := sleep(ctx, r.cfg.IngestDelay)
			r.reconnecting.Store(false)
			if err != nil {
				return
			}
			r.ConnectToAllKnownPeers(ctx)
		}()
	}
	return added
}

// Wait blocks until background reconnects have finished.
func (r *Registry) Wait() {
	r.wg.Wait()
}

func (r *Registry) ingest(ctx context.Context, list protocol.PeerList) int {
	added, invalid := 0, list.Skipped

	for _, info := range list.Peers {
		if !peer.ValidAddress(info.IP, info.Port) {
			invalid++
			r.logger.Debugf("Ignoring peer entry with invalid address %q:%d", info.IP, info.Port)
			continue
		}
		if r.isSelfAddr(info.IP, info.Port) {
			continue
		}

		p, created, err := r.insertIfAbsent(ctx, info)
		if err != nil {
			r.logger.Warnf("Failed to store discovered peer %s: %v", peer.Key(info.IP, info.Port), err)
			continue
		}
		if created {
			added++
			r.bus.Publish(events.PeerDiscovered{PeerID: p.ID, IP: p.IP, Port: p.Port})
		}
	}

	if invalid > 0 {
		r.logger.Debugf("Skipped %d invalid entr(ies) in %s peer list", invalid, list.Shape)
	}
	if added > 0 {
		r.logger.Infof("Discovered %d new peer(s)", added)
	}
	return added
}

func (r *Registry) insertIfAbsent(ctx context.Context, info protocol.PeerInfo) (peer.Peer, bool, error) {
	existing, err := r.peers.FindByAddr(ctx, info.IP, info.Port)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return peer.Peer{}, false, err
	}

	// Keep the id the list reports when it is not already in use, so the
	// peer's own heartbeats later land on this record.
	if id, err := uuid.Parse(info.PeerID); err == nil {
		if _, err := r.peers.Get(ctx, id); errors.Is(err, store.ErrNotFound) {
			return r.peers.Claim(ctx, id, info.IP, info.Port)
		}
	}
	return r.peers.GetOrCreateByAddr(ctx, info.IP, info.Port)
}

// Peers returns every known peer with its derived state.
func (r *Registry) Peers(ctx context.Context) ([]peer.Peer, error) {
	peers, err := r.peers.List(ctx)
	if err != nil {
		return nil, err
	}
	now := r.now()
	for i := range peers {
		peers[i].State = peers[i].StateAt(now, r.cfg.LivenessTimeout)
	}
	return peers, nil
}

// RemotePeers returns every known peer except this node.
func (r *Registry) RemotePeers(ctx context.Context) ([]peer.Peer, error) {
	peers, err := r.Peers(ctx)
	if err != nil {
		return nil, err
	}
	out := peers[:0]
	for _, p := range peers {
		if !r.IsSelf(p) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *Registry) Stats(ctx context.Context) (peer.Stats, error) {
	peers, err := r.peers.List(ctx)
	if err != nil {
		return peer.Stats{}, err
	}
	return peer.Count(peers, r.now(), r.cfg.LivenessTimeout), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
