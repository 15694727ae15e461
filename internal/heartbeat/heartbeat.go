// Package heartbeat reports this node's liveness to its peers, records the
// heartbeats peers send, and periodically summarises derived peer state.
package heartbeat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/chatmesh/meshd/internal/events"
	"github.com/chatmesh/meshd/internal/peer"
	"github.com/chatmesh/meshd/internal/pool"
	"github.com/chatmesh/meshd/internal/protocol"
	"github.com/chatmesh/meshd/internal/registry"
	"github.com/chatmesh/meshd/internal/store"
	"github.com/chatmesh/meshd/internal/transport"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	DefaultInterval        = 30 * time.Second
	DefaultLivenessTimeout = 60 * time.Second
)

type Config struct {
	Interval        time.Duration
	LivenessTimeout time.Duration
}

type Service struct {
	cfg      Config
	registry *registry.Registry
	peers    store.PeerRepository
	pool     *pool.Pool
	bus      *events.Bus
	logger   logrus.FieldLogger
	now      func() time.Time

	mu       sync.Mutex
	interval time.Duration
	reset    chan struct{}
	// last derived state per peer, for change detection
	lastSeen map[uuid.UUID]peer.State
}

func NewService(cfg Config, reg *registry.Registry, peers store.PeerRepository, p *pool.Pool, bus *events.Bus, log logrus.FieldLogger) *Service {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.LivenessTimeout <= 0 {
		cfg.LivenessTimeout = DefaultLivenessTimeout
	}
	return &Service{
		cfg:      cfg,
		registry: reg,
		peers:    peers,
		pool:     p,
		bus:      bus,
		logger:   log.WithField("component", "heartbeat"),
		now:      time.Now,
		interval: cfg.Interval,
		reset:    make(chan struct{}, 1),
		lastSeen: make(map[uuid.UUID]peer.State),
	}
}

// Register installs the inbound heartbeat actions on srv.
func (s *Service) Register(srv *transport.Server) {
	srv.Handle(protocol.ActionHeartbeat, s.handleHeartbeat)
	srv.Handle(protocol.ActionPing, s.handlePing)
}

// Interval is the current reporting interval.
func (s *Service) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

func (s *Service) setInterval(d time.Duration) {
	s.mu.Lock()
	changed := d != s.interval
	s.interval = d
	s.mu.Unlock()

	if changed {
		select {
		case s.reset <- struct{}{}:
		default:
		}
	}
}

// Run reports heartbeats and checks liveness until ctx is done.
func (s *Service) Run(ctx context.Context) {
	s.logger.Infof("Starting heartbeat loop, interval %s", s.Interval())

	report := time.NewTicker(s.Interval())
	defer report.Stop()
	check := time.NewTicker(s.cfg.LivenessTimeout)
	defer check.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stopping the heart")
			return
		case <-s.reset:
			report.Reset(s.Interval())
			s.logger.Infof("Heartbeat interval changed to %s", s.Interval())
		case <-report.C:
			s.SendHeartbeats(ctx)
		case <-check.C:
			s.CheckInactivePeers(ctx)
		}
	}
}

// SendHeartbeats reports to every known peer and returns how many
// accepted. A positive nextIntervalMs in any reply replaces the interval.
func (s *Service) SendHeartbeats(ctx context.Context) int {
	id, ok := s.registry.LocalID()
	if !ok {
		s.logger.Warn("Local identity not resolved; skipping heartbeat")
		return 0
	}

	peers, err := s.registry.RemotePeers(ctx)
	if err != nil {
		s.logger.Warnf("Failed to list peers: %v", err)
		return 0
	}
	if len(peers) == 0 {
		return 0
	}

	self := s.registry.Self()
	req := protocol.MustRequest(protocol.ActionHeartbeat, protocol.Heartbeat{
		PeerID: id.String(),
		IP:     self.IP,
		Port:   self.Port,
	})

	futures := s.pool.Broadcast(ctx, peers, req)

	accepted := 0
	var next time.Duration
	for _, p := range peers {
		f, ok := futures[p.ID]
		if !ok {
			continue
		}
		log := s.logger.WithFields(logrus.Fields{"peer_id": p.ID, "peer": p.Addr()})

		resp, err := f.Wait(ctx)
		if err != nil {
			log.Debugf("Heartbeat failed: %v", err)
			continue
		}
		if !resp.OK() {
			log.Debugf("Heartbeat refused: %s %s", resp.Status, resp.Message)
			continue
		}
		accepted++

		var ack protocol.HeartbeatAck
		if resp.HasData() && resp.DecodeData(&ack) == nil && ack.NextIntervalMs > 0 {
			next = time.Duration(ack.NextIntervalMs) * time.Millisecond
		}
	}

	if next > 0 {
		s.setInterval(next)
	}
	s.logger.Debugf("Heartbeat accepted by %d of %d peer(s)", accepted, len(peers))
	return accepted
}

func (s *Service) handleHeartbeat(ctx context.Context, from transport.Caller, req *protocol.Request) *protocol.Response {
	var hb protocol.Heartbeat
	if err := req.DecodePayload(&hb); err != nil {
		return protocol.Failure(req.Action, protocol.StatusError, err.Error())
	}

	id, err := uuid.Parse(hb.PeerID)
	if err != nil || id == uuid.Nil {
		return protocol.Failure(req.Action, protocol.StatusError, registry.ErrPeerNotFound.Error())
	}

	if hb.Port == 0 {
		return s.heartbeatByID(ctx, id, req)
	}

	ip := hb.IP
	if ip == "" {
		ip = from.IP
	}
	if !peer.ValidAddress(ip, hb.Port) {
		return protocol.Failure(req.Action, protocol.StatusError, transport.ErrInvalidAddress.Error())
	}

	now := s.now()
	p, created, err := s.peers.RecordHeartbeat(ctx, id, ip, hb.Port, now)
	if err != nil {
		s.logger.Errorf("Failed to record heartbeat from %s: %v", id, err)
		return protocol.Failure(req.Action, protocol.StatusError, "heartbeat not recorded")
	}

	if created {
		s.logger.WithField("peer_id", id).Infof("Heartbeat from unknown peer %s; registered", p.Addr())
		s.bus.Publish(events.PeerDiscovered{PeerID: p.ID, IP: p.IP, Port: p.Port})
	}
	s.bus.Publish(events.HeartbeatReceived{PeerID: p.ID, IP: p.IP, Port: p.Port, At: now, New: created})

	return protocol.Success(req.Action, "ok", protocol.HeartbeatAck{NextIntervalMs: s.cfg.Interval.Milliseconds()})
}

// heartbeatByID refreshes a known peer from a heartbeat that carries no
// address. Unknown ids cannot be registered this way.
func (s *Service) heartbeatByID(ctx context.Context, id uuid.UUID, req *protocol.Request) *protocol.Response {
	now := s.now()
	if err := s.peers.Touch(ctx, id, now); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return protocol.Failure(req.Action, protocol.StatusError, registry.ErrPeerNotFound.Error())
		}
		s.logger.Errorf("Failed to record heartbeat from %s: %v", id, err)
		return protocol.Failure(req.Action, protocol.StatusError, "heartbeat not recorded")
	}

	if p, err := s.peers.Get(ctx, id); err == nil {
		s.bus.Publish(events.HeartbeatReceived{PeerID: p.ID, IP: p.IP, Port: p.Port, At: now})
	}
	return protocol.Success(req.Action, "ok", protocol.HeartbeatAck{NextIntervalMs: s.cfg.Interval.Milliseconds()})
}

func (s *Service) handlePing(_ context.Context, _ transport.Caller, req *protocol.Request) *protocol.Response {
	return protocol.Success(req.Action, "pong", protocol.PingAck{Timestamp: s.now().UnixMilli()})
}

// CheckInactivePeers derives every peer's state, publishes the counts, and
// emits PeerStateChanged for peers whose derived state moved since the last
// check. Stored state is not modified.
func (s *Service) CheckInactivePeers(ctx context.Context) (peer.Stats, error) {
	peers, err := s.registry.Peers(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Warnf("Failed to list peers: %v", err)
		}
		return peer.Stats{}, err
	}

	stats := peer.Stats{Total: len(peers)}
	seen := make(map[uuid.UUID]peer.State, len(peers))

	s.mu.Lock()
	for _, p := range peers {
		switch p.State {
		case peer.StateOnline:
			stats.Online++
		case peer.StateOffline:
			stats.Offline++
		default:
			stats.Unknown++
		}

		seen[p.ID] = p.State
		prev, known := s.lastSeen[p.ID]
		if known && prev != p.State {
			s.bus.Publish(events.PeerStateChanged{PeerID: p.ID, Addr: p.Addr(), From: prev, To: p.State})
			s.logger.WithField("peer_id", p.ID).Infof("Peer %s is now %s", p.Addr(), p.State)
		}
	}
	s.lastSeen = seen
	s.mu.Unlock()

	s.bus.Publish(events.LivenessChecked{Stats: stats})
	s.logger.Infof("Peers: %d total, %d online, %d offline, %d unknown", stats.Total, stats.Online, stats.Offline, stats.Unknown)
	return stats, nil
}
