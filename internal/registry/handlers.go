package registry

import (
	"context"
	"errors"

	"github.com/chatmesh/meshd/internal/events"
	"github.com/chatmesh/meshd/internal/peer"
	"github.com/chatmesh/meshd/internal/protocol"
	"github.com/chatmesh/meshd/internal/store"
	"github.com/chatmesh/meshd/internal/transport"
	"github.com/google/uuid"
)

// Register installs the membership actions and the handshake observer on
// srv.
func (r *Registry) Register(srv *transport.Server) {
	srv.Handle(protocol.ActionRegisterPeer, r.handleRegister)
	srv.Handle(protocol.ActionDiscoverPeers, r.handleDiscover)
	srv.Handle(protocol.ActionListPeers, r.handleList)
	srv.OnHandshake(r.observeHandshake)
}

func (r *Registry) handleRegister(ctx context.Context, from transport.Caller, req *protocol.Request) *protocol.Response {
	var body protocol.RegisterPeer
	if err := req.DecodePayload(&body); err != nil {
		return protocol.Failure(req.Action, protocol.StatusError, err.Error())
	}
	ip := requesterIP(body.IP, from)
	if !peer.ValidAddress(ip, body.Port) {
		return protocol.Failure(req.Action, protocol.StatusError, transport.ErrInvalidAddress.Error())
	}

	p, created, err := r.peers.GetOrCreateByAddr(ctx, ip, body.Port)
	if err != nil {
		r.logger.Errorf("Failed to register peer %s: %v", peer.Key(ip, body.Port), err)
		return protocol.Failure(req.Action, protocol.StatusError, "registration failed")
	}
	if err := r.peers.Touch(ctx, p.ID, r.now()); err != nil {
		r.logger.Warnf("Failed to mark registered peer online: %v", err)
	}
	if created {
		r.bus.Publish(events.PeerDiscovered{PeerID: p.ID, IP: p.IP, Port: p.Port})
		r.logger.WithField("peer_id", p.ID).Infof("Registered new peer %s", p.Addr())
	}

	return r.discoveryResponse(ctx, req.Action, p, created)
}

func (r *Registry) handleDiscover(ctx context.Context, from transport.Caller, req *protocol.Request) *protocol.Response {
	var body protocol.DiscoverPeers
	if err := req.DecodePayload(&body); err != nil {
		return protocol.Failure(req.Action, protocol.StatusError, err.Error())
	}
	ip := requesterIP(body.IP, from)
	if !peer.ValidAddress(ip, body.Port) {
		return protocol.Failure(req.Action, protocol.StatusError, transport.ErrInvalidAddress.Error())
	}

	var (
		p       peer.Peer
		created bool
		err     error
	)
	if id, parseErr := uuid.Parse(body.PeerID); parseErr == nil && id != uuid.Nil {
		now := r.now()
		p, created, err = r.peers.RecordHeartbeat(ctx, id, ip, body.Port, now)
		if err == nil {
			r.bus.Publish(events.HeartbeatReceived{PeerID: p.ID, IP: p.IP, Port: p.Port, At: now, New: created})
		}
	} else {
		p, created, err = r.peers.GetOrCreateByAddr(ctx, ip, body.Port)
		if err == nil {
			err = r.peers.Touch(ctx, p.ID, r.now())
		}
	}
	if err != nil {
		r.logger.Errorf("Failed to record discovering peer %s: %v", peer.Key(ip, body.Port), err)
		return protocol.Failure(req.Action, protocol.StatusError, "discovery failed")
	}
	if created {
		r.bus.Publish(events.PeerDiscovered{PeerID: p.ID, IP: p.IP, Port: p.Port})
	}

	return r.discoveryResponse(ctx, req.Action, p, created)
}

func (r *Registry) discoveryResponse(ctx context.Context, action protocol.Action, requester peer.Peer, created bool) *protocol.Response {
	peers, err := r.Peers(ctx)
	if err != nil {
		r.logger.Errorf("Failed to list peers: %v", err)
		return protocol.Failure(action, protocol.StatusError, "listing peers failed")
	}

	available := make([]protocol.PeerInfo, 0, len(peers))
	for _, p := range peers {
		if p.ID == requester.ID || p.State != peer.StateOnline {
			continue
		}
		available = append(available, peerInfo(p))
	}

	return protocol.Success(action, "ok", protocol.Discovery{
		Requester: &protocol.Requester{PeerID: requester.ID.String(), Registered: true, New: created},
		Available: available,
		Total:     len(peers),
	})
}

func (r *Registry) handleList(ctx context.Context, _ transport.Caller, req *protocol.Request) *protocol.Response {
	peers, err := r.Peers(ctx)
	if err != nil {
		r.logger.Errorf("Failed to list peers: %v", err)
		return protocol.Failure(req.Action, protocol.StatusError, "listing peers failed")
	}

	infos := make([]protocol.PeerInfo, 0, len(peers))
	for _, p := range peers {
		infos = append(infos, peerInfo(p))
	}
	return protocol.Success(req.Action, "ok", protocol.PeerListing{Peers: infos, Total: len(infos)})
}

// observeHandshake marks an already known caller ONLINE. Unknown callers
// are left to register through the membership actions.
func (r *Registry) observeHandshake(ctx context.Context, from transport.Caller) {
	id, err := uuid.Parse(from.PeerID)
	if err != nil {
		return
	}
	if err := r.peers.Touch(ctx, id, r.now()); err != nil && !errors.Is(err, store.ErrNotFound) {
		r.logger.Debugf("Failed to touch peer %s after handshake: %v", id, err)
	}
}

func requesterIP(announced string, from transport.Caller) string {
	if announced == "" || announced == "0.0.0.0" || announced == "::" {
		return from.IP
	}
	return announced
}

func peerInfo(p peer.Peer) protocol.PeerInfo {
	return protocol.PeerInfo{
		PeerID: p.ID.String(),
		IP:     p.IP,
		Port:   p.Port,
		State:  string(p.State),
	}
}
