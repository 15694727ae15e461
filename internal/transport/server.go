package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/chatmesh/meshd/internal/protocol"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// Caller identifies the peer on the other end of an inbound connection.
// IP is the observed remote address; Port is the listen port the caller
// announced in its handshake.
type Caller struct {
	PeerID string
	IP     string
	Port   int
}

func (c Caller) Addr() string {
	return net.JoinHostPort(c.IP, strconv.Itoa(c.Port))
}

type HandlerFunc func(ctx context.Context, from Caller, req *protocol.Request) *protocol.Response

// HandshakeFunc observes every accepted handshake.
type HandshakeFunc func(ctx context.Context, from Caller)

type ServerConfig struct {
	Addr           string
	MaxConnections int
	Timeout        time.Duration
	// LocalID returns this node's peer id for handshake acks. It may
	// return "" before the id is known.
	LocalID func() string
	Logger  logrus.FieldLogger
}

type Server struct {
	config      ServerConfig
	listener    net.Listener
	codec       *protocol.Codec
	logger      logrus.FieldLogger
	slots       *semaphore.Weighted
	mu          sync.RWMutex
	handlers    map[protocol.Action]HandlerFunc
	onHandshake []HandshakeFunc
	wg          sync.WaitGroup
}

func NewServer(cfg ServerConfig) (*Server, error) {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", cfg.Addr, err)
	}

	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 50
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.LocalID == nil {
		cfg.LocalID = func() string { return "" }
	}

	var log logrus.FieldLogger = cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &Server{
		config:   cfg,
		listener: ln,
		codec:    protocol.NewCodec(),
		logger:   log.WithField("component", "p2p-server"),
		slots:    semaphore.NewWeighted(int64(cfg.MaxConnections)),
		handlers: make(map[protocol.Action]HandlerFunc),
	}, nil
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

func (s *Server) Port() int {
	if tcp, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// Handle registers fn for action, replacing any earlier handler.
func (s *Server) Handle(action protocol.Action, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[action] = fn
}

func (s *Server) OnHandshake(fn HandshakeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onHandshake = append(s.onHandshake, fn)
}

// Shutdown closes the listener and waits for in-flight connections. It is
// safe to call after Start has returned.
func (s *Server) Shutdown() error {
	s.logger.Info("Shutting down p2p server")
	err := s.listener.Close()
	s.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Start accepts connections until ctx is done or the listener is closed.
func (s *Server) Start(ctx context.Context) error {
	s.logger.WithField("addr", s.Addr()).Info("P2P server started")

	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Errorf("Failed to accept connection: %v", err)
			continue
		}

		if !s.slots.TryAcquire(1) {
			s.logger.WithField("remote", conn.RemoteAddr().String()).
				Warnf("Rejecting connection: at capacity (%d)", s.config.MaxConnections)
			_ = conn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.slots.Release(1)
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	remote := conn.RemoteAddr().String()
	log := s.logger.WithField("remote", remote)

	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()
	_ = conn.SetDeadline(time.Now().Add(s.config.Timeout))

	r := bufio.NewReader(conn)

	caller, ok := s.acceptHandshake(ctx, conn, r, log)
	if !ok {
		return
	}

	var req protocol.Request
	if err := s.codec.Decode(r, &req); err != nil {
		if !errors.Is(err, protocol.ErrEmptyMessage) {
			log.Debugf("Failed to read request: %v", err)
		}
		return
	}

	resp := s.dispatch(ctx, caller, &req)
	if err := s.codec.Encode(conn, resp); err != nil {
		log.Debugf("Failed to write %s response: %v", req.Action, err)
	}
}

func (s *Server) acceptHandshake(ctx context.Context, conn net.Conn, r *bufio.Reader, log logrus.FieldLogger) (Caller, bool) {
	var hello protocol.Request
	if err := s.codec.Decode(r, &hello); err != nil {
		log.Debugf("Failed to read handshake: %v", err)
		return Caller{}, false
	}

	reject := func(msg string) (Caller, bool) {
		log.Warnf("Rejecting handshake: %s", msg)
		_ = s.codec.Encode(conn, protocol.Failure(protocol.ActionHandshake, protocol.StatusError, msg))
		return Caller{}, false
	}

	if hello.Action != protocol.ActionHandshake {
		return reject(fmt.Sprintf("expected %s, got %s", protocol.ActionHandshake, hello.Action))
	}

	var hs protocol.Handshake
	if err := hello.DecodePayload(&hs); err != nil {
		return reject("invalid handshake payload")
	}
	if hs.PeerID == "" {
		return reject("missing peerId")
	}
	if hs.Port <= 0 || hs.Port > 65535 {
		return reject("invalid port")
	}

	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}
	caller := Caller{PeerID: hs.PeerID, IP: host, Port: hs.Port}

	s.mu.RLock()
	observers := append([]HandshakeFunc(nil), s.onHandshake...)
	s.mu.RUnlock()
	for _, fn := range observers {
		fn(ctx, caller)
	}

	ack := protocol.Success(protocol.ActionHandshake, "handshake accepted", protocol.HandshakeAck{PeerID: s.config.LocalID()})
	if err := s.codec.Encode(conn, ack); err != nil {
		log.Debugf("Failed to write handshake ack: %v", err)
		return Caller{}, false
	}

	return caller, true
}

func (s *Server) dispatch(ctx context.Context, from Caller, req *protocol.Request) *protocol.Response {
	s.mu.RLock()
	fn, ok := s.handlers[req.Action]
	s.mu.RUnlock()

	if !ok {
		s.logger.WithField("action", req.Action.String()).Warn("Unhandled action")
		return protocol.Failure(req.Action, protocol.StatusError, "unsupported action")
	}

	resp := fn(ctx, from, req)
	if resp == nil {
		return protocol.Failure(req.Action, protocol.StatusError, "no response")
	}
	if resp.Action == "" {
		resp.Action = req.Action
	}
	return resp
}
