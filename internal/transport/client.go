// Package transport implements the peer wire: one TCP connection per call,
// a handshake line, one request line and one response line.
package transport

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"time"

	"github.com/chatmesh/meshd/internal/protocol"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const DefaultTimeout = 10 * time.Second

// Identity is what a caller presents in its handshake: its own peer id and
// the port it listens on.
type Identity struct {
	PeerID string
	Port   int
}

// Known reports whether the identity carries a real peer id.
func (i Identity) Known() bool {
	return i.PeerID != ""
}

type ClientOptions struct {
	Identity Identity
	Timeout  time.Duration
	Logger   logrus.FieldLogger
}

// Client talks to one peer. It holds no connection between calls and is
// safe for concurrent use.
type Client struct {
	ip       string
	port     int
	addr     string
	identity Identity
	timeout  time.Duration
	codec    *protocol.Codec
	logger   logrus.FieldLogger
}

func NewClient(ip string, port int, opts ClientOptions) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	var log logrus.FieldLogger = opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	addr := net.JoinHostPort(ip, strconv.Itoa(port))
	return &Client{
		ip:       ip,
		port:     port,
		addr:     addr,
		identity: opts.Identity,
		timeout:  timeout,
		codec:    protocol.NewCodec(),
		logger:   log.WithField("peer", addr),
	}
}

func (c *Client) Addr() string {
	return c.addr
}

func (c *Client) Identity() Identity {
	return c.identity
}

// Send performs handshake, request and response with the client's default
// timeout.
func (c *Client) Send(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	return c.roundTrip(ctx, req, c.timeout, true)
}

func (c *Client) SendWithTimeout(ctx context.Context, req *protocol.Request, timeout time.Duration) (*protocol.Response, error) {
	return c.roundTrip(ctx, req, timeout, true)
}

// SendOneWay writes the request after the handshake and returns without
// reading a response.
func (c *Client) SendOneWay(ctx context.Context, req *protocol.Request) error {
	_, err := c.roundTrip(ctx, req, c.timeout, false)
	return err
}

// Ping opens a connection and completes only the handshake.
func (c *Client) Ping(ctx context.Context, timeout time.Duration) error {
	_, err := c.roundTrip(ctx, nil, timeout, false)
	return err
}

func (c *Client) roundTrip(ctx context.Context, req *protocol.Request, timeout time.Duration, wantResponse bool) (*protocol.Response, error) {
	if c.ip == "" || c.port <= 0 || c.port > 65535 {
		return nil, &Error{Op: "dial", Addr: c.addr, Kinds: []error{ErrInvalidAddress}}
	}
	if timeout <= 0 {
		timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, classify(ctx, "dial", c.addr, err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	r := bufio.NewReader(conn)
	if err := c.handshake(ctx, conn, r); err != nil {
		return nil, err
	}

	if req == nil {
		return nil, nil
	}

	if err := c.codec.Encode(conn, req); err != nil {
		return nil, classify(ctx, "write", c.addr, err)
	}

	if !wantResponse {
		return nil, nil
	}

	var resp protocol.Response
	if err := c.codec.Decode(r, &resp); err != nil {
		return nil, classify(ctx, "read", c.addr, err)
	}
	return &resp, nil
}

func (c *Client) handshake(ctx context.Context, conn net.Conn, r *bufio.Reader) error {
	id := c.identity
	if !id.Known() {
		id.PeerID = uuid.NewString()
		c.logger.Debugf("Handshaking with throwaway identity %s", id.PeerID)
	}

	hello := protocol.MustRequest(protocol.ActionHandshake, protocol.Handshake{PeerID: id.PeerID, Port: id.Port})
	if err := c.codec.Encode(conn, hello); err != nil {
		return classify(ctx, "handshake", c.addr, err)
	}

	var ack protocol.Response
	if err := c.codec.Decode(r, &ack); err != nil {
		return classify(ctx, "handshake", c.addr, err)
	}

	if ack.Action != protocol.ActionHandshake || !ack.OK() {
		return &Error{
			Op:    "handshake",
			Addr:  c.addr,
			Kinds: []error{ErrHandshakeRejected},
			Err:   rejection(ack),
		}
	}
	return nil
}

type rejectionError struct {
	action  protocol.Action
	status  protocol.Status
	message string
}

func (e *rejectionError) Error() string {
	return "peer answered " + e.action.String() + "/" + string(e.status) + ": " + e.message
}

func rejection(resp protocol.Response) error {
	return &rejectionError{action: resp.Action, status: resp.Status, message: resp.Message}
}
