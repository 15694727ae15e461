// Package pool caches one transport client per peer address and runs
// asynchronous sends on a fixed set of workers.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chatmesh/meshd/internal/peer"
	"github.com/chatmesh/meshd/internal/protocol"
	"github.com/chatmesh/meshd/internal/transport"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const DefaultWorkers = 4

var ErrClosed = errors.New("connection pool is shut down")

type Target struct {
	IP   string
	Port int
}

func (t Target) Key() string {
	return peer.Key(t.IP, t.Port)
}

type Options struct {
	// Port is the local listen port announced in handshakes until
	// Configure supplies a full identity.
	Port    int
	Workers int
	Timeout time.Duration
	Logger  logrus.FieldLogger
}

type Stats struct {
	Clients    int
	Workers    int
	Queued     int
	Configured bool
}

type Pool struct {
	idMu       sync.RWMutex
	identity   transport.Identity
	configured bool

	clients sync.Map
	size    atomic.Int64

	jobs     chan job
	quit     chan struct{}
	submitMu sync.RWMutex
	closed   bool
	workers  int
	wg       sync.WaitGroup
	stopOnce sync.Once

	timeout time.Duration
	logger  logrus.FieldLogger
}

type job struct {
	run   func()
	abort func(error)
}

func New(opts Options) *Pool {
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = transport.DefaultTimeout
	}

	var log logrus.FieldLogger = opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	p := &Pool{
		identity: transport.Identity{Port: opts.Port},
		jobs:     make(chan job, workers*32),
		quit:     make(chan struct{}),
		workers:  workers,
		timeout:  timeout,
		logger:   log.WithField("component", "pool"),
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case j := <-p.jobs:
			j.run()
		case <-p.quit:
			return
		}
	}
}

// Configure sets the identity every pooled client handshakes with.
// Changing it drops all cached clients. A zero port keeps the current one.
func (p *Pool) Configure(id transport.Identity) {
	p.idMu.Lock()
	if id.Port == 0 {
		id.Port = p.identity.Port
	}
	changed := !p.configured || p.identity != id
	p.identity = id
	p.configured = id.Known()
	p.idMu.Unlock()

	if changed {
		p.Clear()
		p.logger.WithField("peer_id", id.PeerID).Infof("Pool configured with local identity, listen port %d", id.Port)
	}
}

func (p *Pool) Identity() (transport.Identity, bool) {
	p.idMu.RLock()
	defer p.idMu.RUnlock()
	return p.identity, p.configured
}

// Client returns the cached client for ip:port, creating it on first use.
func (p *Pool) Client(ip string, port int) *transport.Client {
	key := peer.Key(ip, port)
	if c, ok := p.clients.Load(key); ok {
		return c.(*transport.Client)
	}

	id, configured := p.Identity()
	if !configured {
		p.logger.WithField("peer", key).Warn("Local identity not configured; handshakes will use a throwaway id and may register duplicate peers")
	}

	c := transport.NewClient(ip, port, transport.ClientOptions{
		Identity: id,
		Timeout:  p.timeout,
		Logger:   p.logger,
	})
	actual, loaded := p.clients.LoadOrStore(key, c)
	if !loaded {
		p.size.Add(1)
	}
	return actual.(*transport.Client)
}

func (p *Pool) Send(ctx context.Context, ip string, port int, req *protocol.Request) (*protocol.Response, error) {
	return p.Client(ip, port).Send(ctx, req)
}

func (p *Pool) SendWithTimeout(ctx context.Context, ip string, port int, req *protocol.Request, timeout time.Duration) (*protocol.Response, error) {
	return p.Client(ip, port).SendWithTimeout(ctx, req, timeout)
}

func (p *Pool) Ping(ctx context.Context, ip string, port int, timeout time.Duration) error {
	return p.Client(ip, port).Ping(ctx, timeout)
}

// SendAsync queues the request on the worker pool.
func (p *Pool) SendAsync(ctx context.Context, ip string, port int, req *protocol.Request) *Future {
	f := newFuture()
	err := p.submit(ctx, job{
		run: func() {
			resp, err := p.Send(ctx, ip, port, req)
			f.resolve(resp, err)
		},
		abort: func(err error) { f.resolve(nil, err) },
	})
	if err != nil {
		f.resolve(nil, err)
	}
	return f
}

// SendToMany sends req to every target, keyed by "ip:port".
func (p *Pool) SendToMany(ctx context.Context, targets []Target, req *protocol.Request) map[string]*Future {
	futures := make(map[string]*Future, len(targets))
	for _, t := range targets {
		if _, dup := futures[t.Key()]; dup {
			continue
		}
		futures[t.Key()] = p.SendAsync(ctx, t.IP, t.Port, req)
	}
	return futures
}

// Broadcast sends req to every peer, keyed by peer id. Callers decide how
// to combine the results.
func (p *Pool) Broadcast(ctx context.Context, peers []peer.Peer, req *protocol.Request) map[uuid.UUID]*Future {
	futures := make(map[uuid.UUID]*Future, len(peers))
	for _, pr := range peers {
		if _, dup := futures[pr.ID]; dup {
			continue
		}
		futures[pr.ID] = p.SendAsync(ctx, pr.IP, pr.Port, req)
	}
	return futures
}

func (p *Pool) Remove(ip string, port int) {
	if _, loaded := p.clients.LoadAndDelete(peer.Key(ip, port)); loaded {
		p.size.Add(-1)
	}
}

func (p *Pool) Clear() {
	p.clients.Range(func(key, _ any) bool {
		if _, loaded := p.clients.LoadAndDelete(key); loaded {
			p.size.Add(-1)
		}
		return true
	})
}

func (p *Pool) Len() int {
	return int(p.size.Load())
}

func (p *Pool) Stats() Stats {
	_, configured := p.Identity()
	return Stats{
		Clients:    p.Len(),
		Workers:    p.workers,
		Queued:     len(p.jobs),
		Configured: configured,
	}
}

// Shutdown stops the workers. Queued jobs resolve with ErrClosed.
func (p *Pool) Shutdown() {
	p.stopOnce.Do(func() {
		close(p.quit)

		p.submitMu.Lock()
		p.closed = true
		p.submitMu.Unlock()

		p.wg.Wait()

		for {
			select {
			case j := <-p.jobs:
				j.abort(ErrClosed)
			default:
				p.Clear()
				p.logger.Info("Connection pool shut down")
				return
			}
		}
	})
}

func (p *Pool) submit(ctx context.Context, j job) error {
	p.submitMu.RLock()
	defer p.submitMu.RUnlock()

	if p.closed {
		return ErrClosed
	}

	select {
	case p.jobs <- j:
		return nil
	case <-p.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}
