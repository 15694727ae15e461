// Package node wires the P2P services together and runs them in a fixed
// startup order.
package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/chatmesh/meshd/internal/bucket"
	"github.com/chatmesh/meshd/internal/config"
	"github.com/chatmesh/meshd/internal/db"
	"github.com/chatmesh/meshd/internal/events"
	"github.com/chatmesh/meshd/internal/heartbeat"
	"github.com/chatmesh/meshd/internal/logger"
	"github.com/chatmesh/meshd/internal/metrics"
	"github.com/chatmesh/meshd/internal/pool"
	"github.com/chatmesh/meshd/internal/registry"
	"github.com/chatmesh/meshd/internal/replication"
	"github.com/chatmesh/meshd/internal/store"
	"github.com/chatmesh/meshd/internal/transport"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

type Options struct {
	Config *config.Config
	Logger *logrus.Logger
	// Registry receives the node's collectors. A fresh registry is used
	// when nil.
	Registry *prometheus.Registry
}

type Node struct {
	cfg    *config.Config
	logger *logrus.Logger

	db       *gorm.DB
	bus      *events.Bus
	bucket   *bucket.Bucket
	pool     *pool.Pool
	server   *transport.Server
	registry *registry.Registry
	heart    *heartbeat.Service
	repl     *replication.Replicator
	metrics  *metrics.Metrics
	promReg  *prometheus.Registry
	detach   func()
}

// New opens storage, binds the P2P listener and constructs every service.
// Nothing talks to the network until Start.
func New(opts Options) (*Node, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log := opts.Logger
	if log == nil {
		log = logger.NewLogger()
	}

	gdb, err := db.Open(cfg.Database)
	if err != nil {
		return nil, err
	}

	b, err := bucket.New(cfg.BucketDir())
	if err != nil {
		_ = db.Close(gdb)
		return nil, err
	}

	bootstrap, invalid := config.ParseBootstrapNodes(cfg.BootstrapNodes)
	for _, entry := range invalid {
		log.Warnf("Ignoring invalid bootstrap entry %q", entry)
	}

	n := &Node{
		cfg:     cfg,
		logger:  log,
		db:      gdb,
		bus:     events.NewBus(),
		bucket:  b,
		promReg: opts.Registry,
	}
	if n.promReg == nil {
		n.promReg = prometheus.NewRegistry()
	}

	n.pool = pool.New(pool.Options{
		Port:    cfg.Port,
		Workers: cfg.Pool.Workers,
		Timeout: cfg.Timeouts.Request,
		Logger:  log,
	})

	peers := store.NewPeerStore(gdb)
	n.registry = registry.New(registry.Config{
		Self:             cfg.Self(),
		Bootstrap:        bootstrap,
		BootstrapTimeout: cfg.Timeouts.Bootstrap,
		PingTimeout:      cfg.Timeouts.Liveness,
		LivenessTimeout:  cfg.Heartbeat.LivenessTimeout,
		ReconcileDelay:   cfg.Registry.ReconcileDelay,
		IngestDelay:      cfg.Registry.IngestDelay,
	}, peers, n.pool, n.bus, log)

	n.server, err = transport.NewServer(transport.ServerConfig{
		Addr:           cfg.ListenAddr(),
		MaxConnections: cfg.Server.MaxConnections,
		Timeout:        cfg.Timeouts.Request,
		LocalID:        n.registry.LocalIDString,
		Logger:         log,
	})
	if err != nil {
		n.pool.Shutdown()
		_ = db.Close(gdb)
		return nil, err
	}

	n.heart = heartbeat.NewService(heartbeat.Config{
		Interval:        cfg.Heartbeat.Interval,
		LivenessTimeout: cfg.Heartbeat.LivenessTimeout,
	}, n.registry, peers, n.pool, n.bus, log)

	n.repl = replication.New(replication.Config{
		ChunkSize:              cfg.Replication.ChunkSize,
		MaxConcurrentDownloads: cfg.Replication.MaxConcurrentDownloads,
		ScanInterval:           cfg.Replication.ScanInterval,
		MaxFileSize:            cfg.Replication.MaxFileSize,
	}, store.NewFileStore(gdb), b, n.registry, n.pool, n.bus, log)

	n.registry.Register(n.server)
	n.heart.Register(n.server)
	n.repl.Register(n.server)

	n.metrics = metrics.New(n.promReg)
	n.metrics.WatchPool(n.pool)
	n.detach = n.metrics.Attach(n.bus)

	return n, nil
}

// Start runs the node until ctx is done: the listener first, then identity
// resolution, then the heartbeat loop, then peer reconciliation and the
// replication scanner.
func (n *Node) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return n.server.Start(gctx)
	})

	id, err := n.registry.ResolveIdentity(gctx)
	if err != nil {
		_ = n.server.Shutdown()
		_ = g.Wait()
		n.registry.Wait()
		return err
	}
	n.pool.Configure(transport.Identity{PeerID: id.String(), Port: n.cfg.Port})
	n.logger.WithField("peer_id", id).Infof("Node running on %s, announcing %s", n.server.Addr(), n.cfg.Self())

	g.Go(func() error {
		n.heart.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := n.registry.InitializePeers(gctx); err != nil && gctx.Err() == nil {
			n.logger.Warnf("Peer reconciliation failed: %v", err)
		}
		return nil
	})
	g.Go(func() error {
		n.repl.Run(gctx)
		return nil
	})

	if addr := n.cfg.Metrics.Listen; addr != "" {
		srv := &http.Server{Addr: addr, Handler: metrics.Handler(n.promReg), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			n.logger.Infof("Serving metrics on %s/metrics", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				n.logger.Errorf("Metrics server stopped: %v", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			return nil
		})
	}

	err = g.Wait()
	n.registry.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases the listener, the pool and the database.
func (n *Node) Close() error {
	n.detach()
	n.pool.Shutdown()
	return errors.Join(n.server.Shutdown(), db.Close(n.db))
}

func (n *Node) ID() (uuid.UUID, bool) { return n.registry.LocalID() }
func (n *Node) Addr() string { return n.server.Addr() }
func (n *Node) Port() int { return n.server.Port() }
func (n *Node) Bus() *events.Bus { return n.bus }
func (n *Node) Registry() *registry.Registry { return n.registry }
func (n *Node) Replicator() *replication.Replicator { return n.repl }
func (n *Node) Pool() *pool.Pool { return n.pool }
func (n *Node) Metrics() *metrics.Metrics { return n.metrics }
