// Package config loads node configuration from YAML.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/chatmesh/meshd/internal/transport"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPort                   = 22200
	DefaultChunkSize              = 512 * 1024
	DefaultPoolWorkers            = 4
	DefaultMaxConnections         = 50
	DefaultMaxConcurrentDownloads = 3
	DefaultMaxFileSize            = 1 << 30

	defaultDatabase = "meshd.sqlite3"
)

type Config struct {
	ListenIP       string            `yaml:"listen_ip"`
	AdvertiseIP    string            `yaml:"advertise_ip"`
	Port           int               `yaml:"port"`
	BootstrapNodes string            `yaml:"bootstrap_nodes"`
	DataDir        string            `yaml:"data_dir"`
	Database       string            `yaml:"database"`
	LogLevel       string            `yaml:"log_level"`
	Pool           PoolConfig        `yaml:"pool"`
	Timeouts       TimeoutConfig     `yaml:"timeouts"`
	Heartbeat      HeartbeatConfig   `yaml:"heartbeat"`
	Server         ServerConfig      `yaml:"server"`
	Replication    ReplicationConfig `yaml:"replication"`
	Registry       RegistryConfig    `yaml:"registry"`
	Metrics        MetricsConfig     `yaml:"metrics"`
}

type PoolConfig struct {
	Workers int `yaml:"workers"`
}

type TimeoutConfig struct {
	Request   time.Duration `yaml:"request"`
	Liveness  time.Duration `yaml:"liveness"`
	Bootstrap time.Duration `yaml:"bootstrap"`
}

type HeartbeatConfig struct {
	Interval        time.Duration `yaml:"interval"`
	LivenessTimeout time.Duration `yaml:"liveness_timeout"`
}

type ServerConfig struct {
	MaxConnections int `yaml:"max_connections"`
}

type ReplicationConfig struct {
	ChunkSize              int           `yaml:"chunk_size"`
	MaxConcurrentDownloads int           `yaml:"max_concurrent_downloads"`
	ScanInterval           time.Duration `yaml:"scan_interval"`
	MaxFileSize            int64         `yaml:"max_file_size"`
}

type RegistryConfig struct {
	ReconcileDelay time.Duration `yaml:"reconcile_delay"`
	IngestDelay    time.Duration `yaml:"ingest_delay"`
}

// MetricsConfig enables the Prometheus endpoint when Listen is set.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML file and fills in defaults. A missing file is not an
// error; the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if strings.HasPrefix(c.DataDir, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			c.DataDir = filepath.Join(home, c.DataDir[2:])
		}
	}
	if c.Database == "" {
		c.Database = filepath.Join(c.DataDir, defaultDatabase)
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Pool.Workers == 0 {
		c.Pool.Workers = DefaultPoolWorkers
	}
	if c.Timeouts.Request == 0 {
		c.Timeouts.Request = 10 * time.Second
	}
	if c.Timeouts.Liveness == 0 {
		c.Timeouts.Liveness = 3 * time.Second
	}
	if c.Timeouts.Bootstrap == 0 {
		c.Timeouts.Bootstrap = 5 * time.Second
	}
	if c.Heartbeat.Interval == 0 {
		c.Heartbeat.Interval = 30 * time.Second
	}
	if c.Heartbeat.LivenessTimeout == 0 {
		c.Heartbeat.LivenessTimeout = 60 * time.Second
	}
	if c.Server.MaxConnections == 0 {
		c.Server.MaxConnections = DefaultMaxConnections
	}
	if c.Replication.ChunkSize == 0 {
		c.Replication.ChunkSize = DefaultChunkSize
	}
	if c.Replication.MaxConcurrentDownloads == 0 {
		c.Replication.MaxConcurrentDownloads = DefaultMaxConcurrentDownloads
	}
	if c.Replication.MaxFileSize == 0 {
		c.Replication.MaxFileSize = DefaultMaxFileSize
	}
	if c.Replication.ScanInterval == 0 {
		c.Replication.ScanInterval = 60 * time.Second
	}
	if c.Registry.ReconcileDelay == 0 {
		c.Registry.ReconcileDelay = 2 * time.Second
	}
	if c.Registry.IngestDelay == 0 {
		c.Registry.IngestDelay = time.Second
	}
}

// Validate checks if the configuration is usable.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if c.ListenIP != "" && net.ParseIP(c.ListenIP) == nil {
		return fmt.Errorf("invalid listen_ip %q", c.ListenIP)
	}
	if c.AdvertiseIP != "" && net.ParseIP(c.AdvertiseIP) == nil {
		return fmt.Errorf("invalid advertise_ip %q", c.AdvertiseIP)
	}
	if c.Pool.Workers < 1 {
		return fmt.Errorf("pool.workers must be at least 1")
	}
	if c.Server.MaxConnections < 1 {
		return fmt.Errorf("server.max_connections must be at least 1")
	}
	if c.Replication.ChunkSize < 1 {
		return fmt.Errorf("replication.chunk_size must be positive")
	}
	if c.Replication.MaxConcurrentDownloads < 1 {
		return fmt.Errorf("replication.max_concurrent_downloads must be at least 1")
	}
	if c.Replication.MaxFileSize < 1 {
		return fmt.Errorf("replication.max_file_size must be positive")
	}
	if c.Heartbeat.LivenessTimeout <= c.Heartbeat.Interval {
		return fmt.Errorf("heartbeat.liveness_timeout must exceed heartbeat.interval")
	}
	return nil
}

// ListenAddr is the address the P2P server binds.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.ListenIP, strconv.Itoa(c.Port))
}

// Self is the address this node announces to peers: advertise_ip, then a
// specific listen_ip, then the first non-loopback interface address.
func (c *Config) Self() Address {
	ip := c.AdvertiseIP
	if ip == "" && c.ListenIP != "" && !net.ParseIP(c.ListenIP).IsUnspecified() {
		ip = c.ListenIP
	}
	if ip == "" {
		ip = interfaceIP()
	}
	return Address{IP: ip, Port: c.Port}
}

func interfaceIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() || ipnet.IP.IsLinkLocalUnicast() {
			continue
		}
		if v4 := ipnet.IP.To4(); v4 != nil {
			return v4.String()
		}
	}
	return "127.0.0.1"
}

// SetDataDir moves the data directory. A database left at its default
// location moves with it.
func (c *Config) SetDataDir(dir string) {
	if c.Database == filepath.Join(c.DataDir, defaultDatabase) {
		c.Database = filepath.Join(dir, defaultDatabase)
	}
	c.DataDir = dir
}

func (c *Config) BucketDir() string {
	return filepath.Join(c.DataDir, "bucket")
}

// Address is one parsed bootstrap entry.
type Address struct {
	IP   string
	Port int
}

func (a Address) String() string {
	return net.JoinHostPort(a.IP, strconv.Itoa(a.Port))
}

// ParseBootstrapNodes splits "ip:port,ip:port". Entries that do not parse
// are returned separately so callers can log them.
func ParseBootstrapNodes(s string) (nodes []Address, invalid []string) {
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		addr, err := ParseAddress(entry)
		if err != nil {
			invalid = append(invalid, entry)
			continue
		}
		nodes = append(nodes, addr)
	}
	return nodes, invalid
}

func ParseAddress(s string) (Address, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(s))
	if err != nil {
		return Address{}, fmt.Errorf("%w: expected ip:port, got %q", transport.ErrInvalidAddress, s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Address{}, fmt.Errorf("%w: bad port in %q", transport.ErrInvalidAddress, s)
	}
	if strings.TrimSpace(host) == "" {
		return Address{}, fmt.Errorf("%w: missing host in %q", transport.ErrInvalidAddress, s)
	}
	return Address{IP: host, Port: port}, nil
}
