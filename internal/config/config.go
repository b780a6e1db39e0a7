package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every error returned from Validate.
var ErrInvalid = errors.New("config: invalid")

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Pool     PoolConfig     `yaml:"pool"`
	Listen   ListenConfig   `yaml:"listen"`
	Mock     MockConfig     `yaml:"mock"`
	Observer ObserverConfig `yaml:"observer"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AuthToken      string   `yaml:"auth_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxConnections int      `yaml:"max_connections"`
}

// PoolConfig configures the channel pool underneath the session pool.
type PoolConfig struct {
	MaxConnections          int           `yaml:"max_connections"`
	BlobBasedReads          bool          `yaml:"blob_based_reads"`
	ReadBufferSize          int           `yaml:"read_buffer_size"`
	WriteCacheLowWatermark  int           `yaml:"write_cache_low_watermark"`
	WriteCacheHighWatermark int           `yaml:"write_cache_high_watermark"`
	AbortPollInterval       time.Duration `yaml:"abort_poll_interval"`
	NoDelay                 bool          `yaml:"no_delay"`
	KeepAlive               time.Duration `yaml:"keep_alive"`
}

type ListenConfig struct {
	Address      string `yaml:"address"`
	Backlog      int    `yaml:"backlog"`
	ReuseAddress bool   `yaml:"reuse_address"`
}

type MockConfig struct {
	Clients       int           `yaml:"clients"`
	Attempts      int           `yaml:"attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	PayloadSize   int           `yaml:"payload_size"`
	SendInterval  time.Duration `yaml:"send_interval"`
	ChurnInterval time.Duration `yaml:"churn_interval"`
}

type ObserverConfig struct {
	BroadcastThrottle time.Duration `yaml:"broadcast_throttle"`
	SnapshotInterval  time.Duration `yaml:"snapshot_interval"`
	RetainTerminal    time.Duration `yaml:"retain_terminal"`
	Privacy           PrivacyConfig `yaml:"privacy"`
}

// PrivacyConfig controls what the observer exposes about peers.
type PrivacyConfig struct {
	MaskPeerAddrs  bool     `yaml:"mask_peer_addrs"`
	MaskLocalAddrs bool     `yaml:"mask_local_addrs"`
	AllowedNets    []string `yaml:"allowed_nets"`
	BlockedNets    []string `yaml:"blocked_nets"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return defaultConfig()
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		Pool: DefaultPoolConfig(),
		Listen: ListenConfig{
			Address:      "127.0.0.1:7070",
			Backlog:      128,
			ReuseAddress: true,
		},
		Mock: MockConfig{
			Clients:       4,
			Attempts:      5,
			RetryInterval: 500 * time.Millisecond,
			PayloadSize:   256,
			SendInterval:  time.Second,
			ChurnInterval: 10 * time.Second,
		},
		Observer: ObserverConfig{
			BroadcastThrottle: 100 * time.Millisecond,
			SnapshotInterval:  5 * time.Second,
			RetainTerminal:    30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultPoolConfig returns the channel pool defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxConnections:          1024,
		BlobBasedReads:          true,
		ReadBufferSize:          8192,
		WriteCacheLowWatermark:  0,
		WriteCacheHighWatermark: 1 << 20,
		AbortPollInterval:       10 * time.Millisecond,
		NoDelay:                 true,
		KeepAlive:               30 * time.Second,
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadOrDefault behaves like Load but returns the defaults when path does
// not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return defaultConfig(), nil
	}
	return cfg, err
}

func (c *Config) Validate() error {
	if err := c.Pool.Validate(); err != nil {
		return err
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port %d out of range", ErrInvalid, c.Server.Port)
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("%w: server.max_connections must be >= 0", ErrInvalid)
	}
	if c.Listen.Backlog < 0 {
		return fmt.Errorf("%w: listen.backlog must be >= 0", ErrInvalid)
	}
	if c.Mock.Clients < 0 || c.Mock.PayloadSize < 0 {
		return fmt.Errorf("%w: mock sizes must be >= 0", ErrInvalid)
	}
	if c.Mock.Clients > 0 && c.Mock.Attempts <= 0 {
		return fmt.Errorf("%w: mock.attempts must be > 0", ErrInvalid)
	}
	return nil
}

func (p PoolConfig) Validate() error {
	if p.MaxConnections < 0 {
		return fmt.Errorf("%w: pool.max_connections must be >= 0", ErrInvalid)
	}
	if p.ReadBufferSize <= 0 {
		return fmt.Errorf("%w: pool.read_buffer_size must be > 0", ErrInvalid)
	}
	if p.WriteCacheLowWatermark < 0 || p.WriteCacheHighWatermark < 0 {
		return fmt.Errorf("%w: pool write cache watermarks must be >= 0", ErrInvalid)
	}
	if p.WriteCacheHighWatermark == 0 {
		return fmt.Errorf("%w: pool.write_cache_high_watermark must be > 0", ErrInvalid)
	}
	if p.WriteCacheLowWatermark > p.WriteCacheHighWatermark {
		return fmt.Errorf("%w: pool.write_cache_low_watermark %d > high %d",
			ErrInvalid, p.WriteCacheLowWatermark, p.WriteCacheHighWatermark)
	}
	if p.AbortPollInterval <= 0 {
		return fmt.Errorf("%w: pool.abort_poll_interval must be > 0", ErrInvalid)
	}
	return nil
}

// GenerateToken returns a random 128-bit hex token for observer auth.
func GenerateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Diff lists the settings that differ between old and new, one
// human-readable line per change. Used to log SIGHUP reloads.
func Diff(old, new *Config) []string {
	var changes []string
	add := func(name string, a, b any) {
		if fmt.Sprint(a) != fmt.Sprint(b) {
			changes = append(changes, fmt.Sprintf("%s: %v → %v", name, a, b))
		}
	}

	add("log.level", old.Log.Level, new.Log.Level)
	add("log.format", old.Log.Format, new.Log.Format)
	add("observer.broadcast_throttle", old.Observer.BroadcastThrottle, new.Observer.BroadcastThrottle)
	add("observer.snapshot_interval", old.Observer.SnapshotInterval, new.Observer.SnapshotInterval)
	add("observer.retain_terminal", old.Observer.RetainTerminal, new.Observer.RetainTerminal)
	add("observer.privacy.mask_peer_addrs", old.Observer.Privacy.MaskPeerAddrs, new.Observer.Privacy.MaskPeerAddrs)
	add("observer.privacy.allowed_nets", old.Observer.Privacy.AllowedNets, new.Observer.Privacy.AllowedNets)
	add("observer.privacy.blocked_nets", old.Observer.Privacy.BlockedNets, new.Observer.Privacy.BlockedNets)
	add("pool.max_connections", old.Pool.MaxConnections, new.Pool.MaxConnections)
	add("pool.write_cache_low_watermark", old.Pool.WriteCacheLowWatermark, new.Pool.WriteCacheLowWatermark)
	add("pool.write_cache_high_watermark", old.Pool.WriteCacheHighWatermark, new.Pool.WriteCacheHighWatermark)
	add("pool.abort_poll_interval", old.Pool.AbortPollInterval, new.Pool.AbortPollInterval)
	add("listen.address", old.Listen.Address, new.Listen.Address)
	add("mock.clients", old.Mock.Clients, new.Mock.Clients)
	add("server.port", old.Server.Port, new.Server.Port)
	add("server.host", old.Server.Host, new.Server.Host)
	add("server.allowed_origins", old.Server.AllowedOrigins, new.Server.AllowedOrigins)

	return changes
}
