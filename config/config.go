// Package config handles meshd configuration.
//
// Settings come from four places, lowest precedence first: built-in
// defaults, the klingmesh.conf file, the MESH_* environment hints and
// command-line flags. The mesh topology itself is not part of Config; it is
// loaded separately from <shared>/layers.json by the topology package.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// StoreBackend selects the key/value backend that holds heartbeat and
// identity records.
type StoreBackend string

const (
	StoreFile   StoreBackend = "file"
	StoreBadger StoreBackend = "badger"
	StoreEtcd   StoreBackend = "etcd"
	StoreMemory StoreBackend = "memory"
)

// RespawnStrategy selects how respawn candidates are ordered.
type RespawnStrategy string

const (
	RespawnPriority RespawnStrategy = "priority"
	RespawnDistance RespawnStrategy = "distance"
)

// Config holds per-process runtime configuration.
type Config struct {
	// Identity hints. Layer is the explicit override; StateDir and
	// ConfigPath are matched against /swarm/<name> when Layer is empty.
	Layer      string `conf:"layer"`
	StateDir   string `conf:"statedir"`
	ConfigPath string // not persisted in config file

	// Directories
	DataDir   string `conf:"datadir"`
	SharedDir string `conf:"shared"`

	Store     StoreConfig
	Heartbeat HeartbeatConfig
	Identity  IdentityConfig
	Inject    InjectConfig
	Cluster   ClusterConfig
	Respawn   RespawnConfig

	RPC RPCConfig
	P2P P2PConfig
	Log LogConfig
}

// StoreConfig holds record storage settings.
type StoreConfig struct {
	Backend       StoreBackend `conf:"store.backend"`
	EtcdEndpoints []string     `conf:"store.etcd"`
	EtcdRoot      string       `conf:"store.etcd.root"`
}

// HeartbeatConfig holds liveness timing.
type HeartbeatConfig struct {
	Interval  time.Duration `conf:"heartbeat.interval"`
	Threshold time.Duration `conf:"heartbeat.threshold"`
}

// IdentityConfig holds the identity fingerprint cadence (core nodes only).
type IdentityConfig struct {
	Interval time.Duration `conf:"identity.interval"`
}

// InjectConfig holds the degradation check cadence (guardian node only).
type InjectConfig struct {
	Interval time.Duration `conf:"inject.interval"`
}

// ClusterConfig holds settings shared by every node of one mesh.
type ClusterConfig struct {
	// Secret, when set, replaces the well-known per-layer tokens with
	// HKDF-derived credentials.
	Secret string `conf:"cluster.secret"`
}

// RespawnConfig holds respawn coordinator settings.
type RespawnConfig struct {
	Strategy RespawnStrategy `conf:"respawn.strategy"`
}

// RPCConfig holds JSON-RPC server settings. When Port is 0 the port from the
// topology entry of the current layer is used.
type RPCConfig struct {
	Enabled    bool     `conf:"rpc.enabled"`
	Addr       string   `conf:"rpc.addr"`
	Port       int      `conf:"rpc.port"`
	AllowedIPs []string `conf:"rpc.allowed"`
	Metrics    bool     `conf:"rpc.metrics"`
}

// P2PConfig holds heartbeat gossip relay settings.
type P2PConfig struct {
	Enabled    bool     `conf:"p2p.enabled"`
	ListenAddr string   `conf:"p2p.listen"`
	Port       int      `conf:"p2p.port"`
	Seeds      []string `conf:"p2p.seeds"`
	KeyFile    string   `conf:"p2p.key"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.klingmesh
//	macOS:   ~/Library/Application Support/Klingmesh
//	Windows: %APPDATA%\Klingmesh
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".klingmesh"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Klingmesh")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "Klingmesh")
		}
		return filepath.Join(home, "AppData", "Roaming", "Klingmesh")
	default:
		return filepath.Join(home, ".klingmesh")
	}
}

// DefaultSharedDir returns the directory shared by all layers on one host.
func DefaultSharedDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".klingmesh", "swarm", "shared")
	}
	return filepath.Join(home, ".klingmesh", "swarm", "shared")
}

// RecordsDir returns the directory used by the file store backend.
func (c *Config) RecordsDir() string {
	return filepath.Join(c.SharedDir, "state")
}

// BadgerDir returns the Badger database directory. Badger holds an
// exclusive lock, so each layer gets its own.
func (c *Config) BadgerDir() string {
	return filepath.Join(c.DataDir, c.Layer, "db")
}

// TopologyFile returns the path of the optional topology override document.
func (c *Config) TopologyFile() string {
	return filepath.Join(c.SharedDir, "layers.json")
}

// IdentityDocument returns the path of the fingerprinted identity document.
func (c *Config) IdentityDocument() string {
	return filepath.Join(c.SharedDir, "CORE.md")
}

// NodeKeyFile returns the gossip signing key path.
func (c *Config) NodeKeyFile() string {
	if c.P2P.KeyFile != "" {
		return c.P2P.KeyFile
	}
	return filepath.Join(c.DataDir, c.Layer, "node.key")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	if c.ConfigPath != "" {
		return c.ConfigPath
	}
	return filepath.Join(c.DataDir, "klingmesh.conf")
}
