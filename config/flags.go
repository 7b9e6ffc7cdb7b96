package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
)

// Environment hints read once at startup.
const (
	EnvLayer      = "MESH_LAYER"
	EnvStateDir   = "MESH_STATE_DIR"
	EnvConfigPath = "MESH_CONFIG_PATH"
)

// Flags holds parsed command-line flags.
type Flags struct {
	// Commands
	Help    bool
	Version bool

	// Identity and directories
	Layer    string
	StateDir string
	DataDir  string
	Shared   string
	Config   string

	// Store
	Store string
	Etcd  string

	// Timing and cluster
	Interval  string
	Threshold string
	Secret    string
	Strategy  string

	// RPC
	RPC        bool
	RPCAddr    string
	RPCPort    int
	RPCAllowed string

	// P2P
	P2P     bool
	P2PPort int
	Seeds   string

	// Logging
	LogLevel string
	LogFile  string
	LogJSON  bool

	// Remaining args
	Args []string

	// Explicitly-set bool flags (for true/false overrides).
	SetRPC     bool
	SetP2P     bool
	SetLogJSON bool
}

// ParseArgs parses command-line arguments (without the program name).
func ParseArgs(args []string) (*Flags, error) {
	f := &Flags{}
	fs := flag.NewFlagSet("meshd", flag.ContinueOnError)

	// Commands
	fs.BoolVar(&f.Help, "help", false, "Show help message")
	fs.BoolVar(&f.Help, "h", false, "Show help message (shorthand)")
	fs.BoolVar(&f.Version, "version", false, "Show version information")
	fs.BoolVar(&f.Version, "v", false, "Show version (shorthand)")

	// Identity and directories
	fs.StringVar(&f.Layer, "layer", "", "Layer this process runs as")
	fs.StringVar(&f.StateDir, "state-dir", "", "Per-layer state directory (layer hint)")
	fs.StringVar(&f.DataDir, "datadir", "", "Data directory path")
	fs.StringVar(&f.Shared, "shared", "", "Shared directory path")
	fs.StringVar(&f.Config, "config", "", "Config file path (layer hint)")
	fs.StringVar(&f.Config, "c", "", "Config file path (shorthand)")

	// Store
	fs.StringVar(&f.Store, "store", "", "Record store backend (file, badger, etcd, memory)")
	fs.StringVar(&f.Etcd, "etcd", "", "etcd endpoints (comma-separated)")

	// Timing and cluster
	fs.StringVar(&f.Interval, "heartbeat-interval", "", "Heartbeat write interval")
	fs.StringVar(&f.Threshold, "heartbeat-threshold", "", "Heartbeat staleness threshold")
	fs.StringVar(&f.Secret, "cluster-secret", "", "Shared secret for credential derivation")
	fs.StringVar(&f.Strategy, "respawn-strategy", "", "Respawn candidate ordering (priority, distance)")

	// RPC
	fs.BoolVar(&f.RPC, "rpc", true, "Enable RPC server")
	fs.StringVar(&f.RPCAddr, "rpc-addr", "", "RPC listen address")
	fs.IntVar(&f.RPCPort, "rpc-port", 0, "RPC listen port (default: topology port)")
	fs.StringVar(&f.RPCAllowed, "rpc-allowed", "", "Allowed IPs for RPC")

	// P2P
	fs.BoolVar(&f.P2P, "p2p", false, "Enable heartbeat gossip")
	fs.IntVar(&f.P2PPort, "p2p-port", 0, "Gossip listen port")
	fs.StringVar(&f.Seeds, "seeds", "", "Gossip seeds as comma-separated libp2p multiaddrs")

	// Logging
	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.LogFile, "log-file", "", "Log file path")
	fs.BoolVar(&f.LogJSON, "log-json", false, "Output logs as JSON")

	fs.SetOutput(os.Stderr)
	fs.Usage = printUsage

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	f.SetRPC = isFlagSet(fs, "rpc")
	f.SetP2P = isFlagSet(fs, "p2p")
	f.SetLogJSON = isFlagSet(fs, "log-json")
	f.Args = fs.Args()

	for _, arg := range f.Args {
		if strings.HasPrefix(arg, "-") {
			return nil, fmt.Errorf("flag %q was not parsed (positional argument stopped parsing)", arg)
		}
	}
	return f, nil
}

// ApplyEnv fills identity hints from the environment. Values already set
// by the config file are overwritten; flags are applied afterwards.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if v := strings.TrimSpace(getenv(EnvLayer)); v != "" {
		cfg.Layer = strings.ToLower(v)
	}
	if v := strings.TrimSpace(getenv(EnvStateDir)); v != "" {
		cfg.StateDir = v
	}
	if v := strings.TrimSpace(getenv(EnvConfigPath)); v != "" && cfg.ConfigPath == "" {
		cfg.ConfigPath = v
	}
}

// ApplyFlags applies command-line flags to a Config struct.
func ApplyFlags(cfg *Config, f *Flags) error {
	if f.Layer != "" {
		cfg.Layer = strings.ToLower(f.Layer)
	}
	if f.StateDir != "" {
		cfg.StateDir = f.StateDir
	}
	if f.DataDir != "" {
		cfg.DataDir = f.DataDir
	}
	if f.Shared != "" {
		cfg.SharedDir = f.Shared
	}
	if f.Config != "" {
		cfg.ConfigPath = f.Config
	}

	if f.Store != "" {
		cfg.Store.Backend = StoreBackend(strings.ToLower(f.Store))
	}
	if f.Etcd != "" {
		cfg.Store.EtcdEndpoints = parseStringList(f.Etcd)
	}

	if f.Interval != "" {
		d, err := parseDuration(f.Interval)
		if err != nil {
			return fmt.Errorf("--heartbeat-interval: %w", err)
		}
		cfg.Heartbeat.Interval = d
	}
	if f.Threshold != "" {
		d, err := parseDuration(f.Threshold)
		if err != nil {
			return fmt.Errorf("--heartbeat-threshold: %w", err)
		}
		cfg.Heartbeat.Threshold = d
	}
	if f.Secret != "" {
		cfg.Cluster.Secret = f.Secret
	}
	if f.Strategy != "" {
		cfg.Respawn.Strategy = RespawnStrategy(strings.ToLower(f.Strategy))
	}

	if f.SetRPC {
		cfg.RPC.Enabled = f.RPC
	}
	if f.RPCAddr != "" {
		cfg.RPC.Addr = f.RPCAddr
	}
	if f.RPCPort != 0 {
		cfg.RPC.Port = f.RPCPort
	}
	if f.RPCAllowed != "" {
		cfg.RPC.AllowedIPs = parseStringList(f.RPCAllowed)
	}

	if f.SetP2P {
		cfg.P2P.Enabled = f.P2P
	}
	if f.P2PPort != 0 {
		cfg.P2P.Port = f.P2PPort
	}
	if f.Seeds != "" {
		cfg.P2P.Seeds = parseStringList(f.Seeds)
	}

	if f.LogLevel != "" {
		cfg.Log.Level = f.LogLevel
	}
	if f.LogFile != "" {
		cfg.Log.File = f.LogFile
	}
	if f.SetLogJSON {
		cfg.Log.JSON = f.LogJSON
	}
	return nil
}

// isFlagSet checks if a flag was explicitly set.
func isFlagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func printUsage() {
	usage := `Klingmesh - liveness, respawn and identity coordination for a layered mesh

Usage:
  meshd [options]
  meshd --help

Commands:
  --help, -h      Show this help message
  --version, -v   Show version information

Identity Options:
  --layer         Layer to run as: gateway, l1, l2, core-a, core-b
                  (env MESH_LAYER)
  --state-dir     State directory; /swarm/<layer> in the path selects the
                  layer when --layer is not given (env MESH_STATE_DIR)
  --config, -c    Config file path; also used as a layer hint
                  (env MESH_CONFIG_PATH, default: <datadir>/klingmesh.conf)

Core Options:
  --datadir       Data directory (default: ~/.klingmesh)
  --shared        Shared directory (default: ~/.klingmesh/swarm/shared)
  --store         Record store: file (default), badger, etcd, memory
                  (badger and memory require --p2p)
  --etcd          etcd endpoints (comma-separated)
  --heartbeat-interval   Heartbeat write interval (default: 5s)
  --heartbeat-threshold  Staleness threshold (default: 12s)
  --cluster-secret       Derive per-layer credentials from this secret
  --respawn-strategy     priority (default) or distance

RPC Options:
  --rpc           Enable RPC server (default: true)
  --rpc-addr      RPC listen address (default: 127.0.0.1)
  --rpc-port      RPC port (default: the layer's topology port)
  --rpc-allowed   Allowed IPs for RPC (comma-separated)

Gossip Options:
  --p2p           Relay heartbeats over libp2p gossip (default: false)
  --p2p-port      Gossip listen port (default: 30400)
  --seeds         Seed peers as comma-separated libp2p multiaddrs

Logging Options:
  --log-level     Log level: debug, info, warn, error (default: info)
  --log-file      Log file path (default: stdout)
  --log-json      Output logs as JSON

Examples:
  # Run the relay layer with defaults
  meshd --layer=l2

  # Derive the layer from the state directory
  MESH_STATE_DIR=~/.klingmesh/swarm/core-a meshd

  # Share records through etcd instead of the filesystem
  meshd --layer=core-b --store=etcd --etcd=10.0.0.5:2379
`
	fmt.Print(usage)
}

// ErrExit is returned by Load when --help or --version was handled.
var ErrExit = errors.New("exit requested")

// Version is reported by --version.
const Version = "0.1.0"

// Load loads configuration with the following precedence:
// 1. Default values
// 2. Config file
// 3. Environment hints
// 4. Command-line flags
func Load(args []string, getenv func(string) string) (*Config, *Flags, error) {
	flags, err := ParseArgs(args)
	if err != nil {
		return nil, nil, err
	}
	if flags.Help {
		printUsage()
		return nil, flags, ErrExit
	}
	if flags.Version {
		fmt.Println("meshd version " + Version)
		return nil, flags, ErrExit
	}

	cfg := Default()
	if flags.DataDir != "" {
		cfg.DataDir = flags.DataDir
	}
	ApplyEnv(cfg, getenv)
	if flags.Config != "" {
		cfg.ConfigPath = flags.Config
	}

	fileValues, err := LoadFile(cfg.ConfigFile())
	if err != nil {
		return nil, nil, fmt.Errorf("loading config file: %w", err)
	}
	if err := ApplyFileConfig(cfg, fileValues); err != nil {
		return nil, nil, fmt.Errorf("applying config file: %w", err)
	}

	// Env hints outrank the file.
	ApplyEnv(cfg, getenv)
	if err := ApplyFlags(cfg, flags); err != nil {
		return nil, nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, flags, nil
}

// EnsureDirs creates the data and shared directories and a default config
// file if they don't already exist. Safe to call on every startup.
func EnsureDirs(cfg *Config) error {
	dirs := []string{cfg.DataDir, cfg.SharedDir, cfg.LogsDir()}
	if cfg.Store.Backend == StoreFile {
		dirs = append(dirs, cfg.RecordsDir())
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	configPath := cfg.ConfigFile()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := WriteDefaultConfig(configPath); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}
	}
	return nil
}
