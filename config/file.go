package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadFile loads configuration values from a .conf file.
// Format: key = value (one per line, # for comments)
func LoadFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("line %d: invalid format (expected key = value)", lineNum)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		values[key] = value
	}

	return values, scanner.Err()
}

// ApplyFileConfig applies file configuration to a Config struct.
func ApplyFileConfig(cfg *Config, values map[string]string) error {
	for key, value := range values {
		if err := setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

// setConfigValue sets a config value by key. Unknown keys are ignored so a
// newer config file still loads on an older binary.
func setConfigValue(cfg *Config, key, value string) error {
	switch key {
	// Identity and directories
	case "layer":
		cfg.Layer = strings.ToLower(value)
	case "statedir":
		cfg.StateDir = value
	case "datadir":
		cfg.DataDir = value
	case "shared":
		cfg.SharedDir = value

	// Store
	case "store.backend", "store":
		cfg.Store.Backend = StoreBackend(strings.ToLower(value))
	case "store.etcd":
		cfg.Store.EtcdEndpoints = parseStringList(value)
	case "store.etcd.root":
		cfg.Store.EtcdRoot = value

	// Timing
	case "heartbeat.interval":
		d, err := parseDuration(value)
		if err != nil {
			return err
		}
		cfg.Heartbeat.Interval = d
	case "heartbeat.threshold":
		d, err := parseDuration(value)
		if err != nil {
			return err
		}
		cfg.Heartbeat.Threshold = d
	case "identity.interval":
		d, err := parseDuration(value)
		if err != nil {
			return err
		}
		cfg.Identity.Interval = d
	case "inject.interval":
		d, err := parseDuration(value)
		if err != nil {
			return err
		}
		cfg.Inject.Interval = d

	case "cluster.secret":
		cfg.Cluster.Secret = value
	case "respawn.strategy":
		cfg.Respawn.Strategy = RespawnStrategy(strings.ToLower(value))

	// RPC
	case "rpc.enabled", "rpc":
		cfg.RPC.Enabled = parseBool(value)
	case "rpc.addr":
		cfg.RPC.Addr = value
	case "rpc.port":
		port, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.RPC.Port = port
	case "rpc.allowed":
		cfg.RPC.AllowedIPs = parseStringList(value)
	case "rpc.metrics":
		cfg.RPC.Metrics = parseBool(value)

	// P2P
	case "p2p.enabled", "p2p":
		cfg.P2P.Enabled = parseBool(value)
	case "p2p.listen":
		cfg.P2P.ListenAddr = value
	case "p2p.port":
		port, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.P2P.Port = port
	case "p2p.seeds":
		cfg.P2P.Seeds = parseStringList(value)
	case "p2p.key":
		cfg.P2P.KeyFile = value

	// Logging
	case "log.level":
		cfg.Log.Level = value
	case "log.file":
		cfg.Log.File = value
	case "log.json":
		cfg.Log.JSON = parseBool(value)
	}
	return nil
}

// parseDuration accepts Go duration strings ("5s") or bare milliseconds.
func parseDuration(s string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(s)
}

// parseBool parses a boolean value.
func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// parseStringList parses a comma-separated list.
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// WriteDefaultConfig writes a default configuration file.
func WriteDefaultConfig(path string) error {
	content := `# Klingmesh Node Configuration
#
# The mesh topology (ports, adjacency, tokens) lives in <shared>/layers.json
# and must be identical on every layer. This file holds per-process settings.

# Layer this process runs as: gateway, l1, l2, core-a, core-b.
# When unset, the layer is derived from a /swarm/<name> path segment in
# statedir or in the config file path.
# layer = l2

# Shared directory (topology override, CORE.md, file-backed records)
# shared = ~/.klingmesh/swarm/shared

# ============================================================================
# Record Store
# ============================================================================

# Backend: file, badger, etcd, memory
# badger and memory are private to one layer and need p2p.enabled = true
store.backend = file
# store.etcd = 127.0.0.1:2379
# store.etcd.root = /klingmesh/

# ============================================================================
# Timing (Go durations or milliseconds)
# ============================================================================

heartbeat.interval = 5s
heartbeat.threshold = 12s
identity.interval = 60s
inject.interval = 30s

# ============================================================================
# Cluster
# ============================================================================

# Shared secret for deriving per-layer RPC credentials
# cluster.secret =

# Respawn candidate ordering: priority or distance
respawn.strategy = priority

# ============================================================================
# RPC Server
# ============================================================================

rpc.enabled = true
rpc.addr = 127.0.0.1
# rpc.port = 0 (use the layer's topology port)
rpc.allowed = 127.0.0.1
rpc.metrics = true

# ============================================================================
# Heartbeat Gossip
# ============================================================================

p2p.enabled = false
p2p.listen = 0.0.0.0
p2p.port = 30400
# p2p.seeds = /ip4/10.0.0.2/tcp/30400/p2p/12D3KooW...

# ============================================================================
# Logging
# ============================================================================

log.level = info
# log.file =
log.json = false
`
	return os.WriteFile(path, []byte(content), 0644)
}
