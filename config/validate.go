package config

import (
	"fmt"
	"strings"
)

// Validate checks runtime config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Heartbeat.Interval <= 0 {
		return fmt.Errorf("heartbeat.interval must be positive")
	}
	// A threshold below two intervals turns a single late write into a
	// false death.
	if cfg.Heartbeat.Threshold < 2*cfg.Heartbeat.Interval {
		return fmt.Errorf("heartbeat.threshold (%s) must be at least 2x heartbeat.interval (%s)",
			cfg.Heartbeat.Threshold, cfg.Heartbeat.Interval)
	}
	if cfg.Identity.Interval <= 0 {
		return fmt.Errorf("identity.interval must be positive")
	}
	if cfg.Inject.Interval <= 0 {
		return fmt.Errorf("inject.interval must be positive")
	}

	switch cfg.Store.Backend {
	case StoreFile:
	case StoreBadger, StoreMemory:
		// Both are private to one process; other layers only see its
		// records through the gossip relay.
		if !cfg.P2P.Enabled {
			return fmt.Errorf("store.backend=%s is private to one layer and requires p2p.enabled", cfg.Store.Backend)
		}
	case StoreEtcd:
		if len(cfg.Store.EtcdEndpoints) == 0 {
			return fmt.Errorf("store.backend=etcd requires store.etcd endpoints")
		}
		if !strings.HasSuffix(cfg.Store.EtcdRoot, "/") {
			cfg.Store.EtcdRoot += "/"
		}
	default:
		return fmt.Errorf("store.backend must be file, badger, etcd, or memory")
	}

	switch cfg.Respawn.Strategy {
	case "":
		cfg.Respawn.Strategy = RespawnPriority
	case RespawnPriority, RespawnDistance:
	default:
		return fmt.Errorf("respawn.strategy must be priority or distance")
	}

	if cfg.RPC.Port < 0 || cfg.RPC.Port > 65535 {
		return fmt.Errorf("rpc.port must be in range [0, 65535]")
	}
	if cfg.P2P.Port < 0 || cfg.P2P.Port > 65535 {
		return fmt.Errorf("p2p.port must be in range [0, 65535]")
	}
	if cfg.SharedDir == "" {
		return fmt.Errorf("shared directory is not set")
	}
	return nil
}
