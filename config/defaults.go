package config

import "time"

// Reference timings. The threshold tolerates one missed beat.
const (
	DefaultHeartbeatInterval  = 5 * time.Second
	DefaultHeartbeatThreshold = 12 * time.Second
	DefaultIdentityInterval   = 60 * time.Second
	DefaultInjectInterval     = 30 * time.Second
)

// Default returns the default process configuration.
func Default() *Config {
	return &Config{
		DataDir:   DefaultDataDir(),
		SharedDir: DefaultSharedDir(),
		Store: StoreConfig{
			Backend:  StoreFile,
			EtcdRoot: "/klingmesh/",
		},
		Heartbeat: HeartbeatConfig{
			Interval:  DefaultHeartbeatInterval,
			Threshold: DefaultHeartbeatThreshold,
		},
		Identity: IdentityConfig{
			Interval: DefaultIdentityInterval,
		},
		Inject: InjectConfig{
			Interval: DefaultInjectInterval,
		},
		Respawn: RespawnConfig{
			Strategy: RespawnPriority,
		},
		RPC: RPCConfig{
			Enabled:    true,
			Addr:       "127.0.0.1",
			AllowedIPs: []string{"127.0.0.1"},
			Metrics:    true,
		},
		P2P: P2PConfig{
			Enabled:    false,
			ListenAddr: "0.0.0.0",
			Port:       30400,
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}
