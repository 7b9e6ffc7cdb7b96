// Package node wires one mesh layer from its configuration and runs its
// periodic cycles. It can be embedded in any binary.
package node

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingmesh/config"
	"github.com/Klingon-tech/klingmesh/internal/governor"
	"github.com/Klingon-tech/klingmesh/internal/heartbeat"
	"github.com/Klingon-tech/klingmesh/internal/identity"
	"github.com/Klingon-tech/klingmesh/internal/inject"
	klog "github.com/Klingon-tech/klingmesh/internal/log"
	"github.com/Klingon-tech/klingmesh/internal/metrics"
	"github.com/Klingon-tech/klingmesh/internal/p2p"
	"github.com/Klingon-tech/klingmesh/internal/respawn"
	"github.com/Klingon-tech/klingmesh/internal/router"
	"github.com/Klingon-tech/klingmesh/internal/rpc"
	"github.com/Klingon-tech/klingmesh/internal/rpcclient"
	"github.com/Klingon-tech/klingmesh/internal/storage"
	"github.com/Klingon-tech/klingmesh/internal/topology"
	"github.com/Klingon-tech/klingmesh/pkg/crypto"
)

// Node is one fully wired layer.
type Node struct {
	cfg    *config.Config
	self   topology.Name
	topo   *topology.Topology
	logger zerolog.Logger

	// Core
	db          storage.DB
	heartbeats  *heartbeat.Store
	monitor     *heartbeat.Monitor
	router      *router.Router
	coordinator *respawn.Coordinator
	sync        *identity.Synchronizer
	injector    *inject.Injector // guardian only
	governor    *governor.Governor

	// Surfaces
	rpcServer *rpc.Server
	p2pNode   *p2p.Node

	// Lifecycle
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	inFlight map[string]*cycleGuard
}

// Option overrides a dependency, mostly for tests.
type Option func(*options)

type options struct {
	db        storage.DB
	transport router.Transport
	memory    governor.MemorySource
}

// WithDB uses db instead of opening the configured backend. The node
// closes it on Stop.
func WithDB(db storage.DB) Option { return func(o *options) { o.db = db } }

// WithTransport replaces the JSON-RPC transport.
func WithTransport(t router.Transport) Option { return func(o *options) { o.transport = t } }

// WithMemorySource replaces the runtime heap sampler.
func WithMemorySource(m governor.MemorySource) Option { return func(o *options) { o.memory = m } }

// New wires a node for layer self. The topology is built once by the
// caller and shared by every component. Background cycles start in Start.
func New(cfg *config.Config, topo *topology.Topology, self topology.Name, opts ...Option) (*Node, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if !topo.Has(self) {
		return nil, fmt.Errorf("layer %q is not in the topology", self)
	}
	logger := klog.WithLayer(string(self))

	for _, w := range topo.Validate() {
		logger.Warn().Str("issue", w).Msg("Topology validation warning")
	}

	// ── Storage ────────────────────────────────────────────────────
	db := o.db
	if db == nil {
		var err error
		db, err = openStore(cfg)
		if err != nil {
			return nil, err
		}
	}

	// ── Core components ────────────────────────────────────────────
	transport := o.transport
	if transport == nil {
		transport = rpcclient.NewTransport()
	}
	heartbeats := heartbeat.NewStore(db)
	monitor := heartbeat.NewMonitor(heartbeats, topo, cfg.Heartbeat.Threshold)
	rt := router.New(topo, transport)

	coordinator := respawn.NewCoordinator(topo, monitor, rt)
	coordinator.SetStrategy(respawn.StrategyByName(string(cfg.Respawn.Strategy)))

	n := &Node{
		cfg:         cfg,
		self:        self,
		topo:        topo,
		logger:      logger,
		db:          db,
		heartbeats:  heartbeats,
		monitor:     monitor,
		router:      rt,
		coordinator: coordinator,
		sync:        identity.NewSynchronizer(cfg.IdentityDocument(), db),
		governor:    governor.New(o.memory),
		inFlight:    make(map[string]*cycleGuard),
	}
	if self == topology.Guardian {
		n.injector = inject.NewInjector(rt, n.sync)
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())

	// ── RPC ────────────────────────────────────────────────────────
	if cfg.RPC.Enabled {
		addr, err := n.rpcListenAddr()
		if err != nil {
			db.Close()
			return nil, err
		}
		srv := rpc.New(addr, topo, self, cfg.RPC)
		srv.SetRouter(rt)
		srv.SetMonitor(monitor)
		srv.SetSynchronizer(n.sync)
		srv.SetGovernor(n.governor)
		srv.SetRespawnHandler(rpc.NewRespawnLog(cfg.Heartbeat.Threshold))
		if n.injector != nil {
			srv.SetInjector(n.injector)
		}
		n.rpcServer = srv
	}

	// ── Heartbeat relay ────────────────────────────────────────────
	if cfg.P2P.Enabled {
		key, err := crypto.LoadOrCreateKey(expandHome(cfg.NodeKeyFile()))
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("load gossip key: %w", err)
		}
		n.p2pNode = p2p.New(p2p.Config{
			ListenAddr: cfg.P2P.ListenAddr,
			Port:       cfg.P2P.Port,
			Seeds:      cfg.P2P.Seeds,
			Self:       self,
			Topology:   topo,
			Store:      heartbeats,
			Identity:   n.sync,
			Signer:     key,
			MaxSkew:    cfg.Heartbeat.Threshold,
			DB:         storage.NewPrefixDB(db, []byte(string(self)+"-")),
		})
		if n.rpcServer != nil {
			n.rpcServer.SetRelay(n.p2pNode)
		}
	}

	metrics.SetBuildInfo(config.Version, string(self))
	logger.Info().
		Str("store", string(cfg.Store.Backend)).
		Strs("adjacent", names(topo.Adjacent(self))).
		Dur("heartbeat_interval", cfg.Heartbeat.Interval).
		Dur("stale_threshold", cfg.Heartbeat.Threshold).
		Msg("Layer initialized")
	return n, nil
}

// Start writes the boot heartbeat, starts the servers and launches the
// periodic cycles.
func (n *Node) Start() error {
	if err := n.heartbeats.WriteStarting(n.self); err != nil {
		n.logger.Warn().Err(err).Msg("Failed to write starting heartbeat")
	} else {
		metrics.HeartbeatsWritten.WithLabelValues(string(heartbeat.StatusStarting)).Inc()
	}

	if n.rpcServer != nil {
		if err := n.rpcServer.Start(); err != nil {
			return fmt.Errorf("start rpc: %w", err)
		}
	}
	if n.p2pNode != nil {
		if err := n.p2pNode.Start(); err != nil {
			return fmt.Errorf("start p2p: %w", err)
		}
	}

	n.runLoop(loopHeartbeat, n.cfg.Heartbeat.Interval, n.heartbeatCycle)
	if topology.IsCore(n.self) {
		n.runLoop(loopIdentity, n.cfg.Identity.Interval, n.identityCycle)
	}
	if n.injector != nil {
		n.runLoop(loopInject, n.cfg.Inject.Interval, n.injectCycle)
	}

	n.logger.Info().Str("rpc", n.RPCAddr()).Bool("p2p", n.p2pNode != nil).Msg("Layer started")
	return nil
}

// Stop cancels the cycles, waits for them and releases resources.
func (n *Node) Stop() {
	n.cancel()
	n.wg.Wait()

	if n.rpcServer != nil {
		n.rpcServer.Stop()
	}
	if n.p2pNode != nil {
		n.p2pNode.Stop()
	}
	if n.db != nil {
		n.db.Close()
	}
	n.logger.Info().Msg("Goodbye!")
}

// Self returns the layer this node runs as.
func (n *Node) Self() topology.Name { return n.self }

// RPCAddr returns the address the RPC server is listening on.
func (n *Node) RPCAddr() string {
	if n.rpcServer == nil {
		return ""
	}
	return n.rpcServer.Addr()
}

// Agent returns the in-process agent served over RPC (nil without RPC).
func (n *Node) Agent() rpc.Agent {
	if n.rpcServer == nil {
		return nil
	}
	return n.rpcServer.Agent()
}

// rpcListenAddr uses the configured port, falling back to the layer's
// topology port.
func (n *Node) rpcListenAddr() (string, error) {
	port := n.cfg.RPC.Port
	if port == 0 {
		node, _ := n.topo.Node(n.self)
		port = node.Port
	}
	if port < 0 || port > 65535 {
		return "", fmt.Errorf("invalid rpc port %d", port)
	}
	return net.JoinHostPort(n.cfg.RPC.Addr, strconv.Itoa(port)), nil
}

// openStore opens the configured record backend.
func openStore(cfg *config.Config) (storage.DB, error) {
	switch cfg.Store.Backend {
	case config.StoreMemory:
		return storage.NewMemory(), nil
	case config.StoreBadger:
		dir := expandHome(cfg.BadgerDir())
		db, err := storage.NewBadger(dir)
		if err != nil {
			return nil, fmt.Errorf("open badger at %s: %w", dir, err)
		}
		return db, nil
	case config.StoreEtcd:
		db, err := storage.NewEtcd(cfg.Store.EtcdEndpoints, cfg.Store.EtcdRoot)
		if err != nil {
			return nil, fmt.Errorf("open etcd: %w", err)
		}
		return db, nil
	default:
		dir := expandHome(cfg.RecordsDir())
		db, err := storage.NewFile(dir)
		if err != nil {
			return nil, fmt.Errorf("open record dir %s: %w", dir, err)
		}
		return db, nil
	}
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if path != "~" && !hasHomePrefix(path) {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

func hasHomePrefix(path string) bool {
	return len(path) >= 2 && path[0] == '~' && (path[1] == '/' || path[1] == filepath.Separator)
}

func names(ns []topology.Name) []string {
	out := make([]string, len(ns))
	for i, n := range ns {
		out[i] = string(n)
	}
	return out
}
