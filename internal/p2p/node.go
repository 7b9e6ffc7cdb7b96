// Package p2p relays signed heartbeat records between hosts that do not
// share a record store.
package p2p

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingmesh/internal/heartbeat"
	"github.com/Klingon-tech/klingmesh/internal/identity"
	klog "github.com/Klingon-tech/klingmesh/internal/log"
	"github.com/Klingon-tech/klingmesh/internal/storage"
	"github.com/Klingon-tech/klingmesh/internal/topology"
	"github.com/Klingon-tech/klingmesh/pkg/crypto"
)

const (
	// seedConnectTimeout bounds one seed dial.
	seedConnectTimeout = 10 * time.Second

	// seedRetryInterval is how often seeds are redialed while no peer is connected.
	seedRetryInterval = 10 * time.Second
)

// Config holds relay configuration.
type Config struct {
	ListenAddr string
	Port       int
	Seeds      []string // Full multiaddrs with /p2p/<id>.

	Self     topology.Name
	Topology *topology.Topology
	Store    *heartbeat.Store        // Mirrored records land here.
	Identity *identity.Synchronizer  // Mirrored snapshots land here (nil = not relayed).
	Signer   *crypto.PrivateKey      // Signs envelopes and doubles as the libp2p identity.
	DB       storage.DB              // Ban persistence (nil = disabled).

	// MaxSkew bounds how far ahead of the local clock a gossiped timestamp
	// may be. Zero means DefaultMaxSkew.
	MaxSkew time.Duration
}

// DefaultMaxSkew matches the default heartbeat stale threshold.
const DefaultMaxSkew = 12 * time.Second

// Node is a libp2p host subscribed to the heartbeat topic.
type Node struct {
	host   host.Host
	pubsub *pubsub.PubSub
	config Config
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger

	heartbeats *gossipTopic
	identities *gossipTopic
	verifier   *Verifier

	mu    sync.RWMutex
	peers map[peer.ID]*Peer

	BanManager *BanManager
	connNotify *connNotifier
	topoHash   string
}

// New creates a relay. It does not touch the network until Start.
func New(cfg Config) *Node {
	ctx, cancel := context.WithCancel(context.Background())
	skew := cfg.MaxSkew
	if skew <= 0 {
		skew = DefaultMaxSkew
	}
	n := &Node{
		config:   cfg,
		ctx:      ctx,
		cancel:   cancel,
		logger:   klog.P2P,
		peers:    make(map[peer.ID]*Peer),
		topoHash: TopologyHash(cfg.Topology),
		verifier: &Verifier{Topology: cfg.Topology, MaxSkew: skew, Now: time.Now},
	}
	var bans *BanStore
	if cfg.DB != nil {
		bans = NewBanStore(cfg.DB)
	}
	n.BanManager = NewBanManager(bans, n)
	return n
}

// Start initializes the libp2p host, pubsub, and begins listening.
func (n *Node) Start() error {
	if n.config.Signer == nil {
		key, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		n.config.Signer = key
	}
	privKey, err := libp2pcrypto.UnmarshalSecp256k1PrivateKey(n.config.Signer.Serialize())
	if err != nil {
		return fmt.Errorf("load p2p identity: %w", err)
	}

	n.BanManager.LoadBans()

	layers := 0
	if n.config.Topology != nil {
		layers = len(n.config.Topology.Names())
	}
	addr := fmt.Sprintf("/ip4/%s/tcp/%d", n.config.ListenAddr, n.config.Port)
	h, err := libp2p.New(
		libp2p.ListenAddrStrings(addr),
		libp2p.Identity(privKey),
		libp2p.ConnectionGater(newMeshGater(n.BanManager, n, layers)),
	)
	if err != nil {
		return fmt.Errorf("create libp2p host: %w", err)
	}
	n.host = h

	n.connNotify = &connNotifier{node: n}
	h.Network().Notify(n.connNotify)

	ps, err := pubsub.NewGossipSub(n.ctx, h, pubsub.WithMaxMessageSize(maxEnvelopeSize))
	if err != nil {
		h.Close()
		return fmt.Errorf("create pubsub: %w", err)
	}
	n.pubsub = ps

	if n.heartbeats, err = n.join(TopicHeartbeat); err != nil {
		h.Close()
		return err
	}
	if n.config.Identity != nil {
		if n.identities, err = n.join(TopicIdentity); err != nil {
			n.heartbeats.close()
			h.Close()
			return err
		}
		go n.readLoop(n.ctx, n.identities, n.handleSnapshot)
	}
	n.registerHandshakeHandler()

	go n.readLoop(n.ctx, n.heartbeats, n.handleEnvelope)
	go n.BanManager.RunPruneLoop(n.ctx.Done())

	if len(n.config.Seeds) > 0 {
		n.logger.Info().Int("seeds", len(n.config.Seeds)).Msg("Connecting to seeds...")
	}
	n.connectSeedsOnce()
	go n.connectSeedsLoop()

	n.logger.Info().
		Str("peer_id", h.ID().String()).
		Str("pubkey", n.config.Signer.PublicKeyHex()).
		Msg("Heartbeat relay started")
	return nil
}

// Stop shuts down the relay.
func (n *Node) Stop() error {
	n.cancel()
	n.heartbeats.close()
	n.identities.close()
	if n.host != nil {
		return n.host.Close()
	}
	return nil
}

// Host returns the underlying libp2p host (nil before Start).
func (n *Node) Host() host.Host {
	return n.host
}

// PublicKeyHex returns the envelope signing key (empty before Start when
// no signer was configured).
func (n *Node) PublicKeyHex() string {
	if n.config.Signer == nil {
		return ""
	}
	return n.config.Signer.PublicKeyHex()
}

// DisconnectPeer closes all connections to a peer and removes it from the peer list.
func (n *Node) DisconnectPeer(id peer.ID) error {
	if n.host == nil {
		return fmt.Errorf("node not started")
	}
	n.removePeer(id)
	return n.host.Network().ClosePeer(id)
}

// ID returns the peer ID of this node.
func (n *Node) ID() peer.ID {
	if n.host == nil {
		return ""
	}
	return n.host.ID()
}

// Addrs returns the full multiaddrs of this node.
func (n *Node) Addrs() []string {
	if n.host == nil {
		return nil
	}
	var addrs []string
	for _, a := range n.host.Addrs() {
		addrs = append(addrs, fmt.Sprintf("%s/p2p/%s", a, n.host.ID()))
	}
	return addrs
}

// PeerCount returns the number of connected peers.
func (n *Node) PeerCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.peers)
}

// PeerList returns a snapshot of connected peers.
func (n *Node) PeerList() []Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Peer, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, *p)
	}
	return out
}

func (n *Node) hasPeer(id peer.ID) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.peers[id]
	return ok
}

func (n *Node) addPeer(id peer.ID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.peers[id]; !exists {
		n.peers[id] = &Peer{ID: id, ConnectedAt: time.Now()}
	}
}

func (n *Node) setPeerLayer(id peer.ID, layer topology.Name) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if p, ok := n.peers[id]; ok {
		p.Layer = layer
	}
}

func (n *Node) removePeer(id peer.ID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.peers, id)
}

// connectSeedsOnce tries to connect to each seed peer once (blocking).
// Returns true if at least one seed connected.
func (n *Node) connectSeedsOnce() bool {
	connected := false
	for _, addr := range n.config.Seeds {
		info, err := peer.AddrInfoFromString(addr)
		if err != nil {
			n.logger.Warn().Str("addr", addr).Err(err).Msg("Bad seed address")
			continue
		}
		ctx, cancel := context.WithTimeout(n.ctx, seedConnectTimeout)
		err = n.host.Connect(ctx, *info)
		cancel()
		if err != nil {
			n.logger.Warn().Str("peer", shortID(info.ID)).Err(err).Msg("Seed connect failed")
			continue
		}
		n.addPeer(info.ID)
		n.logger.Info().Str("peer", shortID(info.ID)).Msg("Seed connected")
		connected = true
	}
	return connected
}

// connectSeedsLoop redials seeds while the relay has no peers.
func (n *Node) connectSeedsLoop() {
	if len(n.config.Seeds) == 0 {
		return
	}
	ticker := time.NewTicker(seedRetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if n.PeerCount() == 0 {
				n.logger.Info().Int("seeds", len(n.config.Seeds)).Msg("No peers, retrying seeds...")
				n.connectSeedsOnce()
			}
		}
	}
}
