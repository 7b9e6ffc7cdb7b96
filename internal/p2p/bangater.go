package p2p

import (
	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// peerSet is the view of connected peers the gater needs.
type peerSet interface {
	hasPeer(id peer.ID) bool
	PeerCount() int
}

// meshGater rejects banned peers and, once every other layer could be
// connected, new inbound peers. A mesh never needs more peers than it
// has layers.
type meshGater struct {
	bans     *BanManager
	peers    peerSet
	maxPeers int // 0 = unlimited
}

func newMeshGater(bans *BanManager, peers peerSet, layers int) *meshGater {
	g := &meshGater{bans: bans, peers: peers}
	if layers > 1 {
		g.maxPeers = layers - 1
	}
	return g
}

func (g *meshGater) InterceptPeerDial(p peer.ID) bool {
	return !g.bans.IsBanned(p)
}

func (g *meshGater) InterceptAddrDial(_ peer.ID, _ ma.Multiaddr) bool {
	return true
}

// InterceptAccept runs before the remote identity is known.
func (g *meshGater) InterceptAccept(_ network.ConnMultiaddrs) bool {
	return true
}

// InterceptSecured sees the authenticated identity. Known peers may always
// open extra connections.
func (g *meshGater) InterceptSecured(dir network.Direction, p peer.ID, _ network.ConnMultiaddrs) bool {
	if g.bans.IsBanned(p) {
		return false
	}
	if dir != network.DirInbound || g.maxPeers == 0 || g.peers == nil {
		return true
	}
	return g.peers.hasPeer(p) || g.peers.PeerCount() < g.maxPeers
}

func (g *meshGater) InterceptUpgraded(_ network.Conn) (bool, control.DisconnectReason) {
	return true, 0
}
