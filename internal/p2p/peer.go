package p2p

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/Klingon-tech/klingmesh/internal/topology"
)

// Peer represents a connected relay host.
type Peer struct {
	ID          peer.ID
	ConnectedAt time.Time
	Layer       topology.Name // Learned from the handshake, empty until then.
}
