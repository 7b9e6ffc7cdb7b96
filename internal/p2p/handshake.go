package p2p

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/Klingon-tech/klingmesh/internal/topology"
	"github.com/Klingon-tech/klingmesh/pkg/crypto"
)

const (
	// handshakeTimeout is the max time for a complete handshake exchange.
	handshakeTimeout = 10 * time.Second

	// maxHandshakeBytes limits handshake message size.
	maxHandshakeBytes = 4096
)

// HandshakeMessage is exchanged between relays to verify they run the
// same mesh.
type HandshakeMessage struct {
	ProtocolVersion uint32        `json:"protocol_version"`
	Layer           topology.Name `json:"layer"`
	TopologyHash    string        `json:"topology_hash"`
}

// TopologyHash fingerprints the layer set and adjacency. Addresses and
// credentials are excluded so hosts may differ in where they listen.
func TopologyHash(topo *topology.Topology) string {
	if topo == nil {
		return ""
	}
	var b strings.Builder
	for _, name := range topo.Names() {
		adj := topo.Adjacent(name)
		parts := make([]string, len(adj))
		for i, a := range adj {
			parts[i] = string(a)
		}
		fmt.Fprintf(&b, "%s:%s;", name, strings.Join(parts, ","))
	}
	return crypto.HashData([]byte(b.String())).Short(16)
}

// registerHandshakeHandler sets up the stream handler for incoming handshakes.
func (n *Node) registerHandshakeHandler() {
	n.host.SetStreamHandler(HandshakeProtocol, func(stream network.Stream) {
		defer stream.Close()

		remotePeer := stream.Conn().RemotePeer()
		_ = stream.SetReadDeadline(time.Now().Add(handshakeTimeout))

		var peerMsg HandshakeMessage
		if err := json.NewDecoder(io.LimitReader(stream, maxHandshakeBytes)).Decode(&peerMsg); err != nil {
			n.logger.Debug().Err(err).Str("peer", shortID(remotePeer)).Msg("Handshake read failed")
			return
		}

		ourMsg := n.buildHandshakeMessage()
		if err := json.NewEncoder(stream).Encode(&ourMsg); err != nil {
			n.logger.Debug().Err(err).Str("peer", shortID(remotePeer)).Msg("Handshake write failed")
			return
		}

		n.finishHandshake(remotePeer, peerMsg)
	})
}

// doHandshake initiates a handshake with a remote peer (dialer side).
func (n *Node) doHandshake(peerID peer.ID) {
	stream, err := n.host.NewStream(n.ctx, peerID, HandshakeProtocol)
	if err != nil {
		n.logger.Debug().Str("peer", shortID(peerID)).Err(err).Msg("Handshake stream failed")
		return
	}
	defer stream.Close()

	_ = stream.SetDeadline(time.Now().Add(handshakeTimeout))

	ourMsg := n.buildHandshakeMessage()
	if err := json.NewEncoder(stream).Encode(&ourMsg); err != nil {
		n.logger.Debug().Err(err).Str("peer", shortID(peerID)).Msg("Handshake send failed")
		return
	}
	stream.CloseWrite()

	var peerMsg HandshakeMessage
	if err := json.NewDecoder(io.LimitReader(stream, maxHandshakeBytes)).Decode(&peerMsg); err != nil {
		n.logger.Debug().Err(err).Str("peer", shortID(peerID)).Msg("Handshake response read failed")
		return
	}

	n.finishHandshake(peerID, peerMsg)
}

func (n *Node) finishHandshake(id peer.ID, msg HandshakeMessage) {
	if reason := n.validateHandshake(msg); reason != "" {
		n.logger.Warn().
			Str("peer", shortID(id)).
			Str("reason", reason).
			Msg("Handshake rejected, banning peer")
		n.penalize(id, PenaltyHandshakeFail, reason)
		n.DisconnectPeer(id)
		return
	}
	n.setPeerLayer(id, msg.Layer)
	n.logger.Debug().Str("peer", shortID(id)).Str("layer", string(msg.Layer)).Msg("Handshake complete")
}

// validateHandshake checks a peer's handshake message for compatibility.
// Returns an empty string on success, or a reason string on failure.
func (n *Node) validateHandshake(msg HandshakeMessage) string {
	if msg.ProtocolVersion < MinProtocolVersion {
		return fmt.Sprintf("protocol version too low: peer=%d min=%d",
			msg.ProtocolVersion, MinProtocolVersion)
	}
	if msg.TopologyHash != n.topoHash {
		return fmt.Sprintf("topology mismatch: peer=%s local=%s", msg.TopologyHash, n.topoHash)
	}
	if n.config.Topology != nil && !n.config.Topology.Has(msg.Layer) {
		return fmt.Sprintf("unknown layer %q", msg.Layer)
	}
	return ""
}

func (n *Node) buildHandshakeMessage() HandshakeMessage {
	return HandshakeMessage{
		ProtocolVersion: ProtocolVersion,
		Layer:           n.config.Self,
		TopologyHash:    n.topoHash,
	}
}
