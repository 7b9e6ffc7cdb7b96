package p2p

import (
	"github.com/libp2p/go-libp2p/core/protocol"
)

// TopicHeartbeat is the GossipSub topic carrying signed heartbeat records.
const TopicHeartbeat = "/klingmesh/heartbeat/1.0.0"

// TopicIdentity carries signed core identity snapshots.
const TopicIdentity = "/klingmesh/identity/1.0.0"

// Handshake protocol constants.
const (
	// HandshakeProtocol is the stream protocol ID for peer compatibility checking.
	HandshakeProtocol = protocol.ID("/klingmesh/handshake/1.0.0")

	// ProtocolVersion is the current protocol version advertised during handshake.
	ProtocolVersion uint32 = 1

	// MinProtocolVersion is the minimum protocol version we accept from peers.
	MinProtocolVersion uint32 = 1
)

// maxEnvelopeSize bounds a gossiped envelope.
const maxEnvelopeSize = 64 * 1024
