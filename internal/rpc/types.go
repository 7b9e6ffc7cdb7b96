package rpc

import (
	"github.com/Klingon-tech/klingmesh/internal/heartbeat"
	"github.com/Klingon-tech/klingmesh/internal/identity"
	"github.com/Klingon-tech/klingmesh/internal/inject"
	"github.com/Klingon-tech/klingmesh/internal/topology"
)

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeNotFound       = -32000
	CodeUnauthorized   = -32001
	CodeForbiddenRoute = -32002
	CodeUnavailable    = -32003
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      any    `json:"id"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string `json:"jsonrpc"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
	ID      any    `json:"id"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// ── Param types ─────────────────────────────────────────────────────────

// AgentParam is the params of the agent method.
type AgentParam struct {
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotencyKey"`
	SessionKey     string `json:"sessionKey"`
}

// RouteParam is used by mesh_route.
type RouteParam struct {
	To      string `json:"to"`
	Message string `json:"message"`
	Method  string `json:"method,omitempty"`
	Params  any    `json:"params,omitempty"`
	// TimeoutMs bounds the outbound call (default 10000).
	TimeoutMs int64 `json:"timeoutMs,omitempty"`
}

// ── Result types ────────────────────────────────────────────────────────

// HealthResult answers the health method. The agent metrics are only set
// when the local agent reports them.
type HealthResult struct {
	Layer     topology.Name `json:"layer"`
	Status    string        `json:"status"`
	Timestamp int64         `json:"timestamp"`
	UptimeMs  int64         `json:"uptimeMs"`
	inject.HealthReport
}

// AckResult acknowledges a delivered message or notification.
type AckResult struct {
	Status    string `json:"status"`
	RunID     string `json:"runId,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// StatusResult is returned by mesh_getStatus.
type StatusResult struct {
	Layer           topology.Name                           `json:"layer"`
	Timestamp       int64                                   `json:"timestamp"`
	Self            *heartbeat.LayerHealth                  `json:"self,omitempty"`
	Neighbors       map[topology.Name]heartbeat.LayerHealth `json:"neighbors"`
	Identity        *identity.SyncResult                    `json:"identity,omitempty"`
	Injection       *inject.Report                          `json:"injection,omitempty"`
	Pressure        float64                                 `json:"pressure"`
	ShedRecommended bool                                    `json:"shedRecommended"`
	Respawns        []RespawnEntry                          `json:"respawns,omitempty"`
	Gossip          *GossipStatus                           `json:"gossip,omitempty"`
}

// GossipStatus summarizes the heartbeat relay.
type GossipStatus struct {
	PeerID string       `json:"peerId"`
	PubKey string       `json:"pubkey"`
	Peers  []GossipPeer `json:"peers"`
}

// GossipPeer is one connected relay host. Layer is empty until the
// handshake completes.
type GossipPeer struct {
	ID          string        `json:"id"`
	Layer       topology.Name `json:"layer,omitempty"`
	ConnectedAt int64         `json:"connectedAt"`
}

// TopologyNode is one entry of mesh_getTopology. Credentials are never
// returned.
type TopologyNode struct {
	Name     topology.Name   `json:"name"`
	Address  string          `json:"address"`
	Adjacent []topology.Name `json:"adjacent"`
	PubKey   string          `json:"pubkey,omitempty"`
}

// TopologyResult is returned by mesh_getTopology.
type TopologyResult struct {
	Self     topology.Name  `json:"self"`
	Layers   []TopologyNode `json:"layers"`
	Warnings []string       `json:"warnings,omitempty"`
}
