// Package router authorizes and dispatches calls between layers. A call is
// only handed to the transport when the target exists and is adjacent to
// the sender.
package router

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	klog "github.com/Klingon-tech/klingmesh/internal/log"
	"github.com/Klingon-tech/klingmesh/internal/metrics"
	"github.com/Klingon-tech/klingmesh/internal/topology"
)

// DefaultTimeout bounds a call when the request sets none.
const DefaultTimeout = 10 * time.Second

// MethodAgent is the generic conversational method.
const MethodAgent = "agent"

// Transport performs one request/response exchange with a layer.
type Transport interface {
	Call(ctx context.Context, address, credential, method string, params any, timeout time.Duration) (json.RawMessage, error)
}

// Request describes one routed call.
type Request struct {
	From   topology.Name
	To     topology.Name
	Method string // defaults to "agent"
	Params any

	// Message, SessionKey and IdempotencyKey build the default params of
	// an agent call when Params is nil.
	Message        string
	SessionKey     string
	IdempotencyKey string

	Timeout time.Duration
}

// Result is a successful call.
type Result struct {
	RunID      string          `json:"runId"`
	From       topology.Name   `json:"from"`
	To         topology.Name   `json:"to"`
	Method     string          `json:"method"`
	SessionKey string          `json:"sessionKey"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// Router checks adjacency and delegates to a Transport. It never retries.
type Router struct {
	topo      *topology.Topology
	transport Transport
	newRunID  func() string
	logger    zerolog.Logger
}

// New creates a router over topo.
func New(topo *topology.Topology, transport Transport) *Router {
	return &Router{
		topo:      topo,
		transport: transport,
		newRunID:  uuid.NewString,
		logger:    klog.Router,
	}
}

// Topology returns the topology the router authorizes against.
func (r *Router) Topology() *topology.Topology {
	return r.topo
}

// SessionKey returns the conversation key for an edge.
func SessionKey(from, to topology.Name) string {
	return string(from) + "-to-" + string(to)
}

// Route sends req.Method to req.To on behalf of req.From. The target must
// exist and be adjacent to the sender; both checks run before any I/O.
func (r *Router) Route(ctx context.Context, req Request) (*Result, error) {
	if !r.topo.Has(req.To) {
		metrics.RoutesTotal.WithLabelValues(methodOrDefault(req.Method), "unknown_target").Inc()
		return nil, &UnknownTargetError{Target: req.To, Valid: r.topo.Names()}
	}
	if !r.topo.IsAdjacent(req.From, req.To) {
		metrics.RoutesTotal.WithLabelValues(methodOrDefault(req.Method), "adjacency_violation").Inc()
		return nil, &AdjacencyViolationError{
			From:    req.From,
			To:      req.To,
			Allowed: r.topo.Adjacent(req.From),
		}
	}
	return r.send(ctx, req)
}

// Dispatch sends without the adjacency check. It is reserved for privileged
// paths such as respawn notifications, which are addressed as the recipient.
func (r *Router) Dispatch(ctx context.Context, req Request) (*Result, error) {
	if !r.topo.Has(req.To) {
		return nil, &UnknownTargetError{Target: req.To, Valid: r.topo.Names()}
	}
	return r.send(ctx, req)
}

func (r *Router) send(ctx context.Context, req Request) (*Result, error) {
	node, _ := r.topo.Node(req.To)
	method := methodOrDefault(req.Method)
	runID := r.newRunID()

	sessionKey := req.SessionKey
	if sessionKey == "" {
		sessionKey = SessionKey(req.From, req.To)
	}
	params := req.Params
	if params == nil && method == MethodAgent {
		idem := req.IdempotencyKey
		if idem == "" {
			idem = runID
		}
		params = map[string]any{
			"message":        req.Message,
			"idempotencyKey": idem,
			"sessionKey":     sessionKey,
		}
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	start := time.Now()
	raw, err := r.transport.Call(ctx, node.Address(), node.Credential, method, params, timeout)
	metrics.RouteDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RoutesTotal.WithLabelValues(method, "transport_error").Inc()
		r.logger.Debug().
			Err(err).
			Str("run", runID).
			Str("from", string(req.From)).
			Str("target", string(req.To)).
			Str("method", method).
			Msg("Transport call failed")
		return nil, &TransportError{Node: req.To, Method: method, Err: err}
	}
	metrics.RoutesTotal.WithLabelValues(method, "ok").Inc()

	return &Result{
		RunID:      runID,
		From:       req.From,
		To:         req.To,
		Method:     method,
		SessionKey: sessionKey,
		Result:     raw,
	}, nil
}

func methodOrDefault(m string) string {
	if m == "" {
		return MethodAgent
	}
	return m
}
