package rpc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Klingon-tech/klingmesh/internal/heartbeat"
	"github.com/Klingon-tech/klingmesh/internal/identity"
	"github.com/Klingon-tech/klingmesh/internal/inject"
	"github.com/Klingon-tech/klingmesh/internal/p2p"
	"github.com/Klingon-tech/klingmesh/internal/respawn"
	"github.com/Klingon-tech/klingmesh/internal/router"
	"github.com/Klingon-tech/klingmesh/internal/topology"
)

// ── Agent methods ───────────────────────────────────────────────────────

func (s *Server) handleHealth(_ *Request) (any, *Error) {
	now := s.now()
	report := s.agent.Health()
	status := inject.StatusHealthy
	if report.Degraded() {
		status = inject.StatusDegraded
	}
	return &HealthResult{
		Layer:        s.layer,
		Status:       status,
		Timestamp:    now.UnixMilli(),
		UptimeMs:     now.Sub(s.started).Milliseconds(),
		HealthReport: report,
	}, nil
}

func (s *Server) handleAgent(req *Request) (any, *Error) {
	var p AgentParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	if p.Message == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "message required"}
	}
	dup := s.agent.Deliver(p)
	s.logger.Debug().
		Str("session", p.SessionKey).
		Str("idempotency_key", p.IdempotencyKey).
		Bool("duplicate", dup).
		Msg("Agent message delivered")
	return &AckResult{Status: "accepted", RunID: p.IdempotencyKey, Duplicate: dup}, nil
}

func (s *Server) handleInjectContext(req *Request) (any, *Error) {
	var p inject.Payload
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	if p.Context == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "context required"}
	}
	s.agent.InjectContext(p)
	s.logger.Info().Str("source", p.Source).Str("priority", p.Priority).Msg("Context injected")
	return &AckResult{Status: "injected"}, nil
}

func (s *Server) handleRespawnLayer(ctx context.Context, req *Request) (any, *Error) {
	var p respawn.Params
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	if !s.topo.Has(p.Layer) {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("unknown layer %q", p.Layer)}
	}
	dup, err := s.respawns.HandleRespawn(ctx, p)
	if err != nil {
		return nil, &Error{Code: CodeInternalError, Message: err.Error()}
	}
	s.logger.Warn().
		Str("target", string(p.Layer)).
		Str("requested_by", string(p.RequestedBy)).
		Bool("duplicate", dup).
		Msg("Respawn requested")
	return &AckResult{Status: "acknowledged", Duplicate: dup}, nil
}

// ── Mesh methods ────────────────────────────────────────────────────────

func (s *Server) handleGetStatus(_ *Request) (any, *Error) {
	now := s.now()
	res := &StatusResult{
		Layer:     s.layer,
		Timestamp: now.UnixMilli(),
		Neighbors: map[topology.Name]heartbeat.LayerHealth{},
	}
	if s.monitor != nil {
		self := s.monitor.Health(s.layer, now)
		res.Self = &self
		res.Neighbors = s.monitor.CheckAdjacentHealth(s.layer, now)
	}
	if s.sync != nil && topology.IsCore(s.layer) {
		sr := s.sync.CheckSync()
		res.Identity = &sr
	}
	if s.injector != nil {
		if last, ok := s.injector.Last(); ok {
			res.Injection = &last
		}
	}
	if s.governor != nil {
		a := s.governor.Assess(s.layer)
		res.Pressure = a.Pressure
		res.ShedRecommended = a.Shed
	}
	if l, ok := s.respawns.(*RespawnLog); ok {
		res.Respawns = l.Entries()
	}
	if s.relay != nil {
		res.Gossip = gossipStatus(s.relay)
	}
	return res, nil
}

func (s *Server) handleGetTopology(_ *Request) (any, *Error) {
	res := &TopologyResult{Self: s.layer, Warnings: s.topo.Validate()}
	for _, name := range s.topo.Names() {
		n, _ := s.topo.Node(name)
		res.Layers = append(res.Layers, TopologyNode{
			Name:     n.Name,
			Address:  n.Address(),
			Adjacent: s.topo.Adjacent(name),
			PubKey:   n.PubKey,
		})
	}
	return res, nil
}

func (s *Server) handleIdentitySync(_ *Request) (any, *Error) {
	if s.sync == nil {
		return nil, &Error{Code: CodeUnavailable, Message: "identity synchronizer not available"}
	}
	res := s.sync.CheckSync()
	return &res, nil
}

func (s *Server) handleComputeIdentity(_ *Request) (any, *Error) {
	if s.sync == nil || !topology.IsCore(s.layer) {
		return nil, &Error{Code: CodeUnavailable, Message: "identity is computed by core layers only"}
	}
	snap, err := s.sync.Persist(s.layer)
	if err != nil {
		if errors.Is(err, identity.ErrIdentityMissing) {
			return nil, &Error{Code: CodeNotFound, Message: err.Error()}
		}
		return nil, &Error{Code: CodeInternalError, Message: err.Error()}
	}
	return snap, nil
}

func (s *Server) handleRoute(ctx context.Context, req *Request) (any, *Error) {
	if s.router == nil {
		return nil, &Error{Code: CodeUnavailable, Message: "router not available"}
	}
	var p RouteParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	if p.To == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "to required"}
	}
	if p.Message == "" && p.Params == nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "message or params required"}
	}

	res, err := s.router.Route(ctx, router.Request{
		From:    s.layer,
		To:      topology.Name(p.To),
		Method:  p.Method,
		Params:  p.Params,
		Message: p.Message,
		Timeout: time.Duration(p.TimeoutMs) * time.Millisecond,
	})
	switch {
	case err == nil:
		return res, nil
	case errors.Is(err, router.ErrUnknownTarget):
		return nil, &Error{Code: CodeInvalidParams, Message: err.Error()}
	case errors.Is(err, router.ErrAdjacencyViolation):
		return nil, &Error{Code: CodeForbiddenRoute, Message: err.Error()}
	default:
		return nil, &Error{Code: CodeInternalError, Message: err.Error()}
	}
}

func gossipStatus(n *p2p.Node) *GossipStatus {
	gs := &GossipStatus{
		PeerID: n.ID().String(),
		PubKey: n.PublicKeyHex(),
		Peers:  []GossipPeer{},
	}
	for _, p := range n.PeerList() {
		gs.Peers = append(gs.Peers, GossipPeer{
			ID:          p.ID.String(),
			Layer:       p.Layer,
			ConnectedAt: p.ConnectedAt.UnixMilli(),
		})
	}
	sort.Slice(gs.Peers, func(i, j int) bool { return gs.Peers[i].ID < gs.Peers[j].ID })
	return gs
}
