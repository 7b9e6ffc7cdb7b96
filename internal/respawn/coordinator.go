// Package respawn asks a live layer to recover a neighbor whose heartbeat
// went stale. Requests are best-effort and leaderless; concurrent observers
// may send duplicates and the receiving side must tolerate them.
package respawn

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	klog "github.com/Klingon-tech/klingmesh/internal/log"
	"github.com/Klingon-tech/klingmesh/internal/metrics"
	"github.com/Klingon-tech/klingmesh/internal/router"
	"github.com/Klingon-tech/klingmesh/internal/topology"
)

// Method is the notification sent to the chosen respawner.
const Method = "consciousness.respawnLayer"

// DefaultTimeout bounds each notification.
const DefaultTimeout = 10 * time.Second

// Liveness reports whether a layer's heartbeat is stale.
type Liveness interface {
	IsStale(node topology.Name, now time.Time) bool
}

// Dispatcher sends a call without adjacency authorization.
type Dispatcher interface {
	Dispatch(ctx context.Context, req router.Request) (*router.Result, error)
}

// Params is the payload of a respawn notification.
type Params struct {
	Layer       topology.Name `json:"layer"`
	RequestedBy topology.Name `json:"requestedBy"`
	Timestamp   int64         `json:"timestamp"`
}

// Outcome describes a successful request.
type Outcome struct {
	Dead      topology.Name
	Respawner topology.Name
	Attempted []topology.Name
	Result    *router.Result
}

// NoRespawnerError is returned when every candidate was dead or unreachable.
type NoRespawnerError struct {
	Layer     topology.Name
	Attempted []topology.Name
}

func (e *NoRespawnerError) Error() string {
	return fmt.Sprintf("no live respawner found for %s", e.Layer)
}

// Coordinator picks a respawner and notifies it.
type Coordinator struct {
	topo     *topology.Topology
	live     Liveness
	disp     Dispatcher
	strategy Strategy
	timeout  time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

// NewCoordinator creates a coordinator using PriorityStrategy.
func NewCoordinator(topo *topology.Topology, live Liveness, disp Dispatcher) *Coordinator {
	return &Coordinator{
		topo:     topo,
		live:     live,
		disp:     disp,
		strategy: PriorityStrategy{},
		timeout:  DefaultTimeout,
		now:      time.Now,
		logger:   klog.Respawn,
	}
}

// SetStrategy replaces the candidate ordering.
func (c *Coordinator) SetStrategy(s Strategy) {
	if s != nil {
		c.strategy = s
	}
}

// SetClock replaces the time source (tests).
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// RequestRespawn walks the candidates for dead in order, skipping stale ones,
// and stops at the first that accepts the notification.
func (c *Coordinator) RequestRespawn(ctx context.Context, dead, requester topology.Name) (*Outcome, error) {
	candidates := c.strategy.Candidates(c.topo, dead, requester)
	var attempted []topology.Name

	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if c.live.IsStale(cand, c.now()) {
			c.logger.Debug().Str("layer", string(dead)).Str("candidate", string(cand)).Msg("Skipping stale respawn candidate")
			continue
		}
		attempted = append(attempted, cand)

		res, err := c.disp.Dispatch(ctx, router.Request{
			From:   requester,
			To:     cand,
			Method: Method,
			Params: Params{
				Layer:       dead,
				RequestedBy: requester,
				Timestamp:   c.now().UnixMilli(),
			},
			Timeout: c.timeout,
		})
		if err != nil {
			c.logger.Warn().Err(err).Str("layer", string(dead)).Str("candidate", string(cand)).Msg("Respawn candidate unreachable")
			continue
		}

		metrics.RespawnRequests.WithLabelValues(string(dead), "sent").Inc()
		c.logger.Info().Str("layer", string(dead)).Str("respawner", string(cand)).Str("run", res.RunID).Msg("Respawn requested")
		return &Outcome{Dead: dead, Respawner: cand, Attempted: attempted, Result: res}, nil
	}

	metrics.RespawnRequests.WithLabelValues(string(dead), "exhausted").Inc()
	return nil, &NoRespawnerError{Layer: dead, Attempted: attempted}
}
