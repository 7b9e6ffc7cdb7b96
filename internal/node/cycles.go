package node

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/Klingon-tech/klingmesh/internal/heartbeat"
	"github.com/Klingon-tech/klingmesh/internal/identity"
	"github.com/Klingon-tech/klingmesh/internal/metrics"
	"github.com/Klingon-tech/klingmesh/internal/respawn"
	"github.com/Klingon-tech/klingmesh/internal/topology"
)

// Loop names, used as the metrics label.
const (
	loopHeartbeat = "heartbeat"
	loopIdentity  = "identity"
	loopInject    = "inject"
)

// cycleGuard skips a tick while the previous cycle is still running.
type cycleGuard struct {
	running atomic.Bool
}

// runLoop runs fn immediately and then on every tick until Stop. A tick
// that fires while fn is still running is skipped.
func (n *Node) runLoop(name string, interval time.Duration, fn func(context.Context)) {
	guard := &cycleGuard{}
	n.inFlight[name] = guard

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		n.tick(name, guard, fn)
		for {
			select {
			case <-n.ctx.Done():
				return
			case <-ticker.C:
				n.tick(name, guard, fn)
			}
		}
	}()
}

// tick runs one cycle in its own goroutine so a slow cycle never blocks the
// ticker. It reports whether the cycle was started.
func (n *Node) tick(name string, guard *cycleGuard, fn func(context.Context)) bool {
	if !guard.running.CompareAndSwap(false, true) {
		metrics.CyclesTotal.WithLabelValues(name, "skipped").Inc()
		n.logger.Debug().Str("loop", name).Msg("Previous cycle still running, skipping tick")
		return false
	}
	metrics.CyclesTotal.WithLabelValues(name, "run").Inc()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer guard.running.Store(false)
		fn(n.ctx)
	}()
	return true
}

// heartbeatCycle writes the own record, evaluates neighbors and requests
// a respawn for each stale one. Respawn failures never abort the cycle.
func (n *Node) heartbeatCycle(ctx context.Context) {
	rec, err := n.writeHeartbeat()
	if err != nil {
		n.logger.Error().Err(err).Msg("Failed to write heartbeat")
	} else if n.p2pNode != nil {
		if err := n.p2pNode.PublishRecord(rec); err != nil {
			n.logger.Debug().Err(err).Msg("Failed to gossip heartbeat")
		}
	}

	now := time.Now()
	var stale []topology.Name
	for _, name := range n.topo.Adjacent(n.self) {
		h := n.monitor.Health(name, now)
		metrics.NeighborAlive.WithLabelValues(string(name)).Set(metrics.Bool(h.Alive))
		if h.Record != nil {
			metrics.NeighborAge.WithLabelValues(string(name)).Set(float64(h.StaleMs) / 1000)
		}
		if !h.Alive {
			stale = append(stale, name)
		}
	}

	for _, dead := range stale {
		if ctx.Err() != nil {
			return
		}
		n.logger.Warn().Str("target", string(dead)).Msg("Neighbor heartbeat stale, requesting respawn")
		if _, err := n.coordinator.RequestRespawn(ctx, dead, n.self); err != nil {
			var none *respawn.NoRespawnerError
			if errors.As(err, &none) {
				n.logger.Error().Str("target", string(dead)).Strs("attempted", names(none.Attempted)).Msg("No live respawner")
				continue
			}
			n.logger.Warn().Err(err).Str("target", string(dead)).Msg("Respawn request failed")
		}
	}
}

// writeHeartbeat writes the own record. Interior layers under memory
// pressure report degraded; cores attach their identity fingerprint.
func (n *Node) writeHeartbeat() (*heartbeat.Record, error) {
	status := heartbeat.StatusHealthy
	if n.governor.ShouldShedOuterLayers(n.self) {
		status = heartbeat.StatusDegraded
	}

	var m heartbeat.Metrics
	if topology.IsCore(n.self) {
		if snap, ok := n.sync.Read(n.self); ok {
			m.IdentityHash = snap.Hash
		}
	}
	rec, err := n.heartbeats.Write(n.self, status, m)
	if err != nil {
		return nil, err
	}
	metrics.HeartbeatsWritten.WithLabelValues(string(status)).Inc()
	return rec, nil
}

// identityCycle recomputes this core's fingerprint, gossips it when the
// relay runs and compares it with the other core's.
func (n *Node) identityCycle(_ context.Context) {
	snap, err := n.sync.Persist(n.self)
	if err != nil {
		if errors.Is(err, identity.ErrIdentityMissing) {
			n.logger.Warn().Err(err).Msg("Identity document missing")
		} else {
			n.logger.Error().Err(err).Msg("Failed to compute identity")
		}
		return
	}
	if n.p2pNode != nil {
		if err := n.p2pNode.PublishSnapshot(snap); err != nil {
			n.logger.Debug().Err(err).Msg("Failed to gossip identity snapshot")
		}
	}
	res := n.sync.CheckSync()
	n.logger.Debug().Bool("synchronized", res.Synchronized).Msg("Identity sync checked")
}

// injectCycle probes the dependent layer and injects identity when it is
// degraded.
func (n *Node) injectCycle(ctx context.Context) {
	rep := n.injector.Beat(ctx)
	n.logger.Debug().
		Str("gateway", rep.GatewayStatus).
		Bool("injected", rep.IdentityInjected).
		Msg("Guardian beat")
}
