package heartbeat

import (
	"time"

	"github.com/Klingon-tech/klingmesh/internal/topology"
)

// Monitor judges liveness from record age.
type Monitor struct {
	store     *Store
	topo      *topology.Topology
	threshold time.Duration
}

// NewMonitor creates a monitor. A layer is stale once its record is older
// than threshold.
func NewMonitor(store *Store, topo *topology.Topology, threshold time.Duration) *Monitor {
	return &Monitor{store: store, topo: topo, threshold: threshold}
}

// Threshold returns the staleness threshold.
func (m *Monitor) Threshold() time.Duration {
	return m.threshold
}

// IsStale reports whether node has no record or one older than the
// threshold. An age equal to the threshold is still alive.
func (m *Monitor) IsStale(node topology.Name, now time.Time) bool {
	return !m.Health(node, now).Alive
}

// Health returns the derived liveness view of node.
func (m *Monitor) Health(node topology.Name, now time.Time) LayerHealth {
	rec, ok := m.store.Read(node)
	if !ok {
		return LayerHealth{Layer: node}
	}
	age := now.UnixMilli() - rec.Timestamp
	return LayerHealth{
		Layer:    node,
		Alive:    age <= m.threshold.Milliseconds(),
		LastSeen: rec.Timestamp,
		StaleMs:  age,
		Record:   rec,
	}
}

// CheckAdjacentHealth evaluates every declared neighbor of self.
func (m *Monitor) CheckAdjacentHealth(self topology.Name, now time.Time) map[topology.Name]LayerHealth {
	adj := m.topo.Adjacent(self)
	out := make(map[topology.Name]LayerHealth, len(adj))
	for _, n := range adj {
		out[n] = m.Health(n, now)
	}
	return out
}

// StaleNeighbors returns the dead neighbors of self in adjacency order.
func (m *Monitor) StaleNeighbors(self topology.Name, now time.Time) []topology.Name {
	var stale []topology.Name
	for _, n := range m.topo.Adjacent(self) {
		if m.IsStale(n, now) {
			stale = append(stale, n)
		}
	}
	return stale
}
