package respawn

import (
	"sort"

	"github.com/Klingon-tech/klingmesh/internal/topology"
)

// Strategy orders the layers that may be asked to respawn dead.
// Implementations must exclude dead and requester.
type Strategy interface {
	Candidates(topo *topology.Topology, dead, requester topology.Name) []topology.Name
}

// PriorityStrategy is the reference ordering. A dead core is recovered by
// its peer first, then the relay; anything else by the relay first, then
// either core.
type PriorityStrategy struct{}

// Candidates implements Strategy.
func (PriorityStrategy) Candidates(topo *topology.Topology, dead, requester topology.Name) []topology.Name {
	order := []topology.Name{topology.L2, topology.CoreA, topology.CoreB}
	if topology.IsCore(dead) {
		order = []topology.Name{topology.CoreA, topology.CoreB, topology.L2}
	}
	out := make([]topology.Name, 0, len(order))
	for _, n := range order {
		if n == dead || n == requester || !topo.Has(n) {
			continue
		}
		out = append(out, n)
	}
	return out
}

// GraphDistanceStrategy ranks every other layer by hop distance from the
// dead layer, nearest first, ties broken by name. Layers unreachable from
// dead come last.
type GraphDistanceStrategy struct{}

// Candidates implements Strategy.
func (GraphDistanceStrategy) Candidates(topo *topology.Topology, dead, requester topology.Name) []topology.Name {
	dist := map[topology.Name]int{dead: 0}
	queue := []topology.Name{dead}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range topo.Adjacent(cur) {
			if _, seen := dist[next]; seen || !topo.Has(next) {
				continue
			}
			dist[next] = dist[cur] + 1
			queue = append(queue, next)
		}
	}

	var out []topology.Name
	for _, n := range topo.Names() {
		if n != dead && n != requester {
			out = append(out, n)
		}
	}
	rank := func(n topology.Name) int {
		if d, ok := dist[n]; ok {
			return d
		}
		return len(dist) + 1
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := rank(out[i]), rank(out[j])
		if ri != rj {
			return ri < rj
		}
		return out[i] < out[j]
	})
	return out
}

// StrategyByName maps a config value to a Strategy.
func StrategyByName(name string) Strategy {
	if name == "distance" {
		return GraphDistanceStrategy{}
	}
	return PriorityStrategy{}
}
