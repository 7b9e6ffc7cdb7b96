// Package governor measures local memory pressure and recommends shedding
// the outer layers when an interior layer runs hot. It only recommends; the
// shedding itself happens elsewhere.
package governor

import (
	"runtime"

	"github.com/rs/zerolog"

	klog "github.com/Klingon-tech/klingmesh/internal/log"
	"github.com/Klingon-tech/klingmesh/internal/metrics"
	"github.com/Klingon-tech/klingmesh/internal/topology"
)

// HighPressureThreshold must be strictly exceeded to recommend shedding.
const HighPressureThreshold = 0.85

// MemoryStats is a heap usage sample in bytes.
type MemoryStats struct {
	HeapUsed  uint64
	HeapTotal uint64
}

// MemorySource samples heap usage.
type MemorySource func() MemoryStats

// RuntimeMemory samples the Go runtime: allocated heap over heap obtained
// from the OS.
func RuntimeMemory() MemoryStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return MemoryStats{HeapUsed: ms.HeapAlloc, HeapTotal: ms.HeapSys}
}

// Governor computes pressure from a memory source.
type Governor struct {
	source MemorySource
	logger zerolog.Logger
}

// New creates a governor. A nil source means RuntimeMemory.
func New(source MemorySource) *Governor {
	if source == nil {
		source = RuntimeMemory
	}
	return &Governor{source: source, logger: klog.Governor}
}

// Pressure returns heap used over heap total, clamped to [0,1].
func (g *Governor) Pressure() float64 {
	s := g.source()
	if s.HeapTotal == 0 {
		return 0
	}
	p := float64(s.HeapUsed) / float64(s.HeapTotal)
	if p > 1 {
		p = 1
	}
	metrics.MemoryPressure.Set(p)
	return p
}

// Assessment is one pressure sample and the shedding recommendation
// derived from it.
type Assessment struct {
	Pressure float64
	Shed     bool
}

// Assess samples pressure once. Shed is true only for interior layers
// above HighPressureThreshold.
func (g *Governor) Assess(self topology.Name) Assessment {
	p := g.Pressure()
	return Assessment{Pressure: p, Shed: topology.IsInterior(self) && p > HighPressureThreshold}
}

// ShouldShedOuterLayers assesses pressure for self and logs the
// recommendation when shedding is advised.
func (g *Governor) ShouldShedOuterLayers(self topology.Name) bool {
	a := g.Assess(self)
	if a.Shed {
		g.logger.Warn().
			Str("layer", string(self)).
			Float64("pressure", a.Pressure).
			Float64("threshold", HighPressureThreshold).
			Msg("Memory pressure high, recommend shedding outer layers")
	}
	return a.Shed
}
