// Package metrics exposes Prometheus instrumentation for mesh decisions.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "klingmesh"

var (
	Registry = prometheus.NewRegistry()

	// ---- Liveness ----
	HeartbeatsWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_written_total",
			Help:      "Heartbeat records written by this layer.",
		},
		[]string{"status"},
	)

	NeighborAlive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "neighbor_alive",
			Help:      "1 if the neighbor's heartbeat is fresh, else 0.",
		},
		[]string{"layer"},
	)

	NeighborAge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "neighbor_heartbeat_age_seconds",
			Help:      "Age of the neighbor's last heartbeat record.",
		},
		[]string{"layer"},
	)

	CyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Periodic cycles by loop and outcome (run, skipped).",
		},
		[]string{"loop", "outcome"},
	)

	// ---- Routing ----
	RoutesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routes_total",
			Help:      "Routed calls by method and result.",
		},
		[]string{"method", "result"},
	)

	RouteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "route_duration_seconds",
			Help:      "Latency of transport calls.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"method"},
	)

	// ---- Recovery and identity ----
	RespawnRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "respawn_requests_total",
			Help:      "Respawn notifications by dead layer and result (sent, exhausted).",
		},
		[]string{"layer", "result"},
	)

	IdentitySynchronized = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "identity_synchronized",
			Help:      "1 when both core fingerprints are present and equal.",
		},
	)

	IdentityDivergence = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identity_divergence_total",
			Help:      "Sync checks that found differing core fingerprints.",
		},
	)

	Injections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "injections_total",
			Help:      "Degradation checks by dependent status and injection result.",
		},
		[]string{"status", "injected"},
	)

	MemoryPressure = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_pressure_ratio",
			Help:      "Heap used over heap total, clamped to [0,1].",
		},
	)

	GossipMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gossip_heartbeats_total",
			Help:      "Gossiped heartbeat envelopes by outcome.",
		},
		[]string{"outcome"},
	)

	// ---- RPC server ----
	RPCRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "Inbound JSON-RPC requests by method and status class.",
		},
		[]string{"method", "status"},
	)

	// ---- Process / build info ----
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and layer).",
		},
		[]string{"version", "layer"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		HeartbeatsWritten, NeighborAlive, NeighborAge, CyclesTotal,
		RoutesTotal, RouteDuration,
		RespawnRequests, IdentitySynchronized, IdentityDivergence, Injections,
		MemoryPressure, GossipMessages, RPCRequests,
		buildInfo, uptime,
	)
}

// Handler exposes /metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup.
func SetBuildInfo(version, layer string) {
	buildInfo.WithLabelValues(version, layer).Set(1)
}

// Bool converts a flag into a gauge value.
func Bool(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// ObserveRPC records one inbound request.
func ObserveRPC(method string, httpStatus int) {
	RPCRequests.WithLabelValues(method, strconv.Itoa(httpStatus/100)+"xx").Inc()
}
