// Package heartbeat implements the liveness protocol: every layer overwrites
// its own record each cycle and judges its neighbors by the age of theirs.
package heartbeat

import (
	"github.com/Klingon-tech/klingmesh/internal/topology"
)

// Status is the self-reported state in a heartbeat record.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusStarting Status = "starting"
)

// Record is the persisted liveness announcement of one layer.
type Record struct {
	Layer             topology.Name `json:"layer"`
	Timestamp         int64         `json:"timestamp"` // unix ms
	Status            Status        `json:"status"`
	MemoryUsageMB     *int          `json:"memoryUsageMB,omitempty"`
	CPUPercent        *float64      `json:"cpuPercent,omitempty"`
	ActiveConnections *int          `json:"activeConnections,omitempty"`
	IdentityHash      string        `json:"identityHash,omitempty"`
}

// Metrics are the optional fields a writer attaches to its record.
// A nil MemoryUsageMB is filled from the current heap size.
type Metrics struct {
	MemoryUsageMB     *int
	CPUPercent        *float64
	ActiveConnections *int
	IdentityHash      string
}

// Key returns the storage key of a layer's record.
func Key(layer topology.Name) []byte {
	return []byte(string(layer) + "-heartbeat.json")
}

// LayerHealth is the derived view of one layer's liveness.
// Record is nil when no readable record exists.
type LayerHealth struct {
	Layer    topology.Name `json:"layer"`
	Alive    bool          `json:"alive"`
	LastSeen int64         `json:"lastSeen,omitempty"`
	StaleMs  int64         `json:"staleMs,omitempty"`
	Record   *Record       `json:"state,omitempty"`
}
