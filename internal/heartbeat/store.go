package heartbeat

import (
	"encoding/json"
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	klog "github.com/Klingon-tech/klingmesh/internal/log"
	"github.com/Klingon-tech/klingmesh/internal/storage"
	"github.com/Klingon-tech/klingmesh/internal/topology"
)

// Store reads and writes heartbeat records. Each layer writes only its own
// record, so no locking is needed across processes.
type Store struct {
	db       storage.DB
	now      func() time.Time
	memoryMB func() int
	logger   zerolog.Logger
}

// NewStore creates a heartbeat store over db.
func NewStore(db storage.DB) *Store {
	return &Store{
		db:       db,
		now:      time.Now,
		memoryMB: heapMB,
		logger:   klog.Heartbeat,
	}
}

// SetClock replaces the time source (tests).
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Write overwrites self's record with the current time. An empty status
// means healthy.
func (s *Store) Write(self topology.Name, status Status, m Metrics) (*Record, error) {
	if status == "" {
		status = StatusHealthy
	}
	rec := &Record{
		Layer:             self,
		Timestamp:         s.now().UnixMilli(),
		Status:            status,
		MemoryUsageMB:     m.MemoryUsageMB,
		CPUPercent:        m.CPUPercent,
		ActiveConnections: m.ActiveConnections,
		IdentityHash:      m.IdentityHash,
	}
	if rec.MemoryUsageMB == nil {
		mb := s.memoryMB()
		rec.MemoryUsageMB = &mb
	}
	if err := s.put(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// WriteStarting writes the boot-time record.
func (s *Store) WriteStarting(self topology.Name) error {
	_, err := s.Write(self, StatusStarting, Metrics{})
	return err
}

// Read returns the record of node. Missing, unreadable and malformed records
// are all reported as absent.
func (s *Store) Read(node topology.Name) (*Record, bool) {
	data, err := s.db.Get(Key(node))
	if err != nil {
		return nil, false
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Debug().Err(err).Str("layer", string(node)).Msg("Ignoring malformed heartbeat record")
		return nil, false
	}
	if rec.Timestamp <= 0 {
		return nil, false
	}
	return &rec, true
}

// Mirror stores a record received from another host, keeping whichever of
// the stored and received records is newer.
func (s *Store) Mirror(rec *Record) (bool, error) {
	if rec == nil || rec.Layer == "" {
		return false, fmt.Errorf("mirror: record has no layer")
	}
	if cur, ok := s.Read(rec.Layer); ok && cur.Timestamp >= rec.Timestamp {
		return false, nil
	}
	return true, s.put(rec)
}

func (s *Store) put(rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode heartbeat: %w", err)
	}
	if err := s.db.Put(Key(rec.Layer), data); err != nil {
		return fmt.Errorf("write heartbeat %s: %w", rec.Layer, err)
	}
	return nil
}

func heapMB() int {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return int((ms.HeapAlloc + (1<<20)/2) >> 20)
}
