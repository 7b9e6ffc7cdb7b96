// Package identity fingerprints the shared identity document and checks
// that both core layers computed the same fingerprint. It only detects
// divergence; it never reconciles.
package identity

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	klog "github.com/Klingon-tech/klingmesh/internal/log"
	"github.com/Klingon-tech/klingmesh/internal/metrics"
	"github.com/Klingon-tech/klingmesh/internal/storage"
	"github.com/Klingon-tech/klingmesh/internal/topology"
	"github.com/Klingon-tech/klingmesh/pkg/crypto"
)

// Version is stamped on every snapshot.
const Version = "1.0.0"

// FingerprintLength is the number of hex characters kept from the digest.
const FingerprintLength = 16

// ErrIdentityMissing is returned when the identity document does not exist.
var ErrIdentityMissing = errors.New("identity document not found")

// Snapshot is one core's most recent fingerprint.
type Snapshot struct {
	Hash       string        `json:"hash"`
	Timestamp  int64         `json:"timestamp"` // unix ms
	Version    string        `json:"version"`
	ComputedBy topology.Name `json:"computedBy"`
}

// Divergence explains why the cores are not synchronized.
type Divergence struct {
	Detected bool   `json:"detected"`
	Message  string `json:"message"`
}

// SyncResult compares the two cores' snapshots.
type SyncResult struct {
	Synchronized bool        `json:"synchronized"`
	CoreAHash    string      `json:"coreAHash,omitempty"`
	CoreBHash    string      `json:"coreBHash,omitempty"`
	Divergence   *Divergence `json:"divergence,omitempty"`
}

// Key returns the storage key of a core's snapshot.
func Key(core topology.Name) []byte {
	return []byte(string(core) + "-identity.json")
}

// Synchronizer computes and compares identity fingerprints.
type Synchronizer struct {
	docPath string
	db      storage.DB
	now     func() time.Time
	logger  zerolog.Logger
}

// NewSynchronizer creates a synchronizer for the document at docPath with
// snapshots kept in db.
func NewSynchronizer(docPath string, db storage.DB) *Synchronizer {
	return &Synchronizer{
		docPath: docPath,
		db:      db,
		now:     time.Now,
		logger:  klog.Identity,
	}
}

// SetClock replaces the time source (tests).
func (s *Synchronizer) SetClock(now func() time.Time) {
	s.now = now
}

// DocumentPath returns the fingerprinted file.
func (s *Synchronizer) DocumentPath() string {
	return s.docPath
}

// ComputeFingerprint hashes the identity document with SHA-256 and returns
// the first FingerprintLength hex characters.
func (s *Synchronizer) ComputeFingerprint() (string, error) {
	data, err := s.readDocument()
	if err != nil {
		return "", err
	}
	return crypto.SHA256(data).Short(FingerprintLength), nil
}

// Persist computes the fingerprint and stores it as producer's snapshot.
func (s *Synchronizer) Persist(producer topology.Name) (*Snapshot, error) {
	if !topology.IsCore(producer) {
		return nil, fmt.Errorf("only core layers compute identity, not %s", producer)
	}
	hash, err := s.ComputeFingerprint()
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{
		Hash:       hash,
		Timestamp:  s.now().UnixMilli(),
		Version:    Version,
		ComputedBy: producer,
	}
	if err := s.put(snap); err != nil {
		return nil, err
	}
	s.logger.Info().Str("layer", string(producer)).Str("hash", hash).Msg("Identity computed")
	return snap, nil
}

// Read returns a core's snapshot. Missing and malformed snapshots are absent.
func (s *Synchronizer) Read(core topology.Name) (*Snapshot, bool) {
	data, err := s.db.Get(Key(core))
	if err != nil {
		return nil, false
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil || snap.Hash == "" {
		s.logger.Debug().Str("layer", string(core)).Msg("Ignoring malformed identity snapshot")
		return nil, false
	}
	return &snap, true
}

// Validate checks that snap is a well-formed core snapshot.
func (snap *Snapshot) Validate() error {
	if snap == nil {
		return errors.New("snapshot is nil")
	}
	if !topology.IsCore(snap.ComputedBy) {
		return fmt.Errorf("snapshot from non-core layer %q", snap.ComputedBy)
	}
	if len(snap.Hash) != FingerprintLength {
		return fmt.Errorf("fingerprint must be %d hex characters", FingerprintLength)
	}
	if _, err := hex.DecodeString(snap.Hash); err != nil {
		return fmt.Errorf("fingerprint is not hex: %w", err)
	}
	if snap.Timestamp <= 0 {
		return errors.New("snapshot has no timestamp")
	}
	return nil
}

// Mirror stores a snapshot received from another host when it is newer than
// the stored one for the same core.
func (s *Synchronizer) Mirror(snap *Snapshot) (bool, error) {
	if err := snap.Validate(); err != nil {
		return false, fmt.Errorf("mirror: %w", err)
	}
	if cur, ok := s.Read(snap.ComputedBy); ok && cur.Timestamp >= snap.Timestamp {
		return false, nil
	}
	if err := s.put(snap); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Synchronizer) put(snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := s.db.Put(Key(snap.ComputedBy), data); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// CheckSync compares the latest snapshots of core-a and core-b.
func (s *Synchronizer) CheckSync() SyncResult {
	a, okA := s.Read(topology.CoreA)
	b, okB := s.Read(topology.CoreB)

	var res SyncResult
	switch {
	case !okA && !okB:
		res.Divergence = &Divergence{Message: "neither core has computed identity yet"}
	case !okA:
		res.CoreBHash = b.Hash
		res.Divergence = &Divergence{Message: "core-a has not computed identity"}
	case !okB:
		res.CoreAHash = a.Hash
		res.Divergence = &Divergence{Message: "core-b has not computed identity"}
	default:
		res.CoreAHash = a.Hash
		res.CoreBHash = b.Hash
		res.Synchronized = a.Hash == b.Hash
		if !res.Synchronized {
			res.Divergence = &Divergence{
				Detected: true,
				Message:  fmt.Sprintf("identity divergence: core-a (%s) != core-b (%s)", a.Hash, b.Hash),
			}
			metrics.IdentityDivergence.Inc()
			s.logger.Warn().Str("core_a", a.Hash).Str("core_b", b.Hash).Msg("Identity divergence detected")
		}
	}
	metrics.IdentitySynchronized.Set(metrics.Bool(res.Synchronized))
	return res
}

func (s *Synchronizer) readDocument() ([]byte, error) {
	data, err := os.ReadFile(s.docPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w at %s", ErrIdentityMissing, s.docPath)
		}
		return nil, fmt.Errorf("read identity document: %w", err)
	}
	return data, nil
}
