package p2p

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Klingon-tech/klingmesh/internal/heartbeat"
	"github.com/Klingon-tech/klingmesh/internal/identity"
	"github.com/Klingon-tech/klingmesh/internal/topology"
	"github.com/Klingon-tech/klingmesh/pkg/crypto"
)

// Envelope errors. Each is a distinct drop reason.
var (
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrBadSignature      = errors.New("bad envelope signature")
	ErrPinnedKeyMismatch = errors.New("envelope key does not match pinned key")
	ErrUnknownLayer      = errors.New("record for unknown layer")
	ErrFutureTimestamp   = fmt.Errorf("%w: timestamp too far in the future", ErrMalformedEnvelope)
)

// Envelope kinds. The kind is covered by the signature.
const (
	KindHeartbeat = "heartbeat"
	KindIdentity  = "identity"
)

// Envelope wraps one heartbeat record or identity snapshot with the
// signer's key. Signature is Schnorr over BLAKE3(kind ":" record).
type Envelope struct {
	Kind      string          `json:"kind"`
	Record    json.RawMessage `json:"record"`
	PubKey    string          `json:"pubkey"`    // hex, 33-byte compressed
	Signature string          `json:"signature"` // hex
}

func envelopeDigest(kind string, payload []byte) crypto.Hash {
	return crypto.HashConcat([]byte(kind), []byte(":"), payload)
}

func seal(signer crypto.Signer, kind string, v any) (*Envelope, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", kind, err)
	}
	hash := envelopeDigest(kind, data)
	sig, err := signer.Sign(hash[:])
	if err != nil {
		return nil, fmt.Errorf("sign %s: %w", kind, err)
	}
	return &Envelope{
		Kind:      kind,
		Record:    data,
		PubKey:    hex.EncodeToString(signer.PublicKey()),
		Signature: hex.EncodeToString(sig),
	}, nil
}

// SealRecord signs a heartbeat record.
func SealRecord(signer crypto.Signer, rec *heartbeat.Record) (*Envelope, error) {
	return seal(signer, KindHeartbeat, rec)
}

// SealSnapshot signs an identity snapshot.
func SealSnapshot(signer crypto.Signer, snap *identity.Snapshot) (*Envelope, error) {
	return seal(signer, KindIdentity, snap)
}

// Verifier checks envelopes against the topology and a clock. Timestamps
// later than Now+MaxSkew are rejected so a skewed or hostile host cannot
// keep a dead layer alive.
type Verifier struct {
	Topology *topology.Topology
	MaxSkew  time.Duration
	Now      func() time.Time
}

// verify checks the envelope's kind and signature and returns its payload.
func (v *Verifier) verify(env *Envelope, kind string) ([]byte, error) {
	if env == nil || len(env.Record) == 0 {
		return nil, ErrMalformedEnvelope
	}
	if env.Kind != kind {
		return nil, fmt.Errorf("%w: kind %q, want %q", ErrMalformedEnvelope, env.Kind, kind)
	}
	pub, err := hex.DecodeString(env.PubKey)
	if err != nil || len(pub) != crypto.PublicKeySize {
		return nil, fmt.Errorf("%w: bad pubkey", ErrMalformedEnvelope)
	}
	sig, err := hex.DecodeString(env.Signature)
	if err != nil || len(sig) == 0 {
		return nil, fmt.Errorf("%w: bad signature encoding", ErrMalformedEnvelope)
	}
	hash := envelopeDigest(kind, env.Record)
	if !crypto.VerifySignature(hash[:], sig, pub) {
		return nil, ErrBadSignature
	}
	return env.Record, nil
}

// checkOrigin enforces the layer's pinned key and the clock bound.
func (v *Verifier) checkOrigin(env *Envelope, layer topology.Name, ts int64) error {
	if ts <= 0 {
		return fmt.Errorf("%w: missing timestamp", ErrMalformedEnvelope)
	}
	if v.Now != nil {
		if limit := v.Now().Add(v.MaxSkew).UnixMilli(); ts > limit {
			return fmt.Errorf("%w: %d > %d", ErrFutureTimestamp, ts, limit)
		}
	}
	node, ok := v.Topology.Node(layer)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownLayer, layer)
	}
	if node.PubKey != "" && !strings.EqualFold(node.PubKey, env.PubKey) {
		return fmt.Errorf("%w: layer %s", ErrPinnedKeyMismatch, layer)
	}
	return nil
}

// OpenRecord verifies a heartbeat envelope and returns its record. A layer
// with a pinned key only accepts envelopes signed by that key.
func (v *Verifier) OpenRecord(env *Envelope) (*heartbeat.Record, error) {
	data, err := v.verify(env, KindHeartbeat)
	if err != nil {
		return nil, err
	}
	var rec heartbeat.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := v.checkOrigin(env, rec.Layer, rec.Timestamp); err != nil {
		return nil, err
	}
	return &rec, nil
}

// OpenSnapshot verifies an identity envelope and returns its snapshot.
func (v *Verifier) OpenSnapshot(env *Envelope) (*identity.Snapshot, error) {
	data, err := v.verify(env, KindIdentity)
	if err != nil {
		return nil, err
	}
	var snap identity.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := v.checkOrigin(env, snap.ComputedBy, snap.Timestamp); err != nil {
		return nil, err
	}
	if err := snap.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return &snap, nil
}
