package p2p

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/Klingon-tech/klingmesh/internal/heartbeat"
	"github.com/Klingon-tech/klingmesh/internal/identity"
	"github.com/Klingon-tech/klingmesh/internal/storage"
	"github.com/Klingon-tech/klingmesh/internal/topology"
	"github.com/Klingon-tech/klingmesh/pkg/crypto"
)

func mustKey(t *testing.T) *crypto.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return key
}

// fixedNow is the verifier clock in these tests.
var fixedNow = time.UnixMilli(1_700_000_000_000)

func testVerifier(topo *topology.Topology) *Verifier {
	return &Verifier{Topology: topo, MaxSkew: DefaultMaxSkew, Now: func() time.Time { return fixedNow }}
}

// pinnedTopology pins key to layer in an otherwise default topology.
func pinnedTopology(layer topology.Name, key *crypto.PrivateKey) *topology.Topology {
	topo := topology.Default("")
	var nodes []*topology.Node
	for _, name := range topo.Names() {
		n, _ := topo.Node(name)
		cp := *n
		if name == layer {
			cp.PubKey = key.PublicKeyHex()
		}
		nodes = append(nodes, &cp)
	}
	return topology.New(nodes)
}

func TestSealOpen_RoundTrip(t *testing.T) {
	key := mustKey(t)
	rec := &heartbeat.Record{Layer: topology.L1, Timestamp: 1000, Status: heartbeat.StatusHealthy, IdentityHash: "abc"}

	env, err := SealRecord(key, rec)
	if err != nil {
		t.Fatalf("SealRecord: %v", err)
	}
	if env.PubKey != key.PublicKeyHex() {
		t.Fatalf("pubkey = %s", env.PubKey)
	}
	got, err := testVerifier(topology.Default("")).OpenRecord(env)
	if err != nil {
		t.Fatalf("OpenRecord: %v", err)
	}
	if got.Layer != rec.Layer || got.Timestamp != rec.Timestamp || got.IdentityHash != "abc" {
		t.Fatalf("record = %+v", got)
	}
}

func TestOpenRecord_Rejects(t *testing.T) {
	key := mustKey(t)
	other := mustKey(t)
	topo := topology.Default("")

	sealed := func(rec *heartbeat.Record) *Envelope {
		env, err := SealRecord(key, rec)
		if err != nil {
			t.Fatalf("SealRecord: %v", err)
		}
		return env
	}

	tampered := sealed(&heartbeat.Record{Layer: topology.L1, Timestamp: 1000})
	tampered.Record = json.RawMessage(`{"layer":"l1","timestamp":9999}`)

	swappedKey := sealed(&heartbeat.Record{Layer: topology.L1, Timestamp: 1000})
	swappedKey.PubKey = other.PublicKeyHex()

	tests := []struct {
		name string
		env  *Envelope
		topo *topology.Topology
		want error
	}{
		{"nil", nil, topo, ErrMalformedEnvelope},
		{"empty record", &Envelope{PubKey: key.PublicKeyHex(), Signature: "00"}, topo, ErrMalformedEnvelope},
		{"bad pubkey", &Envelope{Record: json.RawMessage(`{}`), PubKey: "zz", Signature: "00"}, topo, ErrMalformedEnvelope},
		{"tampered record", tampered, topo, ErrBadSignature},
		{"swapped key", swappedKey, topo, ErrBadSignature},
		{"unknown layer", sealed(&heartbeat.Record{Layer: "l9", Timestamp: 1}), topo, ErrUnknownLayer},
		{"no timestamp", sealed(&heartbeat.Record{Layer: topology.L1}), topo, ErrMalformedEnvelope},
		{"pinned to other key", sealed(&heartbeat.Record{Layer: topology.L1, Timestamp: 1}), pinnedTopology(topology.L1, other), ErrPinnedKeyMismatch},
		{"future timestamp", sealed(&heartbeat.Record{Layer: topology.L1, Timestamp: fixedNow.Add(24 * time.Hour).UnixMilli()}), topo, ErrFutureTimestamp},
		{"wrong kind", identityKind(sealed(&heartbeat.Record{Layer: topology.L1, Timestamp: 1})), topo, ErrMalformedEnvelope},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := testVerifier(tt.topo).OpenRecord(tt.env)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func identityKind(env *Envelope) *Envelope {
	env.Kind = KindIdentity
	return env
}

func TestOpenRecord_FutureTimestamp(t *testing.T) {
	key := mustKey(t)
	v := testVerifier(topology.Default(""))

	within := fixedNow.Add(DefaultMaxSkew - time.Second).UnixMilli()
	env, err := SealRecord(key, &heartbeat.Record{Layer: topology.L1, Timestamp: within})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.OpenRecord(env); err != nil {
		t.Fatalf("record within skew rejected: %v", err)
	}

	beyond := fixedNow.Add(DefaultMaxSkew + time.Second).UnixMilli()
	env, err = SealRecord(key, &heartbeat.Record{Layer: topology.L1, Timestamp: beyond})
	if err != nil {
		t.Fatal(err)
	}
	_, err = v.OpenRecord(env)
	if !errors.Is(err, ErrFutureTimestamp) || !errors.Is(err, ErrMalformedEnvelope) {
		t.Fatalf("err = %v, want future timestamp", err)
	}
}

func TestOpenRecord_PinnedKeyAccepted(t *testing.T) {
	key := mustKey(t)
	env, err := SealRecord(key, &heartbeat.Record{Layer: topology.CoreA, Timestamp: 5})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := testVerifier(pinnedTopology(topology.CoreA, key)).OpenRecord(env); err != nil {
		t.Fatalf("OpenRecord: %v", err)
	}
}

func TestOpenSnapshot(t *testing.T) {
	key := mustKey(t)
	topo := topology.Default("")
	v := testVerifier(topo)

	snap := &identity.Snapshot{Hash: "2cf24dba5fb0a30e", Timestamp: 1000, Version: identity.Version, ComputedBy: topology.CoreB}
	env, err := SealSnapshot(key, snap)
	if err != nil {
		t.Fatalf("SealSnapshot: %v", err)
	}
	got, err := v.OpenSnapshot(env)
	if err != nil {
		t.Fatalf("OpenSnapshot: %v", err)
	}
	if *got != *snap {
		t.Fatalf("snapshot = %+v, want %+v", got, snap)
	}

	// A heartbeat envelope never opens as a snapshot.
	rec, err := SealRecord(key, &heartbeat.Record{Layer: topology.CoreB, Timestamp: 1000})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.OpenSnapshot(rec); !errors.Is(err, ErrMalformedEnvelope) {
		t.Fatalf("heartbeat as snapshot: err = %v", err)
	}

	bad := []*identity.Snapshot{
		{Hash: "2cf24dba5fb0a30e", Timestamp: 1000, ComputedBy: topology.L1},
		{Hash: "short", Timestamp: 1000, ComputedBy: topology.CoreA},
		{Hash: "2cf24dba5fb0a30e", Timestamp: fixedNow.Add(time.Hour).UnixMilli(), ComputedBy: topology.CoreA},
	}
	for _, b := range bad {
		env, err := SealSnapshot(key, b)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := v.OpenSnapshot(env); !errors.Is(err, ErrMalformedEnvelope) {
			t.Errorf("%+v: err = %v, want malformed", b, err)
		}
	}
}

func TestHandleEnvelope_Outcomes(t *testing.T) {
	key := mustKey(t)
	forger := mustKey(t)
	topo := pinnedTopology(topology.L1, key)
	n := New(newTestConfig(topology.L2, topo))
	from := peer.ID("relay-peer")

	encode := func(signer *crypto.PrivateKey, rec *heartbeat.Record) []byte {
		env, err := SealRecord(signer, rec)
		if err != nil {
			t.Fatal(err)
		}
		data, _ := json.Marshal(env)
		return data
	}

	if got := n.handleEnvelope(from, encode(key, &heartbeat.Record{Layer: topology.L1, Timestamp: 200})); got != outcomeMirrored {
		t.Fatalf("first = %s, want mirrored", got)
	}
	if got := n.handleEnvelope(from, encode(key, &heartbeat.Record{Layer: topology.L1, Timestamp: 100})); got != outcomeOutdated {
		t.Fatalf("older = %s, want outdated", got)
	}
	if got := n.handleEnvelope(from, encode(key, &heartbeat.Record{Layer: topology.L2, Timestamp: 300})); got != outcomeOwn {
		t.Fatalf("own = %s, want own", got)
	}
	if rec, ok := n.config.Store.Read(topology.L2); ok {
		t.Fatalf("own record overwritten by gossip: %+v", rec)
	}

	if got := n.handleEnvelope(from, encode(forger, &heartbeat.Record{Layer: topology.L1, Timestamp: 400})); got != outcomeRejected {
		t.Fatalf("forged = %s, want rejected", got)
	}
	if rec, _ := n.config.Store.Read(topology.L1); rec.Timestamp != 200 {
		t.Fatalf("forged record applied: %+v", rec)
	}
	if score := n.BanManager.Score(from); score != PenaltyForgedRecord {
		t.Fatalf("score = %d, want %d", score, PenaltyForgedRecord)
	}

	if got := n.handleEnvelope(from, []byte("not json")); got != outcomeRejected {
		t.Fatalf("garbage = %s, want rejected", got)
	}
	if score := n.BanManager.Score(from); score != PenaltyForgedRecord+PenaltyMalformed {
		t.Fatalf("score = %d", score)
	}
}

func TestHandleSnapshot_Outcomes(t *testing.T) {
	key := mustKey(t)
	cfg := newTestConfig(topology.CoreA, topology.Default(""))
	cfg.Identity = identity.NewSynchronizer(t.TempDir()+"/CORE.md", storage.NewMemory())
	n := New(cfg)
	from := peer.ID("relay-peer")

	encode := func(snap *identity.Snapshot) []byte {
		env, err := SealSnapshot(key, snap)
		if err != nil {
			t.Fatal(err)
		}
		data, _ := json.Marshal(env)
		return data
	}

	fromB := &identity.Snapshot{Hash: "2cf24dba5fb0a30e", Timestamp: 200, Version: identity.Version, ComputedBy: topology.CoreB}
	if got := n.handleSnapshot(from, encode(fromB)); got != outcomeMirrored {
		t.Fatalf("first = %s, want mirrored", got)
	}
	older := *fromB
	older.Timestamp = 100
	if got := n.handleSnapshot(from, encode(&older)); got != outcomeOutdated {
		t.Fatalf("older = %s, want outdated", got)
	}
	own := &identity.Snapshot{Hash: "139d544b821b13eb", Timestamp: 300, ComputedBy: topology.CoreA}
	if got := n.handleSnapshot(from, encode(own)); got != outcomeOwn {
		t.Fatalf("own = %s, want own", got)
	}
	if _, ok := cfg.Identity.Read(topology.CoreA); ok {
		t.Fatal("own snapshot overwritten by gossip")
	}
	if got, ok := cfg.Identity.Read(topology.CoreB); !ok || got.Timestamp != 200 {
		t.Fatalf("core-b snapshot = %+v, %v", got, ok)
	}
}

// FuzzOpenRecord tests that arbitrary bytes never panic the envelope path.
func FuzzOpenRecord(f *testing.F) {
	f.Add([]byte(`{"kind":"heartbeat","record":{"layer":"l1","timestamp":1},"pubkey":"02aa","signature":"00"}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`null`))
	f.Add([]byte(`{"record":null,"pubkey":null}`))

	v := testVerifier(topology.Default(""))
	f.Fuzz(func(t *testing.T, data []byte) {
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return
		}
		_, _ = v.OpenRecord(&env)
		_, _ = v.OpenSnapshot(&env)
	})
}
