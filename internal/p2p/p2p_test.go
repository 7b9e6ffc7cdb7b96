package p2p

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/Klingon-tech/klingmesh/internal/heartbeat"
	"github.com/Klingon-tech/klingmesh/internal/identity"
	klog "github.com/Klingon-tech/klingmesh/internal/log"
	"github.com/Klingon-tech/klingmesh/internal/storage"
	"github.com/Klingon-tech/klingmesh/internal/topology"
)

func newTestConfig(self topology.Name, topo *topology.Topology) Config {
	return Config{
		ListenAddr: "127.0.0.1",
		Port:       0,
		Self:       self,
		Topology:   topo,
		Store:      heartbeat.NewStore(storage.NewMemory()),
	}
}

// startTestNode creates, starts, and returns a relay on a random port.
func startTestNode(t *testing.T, self topology.Name, topo *topology.Topology) *Node {
	t.Helper()
	klog.Init("error", false, "")
	n := New(newTestConfig(self, topo))
	if err := n.Start(); err != nil {
		t.Fatalf("start node: %v", err)
	}
	t.Cleanup(func() { n.Stop() })
	return n
}

// connectNodes connects node B to node A via direct libp2p connect.
func connectNodes(t *testing.T, a, b *Node) {
	t.Helper()
	aInfo := peer.AddrInfo{ID: a.host.ID(), Addrs: a.host.Addrs()}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.host.Connect(ctx, aInfo); err != nil {
		t.Fatalf("connect nodes: %v", err)
	}
	// Give GossipSub time to establish mesh.
	time.Sleep(300 * time.Millisecond)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		default:
			time.Sleep(50 * time.Millisecond)
		}
	}
}

// --- Node Lifecycle ---

func TestNode_New(t *testing.T) {
	n := New(newTestConfig(topology.L1, topology.Default("")))
	if n.host != nil {
		t.Error("host should be nil before Start")
	}
	if n.ID() != "" {
		t.Error("ID should be empty before Start")
	}
	if n.Addrs() != nil {
		t.Error("Addrs should be nil before Start")
	}
	if n.BanManager == nil {
		t.Error("BanManager should be set")
	}
}

func TestNode_StartStop(t *testing.T) {
	n := New(newTestConfig(topology.L1, topology.Default("")))
	if err := n.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if n.ID() == "" {
		t.Error("ID should not be empty after Start")
	}
	if len(n.Addrs()) == 0 {
		t.Error("should have at least one address")
	}
	if len(n.PublicKeyHex()) != 66 {
		t.Errorf("pubkey hex length = %d, want 66", len(n.PublicKeyHex()))
	}
	if err := n.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestNode_StopBeforeStart(t *testing.T) {
	n := New(newTestConfig(topology.L1, topology.Default("")))
	if err := n.Stop(); err != nil {
		t.Fatalf("Stop before Start should not error: %v", err)
	}
}

func TestNode_PublishBeforeStart(t *testing.T) {
	n := New(newTestConfig(topology.L1, topology.Default("")))
	if err := n.PublishRecord(&heartbeat.Record{Layer: topology.L1, Timestamp: 1}); err == nil {
		t.Fatal("expected error publishing before Start")
	}
}

func TestNode_AddRemovePeer(t *testing.T) {
	n := New(newTestConfig(topology.L1, topology.Default("")))
	id := peer.ID("test-peer-1")

	n.addPeer(id)
	n.addPeer(id)
	if n.PeerCount() != 1 {
		t.Errorf("expected 1 peer after dup, got %d", n.PeerCount())
	}
	n.setPeerLayer(id, topology.L2)
	if got := n.PeerList()[0].Layer; got != topology.L2 {
		t.Errorf("peer layer = %q, want l2", got)
	}
	n.removePeer(id)
	if n.PeerCount() != 0 {
		t.Errorf("expected 0 peers after remove, got %d", n.PeerCount())
	}
}

// --- Two-Node Integration ---

func TestTwoNodes_HeartbeatMirrored(t *testing.T) {
	topo := topology.Default("")
	nodeA := startTestNode(t, topology.L1, topo)
	nodeB := startTestNode(t, topology.L2, topo)
	connectNodes(t, nodeA, nodeB)

	rec := &heartbeat.Record{Layer: topology.L1, Timestamp: time.Now().UnixMilli(), Status: heartbeat.StatusHealthy}

	// Republish until the mesh is formed and B has the record.
	waitFor(t, "mirrored heartbeat", func() bool {
		nodeA.PublishRecord(rec)
		got, ok := nodeB.config.Store.Read(topology.L1)
		return ok && got.Timestamp == rec.Timestamp
	})
}

func TestTwoNodes_IdentityMirrored(t *testing.T) {
	klog.Init("error", false, "")
	topo := topology.Default("")
	newCore := func(self topology.Name) (*Node, *identity.Synchronizer) {
		cfg := newTestConfig(self, topo)
		cfg.Identity = identity.NewSynchronizer(filepath.Join(t.TempDir(), "CORE.md"), storage.NewMemory())
		n := New(cfg)
		if err := n.Start(); err != nil {
			t.Fatalf("start node: %v", err)
		}
		t.Cleanup(func() { n.Stop() })
		return n, cfg.Identity
	}
	nodeA, syncA := newCore(topology.CoreA)
	nodeB, _ := newCore(topology.CoreB)
	connectNodes(t, nodeA, nodeB)

	snap := &identity.Snapshot{Hash: "2cf24dba5fb0a30e", Timestamp: time.Now().UnixMilli(), Version: identity.Version, ComputedBy: topology.CoreB}
	waitFor(t, "mirrored snapshot", func() bool {
		nodeB.PublishSnapshot(snap)
		got, ok := syncA.Read(topology.CoreB)
		return ok && got.Timestamp == snap.Timestamp
	})
}

func TestNode_PublishSnapshotWithoutIdentity(t *testing.T) {
	n := startTestNode(t, topology.CoreA, topology.Default(""))
	snap := &identity.Snapshot{Hash: "2cf24dba5fb0a30e", Timestamp: 1, ComputedBy: topology.CoreA}
	if err := n.PublishSnapshot(snap); err == nil {
		t.Fatal("expected error publishing a snapshot without an identity topic")
	}
}

func TestTwoNodes_HandshakeLearnsLayer(t *testing.T) {
	topo := topology.Default("")
	nodeA := startTestNode(t, topology.CoreA, topo)
	nodeB := startTestNode(t, topology.CoreB, topo)
	connectNodes(t, nodeA, nodeB)

	waitFor(t, "peer layer", func() bool {
		for _, p := range nodeB.PeerList() {
			if p.ID == nodeA.ID() && p.Layer == topology.CoreA {
				return true
			}
		}
		return false
	})
}

func TestTwoNodes_HandshakeTopologyMismatch(t *testing.T) {
	nodeA := startTestNode(t, topology.L1, topology.Default(""))

	other := topology.New([]*topology.Node{
		{Name: topology.Gateway, Host: "127.0.0.1", Port: 18789, Adjacent: []topology.Name{topology.L2}},
		{Name: topology.L2, Host: "127.0.0.1", Port: 18791, Adjacent: []topology.Name{topology.Gateway}},
	})
	nodeB := startTestNode(t, topology.L2, other)
	connectNodes(t, nodeA, nodeB)

	// Wait for the handshake to complete and ban the peer.
	waitFor(t, "mismatch ban", func() bool {
		return nodeA.BanManager.IsBanned(nodeB.ID()) || nodeB.BanManager.IsBanned(nodeA.ID())
	})
}

func TestConnNotifier_Disconnected(t *testing.T) {
	topo := topology.Default("")
	nodeA := startTestNode(t, topology.L1, topo)
	nodeB := startTestNode(t, topology.L2, topo)
	connectNodes(t, nodeA, nodeB)

	if nodeB.PeerCount() < 1 {
		t.Fatalf("nodeB should have a peer before disconnect, got %d", nodeB.PeerCount())
	}
	for _, conn := range nodeB.host.Network().ConnsToPeer(nodeA.ID()) {
		conn.Close()
	}
	waitFor(t, "disconnect", func() bool { return nodeB.PeerCount() == 0 })
}
