package p2p

import (
	"strings"
	"testing"

	"github.com/Klingon-tech/klingmesh/internal/topology"
)

func TestTopologyHash(t *testing.T) {
	a := TopologyHash(topology.Default(""))
	b := TopologyHash(topology.Default("cluster-secret"))
	if a != b {
		t.Fatalf("hash depends on credentials: %s != %s", a, b)
	}
	if len(a) != 16 {
		t.Fatalf("hash length = %d, want 16", len(a))
	}

	reduced := topology.New([]*topology.Node{
		{Name: topology.L1, Host: "127.0.0.1", Port: 1, Adjacent: []topology.Name{topology.L2}},
		{Name: topology.L2, Host: "127.0.0.1", Port: 2, Adjacent: []topology.Name{topology.L1}},
	})
	if TopologyHash(reduced) == a {
		t.Fatal("different adjacency produced the same hash")
	}
	if TopologyHash(nil) != "" {
		t.Fatal("nil topology should hash to empty")
	}
}

func TestNode_ValidateHandshake(t *testing.T) {
	n := New(newTestConfig(topology.L1, topology.Default("")))
	good := n.buildHandshakeMessage()
	if good.Layer != topology.L1 || good.ProtocolVersion != ProtocolVersion {
		t.Fatalf("handshake = %+v", good)
	}

	tests := []struct {
		name   string
		mutate func(*HandshakeMessage)
		reason string
	}{
		{"ok", func(*HandshakeMessage) {}, ""},
		{"old version", func(m *HandshakeMessage) { m.ProtocolVersion = 0 }, "protocol version too low"},
		{"other mesh", func(m *HandshakeMessage) { m.TopologyHash = "deadbeef" }, "topology mismatch"},
		{"unknown layer", func(m *HandshakeMessage) { m.Layer = "l9" }, "unknown layer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := good
			tt.mutate(&msg)
			got := n.validateHandshake(msg)
			if tt.reason == "" && got != "" {
				t.Fatalf("unexpected rejection: %s", got)
			}
			if !strings.HasPrefix(got, tt.reason) {
				t.Fatalf("reason = %q, want prefix %q", got, tt.reason)
			}
		})
	}
}

func TestNode_DisconnectPeer_NotStarted(t *testing.T) {
	n := New(newTestConfig(topology.L1, topology.Default("")))
	if err := n.DisconnectPeer("someone"); err == nil {
		t.Fatal("expected error before Start")
	}
}
