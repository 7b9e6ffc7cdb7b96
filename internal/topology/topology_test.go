package topology

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

func TestDefault(t *testing.T) {
	topo := Default("")

	if got := topo.Names(); !slices.Equal(got, Names) {
		t.Fatalf("Names() = %v, want %v", got, Names)
	}

	tests := []struct {
		name Name
		port int
		adj  []Name
	}{
		{Gateway, 18789, []Name{L1}},
		{L1, 18790, []Name{Gateway, L2}},
		{L2, 18791, []Name{L1, CoreA, CoreB}},
		{CoreA, 18792, []Name{L2, CoreB}},
		{CoreB, 18793, []Name{L2, CoreA}},
	}
	for _, tt := range tests {
		n, ok := topo.Node(tt.name)
		if !ok {
			t.Fatalf("Node(%s) missing", tt.name)
		}
		if n.Port != tt.port {
			t.Errorf("%s port = %d, want %d", tt.name, n.Port, tt.port)
		}
		if !slices.Equal(n.Adjacent, tt.adj) {
			t.Errorf("%s adjacent = %v, want %v", tt.name, n.Adjacent, tt.adj)
		}
		if n.Credential != string(tt.name)+"-layer-token-2026" {
			t.Errorf("%s credential = %q", tt.name, n.Credential)
		}
	}

	if w := topo.Validate(); len(w) != 0 {
		t.Errorf("default topology warnings: %v", w)
	}
}

func TestNodeAddress(t *testing.T) {
	n, _ := Default("").Node(L2)
	if got := n.Address(); got != "http://127.0.0.1:18791/" {
		t.Errorf("Address() = %q", got)
	}
}

func TestIsAdjacent(t *testing.T) {
	topo := Default("")
	tests := []struct {
		from, to Name
		want     bool
	}{
		{Gateway, L1, true},
		{Gateway, L2, false},
		{L1, CoreA, false},
		{L2, CoreA, true},
		{CoreA, CoreB, true},
		{CoreB, Gateway, false},
		{"nope", L1, false},
	}
	for _, tt := range tests {
		if got := topo.IsAdjacent(tt.from, tt.to); got != tt.want {
			t.Errorf("IsAdjacent(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestAdjacentReturnsCopy(t *testing.T) {
	topo := Default("")
	adj := topo.Adjacent(L2)
	adj[0] = "mutated"
	if topo.Adjacent(L2)[0] != L1 {
		t.Fatal("Adjacent() exposed internal slice")
	}
}

func TestCredential_Derived(t *testing.T) {
	a := Credential(CoreA, "s3cret")
	b := Credential(CoreA, "s3cret")
	c := Credential(CoreB, "s3cret")
	if a != b {
		t.Fatal("derivation is not deterministic")
	}
	if a == c {
		t.Fatal("different layers derived the same credential")
	}
	if len(a) != 32 {
		t.Errorf("derived credential length = %d, want 32", len(a))
	}
	if a == "core-a-layer-token-2026" {
		t.Error("secret was ignored")
	}
}

func TestCategories(t *testing.T) {
	for _, n := range Names {
		wantCore := n == CoreA || n == CoreB
		wantInterior := wantCore || n == L2
		if IsCore(n) != wantCore {
			t.Errorf("IsCore(%s) = %v", n, !wantCore)
		}
		if IsInterior(n) != wantInterior {
			t.Errorf("IsInterior(%s) = %v", n, !wantInterior)
		}
	}
	if o, ok := OtherCore(CoreA); !ok || o != CoreB {
		t.Errorf("OtherCore(core-a) = %s, %v", o, ok)
	}
	if _, ok := OtherCore(L2); ok {
		t.Error("OtherCore(l2) should not resolve")
	}
}

func TestValidate_Warnings(t *testing.T) {
	topo := New([]*Node{
		{Name: "a", Port: 1, Adjacent: []Name{"b", "a", "ghost"}},
		{Name: "b", Port: 2},
	})
	w := topo.Validate()
	joined := strings.Join(w, "\n")
	for _, want := range []string{"asymmetric edge: a -> b", "a lists itself", "unknown layer ghost"} {
		if !strings.Contains(joined, want) {
			t.Errorf("warnings %q missing %q", joined, want)
		}
	}
}

func TestLoad_Override(t *testing.T) {
	path := filepath.Join(t.TempDir(), "layers.json")
	doc := `{"layers": {
		"gateway": {"port": 28789, "adjacent": ["l1"]},
		"l1": {"port": 28790, "host": "10.0.0.2", "adjacent": ["gateway", "l2", "core-a"], "token": "custom"},
		"l2": {"port": 28791, "adjacent": ["l1"]},
		"core-a": {"port": 28792, "adjacent": ["l1"], "pubkey": "02ab"}
	}}`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}

	topo := Load(path, "")
	if topo.Has(CoreB) {
		t.Error("override should replace the default layer set")
	}
	if !topo.IsAdjacent(L1, CoreA) {
		t.Error("override adjacency l1 -> core-a not applied")
	}
	l1, _ := topo.Node(L1)
	if l1.Address() != "http://10.0.0.2:28790/" {
		t.Errorf("l1 address = %q", l1.Address())
	}
	if l1.Credential != "custom" {
		t.Errorf("l1 credential = %q, want explicit token", l1.Credential)
	}
	gw, _ := topo.Node(Gateway)
	if gw.Credential != "gateway-layer-token-2026" {
		t.Errorf("gateway credential = %q, want derived default", gw.Credential)
	}
	ca, _ := topo.Node(CoreA)
	if ca.PubKey != "02ab" {
		t.Errorf("core-a pubkey = %q", ca.PubKey)
	}
}

func TestLoad_FallsBack(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"malformed.json": `{"layers": {`,
		"empty.json":     `{"layers": {}}`,
		"badport.json":   `{"layers": {"l1": {"port": 0, "adjacent": []}}}`,
		"nolayers.json":  `{"nodes": {}}`,
	}
	for file, content := range cases {
		path := filepath.Join(dir, file)
		os.WriteFile(path, []byte(content), 0644)
		topo := Load(path, "")
		if !slices.Equal(topo.Names(), Names) || !topo.IsAdjacent(L2, CoreB) {
			t.Errorf("%s: did not fall back to defaults", file)
		}
	}

	if topo := Load(filepath.Join(dir, "missing.json"), ""); !topo.Has(CoreB) {
		t.Error("missing override did not fall back to defaults")
	}
}

func TestResolveCurrentNode(t *testing.T) {
	topo := Default("")
	tests := []struct {
		name  string
		hints Hints
		want  Name
	}{
		{"override", Hints{Override: "core-b", StateDir: "/home/u/swarm/l1"}, CoreB},
		{"override case", Hints{Override: " L2 "}, L2},
		{"state dir", Hints{StateDir: "/home/u/.klingmesh/swarm/core-a/state"}, CoreA},
		{"state dir beats config", Hints{StateDir: "/x/swarm/l1", ConfigPath: "/x/swarm/l2/klingmesh.conf"}, L1},
		{"config path", Hints{ConfigPath: "/x/swarm/gateway/klingmesh.conf"}, Gateway},
		{"unknown override falls through", Hints{Override: "l9", StateDir: "/x/swarm/l2"}, L2},
		{"bare layer dir", Hints{StateDir: "/x/swarm/core-b"}, CoreB},
		{"prefix dir skipped for config", Hints{StateDir: "/x/swarm/l10/state", ConfigPath: "/x/swarm/l2/klingmesh.conf"}, L2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := topo.ResolveCurrentNode(tt.hints)
			if err != nil {
				t.Fatalf("ResolveCurrentNode() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ResolveCurrentNode() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestResolveCurrentNode_WholeSegment(t *testing.T) {
	topo := Default("")
	for _, dir := range []string{
		"/x/swarm/l10/state",
		"/x/swarm/gateway-old",
		"/x/swarm/core-ab",
		"/x/myswarm/l1",
		"/x/swarm",
		"/x/swarm/",
	} {
		if got, err := topo.ResolveCurrentNode(Hints{StateDir: dir}); err == nil {
			t.Errorf("%s resolved to %s, want error", dir, got)
		}
	}
}

func TestResolveCurrentNode_Unresolved(t *testing.T) {
	_, err := Default("").ResolveCurrentNode(Hints{StateDir: "/var/lib/mesh", Override: "l9"})
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err = %v, want *ConfigurationError", err)
	}
	if !strings.Contains(err.Error(), "l9") {
		t.Errorf("error %q should name the rejected override", err)
	}
}
