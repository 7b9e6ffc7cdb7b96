// Package topology holds the static layer graph: addresses, credentials and
// the adjacency lists that decide which layers may talk to each other.
package topology

import (
	"fmt"
	"net"
	"slices"
	"sort"
	"strconv"

	"github.com/Klingon-tech/klingmesh/pkg/crypto"
)

// Name identifies a layer.
type Name string

// Reference layers, outermost first.
const (
	Gateway Name = "gateway"
	L1      Name = "l1"
	L2      Name = "l2"
	CoreA   Name = "core-a"
	CoreB   Name = "core-b"
)

// Names lists the reference layers in canonical order.
var Names = []Name{Gateway, L1, L2, CoreA, CoreB}

// DefaultHost is the address every layer listens on unless overridden.
const DefaultHost = "127.0.0.1"

// Node is one layer's entry in the topology.
type Node struct {
	Name       Name
	Host       string
	Port       int
	Credential string
	Adjacent   []Name
	// PubKey optionally pins the hex-encoded gossip signing key.
	PubKey string
}

// Address returns the node's RPC endpoint.
func (n *Node) Address() string {
	return "http://" + net.JoinHostPort(n.Host, strconv.Itoa(n.Port)) + "/"
}

// Topology is built once at startup and shared read-only by every component.
type Topology struct {
	nodes map[Name]*Node
	order []Name
}

var defaultPorts = map[Name]int{
	Gateway: 18789,
	L1:      18790,
	L2:      18791,
	CoreA:   18792,
	CoreB:   18793,
}

var defaultAdjacency = map[Name][]Name{
	Gateway: {L1},
	L1:      {Gateway, L2},
	L2:      {L1, CoreA, CoreB},
	CoreA:   {L2, CoreB},
	CoreB:   {L2, CoreA},
}

// Default returns the built-in five-layer topology. With an empty secret the
// well-known per-layer tokens are used.
func Default(secret string) *Topology {
	nodes := make([]*Node, 0, len(Names))
	for _, name := range Names {
		nodes = append(nodes, &Node{
			Name:       name,
			Host:       DefaultHost,
			Port:       defaultPorts[name],
			Credential: Credential(name, secret),
			Adjacent:   slices.Clone(defaultAdjacency[name]),
		})
	}
	return New(nodes)
}

// New builds a topology from explicit nodes. Reference layers keep their
// canonical order; any others follow sorted by name.
func New(nodes []*Node) *Topology {
	t := &Topology{nodes: make(map[Name]*Node, len(nodes))}
	for _, n := range nodes {
		t.nodes[n.Name] = n
	}
	for _, name := range Names {
		if _, ok := t.nodes[name]; ok {
			t.order = append(t.order, name)
		}
	}
	var extra []Name
	for name := range t.nodes {
		if !slices.Contains(Names, name) {
			extra = append(extra, name)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	t.order = append(t.order, extra...)
	return t
}

// Credential returns the token a layer expects from its callers.
func Credential(name Name, secret string) string {
	if secret == "" {
		return string(name) + "-layer-token-2026"
	}
	cred, err := crypto.DeriveCredential(secret, string(name))
	if err != nil {
		// Only an empty secret fails, which is handled above.
		return string(name) + "-layer-token-2026"
	}
	return cred
}

// Names returns every layer in deterministic order.
func (t *Topology) Names() []Name {
	return slices.Clone(t.order)
}

// Node returns the entry for name.
func (t *Topology) Node(name Name) (*Node, bool) {
	n, ok := t.nodes[name]
	return n, ok
}

// Has reports whether name is part of the topology.
func (t *Topology) Has(name Name) bool {
	_, ok := t.nodes[name]
	return ok
}

// Adjacent returns the declared neighbors of name, or nil if unknown.
func (t *Topology) Adjacent(name Name) []Name {
	n, ok := t.nodes[name]
	if !ok {
		return nil
	}
	return slices.Clone(n.Adjacent)
}

// IsAdjacent reports whether to is in from's adjacency list. The relation is
// directed; symmetry is only checked by Validate.
func (t *Topology) IsAdjacent(from, to Name) bool {
	n, ok := t.nodes[from]
	if !ok {
		return false
	}
	return slices.Contains(n.Adjacent, to)
}

// Validate reports structural problems without rejecting the topology.
func (t *Topology) Validate() []string {
	var warnings []string
	for _, name := range t.order {
		n := t.nodes[name]
		for _, adj := range n.Adjacent {
			if adj == name {
				warnings = append(warnings, fmt.Sprintf("%s lists itself as adjacent", name))
				continue
			}
			peer, ok := t.nodes[adj]
			if !ok {
				warnings = append(warnings, fmt.Sprintf("%s lists unknown layer %s", name, adj))
				continue
			}
			if !slices.Contains(peer.Adjacent, name) {
				warnings = append(warnings, fmt.Sprintf("asymmetric edge: %s -> %s has no reverse", name, adj))
			}
		}
	}
	return warnings
}

// Categories of the reference graph.

// IsCore reports whether name is one of the identity-holding pair.
func IsCore(name Name) bool {
	return name == CoreA || name == CoreB
}

// IsRelay reports whether name is the intermediate relay layer.
func IsRelay(name Name) bool {
	return name == L2
}

// IsInterior reports whether name is an inner layer allowed to shed load.
func IsInterior(name Name) bool {
	return IsRelay(name) || IsCore(name)
}

// OtherCore returns the peer of a core layer.
func OtherCore(name Name) (Name, bool) {
	switch name {
	case CoreA:
		return CoreB, true
	case CoreB:
		return CoreA, true
	}
	return "", false
}

// Dependent is the layer that receives identity injections; Guardian is the
// layer that watches it.
const (
	Dependent = Gateway
	Guardian  = L1
)
