package respawn

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/Klingon-tech/klingmesh/internal/router"
	"github.com/Klingon-tech/klingmesh/internal/topology"
)

type fakeLiveness map[topology.Name]bool // true = alive

func (f fakeLiveness) IsStale(n topology.Name, _ time.Time) bool { return !f[n] }

type fakeDispatcher struct {
	fail  map[topology.Name]bool
	calls []router.Request
}

func (f *fakeDispatcher) Dispatch(_ context.Context, req router.Request) (*router.Result, error) {
	f.calls = append(f.calls, req)
	if f.fail[req.To] {
		return nil, &router.TransportError{Node: req.To, Method: req.Method, Err: errors.New("refused")}
	}
	return &router.Result{RunID: "r", From: req.From, To: req.To, Method: req.Method}, nil
}

func allAlive() fakeLiveness {
	l := fakeLiveness{}
	for _, n := range topology.Names {
		l[n] = true
	}
	return l
}

func TestPriorityStrategy(t *testing.T) {
	topo := topology.Default("")
	tests := []struct {
		dead, requester topology.Name
		want            []topology.Name
	}{
		{topology.CoreA, topology.L2, []topology.Name{topology.CoreB}},
		{topology.CoreB, topology.CoreA, []topology.Name{topology.L2}},
		{topology.L1, topology.L2, []topology.Name{topology.CoreA, topology.CoreB}},
		{topology.Gateway, topology.L1, []topology.Name{topology.L2, topology.CoreA, topology.CoreB}},
		{topology.L2, topology.CoreA, []topology.Name{topology.CoreB}},
	}
	for _, tt := range tests {
		got := PriorityStrategy{}.Candidates(topo, tt.dead, tt.requester)
		if !slices.Equal(got, tt.want) {
			t.Errorf("Candidates(dead=%s, req=%s) = %v, want %v", tt.dead, tt.requester, got, tt.want)
		}
	}
}

func TestGraphDistanceStrategy(t *testing.T) {
	topo := topology.Default("")

	got := GraphDistanceStrategy{}.Candidates(topo, topology.CoreA, topology.Gateway)
	want := []topology.Name{topology.CoreB, topology.L2, topology.L1}
	if !slices.Equal(got, want) {
		t.Errorf("Candidates(core-a) = %v, want %v", got, want)
	}

	got = GraphDistanceStrategy{}.Candidates(topo, topology.Gateway, topology.L1)
	want = []topology.Name{topology.L2, topology.CoreA, topology.CoreB}
	if !slices.Equal(got, want) {
		t.Errorf("Candidates(gateway) = %v, want %v", got, want)
	}
}

func TestGraphDistanceStrategy_Unreachable(t *testing.T) {
	topo := topology.New([]*topology.Node{
		{Name: "a", Port: 1, Adjacent: []topology.Name{"b"}},
		{Name: "b", Port: 2, Adjacent: []topology.Name{"a"}},
		{Name: "island", Port: 3},
	})
	got := GraphDistanceStrategy{}.Candidates(topo, "a", "")
	if !slices.Equal(got, []topology.Name{"b", "island"}) {
		t.Errorf("Candidates = %v, want [b island]", got)
	}
}

func TestStrategyByName(t *testing.T) {
	if _, ok := StrategyByName("distance").(GraphDistanceStrategy); !ok {
		t.Error("distance should map to GraphDistanceStrategy")
	}
	if _, ok := StrategyByName("").(PriorityStrategy); !ok {
		t.Error("default should be PriorityStrategy")
	}
}

func TestRequestRespawn_DeadCoreOnlyPeerAttempted(t *testing.T) {
	disp := &fakeDispatcher{}
	c := NewCoordinator(topology.Default(""), allAlive(), disp)
	c.SetClock(func() time.Time { return time.UnixMilli(1234) })

	out, err := c.RequestRespawn(context.Background(), topology.CoreA, topology.L2)
	if err != nil {
		t.Fatalf("RequestRespawn: %v", err)
	}
	if out.Respawner != topology.CoreB {
		t.Errorf("Respawner = %s, want core-b", out.Respawner)
	}
	if len(disp.calls) != 1 || disp.calls[0].To != topology.CoreB {
		t.Fatalf("calls = %+v, want one to core-b", disp.calls)
	}

	req := disp.calls[0]
	if req.Method != Method || req.Timeout != DefaultTimeout {
		t.Errorf("request = %+v", req)
	}
	p, ok := req.Params.(Params)
	if !ok {
		t.Fatalf("params type %T", req.Params)
	}
	if p.Layer != topology.CoreA || p.RequestedBy != topology.L2 || p.Timestamp != 1234 {
		t.Errorf("params = %+v", p)
	}
}

func TestRequestRespawn_PeerUnreachable(t *testing.T) {
	disp := &fakeDispatcher{fail: map[topology.Name]bool{topology.CoreB: true}}
	c := NewCoordinator(topology.Default(""), allAlive(), disp)

	_, err := c.RequestRespawn(context.Background(), topology.CoreA, topology.L2)
	var nre *NoRespawnerError
	if !errors.As(err, &nre) {
		t.Fatalf("err = %v, want NoRespawnerError", err)
	}
	if nre.Layer != topology.CoreA || !strings.Contains(err.Error(), "core-a") {
		t.Errorf("error should name core-a: %v", err)
	}
	if !slices.Equal(nre.Attempted, []topology.Name{topology.CoreB}) {
		t.Errorf("Attempted = %v", nre.Attempted)
	}
}

func TestRequestRespawn_FallsThrough(t *testing.T) {
	live := allAlive()
	live[topology.L2] = false
	disp := &fakeDispatcher{fail: map[topology.Name]bool{topology.CoreA: true}}
	c := NewCoordinator(topology.Default(""), live, disp)

	out, err := c.RequestRespawn(context.Background(), topology.Gateway, topology.L1)
	if err != nil {
		t.Fatalf("RequestRespawn: %v", err)
	}
	if out.Respawner != topology.CoreB {
		t.Errorf("Respawner = %s, want core-b", out.Respawner)
	}
	// l2 is stale so never contacted; core-a refused.
	if !slices.Equal(out.Attempted, []topology.Name{topology.CoreA, topology.CoreB}) {
		t.Errorf("Attempted = %v", out.Attempted)
	}
}

func TestRequestRespawn_AllStale(t *testing.T) {
	disp := &fakeDispatcher{}
	c := NewCoordinator(topology.Default(""), fakeLiveness{}, disp)

	_, err := c.RequestRespawn(context.Background(), topology.L1, topology.Gateway)
	var nre *NoRespawnerError
	if !errors.As(err, &nre) {
		t.Fatalf("err = %v, want NoRespawnerError", err)
	}
	if len(disp.calls) != 0 {
		t.Error("stale candidates must not be contacted")
	}
}

func TestRequestRespawn_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := NewCoordinator(topology.Default(""), allAlive(), &fakeDispatcher{})
	if _, err := c.RequestRespawn(ctx, topology.L1, topology.Gateway); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
