package dag

import (
	"errors"
	"reflect"
	"testing"
)

func TestAddNodeIdempotent(t *testing.T) {
	g := New()
	g.AddNode("a")
	g.AddNode("a")
	if got := g.Nodes(); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("expected single node, got %v", got)
	}
}

func TestAddEdgeRejectsCycle(t *testing.T) {
	g := New()
	if err := g.AddEdge("a", "b"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := g.AddEdge("b", "a"); err == nil {
		t.Fatalf("expected cycle error")
	} else {
		var cycleErr *CycleError
		if !errors.As(err, &cycleErr) {
			t.Fatalf("expected *CycleError, got %T", err)
		}
	}
	// graph must be unchanged after rejected edge
	if got := g.Downstream("b"); len(got) != 0 {
		t.Fatalf("expected no edge committed, got %v", got)
	}
}

func TestSelfLoopRejected(t *testing.T) {
	g := New()
	g.AddNode("a")
	if err := g.AddEdge("a", "a"); err == nil {
		t.Fatalf("expected cycle error for self loop")
	}
}

func TestPredecessorsDownstreamOrder(t *testing.T) {
	g := New()
	must(t, g.AddEdge("g", "x"))
	must(t, g.AddEdge("g", "y"))
	if got := g.Downstream("g"); !reflect.DeepEqual(got, []string{"x", "y"}) {
		t.Fatalf("expected insertion order [x y], got %v", got)
	}
	if got := g.Predecessors("x"); !reflect.DeepEqual(got, []string{"g"}) {
		t.Fatalf("expected [g], got %v", got)
	}
}

func TestAllDownstreamsTransitive(t *testing.T) {
	g := New()
	must(t, g.AddEdge("a", "b"))
	must(t, g.AddEdge("b", "c"))
	must(t, g.AddEdge("a", "c"))
	got := g.AllDownstreams("a")
	want := map[string]bool{"b": true, "c": true}
	if len(got) != 2 {
		t.Fatalf("expected 2 downstreams, got %v", got)
	}
	for _, n := range got {
		if !want[n] {
			t.Fatalf("unexpected downstream %s", n)
		}
	}
}

func TestIndNodesAndLeaves(t *testing.T) {
	g := New()
	must(t, g.AddEdge("a", "b"))
	must(t, g.AddEdge("b", "c"))
	if got := g.IndNodes(); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("expected roots [a], got %v", got)
	}
	if got := g.AllLeaves(); !reflect.DeepEqual(got, []string{"c"}) {
		t.Fatalf("expected leaves [c], got %v", got)
	}
}

func TestDeleteEdge(t *testing.T) {
	g := New()
	must(t, g.AddEdge("g", "x"))
	must(t, g.AddEdge("g", "y"))
	g.DeleteEdge("g", "x")
	if got := g.Downstream("g"); !reflect.DeepEqual(got, []string{"y"}) {
		t.Fatalf("expected [y] after delete, got %v", got)
	}
	if got := g.Predecessors("x"); len(got) != 0 {
		t.Fatalf("expected x to have no predecessors, got %v", got)
	}
}

func TestDeleteNodeIfExistsRemovesDanglingEdges(t *testing.T) {
	g := New()
	must(t, g.AddEdge("a", "b"))
	must(t, g.AddEdge("b", "c"))
	g.DeleteNodeIfExists("b")
	if g.HasNode("b") {
		t.Fatalf("expected b removed")
	}
	if got := g.Downstream("a"); len(got) != 0 {
		t.Fatalf("expected a to have no successors after b removed, got %v", got)
	}
	if got := g.Predecessors("c"); len(got) != 0 {
		t.Fatalf("expected c to have no predecessors after b removed, got %v", got)
	}
	// no-op on missing node
	g.DeleteNodeIfExists("missing")
}

func TestCloneIsIndependent(t *testing.T) {
	g := New()
	must(t, g.AddEdge("a", "b"))
	clone := g.Clone()
	clone.DeleteEdge("a", "b")
	if got := g.Downstream("a"); !reflect.DeepEqual(got, []string{"b"}) {
		t.Fatalf("mutating clone must not affect original, got %v", got)
	}
	if got := clone.Downstream("a"); len(got) != 0 {
		t.Fatalf("expected clone edge removed, got %v", got)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
