package dag

import (
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/balena-io-experimental/gustav/pkg/engine"
)

func mustGraph(t *testing.T, nodes []string, edges [][2]string) *Graph[string] {
	t.Helper()
	g := New[string]()
	for _, n := range nodes {
		if err := g.AddNode(n, n); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
	}
	for _, e := range edges {
		if err := g.AddEdge(e[0], e[1]); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
	}
	return g
}

func TestAddNode_Duplicate(t *testing.T) {
	g := New[int]()
	if err := g.AddNode("a", 1); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	err := g.AddNode("a", 2)
	if err == nil {
		t.Fatal("Expected error for duplicate node, got nil")
	}
	if !engine.IsInvalid(err) {
		t.Errorf("Expected invalid error, got: %v", err)
	}
	if v, _ := g.Node("a"); v != 1 {
		t.Errorf("Expected payload to stay 1, got %d", v)
	}
}

func TestAddEdge_MissingEndpoint(t *testing.T) {
	g := mustGraph(t, []string{"a"}, nil)
	if err := g.AddEdge("a", "b"); err == nil {
		t.Error("Expected error for missing endpoint")
	}
	if err := g.AddEdge("b", "a"); err == nil {
		t.Error("Expected error for missing endpoint")
	}
	if len(g.Successors("a")) != 0 {
		t.Error("Expected no edge after failure")
	}
}

func TestAddEdge_RejectsCycle(t *testing.T) {
	g := mustGraph(t, []string{"a", "b", "c"}, [][2]string{{"a", "b"}, {"b", "c"}})

	err := g.AddEdge("c", "a")
	if err == nil {
		t.Fatal("Expected cycle error, got nil")
	}
	if !errors.Is(err, engine.ErrCycleDetected) {
		t.Errorf("Expected cycle detected error, got: %v", err)
	}
	if g.HasEdge("c", "a") {
		t.Error("Expected no partial mutation")
	}

	if err := g.AddEdge("a", "a"); err == nil {
		t.Error("Expected self edge to be rejected")
	}
	if err := g.AddEdge("a", "b"); err != nil {
		t.Errorf("Expected existing edge to be a no-op, got: %v", err)
	}
	if len(g.Successors("a")) != 1 {
		t.Errorf("Expected 1 successor, got %d", len(g.Successors("a")))
	}
}

func TestAddEdge_NeverCreatesCycle(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	ids := []string{"a", "b", "c", "d", "e", "f", "g", "h"}

	for round := 0; round < 50; round++ {
		g := mustGraph(t, ids, nil)
		for i := 0; i < 40; i++ {
			from := ids[r.IntN(len(ids))]
			to := ids[r.IntN(len(ids))]
			before := len(g.Successors(from))
			err := g.AddEdge(from, to)
			if err != nil && len(g.Successors(from)) != before {
				t.Fatalf("Expected failed AddEdge to leave %s unchanged", from)
			}
		}
		if got := len(g.TopologicalOrder()); got != len(ids) {
			t.Fatalf("round %d: expected topological order of %d nodes, got %d (cycle)", round, len(ids), got)
		}
	}
}

func TestReadyFrontier(t *testing.T) {
	g := mustGraph(t, []string{"a", "b", "c", "d"}, [][2]string{{"a", "c"}, {"b", "c"}, {"c", "d"}})

	completed := map[string]bool{}
	assertIDs(t, g.ReadyFrontier(completed), "a", "b")

	completed["a"] = true
	assertIDs(t, g.ReadyFrontier(completed), "b")

	completed["b"] = true
	assertIDs(t, g.ReadyFrontier(completed), "c")

	completed["c"] = true
	completed["d"] = true
	assertIDs(t, g.ReadyFrontier(completed))
}

func TestSubstitute(t *testing.T) {
	g := mustGraph(t, []string{"pre", "job", "post"}, [][2]string{{"pre", "job"}, {"job", "post"}})
	sub := mustGraph(t, []string{"x", "y", "z"}, [][2]string{{"x", "z"}, {"y", "z"}})

	if err := g.Substitute("job", sub); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	assertIDs(t, g.IDs(), "pre", "x", "y", "z", "post")
	if _, ok := g.Node("job"); ok {
		t.Error("Expected substituted node to be removed")
	}
	for _, e := range [][2]string{{"pre", "x"}, {"pre", "y"}, {"x", "z"}, {"y", "z"}, {"z", "post"}} {
		if !g.HasEdge(e[0], e[1]) {
			t.Errorf("Expected edge %s -> %s", e[0], e[1])
		}
	}
	assertIDs(t, g.Successors("pre"), "x", "y")
}

func TestSubstitute_Empty(t *testing.T) {
	g := mustGraph(t, []string{"pre", "noop", "post", "other"}, [][2]string{{"pre", "noop"}, {"noop", "post"}})

	if err := g.Substitute("noop", New[string]()); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	assertIDs(t, g.IDs(), "pre", "post", "other")
	if !g.HasEdge("pre", "post") {
		t.Error("Expected predecessors to connect to successors")
	}
	assertIDs(t, g.Levels()[0], "pre", "other")
}

func TestSubstitute_Errors(t *testing.T) {
	g := mustGraph(t, []string{"a", "b"}, [][2]string{{"a", "b"}})

	if err := g.Substitute("missing", New[string]()); err == nil {
		t.Error("Expected error for missing node")
	}

	clash := mustGraph(t, []string{"b"}, nil)
	if err := g.Substitute("a", clash); err == nil {
		t.Fatal("Expected error for id collision")
	}
	assertIDs(t, g.IDs(), "a", "b")
	if !g.HasEdge("a", "b") {
		t.Error("Expected graph unchanged after failed substitution")
	}
}

func TestLevels(t *testing.T) {
	g := mustGraph(t, []string{"a", "b", "c", "d"}, [][2]string{{"a", "b"}, {"a", "c"}, {"b", "d"}, {"c", "d"}})

	levels := g.Levels()
	if len(levels) != 3 {
		t.Fatalf("Expected 3 levels, got %d", len(levels))
	}
	assertIDs(t, levels[0], "a")
	assertIDs(t, levels[1], "b", "c")
	assertIDs(t, levels[2], "d")
	assertIDs(t, g.Sources(), "a")
	assertIDs(t, g.Sinks(), "d")
}

func TestToDOT(t *testing.T) {
	g := New[string]()
	_ = g.AddNode("n1", "install(/apps/web/installed)")
	_ = g.AddNode("n2", "install(/apps/db/installed)")
	_ = g.AddNode("n3", "start(/apps/web/running)")
	_ = g.AddEdge("n1", "n3")
	_ = g.AddEdge("n2", "n3")

	out := g.ToDOT("plan", func(_ string, payload string) string { return payload })

	gold := goldie.New(t)
	gold.Assert(t, "plan_dot", []byte(out))
}

func assertIDs(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expected %v, got %v", want, got)
		}
	}
}
