// Package dag provides the directed acyclic graph that represents a plan.
//
// Nodes carry an arbitrary payload and are kept in insertion order, which
// makes every traversal deterministic. Edges mean "must complete before".
// AddEdge refuses edges that would close a cycle, so a Graph is acyclic at
// all times.
package dag

import (
	"fmt"
	"strings"

	"github.com/balena-io-experimental/gustav/pkg/engine"
)

// Graph is a DAG of payloads keyed by id. It is not safe for concurrent
// mutation.
type Graph[T any] struct {
	// nodes maps ids to payloads
	nodes map[string]T

	// order lists ids in insertion order
	order []string

	// successors maps ids to the nodes that depend on them
	successors map[string][]string

	// predecessors maps ids to the nodes they depend on
	predecessors map[string][]string
}

// New creates an empty graph.
func New[T any]() *Graph[T] {
	return &Graph[T]{
		nodes:        make(map[string]T),
		order:        make([]string, 0),
		successors:   make(map[string][]string),
		predecessors: make(map[string][]string),
	}
}

// AddNode inserts a node. It fails if id already exists.
func (g *Graph[T]) AddNode(id string, payload T) error {
	if _, ok := g.nodes[id]; ok {
		return engine.NewInvalidError(engine.ErrCodeAlreadyExists, fmt.Sprintf("node %q already exists", id), nil)
	}
	g.nodes[id] = payload
	g.order = append(g.order, id)
	return nil
}

// AddEdge adds a dependency: from must complete before to starts. It fails,
// leaving the graph unchanged, if an endpoint is missing or if to already
// reaches from. Adding an existing edge is a no-op.
func (g *Graph[T]) AddEdge(from, to string) error {
	if _, ok := g.nodes[from]; !ok {
		return engine.NewInvalidError(engine.ErrCodeNotFound, fmt.Sprintf("node %q does not exist", from), nil)
	}
	if _, ok := g.nodes[to]; !ok {
		return engine.NewInvalidError(engine.ErrCodeNotFound, fmt.Sprintf("node %q does not exist", to), nil)
	}
	if g.HasEdge(from, to) {
		return nil
	}
	if cycle := g.findPath(to, from); cycle != nil {
		return engine.NewPlanningError(engine.ErrCodeCycleDetected,
			"edge would create a cycle: "+formatCycle(append([]string{from}, cycle...)), nil).
			WithDetail("from", from).WithDetail("to", to)
	}
	g.link(from, to)
	return nil
}

func (g *Graph[T]) link(from, to string) {
	g.successors[from] = append(g.successors[from], to)
	g.predecessors[to] = append(g.predecessors[to], from)
}

// HasEdge reports whether the edge from -> to exists.
func (g *Graph[T]) HasEdge(from, to string) bool {
	for _, s := range g.successors[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Reachable reports whether to can be reached from from. A node reaches
// itself.
func (g *Graph[T]) Reachable(from, to string) bool {
	return g.findPath(from, to) != nil
}

// findPath returns a path from -> ... -> to, or nil.
func (g *Graph[T]) findPath(from, to string) []string {
	if _, ok := g.nodes[from]; !ok {
		return nil
	}
	visited := make(map[string]bool)
	var walk func(id string) []string
	walk = func(id string) []string {
		if id == to {
			return []string{id}
		}
		visited[id] = true
		for _, next := range g.successors[id] {
			if visited[next] {
				continue
			}
			if rest := walk(next); rest != nil {
				return append([]string{id}, rest...)
			}
		}
		return nil
	}
	return walk(from)
}

// Node returns the payload of a node.
func (g *Graph[T]) Node(id string) (T, bool) {
	v, ok := g.nodes[id]
	return v, ok
}

// Len returns the number of nodes.
func (g *Graph[T]) Len() int {
	return len(g.order)
}

// IDs returns node ids in insertion order.
func (g *Graph[T]) IDs() []string {
	return append([]string(nil), g.order...)
}

// Successors returns the nodes that depend on id.
func (g *Graph[T]) Successors(id string) []string {
	return append([]string(nil), g.successors[id]...)
}

// Predecessors returns the nodes id depends on.
func (g *Graph[T]) Predecessors(id string) []string {
	return append([]string(nil), g.predecessors[id]...)
}

// Sources returns the nodes with no dependencies, in insertion order.
func (g *Graph[T]) Sources() []string {
	var out []string
	for _, id := range g.order {
		if len(g.predecessors[id]) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// Sinks returns the nodes with no dependents, in insertion order.
func (g *Graph[T]) Sinks() []string {
	var out []string
	for _, id := range g.order {
		if len(g.successors[id]) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// ReadyFrontier returns the nodes not yet completed whose dependencies have
// all completed, in insertion order.
func (g *Graph[T]) ReadyFrontier(completed map[string]bool) []string {
	var ready []string
	for _, id := range g.order {
		if completed[id] {
			continue
		}
		ok := true
		for _, dep := range g.predecessors[id] {
			if !completed[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	return ready
}

// Substitute replaces node id with the nodes and edges of sub. Edges into id
// are redirected to the sources of sub and edges out of id leave from its
// sinks. An empty sub connects the predecessors of id directly to its
// successors. The graph is unchanged on error.
func (g *Graph[T]) Substitute(id string, sub *Graph[T]) error {
	pos := -1
	for i, n := range g.order {
		if n == id {
			pos = i
			break
		}
	}
	if pos < 0 {
		return engine.NewInvalidError(engine.ErrCodeNotFound, fmt.Sprintf("node %q does not exist", id), nil)
	}
	for _, n := range sub.order {
		if _, ok := g.nodes[n]; ok && n != id {
			return engine.NewInvalidError(engine.ErrCodeAlreadyExists, fmt.Sprintf("node %q already exists", n), nil)
		}
	}

	preds := g.predecessors[id]
	succs := g.successors[id]
	g.detach(id)

	order := make([]string, 0, len(g.order)+len(sub.order))
	order = append(order, g.order[:pos]...)
	order = append(order, sub.order...)
	order = append(order, g.order[pos+1:]...)
	g.order = order

	for _, n := range sub.order {
		g.nodes[n] = sub.nodes[n]
	}
	for _, n := range sub.order {
		for _, s := range sub.successors[n] {
			g.link(n, s)
		}
	}

	if sub.Len() == 0 {
		for _, p := range preds {
			for _, s := range succs {
				if !g.HasEdge(p, s) {
					g.link(p, s)
				}
			}
		}
		return nil
	}
	sources, sinks := sub.Sources(), sub.Sinks()
	for _, p := range preds {
		for _, s := range sources {
			g.link(p, s)
		}
	}
	for _, k := range sinks {
		for _, s := range succs {
			g.link(k, s)
		}
	}
	return nil
}

// detach removes id and its edges, keeping its place in order.
func (g *Graph[T]) detach(id string) {
	for _, p := range g.predecessors[id] {
		g.successors[p] = remove(g.successors[p], id)
	}
	for _, s := range g.successors[id] {
		g.predecessors[s] = remove(g.predecessors[s], id)
	}
	delete(g.predecessors, id)
	delete(g.successors, id)
	delete(g.nodes, id)
}

func remove(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// Levels groups nodes by longest distance from a source (Kahn's algorithm).
// Nodes of one level never depend on each other.
func (g *Graph[T]) Levels() [][]string {
	inDegree := make(map[string]int, len(g.order))
	for _, id := range g.order {
		inDegree[id] = len(g.predecessors[id])
	}

	var levels [][]string
	current := g.Sources()
	for len(current) > 0 {
		levels = append(levels, current)
		next := make(map[string]bool)
		for _, id := range current {
			for _, dependent := range g.successors[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next[dependent] = true
				}
			}
		}
		current = nil
		for _, id := range g.order {
			if next[id] {
				current = append(current, id)
			}
		}
	}
	return levels
}

// TopologicalOrder returns every node after all of its dependencies.
func (g *Graph[T]) TopologicalOrder() []string {
	var out []string
	for _, level := range g.Levels() {
		out = append(out, level...)
	}
	return out
}

// ToDOT renders the graph in Graphviz DOT format, one cluster per level.
func (g *Graph[T]) ToDOT(name string, label func(id string, payload T) string) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("digraph %q {\n", name))
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range g.Levels() {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Wave %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, id := range ids {
			text := id
			if label != nil {
				text = label(id, g.nodes[id])
			}
			sb.WriteString(fmt.Sprintf("    %q [label=%q];\n", id, text))
		}
		sb.WriteString("  }\n\n")
	}

	for _, id := range g.order {
		for _, s := range g.successors[id] {
			sb.WriteString(fmt.Sprintf("  %q -> %q;\n", id, s))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}
