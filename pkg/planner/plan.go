package planner

import (
	"fmt"
	"time"

	"github.com/balena-io-experimental/gustav/pkg/dag"
	"github.com/balena-io-experimental/gustav/pkg/path"
	"github.com/balena-io-experimental/gustav/pkg/state"
	"github.com/balena-io-experimental/gustav/pkg/task"
)

// Node is one bound atomic task of a plan.
type Node struct {
	// ID is unique within the plan.
	ID string

	// Task is the bound task. Plans only hold actions once planning is done.
	Task task.Task

	// Predicted is the patch the task's effect produced during planning.
	Predicted state.Patch

	compound bool
}

// Path returns the node's state path.
func (n *Node) Path() path.Path { return n.Task.Path() }

// IsScoped reports whether the node only touches its own subtree.
func (n *Node) IsScoped() bool { return n.Task.IsScoped() }

// Conflicts reports whether two nodes must not run in the same wave.
func (n *Node) Conflicts(o *Node) bool {
	return !n.IsScoped() || !o.IsScoped() || n.Path().Overlaps(o.Path())
}

// String implements fmt.Stringer.
func (n *Node) String() string {
	return n.Task.String()
}

// Plan is the outcome of one planning pass.
type Plan struct {
	// ID identifies the plan.
	ID string

	// Graph holds the nodes and their dependencies.
	Graph *dag.Graph[*Node]

	// Mismatches is what separated the state from the target when planning
	// started.
	Mismatches state.Patch

	// Predicted is the state the plan is expected to produce.
	Predicted interface{}

	// CreatedAt is when planning finished.
	CreatedAt time.Time
}

// Len returns the number of nodes.
func (p *Plan) Len() int {
	return p.Graph.Len()
}

// IsEmpty reports whether the plan has no nodes.
func (p *Plan) IsEmpty() bool {
	return p.Graph.Len() == 0
}

// Node returns a node by id.
func (p *Plan) Node(id string) (*Node, bool) {
	return p.Graph.Node(id)
}

// Nodes returns the nodes in insertion order.
func (p *Plan) Nodes() []*Node {
	ids := p.Graph.IDs()
	out := make([]*Node, 0, len(ids))
	for _, id := range ids {
		n, _ := p.Graph.Node(id)
		out = append(out, n)
	}
	return out
}

// Waves returns the nodes grouped by level. A worker that runs every
// level in turn respects every dependency.
func (p *Plan) Waves() [][]*Node {
	var waves [][]*Node
	for _, level := range p.Graph.Levels() {
		wave := make([]*Node, 0, len(level))
		for _, id := range level {
			n, _ := p.Graph.Node(id)
			wave = append(wave, n)
		}
		waves = append(waves, wave)
	}
	return waves
}

// Ready returns the nodes not in completed whose dependencies are all in
// completed, in insertion order. Completing each result in turn walks the
// plan wave by wave.
func (p *Plan) Ready(completed map[string]bool) []*Node {
	ids := p.Graph.ReadyFrontier(completed)
	out := make([]*Node, 0, len(ids))
	for _, id := range ids {
		n, _ := p.Graph.Node(id)
		out = append(out, n)
	}
	return out
}

// ToDOT renders the plan in Graphviz DOT format.
func (p *Plan) ToDOT() string {
	return p.Graph.ToDOT("plan", func(_ string, n *Node) string {
		scope := "scoped"
		if !n.IsScoped() {
			scope = "global"
		}
		return fmt.Sprintf("%s\\n%s\\n%s", n.Task.ID(), n.Path(), scope)
	})
}

// NodeSummary is the serializable form of a node.
type NodeSummary struct {
	ID        string            `json:"id"`
	Task      string            `json:"task"`
	Path      string            `json:"path"`
	Args      map[string]string `json:"args,omitempty"`
	Scoped    bool              `json:"scoped"`
	DependsOn []string          `json:"depends_on,omitempty"`
	Predicted state.Patch       `json:"predicted"`
}

// Summary is the serializable form of a plan.
type Summary struct {
	ID         string        `json:"id"`
	Nodes      []NodeSummary `json:"nodes"`
	Waves      [][]string    `json:"waves"`
	Mismatches state.Patch   `json:"mismatches"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Summary returns the serializable form of the plan.
func (p *Plan) Summary() Summary {
	s := Summary{
		ID:         p.ID,
		Nodes:      make([]NodeSummary, 0, p.Len()),
		Waves:      p.Graph.Levels(),
		Mismatches: p.Mismatches,
		CreatedAt:  p.CreatedAt,
	}
	if s.Waves == nil {
		s.Waves = [][]string{}
	}
	for _, n := range p.Nodes() {
		s.Nodes = append(s.Nodes, NodeSummary{
			ID:        n.ID,
			Task:      n.Task.ID(),
			Path:      n.Path().String(),
			Args:      n.Task.Context().ArgMap(),
			Scoped:    n.IsScoped(),
			DependsOn: p.Graph.Predecessors(n.ID),
			Predicted: n.Predicted,
		})
	}
	return s
}
