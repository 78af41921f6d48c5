// Package planner searches for a plan that takes a state to a target.
//
// Planning is greedy and deterministic. Each step picks the first mismatch,
// in target order, that some registered job can reduce: the routes matching
// the mismatch path or one of its ancestors are tried in registration order,
// then the routes that apply below it. A job is only tried for mismatches
// its operation covers. Methods are expanded during planning
// so that a plan only ever holds actions, each with the patch its effect
// predicts. A candidate is admitted only if it strictly reduces the distance
// to the target, which bounds the search.
package planner

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/balena-io-experimental/gustav/pkg/dag"
	"github.com/balena-io-experimental/gustav/pkg/domain"
	"github.com/balena-io-experimental/gustav/pkg/engine"
	"github.com/balena-io-experimental/gustav/pkg/path"
	"github.com/balena-io-experimental/gustav/pkg/state"
	"github.com/balena-io-experimental/gustav/pkg/task"
)

// Planner finds plans over a domain.
type Planner struct {
	domain   *domain.Domain
	maxDepth int
	logger   zerolog.Logger
}

// Option configures a Planner.
type Option func(*Planner)

// WithMaxDepth bounds method expansion depth.
func WithMaxDepth(n int) Option {
	return func(p *Planner) {
		if n > 0 {
			p.maxDepth = n
		}
	}
}

// WithLogger sets the logger used for candidate tracing.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Planner) {
		p.logger = l
	}
}

// New creates a planner for d.
func New(d *domain.Domain, opts ...Option) *Planner {
	p := &Planner{
		domain:   d,
		maxDepth: domain.DefaultMaxDepth,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// FindPlan returns a plan that takes doc to target. doc is not modified.
// An empty plan means doc already satisfies target.
func (p *Planner) FindPlan(doc interface{}, target state.Target) (*Plan, error) {
	sim, err := state.Normalize(doc)
	if err != nil {
		return nil, engine.NewInputError("invalid state document", err)
	}

	initial, err := target.Mismatches(sim)
	if err != nil {
		return nil, engine.NewInputError("cannot compare state with target", err)
	}

	s := &search{
		planner: p,
		target:  target,
		graph:   dag.New[*Node](),
	}

	mismatches := initial
	for len(mismatches) > 0 {
		next, err := s.step(sim, mismatches)
		if err != nil {
			return nil, err
		}
		sim = next
		mismatches, err = target.Mismatches(sim)
		if err != nil {
			return nil, engine.NewInputError("cannot compare state with target", err)
		}
	}

	plan := &Plan{
		ID:         uuid.NewString(),
		Graph:      s.graph,
		Mismatches: initial,
		Predicted:  sim,
		CreatedAt:  time.Now(),
	}
	p.logger.Debug().
		Str("plan_id", plan.ID).
		Int("nodes", plan.Len()).
		Int("waves", len(plan.Graph.Levels())).
		Msg("Plan found")
	return plan, nil
}

// search holds the state of one FindPlan call.
type search struct {
	planner *Planner
	target  state.Target
	graph   *dag.Graph[*Node]
	atomics []*Node
	actions int
	methods int
}

// step admits one candidate and returns the simulated state after it.
func (s *search) step(sim interface{}, mismatches state.Patch) (interface{}, error) {
	current := state.Distance(mismatches)

	for _, op := range mismatches {
		at, err := op.Location()
		if err != nil {
			return nil, engine.NewInputError("invalid mismatch path", err)
		}

		for _, cand := range s.candidates(at, op.Op) {
			frag, next, ok, err := s.try(cand, sim, current)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			if err := s.admit(cand, frag); err != nil {
				return nil, err
			}
			return next, nil
		}
	}

	first, _ := mismatches[0].Location()
	return nil, engine.NewPlanningError(engine.ErrCodeUnreachable, "no task reduces the distance to the target", nil).
		WithPath(first.String()).
		WithDetail("mismatches", len(mismatches))
}

// candidates lists the tasks that may reduce a mismatch of kind op at at.
// Tasks on at or its ancestors come first, then tasks on paths below at
// that exist in the target. Jobs whose operation does not match op are
// left out.
func (s *search) candidates(at path.Path, op string) []task.Task {
	var out []task.Task
	for _, m := range s.domain().Lookup(at) {
		if m.Route.Job.Operation().Matches(op) {
			out = append(out, m.Task)
		}
	}
	for _, m := range s.domain().LookupSubtree(at) {
		if !m.Route.Job.Operation().Matches(op) {
			continue
		}
		for _, t := range m.Instances(s.target.Document()) {
			if t.Path().Equal(at) {
				// Already returned by Lookup.
				continue
			}
			out = append(out, t)
		}
	}
	return out
}

// try simulates cand on sim. A candidate is viable when it can be expanded
// and run, and the resulting state is strictly closer to the target.
// Errors returned by try abort planning; other failures make the candidate
// not viable.
func (s *search) try(cand task.Task, sim interface{}, current int) (*dag.Graph[*Node], interface{}, bool, error) {
	actions, methods, atomics := s.actions, s.methods, len(s.atomics)
	rollback := func() {
		s.actions, s.methods = actions, methods
		s.atomics = s.atomics[:atomics]
	}

	cand = s.withTarget(cand)
	frag, next, err := s.expand(cand, sim, 0, nil)
	if err != nil {
		rollback()
		if engine.IsPlanningError(err) {
			return nil, nil, false, err
		}
		s.trace(cand, "not applicable", err)
		return nil, nil, false, nil
	}

	if frag.Len() == 0 {
		rollback()
		s.trace(cand, "no changes", nil)
		return nil, nil, false, nil
	}

	after, err := s.target.Mismatches(next)
	if err != nil {
		rollback()
		return nil, nil, false, engine.NewInputError("cannot compare state with target", err)
	}
	if state.Distance(after) >= current {
		rollback()
		s.trace(cand, "does not reduce distance", nil)
		return nil, nil, false, nil
	}
	return frag, next, true, nil
}

// expand turns t into a fragment of atomic nodes chained in execution
// order and returns the state after running them on sim.
func (s *search) expand(t task.Task, sim interface{}, depth int, stack []string) (*dag.Graph[*Node], interface{}, error) {
	if depth > s.planner.maxDepth {
		return nil, nil, engine.NewPlanningError(engine.ErrCodeMaxDepthExceeded, "maximum expansion depth exceeded", nil).
			WithTask(t.ID()).WithPath(t.Path().String()).
			WithDetail("max_depth", s.planner.maxDepth)
	}
	key := t.Key()
	for _, k := range stack {
		if k == key {
			return nil, nil, engine.NewPlanningError(engine.ErrCodeMaxDepthExceeded, "method expands into itself", nil).
				WithTask(t.ID()).WithPath(t.Path().String()).
				WithDetail("task", key)
		}
	}

	frag := dag.New[*Node]()

	if t.IsAtomic() {
		patch, err := t.DryRun(sim)
		if err != nil {
			return nil, nil, err
		}
		if patch.IsEmpty() {
			return frag, sim, nil
		}
		next, err := patch.Apply(sim)
		if err != nil {
			return nil, nil, engine.NewTaskError("predicted patch does not apply", err).
				WithTask(t.ID()).WithPath(t.Path().String())
		}
		s.actions++
		n := &Node{ID: fmt.Sprintf("n%d", s.actions), Task: t, Predicted: patch}
		s.atomics = append(s.atomics, n)
		if err := frag.AddNode(n.ID, n); err != nil {
			return nil, nil, err
		}
		return frag, next, nil
	}

	children, err := t.Expand(sim)
	if err != nil {
		return nil, nil, err
	}

	stack = append(stack[:len(stack):len(stack)], key)
	cur := sim
	var tails []string
	for _, child := range children {
		child = domain.Inherit(child, t)
		child, err = s.domain().Bind(child)
		if err != nil {
			return nil, nil, err
		}
		child = s.withTarget(child)

		sub, next, err := s.expand(child, cur, depth+1, stack)
		if err != nil {
			return nil, nil, err
		}
		cur = next
		if sub.Len() == 0 {
			continue
		}

		// Children run in the order the method returned them: the child is
		// inserted as a placeholder after the previous child, then replaced
		// by its own fragment.
		s.methods++
		slot := fmt.Sprintf("m%d", s.methods)
		if err := frag.AddNode(slot, &Node{ID: slot, Task: child, compound: true}); err != nil {
			return nil, nil, err
		}
		for _, tail := range tails {
			if err := frag.AddEdge(tail, slot); err != nil {
				return nil, nil, err
			}
		}
		tails = sub.Sinks()
		if err := frag.Substitute(slot, sub); err != nil {
			return nil, nil, err
		}
	}
	return frag, cur, nil
}

// admit merges a viable fragment into the plan and orders each of its
// nodes after every earlier node it conflicts with.
func (s *search) admit(cand task.Task, frag *dag.Graph[*Node]) error {
	s.methods++
	slot := fmt.Sprintf("m%d", s.methods)
	if err := s.graph.AddNode(slot, &Node{ID: slot, Task: cand, compound: !cand.IsAtomic()}); err != nil {
		return err
	}
	if err := s.graph.Substitute(slot, frag); err != nil {
		return err
	}

	added := make(map[string]bool, frag.Len())
	for _, id := range frag.IDs() {
		added[id] = true
	}

	for i, n := range s.atomics {
		if !added[n.ID] {
			continue
		}
		for _, prev := range s.atomics[:i] {
			if !prev.Conflicts(n) || s.graph.Reachable(prev.ID, n.ID) {
				continue
			}
			if err := s.graph.AddEdge(prev.ID, n.ID); err != nil {
				return err
			}
		}
	}

	s.planner.logger.Debug().
		Str("task", cand.String()).
		Int("nodes", frag.Len()).
		Msg("Candidate admitted")
	return nil
}

// withTarget binds the target value at t's path, unless t already has one.
func (s *search) withTarget(t task.Task) task.Task {
	if _, ok := t.Context().Target(); ok {
		return t
	}
	v, found, err := state.Get(s.target.Document(), t.Path())
	if err != nil || !found {
		return t
	}
	return t.WithTarget(v)
}

func (s *search) domain() *domain.Domain {
	return s.planner.domain
}

func (s *search) trace(t task.Task, reason string, err error) {
	ev := s.planner.logger.Trace().Str("task", t.String()).Str("reason", reason)
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg("Candidate rejected")
}
