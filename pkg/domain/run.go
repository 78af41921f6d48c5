package domain

import (
	"context"

	"github.com/balena-io-experimental/gustav/pkg/engine"
	"github.com/balena-io-experimental/gustav/pkg/state"
	"github.com/balena-io-experimental/gustav/pkg/task"
)

// DefaultMaxDepth bounds method expansion in RunTask and in the planner.
const DefaultMaxDepth = 256

// RunOption configures RunTask.
type RunOption func(*runner)

// WithMaxDepth bounds method expansion in RunTask.
func WithMaxDepth(n int) RunOption {
	return func(r *runner) {
		if n > 0 {
			r.maxDepth = n
		}
	}
}

type runner struct {
	domain   *Domain
	maxDepth int
	changes  state.Patch
}

// RunTask binds t and runs it against a copy of doc outside of planning.
// Actions run their handler; methods are expanded and their children run in
// order, each seeing the changes of the previous one. It returns the
// resulting document and the combined patch.
func (d *Domain) RunTask(ctx context.Context, t task.Task, doc interface{}, opts ...RunOption) (interface{}, state.Patch, error) {
	cur, err := state.Normalize(doc)
	if err != nil {
		return nil, nil, engine.NewInputError("invalid document", err)
	}
	r := &runner{domain: d, maxDepth: DefaultMaxDepth}
	for _, opt := range opts {
		opt(r)
	}
	cur, err = r.run(ctx, t, cur, 0)
	if err != nil {
		return nil, nil, err
	}
	return cur, r.changes, nil
}

func (r *runner) run(ctx context.Context, t task.Task, doc interface{}, depth int) (interface{}, error) {
	if depth > r.maxDepth {
		return nil, engine.NewPlanningError(engine.ErrCodeMaxDepthExceeded, "maximum expansion depth exceeded", nil).
			WithTask(t.ID()).WithDetail("max_depth", r.maxDepth)
	}

	bound, err := r.domain.Bind(t)
	if err != nil {
		return nil, err
	}

	if bound.IsAtomic() {
		patch, err := bound.Run(ctx, doc)
		if err != nil {
			return nil, err
		}
		next, err := patch.Apply(doc)
		if err != nil {
			return nil, engine.NewTaskError("cannot apply patch", err).
				WithTask(bound.ID()).WithPath(bound.Path().String()).WithCode(engine.ErrCodeCommitFailed)
		}
		r.changes = append(r.changes, patch...)
		return next, nil
	}

	children, err := bound.Expand(doc)
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		child = Inherit(child, bound)
		doc, err = r.run(ctx, child, doc, depth+1)
		if err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// Inherit propagates a parent's args into a child task. Keys the child
// already binds are kept.
func Inherit(child, parent task.Task) task.Task {
	return child.WithContext(child.Context().WithArgs(parent.Context().Args()...))
}
