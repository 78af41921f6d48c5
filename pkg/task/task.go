// Package task declares jobs, binds them into tasks and runs them.
//
// A Job is declared once with NewAction or NewMethod. Its functions take an
// optional leading context.Context followed by handler inputs (View,
// Pointer, Target, Args, System or any type whose pointer implements
// Input). The job is Scoped when every input is Scoped; the flag is derived
// from the parameter types at declaration.
//
// A Task is a job bound to a Context: a concrete path, args and an optional
// target. Actions produce a state.Patch by diffing their writable inputs
// before and after the call; methods return child tasks.
package task

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/balena-io-experimental/gustav/pkg/engine"
	"github.com/balena-io-experimental/gustav/pkg/path"
	"github.com/balena-io-experimental/gustav/pkg/state"
)

// Task is a job bound to a context.
type Task struct {
	job *Job
	ctx Context
}

// Job returns the declared job.
func (t Task) Job() *Job { return t.job }

// ID returns the job id.
func (t Task) ID() string {
	if t.job == nil {
		return ""
	}
	return t.job.id
}

// Context returns the bound context.
func (t Task) Context() Context { return t.ctx }

// Path returns the bound path.
func (t Task) Path() path.Path { return t.ctx.path }

// IsScoped reports whether the job is Scoped.
func (t Task) IsScoped() bool { return t.job != nil && t.job.scoped }

// IsAtomic reports whether the job is an action.
func (t Task) IsAtomic() bool { return t.job != nil && t.job.IsAtomic() }

// WithArg binds an explicit arg. Keys already bound are left unchanged.
func (t Task) WithArg(key, value string) Task {
	t.ctx = t.ctx.WithArg(key, value)
	return t
}

// WithTarget binds an explicit target value.
func (t Task) WithTarget(v interface{}) Task {
	t.ctx = t.ctx.WithTarget(v)
	return t
}

// WithContext replaces the bound context.
func (t Task) WithContext(c Context) Task {
	t.ctx = c
	return t
}

// Key identifies the task by job id, path and args. Two tasks with the same
// key do the same work.
func (t Task) Key() string {
	args := t.ctx.Args()
	sort.Slice(args, func(i, j int) bool { return args[i].Key < args[j].Key })

	var b strings.Builder
	b.WriteString(t.ID())
	b.WriteByte('(')
	b.WriteString(t.ctx.path.String())
	for _, a := range args {
		b.WriteString(", ")
		b.WriteString(a.Key)
		b.WriteByte('=')
		b.WriteString(a.Value)
	}
	b.WriteByte(')')
	return b.String()
}

// String implements fmt.Stringer.
func (t Task) String() string {
	return fmt.Sprintf("%s(%s)", t.ID(), t.ctx.path)
}

// DryRun calls the effect of an action against doc and returns the patch it
// predicts. doc is not modified.
func (t Task) DryRun(doc interface{}) (state.Patch, error) {
	if err := t.requireKind(KindAction); err != nil {
		return nil, err
	}
	return t.invoke(context.Background(), t.job.effect, doc)
}

// Run calls the handler of an action against doc and returns the patch it
// produced. Input failures are input errors; handler failures are task
// errors that wrap the returned error.
func (t Task) Run(ctx context.Context, doc interface{}) (state.Patch, error) {
	if err := t.requireKind(KindAction); err != nil {
		return nil, err
	}
	return t.invoke(ctx, t.job.handler, doc)
}

// Expand calls the expansion of a method against doc and returns its
// child tasks, unbound to paths.
func (t Task) Expand(doc interface{}) ([]Task, error) {
	if err := t.requireKind(KindMethod); err != nil {
		return nil, err
	}
	inv, err := t.job.expand.call(context.Background(), doc, t.ctx)
	if err != nil {
		return nil, t.annotate(err)
	}
	if inv.err != nil {
		return nil, engine.NewTaskError("expansion failed", inv.err).WithTask(t.ID()).WithPath(t.ctx.path.String())
	}
	return inv.tasks, nil
}

func (t Task) invoke(ctx context.Context, h *handlerFunc, doc interface{}) (state.Patch, error) {
	inv, err := h.call(ctx, doc, t.ctx)
	if err != nil {
		return nil, t.annotate(err)
	}
	if inv.err != nil {
		return nil, engine.NewTaskError("handler failed", inv.err).WithTask(t.ID()).WithPath(t.ctx.path.String())
	}
	patch, err := inv.changes()
	if err != nil {
		return nil, engine.NewTaskError("cannot compute changes", err).WithTask(t.ID()).WithPath(t.ctx.path.String())
	}
	return patch, nil
}

func (t Task) requireKind(kind Kind) error {
	if t.job == nil {
		return engine.NewInvalidError(engine.ErrCodeInvalidHandler, "task has no job", nil)
	}
	if t.job.kind != kind {
		return engine.NewInvalidError(engine.ErrCodeInvalidHandler,
			fmt.Sprintf("job is a %s, not a %s", t.job.kind, kind), nil).WithTask(t.job.id)
	}
	return nil
}

func (t Task) annotate(err error) error {
	if e, ok := engine.AsError(err); ok {
		if e.Task == "" {
			e.Task = t.ID()
		}
		if e.Path == "" {
			e.Path = t.ctx.path.String()
		}
		return e
	}
	return err
}
