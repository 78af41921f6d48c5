package task

import (
	"fmt"

	"github.com/balena-io-experimental/gustav/pkg/engine"
	"github.com/balena-io-experimental/gustav/pkg/state"
)

// Kind distinguishes atomic jobs from compound ones.
type Kind string

const (
	// KindAction is an atomic job: an effect that predicts a patch and a
	// handler that produces it at execution time.
	KindAction Kind = "action"

	// KindMethod is a compound job: an expansion into an ordered list of
	// tasks.
	KindMethod Kind = "method"
)

// Operation is the kind of change a job makes. The planner only offers a
// job for mismatches of the matching kind.
type Operation string

const (
	// OperationCreate jobs add values missing from the state.
	OperationCreate Operation = "create"

	// OperationUpdate jobs replace values present in the state.
	OperationUpdate Operation = "update"

	// OperationDelete jobs remove values the target does not have.
	OperationDelete Operation = "delete"

	// OperationAny jobs are offered for every mismatch. It is the default.
	OperationAny Operation = "any"

	// OperationNone jobs are never planning candidates. They only run as
	// children of a method or through RunTask.
	OperationNone Operation = "none"
)

// Matches reports whether a job with operation o may reduce a mismatch
// with the given patch op.
func (o Operation) Matches(patchOp string) bool {
	switch o {
	case OperationAny:
		return true
	case OperationCreate:
		return patchOp == state.OpAdd
	case OperationUpdate:
		return patchOp == state.OpReplace
	case OperationDelete:
		return patchOp == state.OpRemove
	default:
		return false
	}
}

// Validate checks that o is a known operation.
func (o Operation) Validate() error {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete, OperationAny, OperationNone:
		return nil
	default:
		return fmt.Errorf("invalid operation: %q", o)
	}
}

// Job is a declared unit of work. Jobs are immutable once declared and are
// bound to a route by a domain.
type Job struct {
	id          string
	kind        Kind
	description string
	operation   Operation
	effect      *handlerFunc
	handler     *handlerFunc
	expand      *handlerFunc
	scoped      bool
}

// Option configures a job at declaration.
type Option func(*Job) error

// WithHandler sets the execution-time handler of an action. Without it the
// effect function is also used as the handler.
func WithHandler(fn interface{}) Option {
	return func(j *Job) error {
		if j.kind != KindAction {
			return fmt.Errorf("only actions accept a handler")
		}
		h, err := inspect(fn, false)
		if err != nil {
			return err
		}
		j.handler = h
		return nil
	}
}

// WithOperation sets the kind of mismatch the planner offers the job for.
func WithOperation(op Operation) Option {
	return func(j *Job) error {
		if err := op.Validate(); err != nil {
			return err
		}
		j.operation = op
		return nil
	}
}

// WithDescription sets a human-readable description.
func WithDescription(desc string) Option {
	return func(j *Job) error {
		j.description = desc
		return nil
	}
}

// NewAction declares an atomic job. The effect function receives handler
// inputs and writes its prediction through writable inputs such as *View.
func NewAction(id string, effect interface{}, opts ...Option) (*Job, error) {
	if id == "" {
		return nil, engine.NewInvalidError(engine.ErrCodeInvalidHandler, "job id is required", nil)
	}
	h, err := inspect(effect, false)
	if err != nil {
		return nil, engine.NewInvalidError(engine.ErrCodeInvalidHandler, "invalid effect", err).WithTask(id)
	}
	j := &Job{id: id, kind: KindAction, operation: OperationAny, effect: h, handler: h}
	if err := j.apply(opts); err != nil {
		return nil, err
	}
	j.scoped = j.effect.scoped && j.handler.scoped
	return j, nil
}

// NewMethod declares a compound job. The expand function returns the
// ordered tasks the job stands for; an empty list is a valid no-op.
func NewMethod(id string, expand interface{}, opts ...Option) (*Job, error) {
	if id == "" {
		return nil, engine.NewInvalidError(engine.ErrCodeInvalidHandler, "job id is required", nil)
	}
	h, err := inspect(expand, true)
	if err != nil {
		return nil, engine.NewInvalidError(engine.ErrCodeInvalidHandler, "invalid expansion", err).WithTask(id)
	}
	j := &Job{id: id, kind: KindMethod, operation: OperationAny, expand: h}
	if err := j.apply(opts); err != nil {
		return nil, err
	}
	j.scoped = j.expand.scoped
	return j, nil
}

// MustAction is like NewAction but panics on error.
func MustAction(id string, effect interface{}, opts ...Option) *Job {
	j, err := NewAction(id, effect, opts...)
	if err != nil {
		panic(err)
	}
	return j
}

// MustMethod is like NewMethod but panics on error.
func MustMethod(id string, expand interface{}, opts ...Option) *Job {
	j, err := NewMethod(id, expand, opts...)
	if err != nil {
		panic(err)
	}
	return j
}

func (j *Job) apply(opts []Option) error {
	for _, opt := range opts {
		if err := opt(j); err != nil {
			return engine.NewInvalidError(engine.ErrCodeInvalidHandler, "invalid job option", err).WithTask(j.id)
		}
	}
	return nil
}

// ID returns the job id.
func (j *Job) ID() string { return j.id }

// Kind returns the job kind.
func (j *Job) Kind() Kind { return j.kind }

// Description returns the job description.
func (j *Job) Description() string { return j.description }

// Operation returns the kind of mismatch the job is offered for.
func (j *Job) Operation() Operation { return j.operation }

// IsAtomic reports whether the job is an action.
func (j *Job) IsAtomic() bool { return j.kind == KindAction }

// IsScoped reports whether every input of the job's functions is Scoped.
// It is computed at declaration and never requires calling the job.
func (j *Job) IsScoped() bool { return j.scoped }

// Task returns an unbound task for the job.
func (j *Job) Task() Task {
	return Task{job: j}
}

// WithArg returns a task for the job with one explicit arg bound.
func (j *Job) WithArg(key, value string) Task {
	return j.Task().WithArg(key, value)
}

// WithTarget returns a task for the job with an explicit target.
func (j *Job) WithTarget(v interface{}) Task {
	return j.Task().WithTarget(v)
}
