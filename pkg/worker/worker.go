// Package worker drives a state towards a target.
//
// A Worker owns the state store. SeekTarget repeatedly plans against a
// fresh snapshot, runs the plan wave by wave and commits the patches of
// each wave as one batch. When a node's observed changes differ from what
// planning predicted, the rest of the plan is discarded and the worker
// plans again, up to a bounded number of times.
package worker

import (
	"context"
	"sync"

	"github.com/balena-io-experimental/gustav/pkg/domain"
	"github.com/balena-io-experimental/gustav/pkg/engine"
	"github.com/balena-io-experimental/gustav/pkg/planner"
	"github.com/balena-io-experimental/gustav/pkg/state"
	"github.com/balena-io-experimental/gustav/pkg/task"
	"github.com/balena-io-experimental/gustav/pkg/telemetry"
)

const (
	// DefaultMaxReplans bounds the plans a seek may discard.
	DefaultMaxReplans = 16

	// DefaultMaxParallel bounds the nodes of a wave that run at once.
	DefaultMaxParallel = 10
)

// Policy admits or rejects a plan before it runs.
type Policy interface {
	// Admit returns a POLICY_DENIED planning error to reject the plan.
	Admit(ctx context.Context, plan planner.Summary) error
}

// Option configures a Worker.
type Option func(*Worker)

// WithMaxReplans bounds the number of plans a seek may discard after a
// divergence. Zero fails on the first divergence.
func WithMaxReplans(n int) Option {
	return func(w *Worker) {
		if n >= 0 {
			w.maxReplans = n
		}
	}
}

// WithMaxParallel bounds the number of nodes of a wave that run at once.
func WithMaxParallel(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.maxParallel = n
		}
	}
}

// WithMaxDepth bounds method expansion during planning and in RunTask.
func WithMaxDepth(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.maxDepth = n
		}
	}
}

// WithLogger sets the worker logger. It defaults to the telemetry logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(w *Worker) {
		w.logger = l
	}
}

// WithTelemetry sets the tracer, metrics and event publisher.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(w *Worker) {
		if t != nil {
			w.tel = t
		}
	}
}

// WithJournal records every seek in j.
func WithJournal(j engine.Journal) Option {
	return func(w *Worker) {
		w.journal = j
	}
}

// WithPolicy offers every plan to p before it runs.
func WithPolicy(p Policy) Option {
	return func(w *Worker) {
		w.policy = p
	}
}

// Worker owns a state and seeks targets over a domain. A worker runs one
// seek at a time; concurrent calls to SeekTarget and RunTask are
// serialized.
type Worker struct {
	domain  *domain.Domain
	planner *planner.Planner
	store   *state.Store
	tel     *telemetry.Telemetry
	logger  *telemetry.Logger
	journal engine.Journal
	policy  Policy

	maxReplans  int
	maxParallel int
	maxDepth    int

	// seeking serializes SeekTarget and RunTask.
	seeking sync.Mutex

	mu     sync.RWMutex
	status engine.WorkerStatus
	plan   *planner.Plan
}

// New creates a worker over d owning a copy of initial.
func New(d *domain.Domain, initial interface{}, opts ...Option) (*Worker, error) {
	store, err := state.NewStore(initial)
	if err != nil {
		return nil, engine.NewInputError("invalid initial state", err)
	}

	w := &Worker{
		domain:      d,
		store:       store,
		tel:         telemetry.Nop(),
		maxReplans:  DefaultMaxReplans,
		maxParallel: DefaultMaxParallel,
		maxDepth:    domain.DefaultMaxDepth,
		status:      engine.WorkerStatusIdle,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = w.tel.Logger.NewComponentLogger("worker")
	}
	w.planner = planner.New(d,
		planner.WithMaxDepth(w.maxDepth),
		planner.WithLogger(w.logger.NewComponentLogger("planner").Zerolog()),
	)
	return w, nil
}

// State returns a snapshot of the current state.
func (w *Worker) State() state.Snapshot {
	return w.store.Snapshot()
}

// Status returns the current status.
func (w *Worker) Status() engine.WorkerStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

// Plan returns the plan being run, or the last one. It is nil until a seek
// needs to plan.
func (w *Worker) Plan() *planner.Plan {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.plan
}

// SeekTarget drives the state towards target, which is either a
// state.Target or a document used as a partial target. It returns nil once
// the state satisfies the target, or the *engine.Error that stopped the
// seek. Cancelling ctx stops the seek at the next wave boundary.
func (w *Worker) SeekTarget(ctx context.Context, target interface{}) error {
	t, err := state.AsTarget(target)
	if err != nil {
		return engine.NewInputError("invalid target", err)
	}

	w.seeking.Lock()
	defer w.seeking.Unlock()

	return newSeek(w, t).run(ctx)
}

// RunTask runs one task against the current state outside of planning and
// commits its changes. Methods are expanded and their children run in
// order.
func (w *Worker) RunTask(ctx context.Context, t task.Task) error {
	w.seeking.Lock()
	defer w.seeking.Unlock()

	snap := w.store.Snapshot()
	_, patch, err := w.domain.RunTask(ctx, t, snap.Doc, domain.WithMaxDepth(w.maxDepth))
	if err != nil {
		return err
	}
	version, err := w.store.Commit(patch)
	if err != nil {
		return engine.NewTaskError("cannot commit task changes", err).
			WithCode(engine.ErrCodeCommitFailed).WithTask(t.ID())
	}
	w.logger.WithField("task", t.ID()).WithField("version", version).Debug("Task committed")
	return nil
}

func (w *Worker) setStatus(s engine.WorkerStatus) {
	w.mu.Lock()
	prev := w.status
	w.status = s
	w.mu.Unlock()

	if prev != s {
		w.logger.WithField("from", prev).WithField("to", s).Debug("Worker status changed")
	}
}

func (w *Worker) setPlan(p *planner.Plan) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.plan = p
}
