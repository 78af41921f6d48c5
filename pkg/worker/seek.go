package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/balena-io-experimental/gustav/pkg/engine"
	"github.com/balena-io-experimental/gustav/pkg/planner"
	"github.com/balena-io-experimental/gustav/pkg/state"
	"github.com/balena-io-experimental/gustav/pkg/telemetry"
)

// seek is one SeekTarget call.
type seek struct {
	w       *Worker
	id      string
	target  state.Target
	logger  *telemetry.Logger
	record  *engine.Run
	replans int
	started time.Time
}

// nodeResult is the outcome of one node of a wave.
type nodeResult struct {
	status   engine.NodeStatus
	patch    state.Patch
	err      error
	duration time.Duration
}

func newSeek(w *Worker, t state.Target) *seek {
	id := uuid.NewString()
	return &seek{
		w:       w,
		id:      id,
		target:  t,
		logger:  w.logger.WithSeekID(id),
		started: time.Now(),
	}
}

func (s *seek) run(ctx context.Context) error {
	w := s.w
	ctx, span := w.tel.Tracer.StartSeekSpan(ctx, s.id)

	snap := w.store.Snapshot()
	mismatches, err := s.target.Mismatches(snap.Doc)
	if err != nil {
		err = engine.NewInputError("cannot compare state with target", err)
		s.finish(ctx, span, err)
		return err
	}

	w.tel.Metrics.RecordSeekStarted(state.KindOf(s.target))
	_ = w.tel.Events.PublishSeekStarted(s.id, len(mismatches))
	s.logger.WithField("mismatches", len(mismatches)).Info("Seek started")
	s.journalStart(ctx, snap)

	err = s.loop(ctx)
	s.finish(ctx, span, err)
	return err
}

// loop plans and runs plans until the target is satisfied.
func (s *seek) loop(ctx context.Context) error {
	w := s.w
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return engine.NewCancelledError(err)
		}

		snap := w.store.Snapshot()
		ok, err := state.Satisfied(s.target, snap.Doc)
		if err != nil {
			return engine.NewInputError("cannot compare state with target", err)
		}
		if ok {
			return nil
		}

		if attempt > 0 {
			s.replans++
			if s.replans > w.maxReplans {
				return engine.NewPlanningError(engine.ErrCodeTooManyReplans, "maximum number of replans exceeded", nil).
					WithDetail("max_replans", w.maxReplans)
			}
			w.setStatus(engine.WorkerStatusReplanning)
			w.tel.Metrics.RecordReplan()
		}

		w.setStatus(engine.WorkerStatusPlanning)
		plan, err := s.findPlan(ctx, snap, attempt)
		if err != nil {
			return err
		}
		w.setPlan(plan)

		reason, err := s.execute(ctx, plan)
		if err != nil {
			return err
		}
		if reason == "" {
			reason = "target not reached"
		}
		// The next iteration either converges or plans again.
		if ok, _ := state.Satisfied(s.target, w.store.Snapshot().Doc); !ok {
			_ = w.tel.Events.PublishReplanning(s.id, plan.ID, reason, attempt+1)
			s.logger.WithPlanID(plan.ID).WithField("reason", reason).Info("Replanning")
		}
	}
}

// findPlan plans against snap and offers the plan to the policy.
func (s *seek) findPlan(ctx context.Context, snap state.Snapshot, attempt int) (*planner.Plan, error) {
	w := s.w
	ctx, span := w.tel.Tracer.StartPlanSpan(ctx, attempt)

	plan, err := w.planner.FindPlan(snap.Doc, s.target)
	if err != nil {
		telemetry.EndSpan(span, err)
		return nil, err
	}

	waves := len(plan.Waves())
	span.SetAttributes(telemetry.AttrPlanID.String(plan.ID), telemetry.AttrPlanNodes.Int(plan.Len()))
	w.tel.Metrics.RecordPlan(plan.Len())
	_ = w.tel.Events.PublishPlanFound(s.id, plan.ID, plan.Len(), waves)
	s.logger.WithPlanID(plan.ID).
		WithField("nodes", plan.Len()).
		WithField("waves", waves).
		WithField("attempt", attempt).
		Info("Plan found")

	summary := plan.Summary()
	s.journalPlan(ctx, plan, summary, attempt)

	if w.policy != nil {
		if err := w.policy.Admit(ctx, summary); err != nil {
			var reasons []string
			if e, ok := engine.AsError(err); ok {
				reasons, _ = e.Details["reasons"].([]string)
			}
			_ = w.tel.Events.PublishPolicyDenied(s.id, plan.ID, reasons)
			telemetry.EndSpan(span, err)
			return nil, err
		}
	}

	telemetry.EndSpan(span, nil)
	return plan, nil
}

// execute runs plan wave by wave. It returns a non-empty reason when a wave
// diverged from the plan and the rest of the plan was dropped.
func (s *seek) execute(ctx context.Context, plan *planner.Plan) (string, error) {
	w := s.w
	completed := make(map[string]bool, plan.Len())
	for i := 0; ; i++ {
		wave := plan.Ready(completed)
		if len(wave) == 0 {
			return "", nil
		}
		if err := ctx.Err(); err != nil {
			return "", engine.NewCancelledError(err)
		}
		w.setStatus(engine.WorkerStatusExecutingWave)

		diverged, err := s.runWave(ctx, plan, i, wave)
		if err != nil {
			return "", err
		}
		if len(diverged) > 0 {
			return fmt.Sprintf("wave %d diverged at %v", i, diverged), nil
		}
		for _, n := range wave {
			completed[n.ID] = true
		}
	}
}

// runWave runs the nodes of one wave against the same snapshot, commits
// every successful patch as one batch and returns the nodes whose changes
// differ from the prediction.
func (s *seek) runWave(ctx context.Context, plan *planner.Plan, index int, wave []*planner.Node) ([]string, error) {
	w := s.w
	started := time.Now()
	snap := w.store.Snapshot()

	ids := make([]string, len(wave))
	for i, n := range wave {
		ids[i] = n.ID
	}
	ctx, span := w.tel.Tracer.StartWaveSpan(ctx, plan.ID, index, len(wave))
	_ = w.tel.Events.PublishWaveStarted(s.id, plan.ID, index, ids)
	s.logger.WithPlanID(plan.ID).WithField("wave", index).WithField("nodes", ids).Debug("Wave started")

	// Started handlers always run to completion.
	handlerCtx := context.WithoutCancel(ctx)

	results := make([]nodeResult, len(wave))
	var failed atomic.Bool
	var g errgroup.Group
	g.SetLimit(w.maxParallel)
	for i, n := range wave {
		g.Go(func() error {
			if failed.Load() {
				results[i] = nodeResult{status: engine.NodeStatusAborted}
				return nil
			}
			results[i] = s.runNode(handlerCtx, plan, n, snap.Doc)
			if results[i].err != nil {
				failed.Store(true)
			}
			return nil
		})
	}
	_ = g.Wait()

	var patches []state.Patch
	var waveErr error
	for i, r := range results {
		n := wave[i]
		switch r.status {
		case engine.NodeStatusSucceeded:
			patches = append(patches, r.patch)
		case engine.NodeStatusFailed:
			if waveErr == nil {
				waveErr = r.err
			}
		case engine.NodeStatusAborted:
			w.tel.Metrics.RecordNodeExecution(n.Task.ID(), string(engine.NodeStatusAborted), 0)
			_ = w.tel.Events.PublishNodeAborted(s.id, plan.ID, n.ID, n.Task.ID(), n.Path().String())
		}
	}

	version, err := w.store.Commit(patches...)
	if err != nil {
		err = engine.NewTaskError("cannot commit wave", err).WithCode(engine.ErrCodeCommitFailed)
		telemetry.EndSpan(span, err)
		return nil, err
	}
	w.tel.Metrics.RecordWave()

	var diverged []string
	if waveErr == nil {
		for i, r := range results {
			if diverges(wave[i], r.patch, snap.Doc) {
				diverged = append(diverged, wave[i].ID)
			}
		}
	}

	if len(diverged) > 0 {
		telemetry.AddEvent(span, "diverged", telemetry.AttrNodeID.StringSlice(diverged))
	}

	s.journalWave(ctx, plan, index, wave, results, version, len(diverged) > 0, started)
	_ = w.tel.Events.PublishWaveCommitted(s.id, plan.ID, index, version)
	s.logger.WithPlanID(plan.ID).
		WithField("wave", index).
		WithField("version", version).
		WithField("diverged", diverged).
		Debug("Wave committed")

	telemetry.EndSpan(span, waveErr)
	if waveErr != nil {
		return nil, waveErr
	}
	return diverged, nil
}

// runNode runs the handler of one node against doc.
func (s *seek) runNode(ctx context.Context, plan *planner.Plan, n *planner.Node, doc interface{}) nodeResult {
	w := s.w
	taskID, at := n.Task.ID(), n.Path().String()
	logger := s.logger.WithPlanID(plan.ID).WithNode(n.ID, taskID, at)

	ctx, span := w.tel.Tracer.StartNodeSpan(ctx, n.ID, taskID, at)
	_ = w.tel.Events.PublishNodeStarted(s.id, plan.ID, n.ID, taskID, at)

	timer := telemetry.NewTimer()
	patch, err := n.Task.Run(ctx, doc)
	duration := timer.Duration()
	telemetry.EndSpan(span, err)

	if err != nil {
		w.tel.Metrics.RecordNodeExecution(taskID, string(engine.NodeStatusFailed), duration)
		_ = w.tel.Events.PublishNodeFailed(s.id, plan.ID, n.ID, taskID, at, err)
		logger.WithError(err).Warn("Node failed")
		return nodeResult{status: engine.NodeStatusFailed, err: err, duration: duration}
	}

	w.tel.Metrics.RecordNodeExecution(taskID, string(engine.NodeStatusSucceeded), duration)
	_ = w.tel.Events.PublishNodeCompleted(s.id, plan.ID, n.ID, taskID, at, duration)
	logger.WithField("operations", len(patch)).Debug("Node completed")
	return nodeResult{status: engine.NodeStatusSucceeded, patch: patch, duration: duration}
}

// diverges reports whether observed leaves a different value at the node
// path than the prediction, both applied to the state the wave started
// from.
func diverges(n *planner.Node, observed state.Patch, before interface{}) bool {
	predictedDoc, err := n.Predicted.Apply(before)
	if err != nil {
		return true
	}
	observedDoc, err := observed.Apply(before)
	if err != nil {
		return true
	}
	want, wantFound, err := state.Get(predictedDoc, n.Path())
	if err != nil {
		return true
	}
	got, gotFound, err := state.Get(observedDoc, n.Path())
	if err != nil {
		return true
	}
	return wantFound != gotFound || !state.Equal(want, got)
}

// finish moves the worker to its terminal status and reports the outcome.
func (s *seek) finish(ctx context.Context, span trace.Span, err error) {
	w := s.w
	status := engine.WorkerStatusConverged
	switch {
	case engine.IsCancelled(err):
		status = engine.WorkerStatusCancelled
	case err != nil:
		status = engine.WorkerStatusFailed
	}
	w.setStatus(status)

	duration := time.Since(s.started)
	w.tel.Metrics.RecordSeekCompleted(string(status), duration)
	if e, ok := engine.AsError(err); ok {
		w.tel.Metrics.RecordError(string(e.Class), e.Code)
		span.SetAttributes(telemetry.AttrErrorClass.String(string(e.Class)), telemetry.AttrErrorCode.String(e.Code))
	}
	_ = w.tel.Events.PublishSeekFinished(s.id, string(status), duration, err)
	s.journalFinish(ctx, status, err)

	span.SetAttributes(telemetry.AttrSeekStatus.String(string(status)))
	telemetry.EndSpan(span, err)

	logger := s.logger.WithField("status", status).WithField("replans", s.replans).WithField("duration", duration.String())
	if err != nil {
		logger.WithError(err).Warn("Seek stopped")
		return
	}
	logger.Info("Seek converged")
}

// Journal failures are logged and never fail a seek.

func (s *seek) journalStart(ctx context.Context, snap state.Snapshot) {
	if s.w.journal == nil {
		return
	}
	s.record = &engine.Run{
		ID:        s.id,
		Status:    engine.WorkerStatusPlanning,
		Target:    marshal(s.target.Document()),
		Exact:     state.KindOf(s.target) == "exact",
		Initial:   marshal(snap.Doc),
		StartedAt: s.started,
	}
	if err := s.w.journal.CreateRun(ctx, s.record); err != nil {
		s.logger.WithError(err).Warn("Failed to journal seek start")
	}
}

func (s *seek) journalPlan(ctx context.Context, plan *planner.Plan, summary planner.Summary, attempt int) {
	if s.w.journal == nil {
		return
	}
	rec := &engine.PlanRecord{
		RunID:     s.id,
		PlanID:    plan.ID,
		Attempt:   attempt,
		Nodes:     plan.Len(),
		Summary:   marshal(summary),
		CreatedAt: plan.CreatedAt,
	}
	if err := s.w.journal.RecordPlan(ctx, rec); err != nil {
		s.logger.WithError(err).Warn("Failed to journal plan")
	}
}

func (s *seek) journalWave(ctx context.Context, plan *planner.Plan, index int, wave []*planner.Node, results []nodeResult, version uint64, diverged bool, started time.Time) {
	if s.w.journal == nil {
		return
	}
	rec := &engine.WaveRecord{
		RunID:       s.id,
		PlanID:      plan.ID,
		Index:       index,
		Nodes:       make([]engine.NodeRecord, len(wave)),
		Version:     version,
		Diverged:    diverged,
		StartedAt:   started,
		CompletedAt: time.Now(),
	}
	for i, n := range wave {
		r := results[i]
		nr := engine.NodeRecord{
			ID:       n.ID,
			Task:     n.Task.ID(),
			Path:     n.Path().String(),
			Status:   r.status,
			Duration: r.duration,
		}
		if r.patch != nil {
			nr.Patch = marshal(r.patch)
		}
		if r.err != nil {
			nr.Error = r.err.Error()
		}
		rec.Nodes[i] = nr
	}
	if err := s.w.journal.RecordWave(ctx, rec); err != nil {
		s.logger.WithError(err).Warn("Failed to journal wave")
	}
}

func (s *seek) journalFinish(ctx context.Context, status engine.WorkerStatus, err error) {
	if s.w.journal == nil || s.record == nil {
		return
	}
	now := time.Now()
	s.record.Status = status
	s.record.Final = marshal(s.w.store.Snapshot().Doc)
	s.record.Replans = s.replans
	s.record.CompletedAt = &now
	if e, ok := engine.AsError(err); ok {
		s.record.Error = e
	}
	if err := s.w.journal.FinishRun(context.WithoutCancel(ctx), s.record); err != nil {
		s.logger.WithError(err).Warn("Failed to journal seek end")
	}
}

func marshal(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
