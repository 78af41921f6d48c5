package worker

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/balena-io-experimental/gustav/pkg/domain"
	"github.com/balena-io-experimental/gustav/pkg/engine"
	"github.com/balena-io-experimental/gustav/pkg/planner"
	"github.com/balena-io-experimental/gustav/pkg/state"
	"github.com/balena-io-experimental/gustav/pkg/task"
	"github.com/balena-io-experimental/gustav/pkg/telemetry"
)

type appArgs struct {
	App string `json:"app"`
}

type apps struct {
	domain  *domain.Domain
	install *task.Job
	start   *task.Job
	deploy  *task.Job
}

func appsDomain(t *testing.T, startOpts ...task.Option) apps {
	t.Helper()

	install := task.MustAction("install", func(p *task.Pointer[map[string]interface{}]) {
		app, ok := p.Get()
		if !ok || app == nil {
			app = map[string]interface{}{}
		}
		app["installed"] = true
		p.Set(app)
	})
	start := task.MustAction("start", func(p *task.Pointer[bool]) {
		p.Set(true)
	}, startOpts...)
	deploy := task.MustMethod("deploy", func(_ task.Args[appArgs]) []task.Task {
		return []task.Task{install.Task(), start.Task()}
	})

	d, err := domain.NewBuilder().
		Register("/apps/{app}", install).
		Register("/apps/{app}/running", start).
		Register("/apps/{app}", deploy).
		Build()
	if err != nil {
		t.Fatalf("Failed to build domain: %v", err)
	}
	return apps{domain: d, install: install, start: start, deploy: deploy}
}

func runningWeb() map[string]interface{} {
	return map[string]interface{}{
		"apps": map[string]interface{}{"web": map[string]interface{}{"running": true}},
	}
}

func emptyApps() map[string]interface{} {
	return map[string]interface{}{"apps": map[string]interface{}{}}
}

// recorder collects events. Nodes of one wave publish concurrently.
type recorder struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func record(tel *telemetry.Telemetry) *recorder {
	r := &recorder{}
	tel.Events.Subscribe(func(ev telemetry.Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, ev)
	}, nil)
	return r
}

func (r *recorder) of(eventType string) []telemetry.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []telemetry.Event
	for _, ev := range r.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func newWorker(t *testing.T, d *domain.Domain, initial interface{}, opts ...Option) *Worker {
	t.Helper()
	w, err := New(d, initial, opts...)
	if err != nil {
		t.Fatalf("Failed to create worker: %v", err)
	}
	return w
}

func TestSeekTarget_InstallsBeforeStarting(t *testing.T) {
	fx := appsDomain(t)
	tel := telemetry.Nop()
	events := record(tel)
	w := newWorker(t, fx.domain, emptyApps(), WithTelemetry(tel))

	if err := w.SeekTarget(context.Background(), runningWeb()); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	want, _ := state.Normalize(map[string]interface{}{
		"apps": map[string]interface{}{"web": map[string]interface{}{"installed": true, "running": true}},
	})
	snap := w.State()
	if !state.Equal(snap.Doc, want) {
		t.Errorf("Expected %v, got %v", want, snap.Doc)
	}
	if snap.Version != 2 {
		t.Errorf("Expected one commit per wave, got version %d", snap.Version)
	}
	if w.Status() != engine.WorkerStatusConverged {
		t.Errorf("Expected status converged, got %s", w.Status())
	}
	if w.Plan() == nil || w.Plan().Len() != 2 {
		t.Errorf("Expected the last plan to have 2 nodes, got %v", w.Plan())
	}

	completed := events.of(telemetry.EventTypeNodeCompleted)
	if len(completed) != 2 {
		t.Fatalf("Expected 2 completed nodes, got %d", len(completed))
	}
	if completed[0].Task != "install" || completed[1].Task != "start" {
		t.Errorf("Expected install then start, got %s then %s", completed[0].Task, completed[1].Task)
	}
	if n := len(events.of(telemetry.EventTypeSeekConverged)); n != 1 {
		t.Errorf("Expected one converged event, got %d", n)
	}
}

func TestSeekTarget_FailedNodeStopsTheSeek(t *testing.T) {
	boom := errors.New("boom")
	fx := appsDomain(t, task.WithHandler(func(_ *task.Pointer[bool]) error {
		return boom
	}))
	w := newWorker(t, fx.domain, emptyApps())

	err := w.SeekTarget(context.Background(), runningWeb())
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if !engine.IsTaskError(err) {
		t.Fatalf("Expected task error, got: %v", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("Expected the handler error as cause, got: %v", err)
	}
	e, _ := engine.AsError(err)
	if e.Task != "start" || e.Path != "/apps/web/running" {
		t.Errorf("Expected start at /apps/web/running, got %s at %s", e.Task, e.Path)
	}

	want, _ := state.Normalize(map[string]interface{}{
		"apps": map[string]interface{}{"web": map[string]interface{}{"installed": true}},
	})
	if got := w.State().Doc; !state.Equal(got, want) {
		t.Errorf("Expected the install wave to stay committed, got %v", got)
	}
	if w.Status() != engine.WorkerStatusFailed {
		t.Errorf("Expected status failed, got %s", w.Status())
	}
}

func TestSeekTarget_AlreadySatisfied(t *testing.T) {
	fx := appsDomain(t)
	initial := map[string]interface{}{
		"apps": map[string]interface{}{"web": map[string]interface{}{"installed": true, "running": true}},
	}
	w := newWorker(t, fx.domain, initial)

	if err := w.SeekTarget(context.Background(), runningWeb()); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if v := w.State().Version; v != 0 {
		t.Errorf("Expected no commit, got version %d", v)
	}
	if w.Plan() != nil {
		t.Error("Expected no plan for a satisfied target")
	}
	if w.Status() != engine.WorkerStatusConverged {
		t.Errorf("Expected status converged, got %s", w.Status())
	}
}

func TestSeekTarget_Unreachable(t *testing.T) {
	fx := appsDomain(t)
	w := newWorker(t, fx.domain, emptyApps())

	err := w.SeekTarget(context.Background(), map[string]interface{}{"services": map[string]interface{}{"db": true}})
	if !errors.Is(err, engine.ErrUnreachable) {
		t.Fatalf("Expected unreachable, got: %v", err)
	}
	if w.Status() != engine.WorkerStatusFailed {
		t.Errorf("Expected status failed, got %s", w.Status())
	}
}

func TestSeekTarget_Cancelled(t *testing.T) {
	fx := appsDomain(t)
	w := newWorker(t, fx.domain, emptyApps())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.SeekTarget(ctx, runningWeb())
	if !errors.Is(err, engine.ErrCancelled) {
		t.Fatalf("Expected cancelled error, got: %v", err)
	}
	if w.Status() != engine.WorkerStatusCancelled {
		t.Errorf("Expected status cancelled, got %s", w.Status())
	}
	if v := w.State().Version; v != 0 {
		t.Errorf("Expected no commit, got version %d", v)
	}
}

func TestSeekTarget_CancelledBetweenWaves(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	install := task.MustAction("install", func(p *task.Pointer[map[string]interface{}]) {
		p.Set(map[string]interface{}{"installed": true})
	}, task.WithHandler(func(ctx context.Context, p *task.Pointer[map[string]interface{}]) {
		p.Set(map[string]interface{}{"installed": true})
		cancel()
		if ctx.Err() != nil {
			p.Set(map[string]interface{}{"installed": "interrupted"})
		}
	}))
	start := task.MustAction("start", func(p *task.Pointer[bool]) { p.Set(true) })
	deploy := task.MustMethod("deploy", func(_ task.Args[appArgs]) []task.Task {
		return []task.Task{install.Task(), start.Task()}
	})
	d := domain.NewBuilder().
		Register("/apps/{app}", install).
		Register("/apps/{app}/running", start).
		Register("/apps/{app}", deploy).
		MustBuild()
	w := newWorker(t, d, emptyApps())

	err := w.SeekTarget(ctx, runningWeb())
	if !errors.Is(err, engine.ErrCancelled) {
		t.Fatalf("Expected cancelled error, got: %v", err)
	}

	want, _ := state.Normalize(map[string]interface{}{
		"apps": map[string]interface{}{"web": map[string]interface{}{"installed": true}},
	})
	if got := w.State().Doc; !state.Equal(got, want) {
		t.Errorf("Expected the running handler to finish and the next wave to be skipped, got %v", got)
	}
}

func counterDomain(handler interface{}) *domain.Domain {
	set := task.MustAction("set", func(p *task.Pointer[float64], target task.Target[float64]) {
		p.Set(target.Value)
	}, task.WithHandler(handler))
	return domain.NewBuilder().Register("/counter", set).MustBuild()
}

func TestSeekTarget_ReplansAfterDivergence(t *testing.T) {
	var calls atomic.Int32
	d := counterDomain(func(p *task.Pointer[float64], target task.Target[float64]) {
		if calls.Add(1) == 1 {
			p.Set(target.Value - 1)
			return
		}
		p.Set(target.Value)
	})
	tel := telemetry.Nop()
	exporter := tracetest.NewInMemoryExporter()
	tel.Tracer = telemetry.NewTracerWithExporter(exporter, "gustav-test")
	events := record(tel)
	w := newWorker(t, d, map[string]interface{}{"counter": 0}, WithTelemetry(tel))

	if err := w.SeekTarget(context.Background(), map[string]interface{}{"counter": 3}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got := w.State().Doc.(map[string]interface{})["counter"]; got != float64(3) {
		t.Errorf("Expected counter 3, got %v", got)
	}
	if calls.Load() != 2 {
		t.Errorf("Expected 2 handler calls, got %d", calls.Load())
	}
	if n := len(events.of(telemetry.EventTypeReplanning)); n != 1 {
		t.Errorf("Expected 1 replanning event, got %d", n)
	}
	if n := len(events.of(telemetry.EventTypePlanFound)); n != 2 {
		t.Errorf("Expected 2 plans, got %d", n)
	}

	var diverged []string
	for _, span := range exporter.GetSpans() {
		for _, ev := range span.Events {
			if ev.Name == "diverged" {
				diverged = append(diverged, span.Name)
			}
		}
	}
	if len(diverged) != 1 || diverged[0] != "seek.wave" {
		t.Errorf("Expected one diverged event on a wave span, got %v", diverged)
	}
}

func TestSeekTarget_TooManyReplans(t *testing.T) {
	var calls atomic.Int32
	d := counterDomain(func(_ *task.Pointer[float64]) {
		calls.Add(1)
	})
	w := newWorker(t, d, map[string]interface{}{"counter": 0}, WithMaxReplans(2))

	err := w.SeekTarget(context.Background(), map[string]interface{}{"counter": 3})
	if !errors.Is(err, engine.ErrTooManyReplans) {
		t.Fatalf("Expected too many replans, got: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("Expected the first plan and 2 replans to run, got %d calls", calls.Load())
	}
	if w.Status() != engine.WorkerStatusFailed {
		t.Errorf("Expected status failed, got %s", w.Status())
	}
}

// barrier blocks until n callers have arrived or the timeout expires.
type barrier struct {
	wg      sync.WaitGroup
	timeout time.Duration
}

func newBarrier(n int) *barrier {
	b := &barrier{timeout: 5 * time.Second}
	b.wg.Add(n)
	return b
}

func (b *barrier) wait() error {
	b.wg.Done()
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(b.timeout):
		return errors.New("barrier timed out")
	}
}

func twoApps() (initial, target map[string]interface{}) {
	initial = map[string]interface{}{
		"apps": map[string]interface{}{"a": map[string]interface{}{}, "b": map[string]interface{}{}},
	}
	target = map[string]interface{}{
		"apps": map[string]interface{}{
			"a": map[string]interface{}{"running": true},
			"b": map[string]interface{}{"running": true},
		},
	}
	return initial, target
}

func TestSeekTarget_DisjointNodesRunConcurrently(t *testing.T) {
	b := newBarrier(2)
	start := task.MustAction("start", func(p *task.Pointer[bool]) {
		p.Set(true)
	}, task.WithHandler(func(p *task.Pointer[bool]) error {
		if err := b.wait(); err != nil {
			return err
		}
		p.Set(true)
		return nil
	}))
	d := domain.NewBuilder().Register("/apps/{app}/running", start).MustBuild()

	initial, target := twoApps()
	w := newWorker(t, d, initial)

	if err := w.SeekTarget(context.Background(), target); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if waves := w.Plan().Waves(); len(waves) != 1 || len(waves[0]) != 2 {
		t.Errorf("Expected a single wave of 2 nodes, got %v", w.Plan().Summary().Waves)
	}
	if v := w.State().Version; v != 1 {
		t.Errorf("Expected the wave to commit once, got version %d", v)
	}
}

func TestSeekTarget_MaxParallel(t *testing.T) {
	var running, peak atomic.Int32
	start := task.MustAction("start", func(p *task.Pointer[bool]) {
		p.Set(true)
	}, task.WithHandler(func(p *task.Pointer[bool]) {
		n := running.Add(1)
		for {
			m := peak.Load()
			if n <= m || peak.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		p.Set(true)
	}))
	d := domain.NewBuilder().Register("/apps/{app}/running", start).MustBuild()

	initial, target := twoApps()
	w := newWorker(t, d, initial, WithMaxParallel(1))

	if err := w.SeekTarget(context.Background(), target); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if peak.Load() != 1 {
		t.Errorf("Expected at most 1 node at a time, got %d", peak.Load())
	}
}

func TestSeekTarget_FailedWaveAbortsUnstartedNodes(t *testing.T) {
	start := task.MustAction("start", func(p *task.Pointer[bool]) {
		p.Set(true)
	}, task.WithHandler(func(_ *task.Pointer[bool]) error {
		return errors.New("no power")
	}))
	d := domain.NewBuilder().Register("/apps/{app}/running", start).MustBuild()
	tel := telemetry.Nop()
	events := record(tel)

	initial, target := twoApps()
	w := newWorker(t, d, initial, WithMaxParallel(1), WithTelemetry(tel))

	if err := w.SeekTarget(context.Background(), target); !engine.IsTaskError(err) {
		t.Fatalf("Expected task error, got: %v", err)
	}
	if n := len(events.of(telemetry.EventTypeNodeFailed)); n != 1 {
		t.Errorf("Expected 1 failed node, got %d", n)
	}
	if n := len(events.of(telemetry.EventTypeNodeAborted)); n != 1 {
		t.Errorf("Expected 1 aborted node, got %d", n)
	}
}

func TestSeekTarget_FailedWaveKeepsSuccessfulChanges(t *testing.T) {
	b := newBarrier(2)
	start := task.MustAction("start", func(p *task.Pointer[bool]) {
		p.Set(true)
	}, task.WithHandler(func(p *task.Pointer[bool], args task.Args[appArgs]) error {
		if err := b.wait(); err != nil {
			return err
		}
		if args.Value.App == "b" {
			return errors.New("no power")
		}
		p.Set(true)
		return nil
	}))
	d := domain.NewBuilder().Register("/apps/{app}/running", start).MustBuild()

	initial, target := twoApps()
	w := newWorker(t, d, initial)

	err := w.SeekTarget(context.Background(), target)
	if e, ok := engine.AsError(err); !ok || e.Path != "/apps/b/running" {
		t.Fatalf("Expected failure at /apps/b/running, got: %v", err)
	}

	want, _ := state.Normalize(map[string]interface{}{
		"apps": map[string]interface{}{"a": map[string]interface{}{"running": true}, "b": map[string]interface{}{}},
	})
	if got := w.State().Doc; !state.Equal(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestSeekTarget_GlobalTaskRunsAlone(t *testing.T) {
	start := task.MustAction("start", func(p *task.Pointer[bool]) { p.Set(true) })
	audit := task.MustAction("audit", func(p *task.Pointer[bool], _ task.System[map[string]interface{}]) {
		p.Set(true)
	})
	d := domain.NewBuilder().
		Register("/apps/{app}/running", start).
		Register("/audit", audit).
		MustBuild()

	initial, target := twoApps()
	target["audit"] = true
	w := newWorker(t, d, initial)

	if err := w.SeekTarget(context.Background(), target); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	nodes := 0
	for _, wave := range w.Plan().Waves() {
		for _, n := range wave {
			nodes++
			if n.Task.ID() == "audit" && len(wave) != 1 {
				t.Errorf("Expected the global node to run alone, got a wave of %d", len(wave))
			}
		}
	}
	if nodes != 3 {
		t.Errorf("Expected 3 nodes, got %d", nodes)
	}
}

type denyAll struct {
	calls int
}

func (p *denyAll) Admit(_ context.Context, plan planner.Summary) error {
	p.calls++
	return engine.NewPlanningError(engine.ErrCodePolicyDenied, "plan denied by policy", nil).
		WithDetail("reasons", []string{"changes to /apps are frozen"})
}

func TestSeekTarget_PolicyDenied(t *testing.T) {
	fx := appsDomain(t)
	policy := &denyAll{}
	tel := telemetry.Nop()
	events := record(tel)
	w := newWorker(t, fx.domain, emptyApps(), WithPolicy(policy), WithTelemetry(tel))

	err := w.SeekTarget(context.Background(), runningWeb())
	if !errors.Is(err, engine.ErrPolicyDenied) {
		t.Fatalf("Expected policy denied, got: %v", err)
	}
	if policy.calls != 1 {
		t.Errorf("Expected 1 policy call, got %d", policy.calls)
	}
	if v := w.State().Version; v != 0 {
		t.Errorf("Expected no commit, got version %d", v)
	}
	if n := len(events.of(telemetry.EventTypePolicyDenied)); n != 1 {
		t.Errorf("Expected 1 policy event, got %d", n)
	}
}

type memJournal struct {
	mu       sync.Mutex
	created  []engine.Run
	finished []engine.Run
	plans    []engine.PlanRecord
	waves    []engine.WaveRecord
}

func (j *memJournal) CreateRun(_ context.Context, r *engine.Run) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.created = append(j.created, *r)
	return nil
}

func (j *memJournal) RecordPlan(_ context.Context, p *engine.PlanRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.plans = append(j.plans, *p)
	return nil
}

func (j *memJournal) RecordWave(_ context.Context, w *engine.WaveRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.waves = append(j.waves, *w)
	return nil
}

func (j *memJournal) FinishRun(_ context.Context, r *engine.Run) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.finished = append(j.finished, *r)
	return nil
}

func TestSeekTarget_Journal(t *testing.T) {
	fx := appsDomain(t)
	journal := &memJournal{}
	w := newWorker(t, fx.domain, emptyApps(), WithJournal(journal))

	if err := w.SeekTarget(context.Background(), runningWeb()); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if len(journal.created) != 1 || len(journal.finished) != 1 {
		t.Fatalf("Expected one run, got %d created and %d finished", len(journal.created), len(journal.finished))
	}
	run := journal.finished[0]
	if run.ID != journal.created[0].ID {
		t.Error("Expected the finished run to match the created one")
	}
	if run.Status != engine.WorkerStatusConverged || run.CompletedAt == nil {
		t.Errorf("Expected a completed converged run, got %s", run.Status)
	}
	if len(journal.plans) != 1 || journal.plans[0].Nodes != 2 {
		t.Errorf("Expected 1 plan of 2 nodes, got %v", journal.plans)
	}
	if len(journal.waves) != 2 {
		t.Fatalf("Expected 2 waves, got %d", len(journal.waves))
	}
	if w0 := journal.waves[0]; w0.Version != 1 || w0.Nodes[0].Task != "install" || w0.Nodes[0].Status != engine.NodeStatusSucceeded {
		t.Errorf("Unexpected first wave: %+v", w0)
	}
}

func TestRunTask(t *testing.T) {
	fx := appsDomain(t)
	w := newWorker(t, fx.domain, emptyApps())

	if err := w.RunTask(context.Background(), fx.deploy.WithArg("app", "web")); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	want, _ := state.Normalize(map[string]interface{}{
		"apps": map[string]interface{}{"web": map[string]interface{}{"installed": true, "running": true}},
	})
	if got := w.State().Doc; !state.Equal(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
	if w.Status() != engine.WorkerStatusIdle {
		t.Errorf("Expected RunTask to leave the status unchanged, got %s", w.Status())
	}
}

func TestRunTask_HonorsMaxDepth(t *testing.T) {
	type nestArgs struct {
		N int `json:"n"`
	}
	set := task.MustAction("set", func(p *task.Pointer[int]) { p.Set(1) })
	var nest *task.Job
	nest = task.MustMethod("nest", func(a task.Args[nestArgs]) []task.Task {
		if a.Value.N == 0 {
			return []task.Task{set.Task()}
		}
		return []task.Task{nest.WithArg("n", strconv.Itoa(a.Value.N-1))}
	})
	d := domain.NewBuilder().Register("/counter", nest, set).MustBuild()

	w := newWorker(t, d, map[string]interface{}{"counter": 0}, WithMaxDepth(2))
	err := w.RunTask(context.Background(), nest.WithArg("n", "3"))
	if !errors.Is(err, engine.ErrMaxDepthExceeded) {
		t.Fatalf("Expected max depth error, got: %v", err)
	}
	if v := w.State().Version; v != 0 {
		t.Errorf("Expected nothing committed, got version %d", v)
	}

	w = newWorker(t, d, map[string]interface{}{"counter": 0})
	if err := w.RunTask(context.Background(), nest.WithArg("n", "3")); err != nil {
		t.Fatalf("Expected no error with the default bound, got: %v", err)
	}
}

func TestNew_RejectsInvalidState(t *testing.T) {
	fx := appsDomain(t)
	if _, err := New(fx.domain, make(chan int)); !engine.IsInputError(err) {
		t.Errorf("Expected input error, got: %v", err)
	}
}
