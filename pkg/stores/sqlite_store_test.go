package stores

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/balena-io-experimental/gustav/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newRun(id string, started time.Time) *engine.Run {
	return &engine.Run{
		ID:        id,
		Status:    engine.WorkerStatusPlanning,
		Target:    json.RawMessage(`{"apps":{"web":{"running":true}}}`),
		Initial:   json.RawMessage(`{"apps":{}}`),
		StartedAt: started,
	}
}

func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: filepath.Join(t.TempDir(), "journal.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("expected health check to fail before Init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	// Migrations are idempotent.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store twice: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStore_RequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected error for an empty path")
	}
}

func TestRunLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := newRun("run-1", time.Now())
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.Status != engine.WorkerStatusPlanning || got.CompletedAt != nil {
		t.Errorf("unexpected open run: %+v", got)
	}
	if string(got.Target) != string(run.Target) {
		t.Errorf("expected target %s, got %s", run.Target, got.Target)
	}

	done := time.Now()
	run.Status = engine.WorkerStatusFailed
	run.Final = json.RawMessage(`{"apps":{"web":{"installed":true}}}`)
	run.Replans = 2
	run.CompletedAt = &done
	run.Error = engine.NewTaskError("handler failed", errors.New("boom")).
		WithTask("start").WithPath("/apps/web/running")
	if err := store.FinishRun(ctx, run); err != nil {
		t.Fatalf("failed to finish run: %v", err)
	}

	got, err = store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.Status != engine.WorkerStatusFailed || got.Replans != 2 || got.CompletedAt == nil {
		t.Errorf("unexpected finished run: %+v", got)
	}
	if got.Error == nil || got.Error.Task != "start" || got.Error.Class != engine.ErrorClassTask {
		t.Errorf("expected the task error to be kept, got %+v", got.Error)
	}

	if _, err := store.GetRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got: %v", err)
	}
	if err := store.FinishRun(ctx, newRun("missing", time.Now())); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got: %v", err)
	}
}

func TestListRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"a", "b", "c"} {
		if err := store.CreateRun(ctx, newRun(id, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("failed to create run: %v", err)
		}
	}
	finished := newRun("b", base)
	finished.Status = engine.WorkerStatusConverged
	if err := store.FinishRun(ctx, finished); err != nil {
		t.Fatalf("failed to finish run: %v", err)
	}

	runs, err := store.ListRuns(ctx, RunFilter{})
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 3 || runs[0].ID != "c" || runs[2].ID != "a" {
		t.Errorf("expected runs most recent first, got %v", ids(runs))
	}

	runs, err = store.ListRuns(ctx, RunFilter{Status: engine.WorkerStatusConverged})
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "b" {
		t.Errorf("expected only run b, got %v", ids(runs))
	}

	runs, err = store.ListRuns(ctx, RunFilter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "b" {
		t.Errorf("expected the second run, got %v", ids(runs))
	}
}

func ids(runs []*engine.Run) []string {
	out := make([]string, len(runs))
	for i, r := range runs {
		out[i] = r.ID
	}
	return out
}

func TestPlansAndWaves(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := store.CreateRun(ctx, newRun("run-1", now)); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	plan := &engine.PlanRecord{
		RunID:     "run-1",
		PlanID:    "plan-1",
		Nodes:     2,
		Summary:   json.RawMessage(`{"id":"plan-1"}`),
		CreatedAt: now,
	}
	if err := store.RecordPlan(ctx, plan); err != nil {
		t.Fatalf("failed to record plan: %v", err)
	}

	for i, task := range []string{"install", "start"} {
		wave := &engine.WaveRecord{
			RunID:   "run-1",
			PlanID:  "plan-1",
			Index:   i,
			Version: uint64(i + 1),
			Nodes: []engine.NodeRecord{{
				ID:       "n1",
				Task:     task,
				Path:     "/apps/web",
				Status:   engine.NodeStatusSucceeded,
				Patch:    json.RawMessage(`[{"op":"add","path":"/apps/web","value":{}}]`),
				Duration: time.Millisecond,
			}},
			StartedAt:   now,
			CompletedAt: now,
		}
		if err := store.RecordWave(ctx, wave); err != nil {
			t.Fatalf("failed to record wave: %v", err)
		}
	}

	plans, err := store.ListPlans(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to list plans: %v", err)
	}
	if len(plans) != 1 || plans[0].Nodes != 2 || string(plans[0].Summary) != `{"id":"plan-1"}` {
		t.Errorf("unexpected plans: %+v", plans)
	}

	waves, err := store.ListWaves(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to list waves: %v", err)
	}
	if len(waves) != 2 {
		t.Fatalf("expected 2 waves, got %d", len(waves))
	}
	if waves[1].Version != 2 || waves[1].Nodes[0].Task != "start" || waves[1].Nodes[0].Duration != time.Millisecond {
		t.Errorf("unexpected second wave: %+v", waves[1])
	}

	if err := store.RecordPlan(ctx, &engine.PlanRecord{RunID: "missing", PlanID: "p", CreatedAt: now}); err == nil {
		t.Error("expected a plan of an unknown run to be rejected")
	}

	if err := store.DeleteRun(ctx, "run-1"); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}
	waves, err = store.ListWaves(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to list waves: %v", err)
	}
	if len(waves) != 0 {
		t.Errorf("expected waves to be deleted with their run, got %d", len(waves))
	}
}

func TestPrune(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	now := time.Now()
	if err := store.CreateRun(ctx, newRun("old", now.Add(-48*time.Hour))); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	if err := store.CreateRun(ctx, newRun("new", now)); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	n, err := store.Prune(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("failed to prune: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 pruned run, got %d", n)
	}
	if _, err := store.GetRun(ctx, "new"); err != nil {
		t.Errorf("expected the recent run to stay, got: %v", err)
	}
}
