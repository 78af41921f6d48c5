package sample

import (
	"context"
	"testing"

	"github.com/balena-io-experimental/gustav/pkg/engine"
	"github.com/balena-io-experimental/gustav/pkg/planner"
	"github.com/balena-io-experimental/gustav/pkg/state"
	"github.com/balena-io-experimental/gustav/pkg/task"
	"github.com/balena-io-experimental/gustav/pkg/telemetry"
	"github.com/balena-io-experimental/gustav/pkg/worker"
)

func steps(p *planner.Plan) []string {
	var out []string
	for _, wave := range p.Waves() {
		for _, n := range wave {
			out = append(out, n.Task.ID()+" "+n.Path().String())
		}
	}
	return out
}

func apps(v map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{"apps": v}
}

func TestDomain_Plans(t *testing.T) {
	tests := []struct {
		name    string
		initial map[string]interface{}
		target  map[string]interface{}
		exact   bool
		want    []string
	}{
		{
			name:    "deploy new app",
			initial: apps(map[string]interface{}{}),
			target:  apps(map[string]interface{}{"web": map[string]interface{}{"image": "nginx", "running": true}}),
			want:    []string{"install /apps/web", "start /apps/web"},
		},
		{
			name:    "start installed app",
			initial: apps(map[string]interface{}{"web": map[string]interface{}{"installed": true, "running": false}}),
			target:  apps(map[string]interface{}{"web": map[string]interface{}{"running": true}}),
			want:    []string{"start /apps/web"},
		},
		{
			name:    "stop running app",
			initial: apps(map[string]interface{}{"web": map[string]interface{}{"installed": true, "running": true}}),
			target:  apps(map[string]interface{}{"web": map[string]interface{}{"running": false}}),
			want:    []string{"stop /apps/web"},
		},
		{
			name:    "upgrade image",
			initial: apps(map[string]interface{}{"web": map[string]interface{}{"image": "nginx:1", "installed": true, "running": true}}),
			target:  apps(map[string]interface{}{"web": map[string]interface{}{"image": "nginx:2"}}),
			want:    []string{"upgrade /apps/web"},
		},
		{
			name: "uninstall with exact target",
			initial: apps(map[string]interface{}{
				"web": map[string]interface{}{"installed": true, "running": true},
				"db":  map[string]interface{}{"installed": true, "running": true},
			}),
			target: apps(map[string]interface{}{"db": map[string]interface{}{"installed": true, "running": true}}),
			exact:  true,
			want:   []string{"stop /apps/web", "remove /apps/web"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var (
				target state.Target
				err    error
			)
			if tt.exact {
				target, err = state.Exact(tt.target)
			} else {
				target, err = state.Partial(tt.target)
			}
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}

			plan, err := planner.New(Domain()).FindPlan(tt.initial, target)
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			got := steps(plan)
			if len(got) != len(tt.want) {
				t.Fatalf("Expected %v, got %v", tt.want, got)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("step %d: expected %q, got %q", i, tt.want[i], got[i])
				}
			}
		})
	}
}

func TestDomain_RemovalsNeverOfferedForAdditions(t *testing.T) {
	for _, job := range []*task.Job{Stop, Remove, Uninstall} {
		if job.Operation().Matches(state.OpAdd) {
			t.Errorf("Expected %s not to be offered for an addition", job.ID())
		}
	}
	if Remove.Operation() != task.OperationNone {
		t.Errorf("Expected remove to run only inside uninstall, got %s", Remove.Operation())
	}
}

func TestDomain_RequiresAppsObject(t *testing.T) {
	target, err := state.Partial(apps(map[string]interface{}{"web": map[string]interface{}{"running": true}}))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	_, err = planner.New(Domain()).FindPlan(map[string]interface{}{}, target)
	if !engine.IsPlanningError(err) {
		t.Errorf("Expected planning error, got: %v", err)
	}
}

func TestDomain_Seek(t *testing.T) {
	w, err := worker.New(Domain(), apps(map[string]interface{}{}), worker.WithTelemetry(telemetry.Nop()))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	target, err := state.Partial(apps(map[string]interface{}{
		"web": map[string]interface{}{"image": "nginx", "running": true},
		"db":  map[string]interface{}{"image": "postgres", "running": true},
	}))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := w.SeekTarget(context.Background(), target); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	want, _ := state.Normalize(apps(map[string]interface{}{
		"web": App{Image: "nginx", Installed: true, Running: true},
		"db":  App{Image: "postgres", Installed: true, Running: true},
	}))
	if got := w.State().Doc; !state.Equal(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}
