package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/balena-io-experimental/gustav/pkg/engine"
	"github.com/balena-io-experimental/gustav/pkg/planner"
)

func testSummary() planner.Summary {
	return planner.Summary{
		ID: "plan-1",
		Nodes: []planner.NodeSummary{
			{ID: "n1", Task: "install", Path: "/apps/web", Scoped: true},
			{ID: "n2", Task: "start", Path: "/apps/web/running", Scoped: true, DependsOn: []string{"n1"}},
		},
		Waves: [][]string{{"n1"}, {"n2"}},
	}
}

func newTestEngine(t *testing.T, policies ...Policy) *Engine {
	t.Helper()
	e := NewEngine(zerolog.Nop())
	if len(policies) > 0 {
		if err := e.Add(context.Background(), policies...); err != nil {
			t.Fatalf("Failed to add policies: %v", err)
		}
	}
	return e
}

func TestEngine_NoPoliciesAdmitsEverything(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Admit(context.Background(), testSummary()); err != nil {
		t.Errorf("Expected plan to be admitted, got: %v", err)
	}
}

func TestEngine_Deny(t *testing.T) {
	e := newTestEngine(t, Policy{Name: "no-start.rego", Rego: `package gustav

deny contains msg if {
	some node in input.plan.nodes
	node.task == "start"
	msg := sprintf("cannot start %s", [node.path])
}
`})

	err := e.Admit(context.Background(), testSummary())
	if !errors.Is(err, engine.ErrPolicyDenied) {
		t.Fatalf("Expected policy denied, got: %v", err)
	}
	ee, _ := engine.AsError(err)
	reasons, _ := ee.Details["reasons"].([]string)
	if len(reasons) != 1 || reasons[0] != "cannot start /apps/web/running" {
		t.Errorf("Unexpected reasons: %v", reasons)
	}
}

func TestEngine_WarningsDoNotBlock(t *testing.T) {
	e := newTestEngine(t, Policy{Name: "warn.rego", Rego: `package gustav

deny contains {"msg": "two waves", "severity": "warning"} if {
	count(input.plan.waves) == 2
}
`})

	violations, err := e.Evaluate(context.Background(), testSummary())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(violations) != 1 || violations[0].Severity != SeverityWarning {
		t.Fatalf("Expected one warning, got %v", violations)
	}
	if err := e.Admit(context.Background(), testSummary()); err != nil {
		t.Errorf("Expected warnings to be admitted, got: %v", err)
	}
}

func TestEngine_AddRejectsInvalidModules(t *testing.T) {
	e := newTestEngine(t, MaxNodes(10))

	if err := e.Add(context.Background(), Policy{Name: "broken.rego", Rego: "package gustav\n\ndeny contains"}); err == nil {
		t.Fatal("Expected error for a malformed module")
	}
	if n := len(e.Policies()); n != 1 {
		t.Errorf("Expected the engine to keep 1 policy, got %d", n)
	}
}

func TestBuiltin_MaxNodes(t *testing.T) {
	tests := []struct {
		max  int
		deny bool
	}{
		{1, true},
		{2, false},
	}

	for _, tt := range tests {
		e := newTestEngine(t, MaxNodes(tt.max))
		err := e.Admit(context.Background(), testSummary())
		if denied := errors.Is(err, engine.ErrPolicyDenied); denied != tt.deny {
			t.Errorf("MaxNodes(%d): expected denied=%v, got: %v", tt.max, tt.deny, err)
		}
	}
}

func TestBuiltin_ProtectedPaths(t *testing.T) {
	tests := []struct {
		name      string
		protected []string
		want      []string
	}{
		{"unrelated", []string{"/system"}, nil},
		{"exact", []string{"/apps/web"}, []string{"n1", "n2"}},
		{"descendant", []string{"/apps/web/running"}, []string{"n1", "n2"}},
		{"ancestor", []string{"/apps"}, []string{"n1", "n2"}},
		{"sibling prefix", []string{"/apps/we"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, ProtectedPaths(tt.protected...))
			violations, err := e.Evaluate(context.Background(), testSummary())
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			nodes := map[string]bool{}
			for _, v := range violations {
				nodes[v.Node] = true
			}
			if len(nodes) != len(tt.want) {
				t.Fatalf("Expected violations on %v, got %v", tt.want, violations)
			}
			for _, id := range tt.want {
				if !nodes[id] {
					t.Errorf("Expected a violation on %s", id)
				}
			}
		})
	}
}

func TestEngine_Load(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"deny.rego":      "package gustav\n\ndeny contains \"frozen\" if true\n",
		"deny_test.rego": "package gustav\n\ntest_frozen if true\n",
		"README.md":      "# policies",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
			t.Fatalf("Failed to write %s: %v", name, err)
		}
	}

	e := NewEngine(zerolog.Nop())
	if err := e.Load(context.Background(), dir); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if n := len(e.Policies()); n != 1 {
		t.Errorf("Expected 1 policy, got %d", n)
	}
	if err := e.Admit(context.Background(), testSummary()); !errors.Is(err, engine.ErrPolicyDenied) {
		t.Errorf("Expected policy denied, got: %v", err)
	}

	if err := e.Load(context.Background(), filepath.Join(dir, "README.md")); err == nil {
		t.Error("Expected error for a file that is not a .rego module")
	}
	if err := e.Load(context.Background(), filepath.Join(dir, "missing")); err == nil {
		t.Error("Expected error for a missing path")
	}
}
