package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/balena-io-experimental/gustav/pkg/state"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return p
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.Worker.MaxDepth != 256 || cfg.Worker.MaxReplans != 16 || cfg.Worker.MaxParallel != 10 {
		t.Errorf("Unexpected worker defaults: %+v", cfg.Worker)
	}
	if cfg.Telemetry.ServiceName != "gustav" {
		t.Errorf("Expected service name gustav, got %q", cfg.Telemetry.ServiceName)
	}
	if cfg.Journal.Enabled {
		t.Error("Expected the journal to be disabled by default")
	}
}

func TestLoad(t *testing.T) {
	p := writeFile(t, "gustav.yaml", `
service_name: edge
worker:
  max_replans: 0
  max_parallel: 2
logging:
  level: debug
  format: json
journal:
  enabled: true
  path: /tmp/journal.db
policy:
  files: [freeze.rego]
`)

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.Telemetry.ServiceName != "edge" {
		t.Errorf("Expected service name edge, got %q", cfg.Telemetry.ServiceName)
	}
	if cfg.Worker.MaxReplans != 0 || cfg.Worker.MaxParallel != 2 || cfg.Worker.MaxDepth != 256 {
		t.Errorf("Expected overrides merged with defaults, got %+v", cfg.Worker)
	}
	if cfg.Telemetry.Logging.Level != "debug" || cfg.Telemetry.Logging.Output != "stderr" {
		t.Errorf("Unexpected logging config: %+v", cfg.Telemetry.Logging)
	}
	if !cfg.Journal.Enabled || cfg.Journal.Path != "/tmp/journal.db" {
		t.Errorf("Unexpected journal config: %+v", cfg.Journal)
	}
	if len(cfg.Policy.Files) != 1 {
		t.Errorf("Expected 1 policy file, got %v", cfg.Policy.Files)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown key", "workers: {max_depth: 1}"},
		{"zero depth", "worker: {max_depth: 0}"},
		{"negative replans", "worker: {max_replans: -1}"},
		{"zero parallel", "worker: {max_parallel: 0}"},
		{"journal without path", "journal: {enabled: true, path: ''}"},
		{"bad log level", "logging: {level: loud}"},
		{"otlp without endpoint", "tracing: {enabled: true, exporter: otlp}"},
		{"malformed", "worker: ["},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.yaml)); err == nil {
				t.Error("Expected error, got nil")
			}
		})
	}
}

func TestLoadDocument_Formats(t *testing.T) {
	want, _ := state.Normalize(map[string]interface{}{
		"apps": map[string]interface{}{"web": map[string]interface{}{"running": true, "replicas": 2}},
	})

	files := map[string]string{
		"target.json": `{"apps": {"web": {"running": true, "replicas": 2}}}`,
		"target.yaml": "apps:\n  web:\n    running: true\n    replicas: 2\n",
		"target.yml":  "apps: {web: {running: true, replicas: 2}}\n",
		"target.cue":  "apps: web: {\n\trunning: true\n\treplicas: 1 + 1\n}\n",
	}

	for name, content := range files {
		t.Run(name, func(t *testing.T) {
			doc, err := LoadDocument(writeFile(t, name, content))
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if !state.Equal(doc, want) {
				t.Errorf("Expected %v, got %v", want, doc)
			}
		})
	}
}

func TestLoadDocument_Errors(t *testing.T) {
	if _, err := LoadDocument(writeFile(t, "target.toml", "")); err == nil {
		t.Error("Expected error for an unsupported extension")
	}
	if _, err := LoadDocument(writeFile(t, "target.json", "{")); err == nil {
		t.Error("Expected error for malformed JSON")
	}

	_, err := LoadDocument(writeFile(t, "target.cue", "apps: web: running: bool\n"))
	var docErr *DocumentError
	if !errors.As(err, &docErr) {
		t.Fatalf("Expected a document error for a non-concrete value, got: %v", err)
	}
	if len(docErr.Problems) == 0 || !strings.Contains(docErr.Error(), "invalid document") {
		t.Errorf("Expected problems to be reported, got %v", docErr)
	}
}

func TestLoader_Schema(t *testing.T) {
	loader := NewLoader()
	if err := loader.SetSchema(`apps: [string]: {running?: bool, installed?: bool}`); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if _, err := loader.Parse([]byte(`{"apps": {"web": {"running": true}}}`), FormatJSON); err != nil {
		t.Errorf("Expected a conforming document to load, got: %v", err)
	}

	_, err := loader.Parse([]byte("apps: {web: {running: yes please}}"), FormatYAML)
	var docErr *DocumentError
	if !errors.As(err, &docErr) {
		t.Errorf("Expected a document error for a schema violation, got: %v", err)
	}

	if err := loader.SetSchema("apps: {"); err == nil {
		t.Error("Expected error for a malformed schema")
	}
}
