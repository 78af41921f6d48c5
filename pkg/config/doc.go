// Package config loads the configuration of a gustav process and the
// documents it seeks.
//
// # Configuration file
//
// A configuration file is YAML. Every section is optional and falls back to
// Default:
//
//	service_name: gustav
//	worker:
//	    max_depth: 256
//	    max_replans: 16
//	    max_parallel: 10
//	logging:
//	    level: debug
//	    format: json
//	tracing:
//	    enabled: true
//	    exporter: otlp
//	    endpoint: localhost:4317
//	metrics:
//	    enabled: true
//	    listen_address: ":9090"
//	journal:
//	    enabled: true
//	    path: /var/lib/gustav/journal.db
//	policy:
//	    files: [policies/freeze.rego]
//
// Unknown keys are rejected. Values are checked with validator struct tags
// and then by telemetry.Config.Validate.
//
// # Documents
//
// State and target documents load from JSON, YAML or CUE files, chosen by
// extension. CUE documents must evaluate to concrete values. A Loader may
// carry a CUE schema; every document it loads, whatever its format, is
// unified with the schema and must stay concrete:
//
//	loader := config.NewLoader()
//	if err := loader.SetSchema(`apps: [string]: {running?: bool, installed?: bool}`); err != nil {
//	    return err
//	}
//	target, err := loader.Load("target.cue")
//
// Loaded documents are normalized to the JSON data model used by the state
// package.
package config
