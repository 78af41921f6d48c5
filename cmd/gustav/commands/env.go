package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/balena-io-experimental/gustav/pkg/config"
	"github.com/balena-io-experimental/gustav/pkg/planner"
	"github.com/balena-io-experimental/gustav/pkg/policy"
	"github.com/balena-io-experimental/gustav/pkg/sample"
	"github.com/balena-io-experimental/gustav/pkg/state"
	"github.com/balena-io-experimental/gustav/pkg/stores"
	"github.com/balena-io-experimental/gustav/pkg/telemetry"
	"github.com/balena-io-experimental/gustav/pkg/worker"
)

// emptyState is the state used when no state file is given.
var emptyState = map[string]interface{}{"apps": map[string]interface{}{}}

// documentFlags are shared by every command that reads a state and a
// target.
type documentFlags struct {
	statePath  string
	targetPath string
	schemaPath string
	exact      bool
}

// env holds what a command builds from the config file and its flags.
type env struct {
	cfg       *config.Config
	telemetry *telemetry.Telemetry
	loader    *config.Loader
	closers   []func() error
}

func newEnv(schemaPath string) (*env, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	loader := config.NewLoader()
	if schemaPath != "" {
		if err := loader.LoadSchema(schemaPath); err != nil {
			_ = tel.Shutdown(context.Background())
			return nil, err
		}
	}

	e := &env{cfg: cfg, telemetry: tel, loader: loader}
	if srv := tel.StartMetricsServer(); srv != nil {
		e.closers = append(e.closers, srv.Close)
	}
	return e, nil
}

// close releases everything the env opened, in reverse order.
func (e *env) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			log.Warn().Err(err).Msg("Failed to release resource")
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.telemetry.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to shut down telemetry")
	}
}

// documents loads the state and target files named by f.
func (e *env) documents(f documentFlags) (interface{}, state.Target, error) {
	initial := interface{}(emptyState)
	if f.statePath != "" {
		doc, err := e.loader.Load(f.statePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load state: %w", err)
		}
		initial = doc
	}

	target, err := e.target(f)
	if err != nil {
		return nil, nil, err
	}
	return initial, target, nil
}

func (e *env) target(f documentFlags) (state.Target, error) {
	doc, err := e.loader.Load(f.targetPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load target: %w", err)
	}
	if f.exact {
		return state.Exact(doc)
	}
	return state.Partial(doc)
}

func (e *env) planner() *planner.Planner {
	return planner.New(sample.Domain(),
		planner.WithMaxDepth(e.cfg.Worker.MaxDepth),
		planner.WithLogger(e.telemetry.Logger.NewComponentLogger("planner").Zerolog()),
	)
}

// policy builds the policy engine from the config file and extra files.
// It returns nil when there is nothing to evaluate.
func (e *env) policy(ctx context.Context, files []string, protect []string) (*policy.Engine, error) {
	files = append(append([]string(nil), e.cfg.Policy.Files...), files...)
	if len(files) == 0 && len(protect) == 0 {
		return nil, nil
	}

	engine := policy.NewEngine(e.telemetry.Logger.NewComponentLogger("policy").Zerolog())
	if len(files) > 0 {
		if err := engine.Load(ctx, files...); err != nil {
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
	}
	if len(protect) > 0 {
		if err := engine.Add(ctx, policy.ProtectedPaths(protect...)); err != nil {
			return nil, err
		}
	}
	return engine, nil
}

// journal opens the seek journal at path, or at the configured path when
// the journal is enabled. It returns nil when no journal is wanted.
func (e *env) journal(ctx context.Context, path string) (*stores.SQLiteStore, error) {
	if path == "" && e.cfg.Journal.Enabled {
		path = e.cfg.Journal.Path
	}
	if path == "" {
		return nil, nil
	}

	store, err := stores.Open(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	e.closers = append(e.closers, store.Close)
	return store, nil
}

func (e *env) workerOptions() []worker.Option {
	return []worker.Option{
		worker.WithTelemetry(e.telemetry),
		worker.WithMaxDepth(e.cfg.Worker.MaxDepth),
		worker.WithMaxReplans(e.cfg.Worker.MaxReplans),
		worker.WithMaxParallel(e.cfg.Worker.MaxParallel),
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeJSONFile(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
