package commands

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/balena-io-experimental/gustav/pkg/sample"
	"github.com/balena-io-experimental/gustav/pkg/worker"
)

func newSeekCommand() *cobra.Command {
	var (
		docs        documentFlags
		outFile     string
		journalPath string
		policies    []string
		protect     []string
		watch       bool
	)

	cmd := &cobra.Command{
		Use:   "seek",
		Short: "Drive a state document to a target",
		Long: `Drive a state document to a target document.

The seek:
  - Plans the tasks that take the state to the target
  - Offers the plan to the configured Rego policies
  - Runs the plan wave by wave and commits each wave
  - Plans again when the state diverges from the prediction

The final state is printed as JSON. With --watch the target file is
watched and every change starts a new seek from the current state.`,
		Example: `  # Seek a partial target
  gustav seek --state state.json --target target.yaml

  # Remove everything the target does not name
  gustav seek --state state.json --target target.yaml --exact

  # Record the seek and write the final state back
  gustav seek --state state.json --target target.cue --journal gustav.db --out state.json

  # Keep seeking while the target file changes
  gustav seek --target target.yaml --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			e, err := newEnv(docs.schemaPath)
			if err != nil {
				return err
			}
			defer e.close()

			initial, target, err := e.documents(docs)
			if err != nil {
				return err
			}

			opts := e.workerOptions()
			store, err := e.journal(ctx, journalPath)
			if err != nil {
				return err
			}
			if store != nil {
				opts = append(opts, worker.WithJournal(store))
			}
			engine, err := e.policy(ctx, policies, protect)
			if err != nil {
				return err
			}
			if engine != nil {
				opts = append(opts, worker.WithPolicy(engine))
			}

			w, err := worker.New(sample.Domain(), initial, opts...)
			if err != nil {
				return err
			}

			seek := func() error {
				log.Info().
					Str("target", docs.targetPath).
					Bool("exact", docs.exact).
					Msg("Seeking target")

				err := w.SeekTarget(ctx, target)
				snap := w.State()
				if outFile != "" {
					if werr := writeJSONFile(outFile, snap.Doc); werr != nil {
						return fmt.Errorf("failed to write state: %w", werr)
					}
				} else if werr := writeJSON(cmd.OutOrStdout(), snap.Doc); werr != nil {
					return werr
				}
				if err != nil {
					return err
				}
				log.Info().Uint64("version", snap.Version).Msg("Target reached")
				return nil
			}

			if !watch {
				return seek()
			}

			if err := seek(); err != nil {
				log.Error().Err(err).Msg("Seek failed")
			}
			return watchFile(ctx, docs.targetPath, func() error {
				next, err := e.target(docs)
				if err != nil {
					return err
				}
				target = next
				return seek()
			})
		},
	}

	cmd.Flags().StringVarP(&docs.statePath, "state", "s", "", "initial state document (default {\"apps\": {}})")
	cmd.Flags().StringVarP(&docs.targetPath, "target", "t", "", "target document")
	cmd.Flags().StringVar(&docs.schemaPath, "schema", "", "CUE schema both documents must satisfy")
	cmd.Flags().BoolVar(&docs.exact, "exact", false, "require the state to equal the target")
	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write the final state to a file instead of stdout")
	cmd.Flags().StringVar(&journalPath, "journal", "", "record the seek in a SQLite journal")
	cmd.Flags().StringSliceVar(&policies, "policy", nil, "Rego policy files or directories")
	cmd.Flags().StringSliceVar(&protect, "protect", nil, "paths no plan may change")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "seek again whenever the target file changes")
	_ = cmd.MarkFlagRequired("target")

	return cmd
}

// watchFile calls fn whenever the file at path is written or replaced,
// until ctx is done. Errors from fn are logged.
func watchFile(ctx context.Context, path string, fn func() error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Editors often replace the file, so watch its directory.
	file := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(file)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}
	log.Info().Str("path", path).Msg("Watching target")

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != file {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			log.Debug().Str("op", event.Op.String()).Msg("Target changed")
			if err := fn(); err != nil {
				log.Error().Err(err).Msg("Seek failed")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Msg("Watcher error")
		}
	}
}
