package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/balena-io-experimental/gustav/pkg/engine"
	"github.com/balena-io-experimental/gustav/pkg/stores"
)

func newRunsCommand() *cobra.Command {
	var (
		journalPath string
		status      string
		limit       int
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded seeks",
		Long: `List the seeks recorded in a SQLite journal, newest first.

Use 'gustav runs show <id>' for the plans and waves of one seek.`,
		Example: `  gustav runs --journal gustav.db
  gustav runs --journal gustav.db --status failed --limit 5
  gustav runs show 3f0c8a52-... --journal gustav.db`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			e, err := newEnv("")
			if err != nil {
				return err
			}
			defer e.close()

			store, err := openJournal(e, cmd, journalPath)
			if err != nil {
				return err
			}

			runs, err := store.ListRuns(ctx, stores.RunFilter{
				Status: engine.WorkerStatus(status),
				Limit:  limit,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				if runs == nil {
					runs = []*engine.Run{}
				}
				return writeJSON(out, runs)
			}

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tTARGET\tREPLANS\tSTARTED\tDURATION")
			for _, r := range runs {
				kind := "partial"
				if r.Exact {
					kind = "exact"
				}
				duration := "-"
				if r.CompletedAt != nil {
					duration = r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
					r.ID, r.Status, kind, r.Replans, r.StartedAt.Format(time.RFC3339), duration)
			}
			return tw.Flush()
		},
	}

	cmd.PersistentFlags().StringVar(&journalPath, "journal", "", "SQLite journal (defaults to the configured journal)")
	cmd.Flags().StringVar(&status, "status", "", "only list runs with this status")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")

	cmd.AddCommand(newRunsShowCommand(&journalPath))

	return cmd
}

func newRunsShowCommand(journalPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show the plans and waves of a recorded seek",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			e, err := newEnv("")
			if err != nil {
				return err
			}
			defer e.close()

			store, err := openJournal(e, cmd, *journalPath)
			if err != nil {
				return err
			}

			run, err := store.GetRun(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to get run %s: %w", args[0], err)
			}
			plans, err := store.ListPlans(ctx, run.ID)
			if err != nil {
				return err
			}
			waves, err := store.ListWaves(ctx, run.ID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return writeJSON(out, map[string]interface{}{
					"run":   run,
					"plans": plans,
					"waves": waves,
				})
			}

			fmt.Fprintf(out, "Run %s: %s after %d replans\n", run.ID, run.Status, run.Replans)
			if run.Error != nil {
				fmt.Fprintf(out, "  error: %s\n", run.Error)
			}
			for _, p := range plans {
				fmt.Fprintf(out, "Plan %d (%s): %d nodes\n", p.Attempt, p.PlanID, p.Nodes)
				for _, wv := range waves {
					if wv.PlanID != p.PlanID {
						continue
					}
					state := "committed"
					if wv.Diverged {
						state = "diverged"
					}
					fmt.Fprintf(out, "  wave %d: version %d, %s\n", wv.Index, wv.Version, state)
					for _, n := range wv.Nodes {
						line := fmt.Sprintf("    %s %s %s %s", n.Status, n.Task, n.Path, n.Duration)
						if n.Error != "" {
							line += ": " + n.Error
						}
						fmt.Fprintln(out, line)
					}
				}
			}
			return nil
		},
	}
}

func openJournal(e *env, cmd *cobra.Command, path string) (*stores.SQLiteStore, error) {
	store, err := e.journal(cmd.Context(), path)
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("no journal: use --journal or enable the journal in the config file")
	}
	return store, nil
}
