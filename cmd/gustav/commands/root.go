package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gustav",
		Short: "gustav - goal-directed job orchestration",
		Long: `gustav drives a JSON state document towards a target document.

It plans with the jobs registered for each part of the document, runs the
plan in waves of independent tasks, commits their changes and plans again
until the state satisfies the target.

The built-in domain manages applications under /apps/{app}:
  - install, start, stop, remove and upgrade actions
  - deploy and uninstall methods that chain them

Documents may be JSON, YAML or CUE.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newSeekCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newDiffCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}
