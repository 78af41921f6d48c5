package commands

import (
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/balena-io-experimental/gustav/pkg/state"
)

func newPlanCommand() *cobra.Command {
	var (
		docs     documentFlags
		format   string
		policies []string
		protect  []string
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the plan that takes a state to a target",
		Long: `Show the plan that takes a state document to a target document.

Nothing runs. The plan is printed as a Graphviz DOT graph or as JSON, and
is checked against the configured Rego policies when there are any.`,
		Example: `  # Render the plan with Graphviz
  gustav plan --state state.json --target target.yaml | dot -Tsvg > plan.svg

  # Print the plan summary
  gustav plan --state state.json --target target.yaml --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "dot" && format != "json" {
				return fmt.Errorf("unsupported format %q (must be dot or json)", format)
			}
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

			plan, err := e.planner().FindPlan(initial, target)
			if err != nil {
				return err
			}
			log.Debug().
				Int("nodes", plan.Len()).
				Int("waves", len(plan.Waves())).
				Str("target", state.KindOf(target)).
				Msg("Plan found")

			engine, err := e.policy(ctx, policies, protect)
			if err != nil {
				return err
			}
			if engine != nil {
				if err := engine.Admit(ctx, plan.Summary()); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			if format == "json" {
				return writeJSON(out, plan.Summary())
			}
			_, err = io.WriteString(out, plan.ToDOT())
			return err
		},
	}

	cmd.Flags().StringVarP(&docs.statePath, "state", "s", "", "initial state document (default {\"apps\": {}})")
	cmd.Flags().StringVarP(&docs.targetPath, "target", "t", "", "target document")
	cmd.Flags().StringVar(&docs.schemaPath, "schema", "", "CUE schema both documents must satisfy")
	cmd.Flags().BoolVar(&docs.exact, "exact", false, "require the state to equal the target")
	cmd.Flags().StringVarP(&format, "format", "f", "dot", "output format (dot, json)")
	cmd.Flags().StringSliceVar(&policies, "policy", nil, "Rego policy files or directories")
	cmd.Flags().StringSliceVar(&protect, "protect", nil, "paths no plan may change")
	_ = cmd.MarkFlagRequired("target")

	return cmd
}
