package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/balena-io-experimental/gustav/pkg/state"
)

func newDiffCommand() *cobra.Command {
	var docs documentFlags

	cmd := &cobra.Command{
		Use:   "diff",
		Short: "Show what separates a state from a target",
		Long: `Show the operations that separate a state document from a target.

With a partial target only the values the target names are compared. With
--exact every difference counts, including values the target does not
have. The output lists one operation per line, or a JSON patch with --json.`,
		Example: `  gustav diff --state state.json --target target.yaml
  gustav diff --state state.json --target target.yaml --exact --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(docs.schemaPath)
			if err != nil {
				return err
			}
			defer e.close()

			initial, target, err := e.documents(docs)
			if err != nil {
				return err
			}
			doc, err := state.Normalize(initial)
			if err != nil {
				return err
			}
			mismatches, err := target.Mismatches(doc)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				if mismatches == nil {
					mismatches = state.Patch{}
				}
				return writeJSON(out, mismatches)
			}
			if len(mismatches) == 0 {
				fmt.Fprintln(out, "State satisfies the target")
				return nil
			}
			for _, op := range mismatches {
				if op.Op == state.OpRemove {
					fmt.Fprintf(out, "%s %s\n", op.Op, op.Path)
					continue
				}
				value, err := json.Marshal(op.Value)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s %s %s\n", op.Op, op.Path, value)
			}
			fmt.Fprintf(out, "distance: %d\n", state.Distance(mismatches))
			return nil
		},
	}

	cmd.Flags().StringVarP(&docs.statePath, "state", "s", "", "state document (default {\"apps\": {}})")
	cmd.Flags().StringVarP(&docs.targetPath, "target", "t", "", "target document")
	cmd.Flags().StringVar(&docs.schemaPath, "schema", "", "CUE schema both documents must satisfy")
	cmd.Flags().BoolVar(&docs.exact, "exact", false, "compare the whole state with the target")
	_ = cmd.MarkFlagRequired("target")

	return cmd
}
