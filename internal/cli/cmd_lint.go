package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newLintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lint",
		Short: "Check the task store for invariant violations",
		Long: `Sweep every record under tasks/ and report problems: records in the
wrong directory, status fields disagreeing with their directory, leases
outside in-progress, stale content hashes, and dangling dependencies.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			issues, err := env.store.Lint()
			if err != nil {
				return err
			}
			if jsonOut {
				if err := printJSON(issues); err != nil {
					return err
				}
			} else if len(issues) == 0 {
				if !quiet {
					fmt.Println("Store is clean.")
				}
			} else {
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "KIND\tTASK\tMESSAGE")
				for _, issue := range issues {
					id := issue.TaskID
					if id == "" {
						id = issue.Path
					}
					fmt.Fprintf(w, "%s\t%s\t%s\n", issue.Kind, id, issue.Message)
				}
				if err := w.Flush(); err != nil {
					return err
				}
			}
			if len(issues) > 0 {
				return fmt.Errorf("%d issue(s) found", len(issues))
			}
			return nil
		},
	}
}
