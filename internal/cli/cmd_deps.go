package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dep",
		Short: "Manage task dependencies",
	}
	cmd.AddCommand(newDepAddCmd())
	cmd.AddCommand(newDepRemoveCmd())
	return cmd
}

func newDepAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add TASK BLOCKER",
		Short: "Make TASK wait for BLOCKER",
		Long: `Add a dependency edge: TASK will not dispatch until BLOCKER is done.
Edges that would close a cycle are refused.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			t, err := env.resolve(args[0])
			if err != nil {
				return err
			}
			blocker, err := env.resolve(args[1])
			if err != nil {
				return err
			}
			updated, err := env.store.AddDep(t.ID, blocker.ID, "cli")
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(updated)
			}
			fmt.Printf("%s now depends on %s\n", updated.ID, blocker.ID)
			return nil
		},
	}
}

func newDepRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove TASK BLOCKER",
		Aliases: []string{"rm"},
		Short:   "Remove a dependency edge",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			t, err := env.resolve(args[0])
			if err != nil {
				return err
			}
			blocker, err := env.resolve(args[1])
			if err != nil {
				return err
			}
			updated, err := env.store.RemoveDep(t.ID, blocker.ID, "cli")
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(updated)
			}
			fmt.Printf("%s no longer depends on %s\n", updated.ID, blocker.ID)
			return nil
		},
	}
}
