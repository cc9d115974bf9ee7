package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aofdev/aof/internal/gate"
	"github.com/aofdev/aof/internal/project"
	"github.com/aofdev/aof/internal/task"
)

func newGateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gate",
		Short: "Report gate outcomes for workflow tasks",
	}
	cmd.AddCommand(newGateReportCmd("complete", "Mark the current gate complete",
		task.GateComplete))
	cmd.AddCommand(newGateReportCmd("reject", "Reject the current gate back along the workflow",
		task.GateNeedsReview))
	cmd.AddCommand(newGateReportCmd("block", "Report the current gate blocked",
		task.GateBlocked))
	return cmd
}

func newGateReportCmd(use, short string, outcome task.GateOutcome) *cobra.Command {
	var (
		agent    string
		summary  string
		notes    string
		blockers []string
	)
	cmd := &cobra.Command{
		Use:   use + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			root, err := os.Getwd()
			if err != nil {
				return err
			}
			manifest, err := project.LoadDir(root)
			if err != nil {
				return err
			}
			t, err := env.resolve(args[0])
			if err != nil {
				return err
			}

			engine := gate.NewEngine(env.store, manifest, env.log, newLogger(env.cfg))
			res, err := engine.HandleGateTransition(t.ID, outcome, gate.Context{
				Summary:        summary,
				Agent:          agent,
				Blockers:       blockers,
				RejectionNotes: notes,
			})
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(res)
			}
			switch {
			case res.Done:
				fmt.Printf("%s passed its final gate and is done\n", res.Task.ID)
			case res.Task.Gate != nil:
				if len(res.Skipped) > 0 {
					fmt.Printf("Skipped: %v\n", res.Skipped)
				}
				fmt.Printf("%s is now at gate %s (%s)\n", res.Task.ID, res.Task.Gate.Current, res.Task.Status)
			default:
				fmt.Printf("%s is now %s\n", res.Task.ID, res.Task.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "reporting agent")
	cmd.Flags().StringVar(&summary, "summary", "", "summary recorded in gate history")
	if outcome == task.GateNeedsReview {
		cmd.Flags().StringVar(&notes, "notes", "", "rejection notes for the receiving agent")
	}
	if outcome != task.GateComplete {
		cmd.Flags().StringSliceVar(&blockers, "blocker", nil, "blocker description (repeatable)")
	}
	return cmd
}
