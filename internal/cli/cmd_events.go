package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aofdev/aof/internal/events"
)

func newEventsCmd() *cobra.Command {
	var (
		n    int
		date string
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the event log",
		Long: `Show recent events from the daily JSONL log.

Example:
  aof events -n 50
  aof events --date 2026-08-24`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			var evs []events.Event
			if date != "" {
				evs, err = env.log.ReadDate(date)
			} else {
				evs, err = env.log.Tail(n)
			}
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(evs)
			}
			if len(evs) == 0 {
				fmt.Println("No events recorded.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tTYPE\tTASK\tACTOR")
			for _, e := range evs {
				taskID := e.TaskID
				if taskID == "" {
					taskID = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					e.Timestamp.Format("15:04:05"), e.Type, taskID, e.Actor)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&n, "lines", "n", 20, "number of recent events")
	cmd.Flags().StringVar(&date, "date", "", "show one day's full log (YYYY-MM-DD)")
	return cmd
}
