package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aofdev/aof/internal/db"
)

func newMetricsCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Show recent scheduler tick metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			path := filepath.Join(env.dataDir, db.StatsFileName)
			if _, err := os.Stat(path); os.IsNotExist(err) {
				fmt.Println("No metrics recorded; run the daemon first.")
				return nil
			}
			stats, err := db.OpenStats(path)
			if err != nil {
				return err
			}
			defer stats.Close()

			recent, err := stats.Recent(n)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(recent)
			}
			if len(recent) == 0 {
				fmt.Println("No metrics recorded yet.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "AT\tPLANNED\tEXECUTED\tFAILED\tREADY\tIN-PROGRESS\tDURATION\tREASON")
			for _, p := range recent {
				reason := p.Reason
				if reason == "" {
					reason = "-"
				}
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%s\t%s\n",
					p.At.Format("15:04:05"), p.Planned, p.Executed, p.Failed,
					p.Ready, p.InProgress, p.Duration, reason)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&n, "lines", "n", 20, "number of recent ticks")
	return cmd
}
