package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aofdev/aof/internal/daemon"
	"github.com/aofdev/aof/internal/lock"
)

func newDaemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run and inspect the scheduler daemon",
	}
	cmd.AddCommand(newDaemonRunCmd())
	cmd.AddCommand(newDaemonStatusCmd())
	return cmd
}

func newDaemonRunCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the scheduler in the foreground",
		Long: `Start the poll loop over the current project's task store.
The daemon owns the data directory exclusively; a second instance
refuses to start. Stop with SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if dryRun {
				cfg.DryRun = true
			}
			root, err := os.Getwd()
			if err != nil {
				return err
			}
			d, err := daemon.New(root, cfg, newLogger(cfg))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return d.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "plan every tick but dispatch nothing")
	return cmd
}

func newDaemonStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether a daemon owns this project",
		Long:  `Exit code 0 when a daemon is running, 2 when none is.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			root, err := os.Getwd()
			if err != nil {
				return err
			}
			dataDir := cfg.DataDir
			if !filepath.IsAbs(dataDir) {
				dataDir = filepath.Join(root, dataDir)
			}
			pid, err := lock.ReadPID(dataDir)
			if err != nil {
				if !quiet {
					fmt.Println("daemon: not running")
				}
				return err
			}
			if jsonOut {
				return printJSON(map[string]any{"running": true, "pid": pid})
			}
			fmt.Printf("daemon: running (pid %d)\n", pid)
			return nil
		},
	}
}
