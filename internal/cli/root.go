// Package cli implements the aof command-line interface.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aofdev/aof/internal/config"
	aoferrors "github.com/aofdev/aof/internal/errors"
)

var (
	cfgFile string
	verbose bool
	quiet   bool
	jsonOut bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "aof",
	Short: "File-backed agent orchestration control plane",
	Long: `aof schedules work for autonomous agents from a plain-directory
task store. Task records live under .aof/tasks/<status>/, the daemon
polls them, dispatches ready work through the configured executor, and
appends every state change to a daily event log.

Quick start:
  aof task create "Fix login bug"   Create a task in backlog
  aof task promote TASK-...         Move it to ready
  aof daemon run                    Start the scheduler
  aof task list                     Show the board`,
	SilenceUsage: true,
}

// Execute runs the CLI and returns the process exit code: 0 on
// success, 2 when the daemon is required but not running, 1 otherwise.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		if aoferrors.HasCode(err, aoferrors.CodeDaemonNotRunning) {
			return 2
		}
		return 1
	}
	return 0
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .aof/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress non-essential output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output as JSON")

	rootCmd.AddCommand(newTaskCmd())
	rootCmd.AddCommand(newDepCmd())
	rootCmd.AddCommand(newGateCmd())
	rootCmd.AddCommand(newDaemonCmd())
	rootCmd.AddCommand(newEventsCmd())
	rootCmd.AddCommand(newMetricsCmd())
	rootCmd.AddCommand(newLintCmd())
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(config.AofDir)
		viper.AddConfigPath("$HOME/" + config.AofDir)
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("AOF")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

// loadConfig builds the effective configuration for the current
// directory, honoring an explicit --config file.
func loadConfig() (*config.Config, error) {
	root, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}
	if cfgFile != "" {
		if err := cfg.MergeFile(cfgFile); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// newLogger builds the CLI logger. Quiet drops everything below error,
// verbose enables debug, otherwise the configured level applies.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch {
	case quiet:
		level = slog.LevelError
	case verbose:
		level = slog.LevelDebug
	default:
		switch cfg.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
