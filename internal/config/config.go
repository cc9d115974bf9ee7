// Package config holds the daemon configuration and its layered loader.
// Later sources override earlier ones: built-in defaults, system config,
// user config, project config, then AOF_* environment variables.
package config

import (
	"fmt"
	"time"

	aoferrors "github.com/aofdev/aof/internal/errors"
	"github.com/aofdev/aof/internal/util"
)

// ConfigFileName is the file looked up in each config directory.
const ConfigFileName = "config.yaml"

// AofDir is the per-project directory holding config and runtime state.
const AofDir = ".aof"

// LeaseConfig bounds how long an agent may hold a task.
type LeaseConfig struct {
	TTL         util.Duration `yaml:"ttl,omitempty"`
	MaxRenewals int           `yaml:"max_renewals,omitempty"`
	MaxExpiries int           `yaml:"max_expiries,omitempty"`
}

// ThrottleConfig caps dispatch volume and pacing. Zero values disable
// the corresponding limit.
type ThrottleConfig struct {
	MaxConcurrent        int            `yaml:"max_concurrent,omitempty"`
	TeamCaps             map[string]int `yaml:"team_caps,omitempty"`
	MinInterval          util.Duration  `yaml:"min_interval,omitempty"`
	TeamMinInterval      util.Duration  `yaml:"team_min_interval,omitempty"`
	MaxDispatchesPerPoll int            `yaml:"max_dispatches_per_poll,omitempty"`
}

// Config is the full daemon configuration.
type Config struct {
	DataDir      string        `yaml:"data_dir,omitempty"`
	PollInterval util.Duration `yaml:"poll_interval,omitempty"`
	DryRun       bool          `yaml:"dry_run,omitempty"`

	// Executor is the argv of the process spawned per dispatch. Empty
	// means no executor; the scheduler plans but does not dispatch.
	Executor     []string      `yaml:"executor,omitempty"`
	SpawnTimeout util.Duration `yaml:"spawn_timeout,omitempty"`

	Listen   string `yaml:"listen,omitempty"`
	LogLevel string `yaml:"log_level,omitempty"`

	Lease    LeaseConfig    `yaml:"lease,omitempty"`
	Throttle ThrottleConfig `yaml:"throttle,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir:      AofDir,
		PollInterval: util.Duration(10 * time.Second),
		SpawnTimeout: util.Duration(30 * time.Second),
		Listen:       "127.0.0.1:7171",
		LogLevel:     "info",
		Lease: LeaseConfig{
			TTL:         util.Duration(5 * time.Minute),
			MaxRenewals: 10,
			MaxExpiries: 3,
		},
		Throttle: ThrottleConfig{
			MaxConcurrent: 4,
		},
	}
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return aoferrors.ErrConfigInvalid("data_dir", "must not be empty")
	}
	if c.PollInterval <= 0 {
		return aoferrors.ErrConfigInvalid("poll_interval", "must be positive")
	}
	if c.SpawnTimeout <= 0 {
		return aoferrors.ErrConfigInvalid("spawn_timeout", "must be positive")
	}
	if c.Lease.TTL <= 0 {
		return aoferrors.ErrConfigInvalid("lease.ttl", "must be positive")
	}
	if c.Lease.MaxRenewals < 0 {
		return aoferrors.ErrConfigInvalid("lease.max_renewals", "must not be negative")
	}
	if c.Lease.MaxExpiries < 0 {
		return aoferrors.ErrConfigInvalid("lease.max_expiries", "must not be negative")
	}
	if c.Throttle.MaxConcurrent < 0 {
		return aoferrors.ErrConfigInvalid("throttle.max_concurrent", "must not be negative")
	}
	if c.Throttle.MaxDispatchesPerPoll < 0 {
		return aoferrors.ErrConfigInvalid("throttle.max_dispatches_per_poll", "must not be negative")
	}
	for team, limit := range c.Throttle.TeamCaps {
		if limit < 0 {
			return aoferrors.ErrConfigInvalid("throttle.team_caps",
				fmt.Sprintf("team %q: cap must not be negative", team))
		}
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return aoferrors.ErrConfigInvalid("log_level",
			fmt.Sprintf("unknown level %q", c.LogLevel))
	}
	return nil
}
