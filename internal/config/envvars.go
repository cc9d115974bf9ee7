package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aofdev/aof/internal/util"
)

// EnvVarMapping maps environment variables to config paths.
var EnvVarMapping = map[string]string{
	"AOF_DATA_DIR":                 "data_dir",
	"AOF_POLL_INTERVAL":            "poll_interval",
	"AOF_DRY_RUN":                  "dry_run",
	"AOF_EXECUTOR":                 "executor",
	"AOF_SPAWN_TIMEOUT":            "spawn_timeout",
	"AOF_LISTEN":                   "listen",
	"AOF_LOG_LEVEL":                "log_level",
	"AOF_LEASE_TTL":                "lease.ttl",
	"AOF_LEASE_MAX_RENEWALS":       "lease.max_renewals",
	"AOF_LEASE_MAX_EXPIRIES":       "lease.max_expiries",
	"AOF_MAX_CONCURRENT":           "throttle.max_concurrent",
	"AOF_MIN_DISPATCH_INTERVAL":    "throttle.min_interval",
	"AOF_MAX_DISPATCHES_PER_POLL":  "throttle.max_dispatches_per_poll",
}

// ApplyEnvVars overlays AOF_* environment variables onto cfg. Returns
// the config paths that were overridden.
func ApplyEnvVars(cfg *Config) []string {
	var overridden []string
	for envVar, path := range EnvVarMapping {
		value := os.Getenv(envVar)
		if value == "" {
			continue
		}
		if applyEnvVar(cfg, path, value) {
			overridden = append(overridden, path)
		}
	}
	return overridden
}

func applyEnvVar(cfg *Config, path, value string) bool {
	switch path {
	case "data_dir":
		cfg.DataDir = value
	case "poll_interval":
		if d, err := time.ParseDuration(value); err == nil {
			cfg.PollInterval = util.Duration(d)
		}
	case "dry_run":
		cfg.DryRun = parseBool(value)
	case "executor":
		cfg.Executor = strings.Fields(value)
	case "spawn_timeout":
		if d, err := time.ParseDuration(value); err == nil {
			cfg.SpawnTimeout = util.Duration(d)
		}
	case "listen":
		cfg.Listen = value
	case "log_level":
		cfg.LogLevel = value
	case "lease.ttl":
		if d, err := time.ParseDuration(value); err == nil {
			cfg.Lease.TTL = util.Duration(d)
		}
	case "lease.max_renewals":
		if v, err := strconv.Atoi(value); err == nil {
			cfg.Lease.MaxRenewals = v
		}
	case "lease.max_expiries":
		if v, err := strconv.Atoi(value); err == nil {
			cfg.Lease.MaxExpiries = v
		}
	case "throttle.max_concurrent":
		if v, err := strconv.Atoi(value); err == nil {
			cfg.Throttle.MaxConcurrent = v
		}
	case "throttle.min_interval":
		if d, err := time.ParseDuration(value); err == nil {
			cfg.Throttle.MinInterval = util.Duration(d)
		}
	case "throttle.max_dispatches_per_poll":
		if v, err := strconv.Atoi(value); err == nil {
			cfg.Throttle.MaxDispatchesPerPoll = v
		}
	default:
		return false
	}
	return true
}

// parseBool parses a boolean string (case-insensitive).
func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}
