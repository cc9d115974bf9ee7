package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load builds the effective configuration for a project root.
// Load order (later sources override earlier):
//  1. Built-in defaults
//  2. System config (/etc/aof/config.yaml) - optional
//  3. User config (~/.aof/config.yaml) - optional
//  4. Project config (<root>/.aof/config.yaml) - optional
//  5. Environment variables (AOF_*)
func Load(root string) (*Config, error) {
	cfg := Default()

	systemPath := filepath.Join("/etc/aof", ConfigFileName)
	if _, err := os.Stat(systemPath); err == nil {
		if err := mergeFromFile(cfg, systemPath); err != nil {
			slog.Warn("failed to load system config", "path", systemPath, "error", err)
		}
	}

	if home, err := os.UserHomeDir(); err == nil {
		userPath := filepath.Join(home, AofDir, ConfigFileName)
		if _, err := os.Stat(userPath); err == nil {
			if err := mergeFromFile(cfg, userPath); err != nil {
				slog.Warn("failed to load user config", "path", userPath, "error", err)
			}
		}
	}

	projectPath := filepath.Join(root, AofDir, ConfigFileName)
	if _, err := os.Stat(projectPath); err == nil {
		// Project config errors are fatal, silently ignoring them
		// would run the daemon with the wrong limits
		if err := mergeFromFile(cfg, projectPath); err != nil {
			return nil, err
		}
	}

	ApplyEnvVars(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MergeFile overlays an explicit config file (--config) onto cfg and
// re-validates.
func (c *Config) MergeFile(path string) error {
	if err := mergeFromFile(c, path); err != nil {
		return err
	}
	return c.Validate()
}

// mergeFromFile overlays the file's values onto cfg. Fields absent from
// the document keep their current value.
func mergeFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}
