package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mattn/go-isatty"

	"github.com/aofdev/aof/internal/config"
	"github.com/aofdev/aof/internal/events"
	"github.com/aofdev/aof/internal/store"
	"github.com/aofdev/aof/internal/task"
)

// cliEnv bundles the handles a one-shot command needs.
type cliEnv struct {
	cfg     *config.Config
	dataDir string
	store   *store.Store
	log     *events.Log
}

// openEnv loads config and opens the task store for the current
// directory. One-shot commands write to the same store and event log
// the daemon reads; the store's atomic renames keep that safe.
func openEnv() (*cliEnv, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	root, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	dataDir := cfg.DataDir
	if !filepath.IsAbs(dataDir) {
		dataDir = filepath.Join(root, dataDir)
	}
	logger := newLogger(cfg)
	log := events.NewLog(dataDir, nil, logger)
	st, err := store.Open(dataDir, log, logger)
	if err != nil {
		return nil, err
	}
	return &cliEnv{cfg: cfg, dataDir: dataDir, store: st, log: log}, nil
}

// resolve accepts a full task ID or a unique prefix.
func (e *cliEnv) resolve(idOrPrefix string) (*task.Task, error) {
	return e.store.GetByPrefix(idOrPrefix)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func stdoutIsTTY() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

// statusIcon decorates a status for terminal output; plain text
// everywhere else so pipes stay parseable.
func statusIcon(s task.Status) string {
	if !stdoutIsTTY() {
		return string(s)
	}
	switch s {
	case task.StatusBacklog:
		return "· " + string(s)
	case task.StatusReady:
		return "○ " + string(s)
	case task.StatusInProgress:
		return "▶ " + string(s)
	case task.StatusBlocked:
		return "✗ " + string(s)
	case task.StatusReview:
		return "? " + string(s)
	case task.StatusDone:
		return "✓ " + string(s)
	default:
		return string(s)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func taskLine(t *task.Task) string {
	target := t.Routing.Target()
	if target == "" {
		target = "-"
	}
	return fmt.Sprintf("%s\t%s\t%s\t%s\t%s", t.ID, statusIcon(t.Status), t.Priority, target, truncate(t.Title, 48))
}
