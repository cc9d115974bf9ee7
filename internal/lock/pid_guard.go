// Package lock provides single-instance protection for the daemon via
// a PID file. The store's data directory has a single writer; the
// guard keeps a second daemon from taking it over.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	aoferrors "github.com/aofdev/aof/internal/errors"
)

// PIDFileName is the name of the PID file in the data directory.
const PIDFileName = "aof.pid"

// PIDGuard prevents two daemons from owning the same data directory.
type PIDGuard struct {
	dataDir string
}

// NewPIDGuard creates a guard for the given data directory.
func NewPIDGuard(dataDir string) *PIDGuard {
	return &PIDGuard{dataDir: dataDir}
}

// Path returns the PID file location.
func (g *PIDGuard) Path() string {
	return filepath.Join(g.dataDir, PIDFileName)
}

// Check verifies no other daemon owns the data directory. A stale PID
// file (process gone) is cleaned up. Returns nil when safe to proceed.
func (g *PIDGuard) Check() error {
	data, err := os.ReadFile(g.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read pid file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		// Garbage in the file; nobody can own it
		os.Remove(g.Path())
		return nil
	}

	if processExists(pid) {
		return aoferrors.ErrAlreadyRunning(pid)
	}

	// Stale PID, clean it up
	os.Remove(g.Path())
	return nil
}

// Acquire writes the current process PID. Call Check first.
func (g *PIDGuard) Acquire() error {
	if err := os.MkdirAll(g.dataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(g.Path(), []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// Release removes the PID file. Safe when the file is already gone.
func (g *PIDGuard) Release() {
	os.Remove(g.Path())
}

// ReadPID returns the PID recorded for the data directory, or an error
// when no live daemon owns it.
func ReadPID(dataDir string) (int, error) {
	g := NewPIDGuard(dataDir)
	data, err := os.ReadFile(g.Path())
	if err != nil {
		return 0, aoferrors.ErrDaemonNotRunning()
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || !processExists(pid) {
		return 0, aoferrors.ErrDaemonNotRunning()
	}
	return pid, nil
}

// processExists reports whether a process with the given PID is alive.
func processExists(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix FindProcess always succeeds; signal 0 probes liveness
	return process.Signal(syscall.Signal(0)) == nil
}
