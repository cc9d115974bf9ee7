package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	aoferrors "github.com/aofdev/aof/internal/errors"
)

// DefaultSpawnTimeout caps a spawn when the caller passes none.
const DefaultSpawnTimeout = 30 * time.Second

// ProcessExecutor spawns agents by running a configured command. The
// task context is written to the child's stdin as JSON; the child
// answers on stdout with a JSON document:
//
//	{"ok": true, "sessionId": "..."}
//	{"ok": false, "error": "..."}
//
// A non-zero exit or ok=false is a spawn failure; the error string is
// passed through verbatim so the scheduler can recognize platform
// limit messages.
type ProcessExecutor struct {
	command []string
	logger  *slog.Logger
}

// NewProcessExecutor creates an executor running the given argv. The
// first element is the binary.
func NewProcessExecutor(command []string, logger *slog.Logger) (*ProcessExecutor, error) {
	if len(command) == 0 || command[0] == "" {
		return nil, aoferrors.ErrConfigInvalid("executor.command", "spawn command is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessExecutor{command: command, logger: logger}, nil
}

// Name implements Executor.
func (p *ProcessExecutor) Name() string {
	return "process:" + p.command[0]
}

// Spawn implements Executor.
func (p *ProcessExecutor) Spawn(ctx context.Context, tc TaskContext, opts SpawnOptions) (*SpawnResult, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultSpawnTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := json.Marshal(tc)
	if err != nil {
		return nil, aoferrors.ErrSpawnFailure(tc.TaskID, "encode task context").WithCause(err)
	}

	cmd := exec.CommandContext(ctx, p.command[0], p.command[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	p.logger.Debug("spawning agent", "task", tc.TaskID, "agent", tc.Agent, "command", p.command[0])
	runErr := cmd.Run()

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, aoferrors.ErrSpawnTimeout(tc.TaskID, timeout.String())
	}

	out := stdout.String()
	if runErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if e := gjson.Get(out, "error"); e.Exists() {
			msg = e.String()
		}
		if msg == "" {
			msg = runErr.Error()
		}
		return nil, aoferrors.ErrSpawnFailure(tc.TaskID, msg).WithCause(runErr)
	}

	if ok := gjson.Get(out, "ok"); ok.Exists() && !ok.Bool() {
		msg := gjson.Get(out, "error").String()
		if msg == "" {
			msg = fmt.Sprintf("executor refused dispatch: %s", strings.TrimSpace(out))
		}
		return nil, aoferrors.ErrSpawnFailure(tc.TaskID, msg)
	}

	return &SpawnResult{
		SessionID: gjson.Get(out, "sessionId").String(),
		Message:   gjson.Get(out, "message").String(),
	}, nil
}
