// Package executor defines the contract between the scheduler and the
// agent platform, plus a process-based implementation that shells out
// to a configured command.
package executor

import (
	"context"
	"regexp"
	"strconv"
	"time"

	"github.com/aofdev/aof/internal/task"
)

// GateContext describes the workflow position handed to a spawned
// agent: which gate it is working, and what a reviewer last objected to.
type GateContext struct {
	Workflow   string              `json:"workflow"`
	Gate       string              `json:"gate"`
	Role       string              `json:"role"`
	CanReject  bool                `json:"canReject"`
	Rejections int                 `json:"rejections"`
	Review     *task.ReviewContext `json:"review,omitempty"`
}

// TaskContext is the dispatch payload for one spawn.
type TaskContext struct {
	TaskID   string        `json:"taskId"`
	Path     string        `json:"path"`
	Title    string        `json:"title"`
	Agent    string        `json:"agent"`
	Priority task.Priority `json:"priority"`
	Routing  task.Routing  `json:"routing"`
	Gate     *GateContext  `json:"gate,omitempty"`
}

// SpawnOptions bounds a spawn attempt.
type SpawnOptions struct {
	// Timeout is the hard cap on the spawn call itself.
	Timeout time.Duration
}

// SpawnResult reports what the platform did with the dispatch.
type SpawnResult struct {
	// SessionID identifies the spawned agent session, when the platform
	// reports one.
	SessionID string
	// Message is free-form platform output.
	Message string
}

// Executor spawns agent sessions. Spawn returning a nil error means
// the agent was started; the scheduler does not observe the agent's
// work beyond that. The platform also offers session status polling
// and force-completion, but aof deliberately does not consume them:
// agents report back through the gate commands, and abandoned sessions
// surface as lease expiries. Fire and forget is the whole contract.
type Executor interface {
	Spawn(ctx context.Context, tc TaskContext, opts SpawnOptions) (*SpawnResult, error)
	// Name identifies the executor in logs and poll events.
	Name() string
}

// platformLimitPattern recognizes the platform's capacity-exhaustion
// message. The second capture is the platform's concurrency ceiling.
var platformLimitPattern = regexp.MustCompile(`max active children for this session \((\d+)/(\d+)\)`)

// ParsePlatformLimit extracts the platform concurrency ceiling from an
// error message. Returns (0, false) when the message is not a platform
// limit.
func ParsePlatformLimit(msg string) (int, bool) {
	m := platformLimitPattern.FindStringSubmatch(msg)
	if m == nil {
		return 0, false
	}
	limit, err := strconv.Atoi(m[2])
	if err != nil || limit <= 0 {
		return 0, false
	}
	return limit, true
}
