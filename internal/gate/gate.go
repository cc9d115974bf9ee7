// Package gate implements the workflow review state machine layered on
// top of task status. A task routed at a workflow moves through the
// workflow's gates; the engine advances the gate pointer on completion,
// rewinds it on rejection, and escalates gates that sit too long.
package gate

import (
	"fmt"
	"log/slog"
	"time"

	aoferrors "github.com/aofdev/aof/internal/errors"
	"github.com/aofdev/aof/internal/events"
	"github.com/aofdev/aof/internal/project"
	"github.com/aofdev/aof/internal/store"
	"github.com/aofdev/aof/internal/task"
)

// Context carries the agent's report when finishing a gate.
type Context struct {
	Summary        string
	Agent          string
	Blockers       []string
	RejectionNotes string
}

// Result describes what a gate transition did.
type Result struct {
	// Task is the updated record.
	Task *task.Task
	// Skipped lists gate ids passed over because their when predicate
	// was false.
	Skipped []string
	// Done is true when the last gate completed and the task finished.
	Done bool
}

// Engine drives gate transitions. It mutates tasks only through the
// store, so partition invariants and event emission stay in one place.
type Engine struct {
	store    *store.Store
	manifest *project.Manifest
	log      *events.Log
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine's time source (used in tests).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates a gate engine bound to a store and project manifest.
func NewEngine(s *store.Store, m *project.Manifest, log *events.Log, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:    s,
		manifest: m,
		log:      log,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// workflowFor resolves the task's workflow and current gate definition.
func (e *Engine) workflowFor(t *task.Task) (*project.Workflow, *project.GateDef, error) {
	if t.Routing.Workflow == "" {
		return nil, nil, aoferrors.ErrInvariant("task has no workflow",
			fmt.Sprintf("%s is not routed at a workflow", t.ID))
	}
	if e.manifest == nil {
		return nil, nil, aoferrors.ErrGateUnknown("", t.Routing.Workflow)
	}
	w, ok := e.manifest.Workflow(t.Routing.Workflow)
	if !ok {
		return nil, nil, aoferrors.ErrGateUnknown("", t.Routing.Workflow)
	}
	if t.Gate == nil || t.Gate.Current == "" {
		return nil, nil, aoferrors.ErrInvariant("task has no active gate",
			fmt.Sprintf("%s is routed at workflow %s but carries no gate state", t.ID, w.Name))
	}
	g, ok := w.Gate(t.Gate.Current)
	if !ok {
		return nil, nil, aoferrors.ErrGateUnknown(t.Gate.Current, w.Name)
	}
	return w, g, nil
}

// InitTask puts a workflow task at its first applicable gate: gate
// pointer, routing role, and an open history entry. Called by the
// dispatcher the first time a workflow task is dispatched.
func (e *Engine) InitTask(taskID string) (*task.Task, error) {
	t, err := e.store.Get(taskID)
	if err != nil {
		return nil, err
	}
	if t.Gate != nil && t.Gate.Current != "" {
		return t, nil
	}
	if t.Routing.Workflow == "" || e.manifest == nil {
		return nil, aoferrors.ErrInvariant("task has no workflow",
			fmt.Sprintf("%s cannot enter a gate without a workflow", t.ID))
	}
	w, ok := e.manifest.Workflow(t.Routing.Workflow)
	if !ok {
		return nil, aoferrors.ErrGateUnknown("", t.Routing.Workflow)
	}

	view := project.View{Tags: t.Tags, Routing: t.Routing}
	now := e.now()
	for i := range w.Gates {
		g := &w.Gates[i]
		if !g.Applies(view) {
			continue
		}
		t.Gate = &task.GateState{Current: g.ID, Entered: now}
		t.Routing.Role = g.Role
		t.GateHistory = append(t.GateHistory, task.GateHistoryEntry{
			Gate:    g.ID,
			Role:    g.Role,
			Entered: now,
		})
		if err := e.store.Put(t); err != nil {
			return nil, err
		}
		e.emit(events.TypeGateEntered, t.ID, map[string]any{
			"gate": g.ID,
			"role": g.Role,
		})
		return t, nil
	}
	return nil, aoferrors.ErrInvariant("no applicable gate",
		fmt.Sprintf("every gate of workflow %s is skipped for %s", w.Name, t.ID))
}

// HandleGateTransition processes an agent's outcome report for the
// task's current gate.
func (e *Engine) HandleGateTransition(taskID string, outcome task.GateOutcome, ctx Context) (*Result, error) {
	if !task.IsValidGateOutcome(outcome) {
		return nil, aoferrors.ErrInvariant("unknown gate outcome", string(outcome))
	}

	t, err := e.store.Get(taskID)
	if err != nil {
		return nil, err
	}
	w, g, err := e.workflowFor(t)
	if err != nil {
		return nil, err
	}

	switch outcome {
	case task.GateComplete:
		return e.complete(t, w, g, ctx)
	case task.GateNeedsReview:
		return e.reject(t, w, g, ctx)
	default:
		return e.block(t, g, ctx)
	}
}

// complete closes the current gate and advances to the next applicable
// one, or finishes the task when the last gate completed.
func (e *Engine) complete(t *task.Task, w *project.Workflow, g *project.GateDef, ctx Context) (*Result, error) {
	now := e.now()
	e.closeHistory(t, g, task.GateComplete, ctx, now)

	view := project.View{Tags: t.Tags, Routing: t.Routing}
	var next *project.GateDef
	var skipped []string
	for i := w.GateIndex(g.ID) + 1; i < len(w.Gates); i++ {
		cand := &w.Gates[i]
		if cand.Applies(view) {
			next = cand
			break
		}
		skipped = append(skipped, cand.ID)
	}

	// Last gate, or every remaining gate skipped: the task is finished.
	// gate.current stays where it was for context.
	if next == nil {
		t.ReviewContext = nil
		if err := e.store.Put(t); err != nil {
			return nil, err
		}
		done, err := e.store.Transition(t.ID, task.StatusDone, store.TransitionOpts{
			Reason: fmt.Sprintf("gate %s complete", g.ID),
			Actor:  ctx.Agent,
		})
		if err != nil {
			return nil, err
		}
		e.emit(events.TypeGateExited, t.ID, map[string]any{
			"gate":    g.ID,
			"outcome": string(task.GateComplete),
		})
		return &Result{Task: done, Skipped: skipped, Done: true}, nil
	}

	t.Gate = &task.GateState{Current: next.ID, Entered: now}
	t.Routing.Role = next.Role
	t.ReviewContext = nil
	t.GateHistory = append(t.GateHistory, task.GateHistoryEntry{
		Gate:    next.ID,
		Role:    next.Role,
		Entered: now,
	})
	if err := e.store.Put(t); err != nil {
		return nil, err
	}
	e.emit(events.TypeGateExited, t.ID, map[string]any{
		"gate":    g.ID,
		"outcome": string(task.GateComplete),
	})
	e.emit(events.TypeGateEntered, t.ID, map[string]any{
		"gate":    next.ID,
		"role":    next.Role,
		"skipped": skipped,
	})
	return &Result{Task: t, Skipped: skipped}, nil
}

// reject rewinds the gate pointer per the workflow's rejection strategy
// and hands the implementer a review context.
func (e *Engine) reject(t *task.Task, w *project.Workflow, g *project.GateDef, ctx Context) (*Result, error) {
	if !g.CanReject {
		return nil, aoferrors.ErrGateRejectDenied(g.ID)
	}

	now := e.now()
	e.closeHistory(t, g, task.GateNeedsReview, ctx, now)

	target := w.First()
	if w.RejectionStrategy == project.RejectToPrevious {
		if i := w.GateIndex(g.ID); i > 0 {
			target = &w.Gates[i-1]
		}
	}

	t.Gate = &task.GateState{Current: target.ID, Entered: now}
	t.Routing.Role = target.Role
	t.ReviewContext = &task.ReviewContext{
		FromGate:  g.ID,
		FromRole:  g.Role,
		FromAgent: ctx.Agent,
		Timestamp: now,
		Blockers:  ctx.Blockers,
		Notes:     ctx.RejectionNotes,
	}
	t.GateHistory = append(t.GateHistory, task.GateHistoryEntry{
		Gate:    target.ID,
		Role:    target.Role,
		Entered: now,
	})
	if err := e.store.Put(t); err != nil {
		return nil, err
	}

	// The implementer takes over again
	if t.Status == task.StatusReview {
		var err error
		t, err = e.store.Transition(t.ID, task.StatusInProgress, store.TransitionOpts{
			Reason: fmt.Sprintf("rejected at gate %s", g.ID),
			Actor:  ctx.Agent,
		})
		if err != nil {
			return nil, err
		}
	}

	e.emit(events.TypeGateExited, t.ID, map[string]any{
		"gate":    g.ID,
		"outcome": string(task.GateNeedsReview),
	})
	e.emit(events.TypeGateEntered, t.ID, map[string]any{
		"gate": target.ID,
		"role": target.Role,
	})
	return &Result{Task: t}, nil
}

// block parks the task without moving the gate pointer. Unblocking
// sends it back through ready at the same gate.
func (e *Engine) block(t *task.Task, g *project.GateDef, ctx Context) (*Result, error) {
	now := e.now()
	e.closeHistory(t, g, task.GateBlocked, ctx, now)
	if err := e.store.Put(t); err != nil {
		return nil, err
	}

	reason := ctx.Summary
	if reason == "" && len(ctx.Blockers) > 0 {
		reason = ctx.Blockers[0]
	}
	blocked, err := e.store.Block(t.ID, reason, ctx.Agent)
	if err != nil {
		return nil, err
	}
	e.emit(events.TypeGateExited, t.ID, map[string]any{
		"gate":    g.ID,
		"outcome": string(task.GateBlocked),
	})
	return &Result{Task: blocked}, nil
}

// closeHistory finalizes the open history entry for the current gate,
// or appends a fresh closed one when re-entry happened without a
// matching open entry. Existing entries are never rewritten.
func (e *Engine) closeHistory(t *task.Task, g *project.GateDef, outcome task.GateOutcome, ctx Context, now time.Time) {
	entered := now
	if t.Gate != nil && !t.Gate.Entered.IsZero() {
		entered = t.Gate.Entered
	}

	for i := len(t.GateHistory) - 1; i >= 0; i-- {
		entry := &t.GateHistory[i]
		if entry.Gate == g.ID && entry.Exited == nil {
			entry.Exited = &now
			entry.Outcome = outcome
			entry.Summary = ctx.Summary
			entry.Agent = ctx.Agent
			entry.Blockers = ctx.Blockers
			entry.RejectionNotes = ctx.RejectionNotes
			entry.DurationMs = now.Sub(entry.Entered).Milliseconds()
			return
		}
	}

	exited := now
	t.GateHistory = append(t.GateHistory, task.GateHistoryEntry{
		Gate:           g.ID,
		Role:           g.Role,
		Agent:          ctx.Agent,
		Entered:        entered,
		Exited:         &exited,
		Outcome:        outcome,
		Summary:        ctx.Summary,
		Blockers:       ctx.Blockers,
		RejectionNotes: ctx.RejectionNotes,
		DurationMs:     now.Sub(entered).Milliseconds(),
	})
}

// CheckTimeouts escalates every in-progress task whose active gate has
// outlived its timeout: history entry, role rewrite to escalate_to, and
// a gate_timeout_escalation event. The gate pointer stays; the
// escalated role takes over the same gate. Returns the number of
// escalations performed.
func (e *Engine) CheckTimeouts() (int, error) {
	if e.manifest == nil {
		return 0, nil
	}
	tasks, err := e.store.List(&store.Filter{Status: task.StatusInProgress})
	if err != nil {
		return 0, err
	}

	now := e.now()
	escalated := 0
	for _, t := range tasks {
		if t.Gate == nil || t.Gate.Current == "" || t.Routing.Workflow == "" {
			continue
		}
		w, ok := e.manifest.Workflow(t.Routing.Workflow)
		if !ok {
			continue
		}
		g, ok := w.Gate(t.Gate.Current)
		if !ok || g.Timeout <= 0 || g.EscalateTo == "" {
			continue
		}
		// One escalation per gate visit
		if t.Meta(task.MetaEscalatedGate) == g.ID {
			continue
		}
		age := now.Sub(t.Gate.Entered)
		if age <= g.Timeout.Std() {
			continue
		}

		exited := now
		t.GateHistory = append(t.GateHistory, task.GateHistoryEntry{
			Gate:       g.ID,
			Role:       g.Role,
			Entered:    t.Gate.Entered,
			Exited:     &exited,
			Outcome:    task.GateBlocked,
			Summary:    fmt.Sprintf("Timeout after %s", age.Round(time.Second)),
			DurationMs: age.Milliseconds(),
		})
		t.Routing.Role = g.EscalateTo
		t.SetMeta(task.MetaEscalatedGate, g.ID)
		if err := e.store.Put(t); err != nil {
			e.logger.Error("persist gate escalation failed", "task", t.ID, "error", err)
			continue
		}
		escalated++
		e.emit(events.TypeGateTimeoutEscalate, t.ID, map[string]any{
			"gate":        g.ID,
			"from_role":   g.Role,
			"escalate_to": g.EscalateTo,
			"timeout":     g.Timeout.Std().String(),
		})
	}
	return escalated, nil
}

func (e *Engine) emit(eventType events.Type, taskID string, payload map[string]any) {
	if e.log == nil {
		return
	}
	_ = e.log.Append(events.Event{
		EventID:   events.New(eventType, "gate-engine", taskID, payload).EventID,
		Type:      eventType,
		Timestamp: e.now(),
		Actor:     "gate-engine",
		TaskID:    taskID,
		Payload:   payload,
	})
}
