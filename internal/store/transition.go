package store

import (
	"fmt"
	"os"

	aoferrors "github.com/aofdev/aof/internal/errors"
	"github.com/aofdev/aof/internal/events"
	"github.com/aofdev/aof/internal/task"
)

// TransitionOpts carries optional context for a status transition.
type TransitionOpts struct {
	// Reason is recorded in the transition event payload.
	Reason string
	// Agent is the agent associated with the transition (assignment).
	Agent string
	// Actor attributes the emitted events; defaults to "store".
	Actor string
	// Lease, when set, is attached to the task (acquire path into
	// in-progress). Ignored for targets that clear leases.
	Lease *task.Lease
}

// Transition moves a task to a new status: validate against the matrix,
// apply field updates, write the record in place, then rename it into
// the target partition. The rename is the commit point; a crash between
// write and rename leaves a consistent record in the old partition.
func (s *Store) Transition(id string, to task.Status, opts TransitionOpts) (*task.Task, error) {
	if !task.IsValidStatus(to) {
		return nil, aoferrors.ErrInvalidTransition(id, "?", string(to))
	}

	t, from, err := s.locate(id)
	if err != nil {
		return nil, err
	}
	if from == to {
		// Idempotent no-op: no write, no event
		return t, nil
	}
	if !task.CanTransition(from, to) {
		return nil, aoferrors.ErrInvalidTransition(id, string(from), string(to))
	}

	now := s.now()
	t.Status = to
	t.LastTransitionAt = now
	t.Touch(now)

	switch to {
	case task.StatusReady, task.StatusBacklog, task.StatusDone:
		// A lease never survives leaving in-progress for these targets
		t.Lease = nil
	default:
		if opts.Lease != nil {
			t.Lease = opts.Lease
		}
	}
	if opts.Agent != "" && to == task.StatusInProgress && t.Lease != nil {
		t.Lease.Agent = opts.Agent
	}

	if err := s.write(t, from); err != nil {
		return nil, err
	}
	if err := s.rename(t.ID, from, to); err != nil {
		return nil, err
	}

	actor := opts.Actor
	if actor == "" {
		actor = "store"
	}
	s.emit(events.TypeTaskTransitioned, actor, id, map[string]any{
		"from":   string(from),
		"to":     string(to),
		"reason": opts.Reason,
		"agent":  opts.Agent,
	})
	if to == task.StatusInProgress && opts.Agent != "" {
		s.emit(events.TypeTaskAssigned, actor, id, map[string]any{
			"agent": opts.Agent,
		})
	}
	if to == task.StatusDone {
		s.emit(events.TypeTaskCompleted, actor, id, nil)
	}
	return t, nil
}

// rename moves the record and its companion directory between
// partitions. The companion move is best-effort; a failure there leaves
// the record authoritative and is logged for lint to find.
func (s *Store) rename(id string, from, to task.Status) error {
	if err := os.Rename(s.recordPath(from, id), s.recordPath(to, id)); err != nil {
		return fmt.Errorf("move task %s from %s to %s: %w", id, from, to, err)
	}
	src := s.companionPath(from, id)
	if _, err := os.Stat(src); err == nil {
		if err := os.Rename(src, s.companionPath(to, id)); err != nil {
			s.logger.Warn("companion directory move failed", "task", id, "error", err)
		}
	}
	return nil
}

// Block moves a task to blocked and records the reason in metadata.
// Emits task.blocked.
func (s *Store) Block(id, reason, actor string) (*task.Task, error) {
	t, _, err := s.locate(id)
	if err != nil {
		return nil, err
	}
	if t.Status == task.StatusBlocked {
		return t, nil
	}

	t, err = s.Transition(id, task.StatusBlocked, TransitionOpts{Reason: reason, Actor: actor})
	if err != nil {
		return nil, err
	}
	if reason != "" {
		t.SetMeta(task.MetaBlockReason, reason)
	}
	t.SetMeta(task.MetaLastBlockedAt, s.now().Format("2006-01-02T15:04:05Z07:00"))
	if err := s.Put(t); err != nil {
		return nil, err
	}
	s.emit(events.TypeTaskBlocked, actor, id, map[string]any{"reason": reason})
	return t, nil
}

// Unblock moves a blocked task back to ready, clearing the block reason
// and any stale lease left by a block-from-in-progress. Emits
// task.unblocked.
func (s *Store) Unblock(id, actor string) (*task.Task, error) {
	t, from, err := s.locate(id)
	if err != nil {
		return nil, err
	}
	if from != task.StatusBlocked {
		return nil, aoferrors.ErrInvalidTransition(id, string(from), string(task.StatusReady))
	}

	t, err = s.Transition(id, task.StatusReady, TransitionOpts{Actor: actor})
	if err != nil {
		return nil, err
	}
	t.ClearMeta(task.MetaBlockReason)
	if err := s.Put(t); err != nil {
		return nil, err
	}
	s.emit(events.TypeTaskUnblocked, actor, id, nil)
	return t, nil
}

// Cancel moves a task to cancelled. Tasks already in a terminal state
// cannot be cancelled. Emits task.cancelled.
func (s *Store) Cancel(id, reason, actor string) (*task.Task, error) {
	t, from, err := s.locate(id)
	if err != nil {
		return nil, err
	}
	if from.IsTerminal() {
		return nil, aoferrors.ErrTerminal(id, string(from))
	}

	t, err = s.Transition(id, task.StatusCancelled, TransitionOpts{Reason: reason, Actor: actor})
	if err != nil {
		return nil, err
	}
	if reason != "" {
		t.SetMeta(task.MetaCancelReason, reason)
		if err := s.Put(t); err != nil {
			return nil, err
		}
	}
	s.emit(events.TypeTaskCancelled, actor, id, map[string]any{"reason": reason})
	return t, nil
}

// Close moves a task to done. Valid only from in-progress or review.
func (s *Store) Close(id, actor string) (*task.Task, error) {
	_, from, err := s.locate(id)
	if err != nil {
		return nil, err
	}
	if from.IsTerminal() {
		return nil, aoferrors.ErrTerminal(id, string(from))
	}
	return s.Transition(id, task.StatusDone, TransitionOpts{Actor: actor})
}

// Resurrect brings a cancelled or deadletter task back to ready,
// clearing the stale reason metadata. The only sanctioned exit from a
// terminal state.
func (s *Store) Resurrect(id, actor string) (*task.Task, error) {
	_, from, err := s.locate(id)
	if err != nil {
		return nil, err
	}
	if from != task.StatusCancelled && from != task.StatusDeadletter {
		return nil, aoferrors.ErrInvalidTransition(id, string(from), string(task.StatusReady))
	}

	t, err := s.Transition(id, task.StatusReady, TransitionOpts{Reason: "resurrected", Actor: actor})
	if err != nil {
		return nil, err
	}
	t.ClearMeta(task.MetaCancelReason)
	t.ClearMeta(task.MetaBlockReason)
	t.ClearMeta(task.MetaRetryCount)
	if err := s.Put(t); err != nil {
		return nil, err
	}
	return t, nil
}

// Promote moves a backlog task to ready once it is dispatchable: all
// dependencies done, a routing target present, all subtasks done.
func (s *Store) Promote(id, actor string) (*task.Task, error) {
	t, from, err := s.locate(id)
	if err != nil {
		return nil, err
	}
	if from != task.StatusBacklog {
		return nil, aoferrors.ErrInvalidTransition(id, string(from), string(task.StatusReady))
	}
	if t.Routing.Target() == "" {
		return nil, aoferrors.ErrInvariant("task has no routing target",
			fmt.Sprintf("%s needs an agent, role, or team before promotion", id))
	}
	for _, dep := range t.DependsOn {
		blocker, err := s.Get(dep)
		if err != nil {
			return nil, err
		}
		if blocker.Status != task.StatusDone {
			return nil, aoferrors.ErrInvariant("unsatisfied dependency",
				fmt.Sprintf("%s depends on %s, which is %s", id, dep, blocker.Status))
		}
	}
	children, err := s.List(nil)
	if err != nil {
		return nil, err
	}
	for _, c := range children {
		if c.ParentID == id && c.Status != task.StatusDone {
			return nil, aoferrors.ErrInvariant("incomplete subtask",
				fmt.Sprintf("%s has subtask %s in %s", id, c.ID, c.Status))
		}
	}
	return s.Transition(id, task.StatusReady, TransitionOpts{Reason: "promoted", Actor: actor})
}

// UpdateBody replaces the task body and recomputes the content hash.
// Terminal tasks are immutable; resurrect first. Emits task.updated.
func (s *Store) UpdateBody(id, body, actor string) (*task.Task, error) {
	t, status, err := s.locate(id)
	if err != nil {
		return nil, err
	}
	if status.IsTerminal() {
		return nil, aoferrors.ErrTerminal(id, string(status))
	}
	t.Body = body
	t.RehashBody()
	t.Touch(s.now())
	if err := s.write(t, status); err != nil {
		return nil, err
	}
	s.emit(events.TypeTaskUpdated, actor, id, map[string]any{"field": "body"})
	return t, nil
}

// Patch describes partial updates to a task's structured fields. Nil
// pointers leave the field untouched.
type Patch struct {
	Title    *string
	Priority *task.Priority
	Tags     *[]string
	Routing  *task.Routing
	Resource *string
	Metadata map[string]string
}

// Update applies a partial update to the task's frontmatter fields.
// Terminal tasks are immutable; resurrect first. Emits task.updated
// with the changed field names.
func (s *Store) Update(id string, p Patch, actor string) (*task.Task, error) {
	t, status, err := s.locate(id)
	if err != nil {
		return nil, err
	}
	if status.IsTerminal() {
		return nil, aoferrors.ErrTerminal(id, string(status))
	}

	var changed []string
	if p.Title != nil {
		t.Title = *p.Title
		changed = append(changed, "title")
	}
	if p.Priority != nil {
		if !task.IsValidPriority(*p.Priority) {
			return nil, aoferrors.ErrInvariant("invalid priority",
				fmt.Sprintf("%q is not a recognized priority", *p.Priority))
		}
		t.Priority = *p.Priority
		changed = append(changed, "priority")
	}
	if p.Tags != nil {
		t.Tags = *p.Tags
		changed = append(changed, "tags")
	}
	if p.Routing != nil {
		t.Routing = *p.Routing
		changed = append(changed, "routing")
	}
	if p.Resource != nil {
		t.Resource = *p.Resource
		changed = append(changed, "resource")
	}
	for k, v := range p.Metadata {
		t.SetMeta(k, v)
		changed = append(changed, "metadata."+k)
	}
	if len(changed) == 0 {
		return t, nil
	}

	t.Touch(s.now())
	if err := s.write(t, status); err != nil {
		return nil, err
	}
	s.emit(events.TypeTaskUpdated, actor, id, map[string]any{"fields": changed})
	return t, nil
}
