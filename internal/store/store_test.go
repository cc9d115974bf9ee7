package store

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	aoferrors "github.com/aofdev/aof/internal/errors"
	"github.com/aofdev/aof/internal/events"
	"github.com/aofdev/aof/internal/task"
)

func newTestStore(t *testing.T) (*Store, *events.Log) {
	t.Helper()
	root := t.TempDir()
	log := events.NewLog(root, nil, nil)
	s, err := Open(root, log, nil)
	require.NoError(t, err)
	return s, log
}

func mustCreate(t *testing.T, s *Store, spec CreateSpec) *task.Task {
	t.Helper()
	tk, err := s.Create(spec)
	require.NoError(t, err)
	return tk
}

func TestCreateAssignsSequentialIDs(t *testing.T) {
	s, _ := newTestStore(t)

	a := mustCreate(t, s, CreateSpec{Title: "first"})
	b := mustCreate(t, s, CreateSpec{Title: "second"})

	date := time.Now().UTC().Format("2006-01-02")
	assert.Equal(t, fmt.Sprintf("TASK-%s-001", date), a.ID)
	assert.Equal(t, fmt.Sprintf("TASK-%s-002", date), b.ID)
	assert.Equal(t, task.StatusBacklog, a.Status)
}

func TestCreateWritesRecordAndCompanionDirs(t *testing.T) {
	s, _ := newTestStore(t)
	tk := mustCreate(t, s, CreateSpec{Title: "with body", Body: "do the thing\n"})

	record := filepath.Join(s.TasksDir(), "backlog", tk.ID+".md")
	_, err := os.Stat(record)
	require.NoError(t, err)

	for _, sub := range []string{"inputs", "work", "outputs", "subtasks"} {
		info, err := os.Stat(filepath.Join(s.TasksDir(), "backlog", tk.ID, sub))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}

	got, err := s.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, "do the thing\n", got.Body)
	assert.Equal(t, task.HashBody(got.Body), got.ContentHash)
}

func TestCreateRejectsUnknownDependency(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Create(CreateSpec{Title: "orphan", DependsOn: []string{"TASK-2020-01-01-001"}})
	require.Error(t, err)
	assert.True(t, aoferrors.HasCode(err, aoferrors.CodeInvariantViolation))
}

func TestGetByPrefix(t *testing.T) {
	s, _ := newTestStore(t)
	a := mustCreate(t, s, CreateSpec{Title: "a"})
	mustCreate(t, s, CreateSpec{Title: "b"})

	got, err := s.GetByPrefix(a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	// The shared TASK-<date> prefix matches both
	_, err = s.GetByPrefix(a.ID[:len(a.ID)-1])
	require.Error(t, err)

	_, err = s.GetByPrefix("TASK-1999")
	assert.True(t, aoferrors.HasCode(err, aoferrors.CodeTaskNotFound))
}

func TestTransitionMovesRecordBetweenPartitions(t *testing.T) {
	s, _ := newTestStore(t)
	tk := mustCreate(t, s, CreateSpec{Title: "mover"})

	got, err := s.Transition(tk.ID, task.StatusReady, TransitionOpts{})
	require.NoError(t, err)
	assert.Equal(t, task.StatusReady, got.Status)

	// Exactly one copy on disk, in the new partition
	_, err = os.Stat(filepath.Join(s.TasksDir(), "ready", tk.ID+".md"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(s.TasksDir(), "backlog", tk.ID+".md"))
	assert.True(t, os.IsNotExist(err))

	// Companion directory followed the record
	_, err = os.Stat(filepath.Join(s.TasksDir(), "ready", tk.ID, "work"))
	require.NoError(t, err)
}

func TestTransitionRejectsInvalidMove(t *testing.T) {
	s, _ := newTestStore(t)
	tk := mustCreate(t, s, CreateSpec{Title: "stuck"})

	_, err := s.Transition(tk.ID, task.StatusDone, TransitionOpts{})
	require.Error(t, err)
	assert.True(t, aoferrors.HasCode(err, aoferrors.CodeInvalidTransition))

	// Record did not move
	_, statErr := os.Stat(filepath.Join(s.TasksDir(), "backlog", tk.ID+".md"))
	require.NoError(t, statErr)
}

func TestTransitionToSameStatusIsNoOp(t *testing.T) {
	s, log := newTestStore(t)
	tk := mustCreate(t, s, CreateSpec{Title: "idempotent"})

	before, err := log.Tail(100)
	require.NoError(t, err)

	got, err := s.Transition(tk.ID, task.StatusBacklog, TransitionOpts{})
	require.NoError(t, err)
	assert.Equal(t, task.StatusBacklog, got.Status)

	after, err := log.Tail(100)
	require.NoError(t, err)
	assert.Len(t, after, len(before), "no-op transition must not emit events")
}

func TestTransitionClearsLeaseOnLeavingInProgress(t *testing.T) {
	s, _ := newTestStore(t)
	tk := mustCreate(t, s, CreateSpec{Title: "leased"})
	_, err := s.Transition(tk.ID, task.StatusReady, TransitionOpts{})
	require.NoError(t, err)

	now := time.Now().UTC()
	lease := &task.Lease{Agent: "agent-1", AcquiredAt: now, ExpiresAt: now.Add(5 * time.Minute)}
	got, err := s.Transition(tk.ID, task.StatusInProgress, TransitionOpts{Agent: "agent-1", Lease: lease})
	require.NoError(t, err)
	require.NotNil(t, got.Lease)
	assert.Equal(t, "agent-1", got.Lease.Agent)

	got, err = s.Transition(tk.ID, task.StatusReady, TransitionOpts{Reason: "released"})
	require.NoError(t, err)
	assert.Nil(t, got.Lease, "lease must not survive leaving in-progress")
}

func TestTransitionToDoneClearsLeaseAndEmitsCompleted(t *testing.T) {
	s, log := newTestStore(t)
	tk := mustCreate(t, s, CreateSpec{Title: "finisher"})
	_, err := s.Transition(tk.ID, task.StatusReady, TransitionOpts{})
	require.NoError(t, err)
	now := time.Now().UTC()
	_, err = s.Transition(tk.ID, task.StatusInProgress, TransitionOpts{
		Lease: &task.Lease{Agent: "agent-1", AcquiredAt: now, ExpiresAt: now.Add(time.Minute)},
	})
	require.NoError(t, err)

	got, err := s.Transition(tk.ID, task.StatusDone, TransitionOpts{})
	require.NoError(t, err)
	assert.Nil(t, got.Lease)

	evs, err := log.Tail(100)
	require.NoError(t, err)
	var sawCompleted bool
	for _, e := range evs {
		if e.Type == events.TypeTaskCompleted && e.TaskID == tk.ID {
			sawCompleted = true
		}
	}
	assert.True(t, sawCompleted)
}

func TestTransitionEmitsEvent(t *testing.T) {
	s, log := newTestStore(t)
	tk := mustCreate(t, s, CreateSpec{Title: "observed"})

	_, err := s.Transition(tk.ID, task.StatusReady, TransitionOpts{Reason: "groomed", Actor: "cli"})
	require.NoError(t, err)

	evs, err := log.Tail(100)
	require.NoError(t, err)
	var found *events.Event
	for i := range evs {
		if evs[i].Type == events.TypeTaskTransitioned && evs[i].TaskID == tk.ID {
			found = &evs[i]
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, "backlog", found.Payload["from"])
	assert.Equal(t, "ready", found.Payload["to"])
	assert.Equal(t, "groomed", found.Payload["reason"])
	assert.Equal(t, "cli", found.Actor)
}

func TestListSkipsMalformedRecords(t *testing.T) {
	s, log := newTestStore(t)
	good := mustCreate(t, s, CreateSpec{Title: "good"})

	bad := filepath.Join(s.TasksDir(), "ready", "TASK-2026-01-01-001.md")
	require.NoError(t, os.WriteFile(bad, []byte("not frontmatter at all"), 0644))

	got, err := s.List(nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, good.ID, got[0].ID)

	evs, err := log.Tail(100)
	require.NoError(t, err)
	var sawValidation bool
	for _, e := range evs {
		if e.Type == events.TypeValidationFailed {
			sawValidation = true
			assert.Equal(t, bad, e.Payload["path"])
		}
	}
	assert.True(t, sawValidation, "malformed record must surface as task.validation.failed")
}

func TestListFilters(t *testing.T) {
	s, _ := newTestStore(t)
	a := mustCreate(t, s, CreateSpec{Title: "a", Routing: task.Routing{Team: "backend"}})
	mustCreate(t, s, CreateSpec{Title: "b", Routing: task.Routing{Team: "frontend"}})
	_, err := s.Transition(a.ID, task.StatusReady, TransitionOpts{})
	require.NoError(t, err)

	ready, err := s.List(&Filter{Status: task.StatusReady})
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, a.ID, ready[0].ID)

	backend, err := s.List(&Filter{Team: "backend"})
	require.NoError(t, err)
	require.Len(t, backend, 1)
	assert.Equal(t, a.ID, backend[0].ID)
}

func TestBlockAndUnblock(t *testing.T) {
	s, log := newTestStore(t)
	tk := mustCreate(t, s, CreateSpec{Title: "blocked"})
	_, err := s.Transition(tk.ID, task.StatusReady, TransitionOpts{})
	require.NoError(t, err)

	got, err := s.Block(tk.ID, "waiting on review", "cli")
	require.NoError(t, err)
	assert.Equal(t, task.StatusBlocked, got.Status)
	assert.Equal(t, "waiting on review", got.Meta(task.MetaBlockReason))
	assert.NotEmpty(t, got.Meta(task.MetaLastBlockedAt))

	got, err = s.Unblock(tk.ID, "cli")
	require.NoError(t, err)
	assert.Equal(t, task.StatusReady, got.Status)
	assert.Empty(t, got.Meta(task.MetaBlockReason))
	assert.Nil(t, got.Lease)

	evs, err := log.Tail(100)
	require.NoError(t, err)
	var sawBlocked, sawUnblocked bool
	for _, e := range evs {
		switch e.Type {
		case events.TypeTaskBlocked:
			sawBlocked = true
		case events.TypeTaskUnblocked:
			sawUnblocked = true
		}
	}
	assert.True(t, sawBlocked)
	assert.True(t, sawUnblocked)
}

func TestUnblockRequiresBlocked(t *testing.T) {
	s, _ := newTestStore(t)
	tk := mustCreate(t, s, CreateSpec{Title: "not blocked"})
	_, err := s.Unblock(tk.ID, "cli")
	require.Error(t, err)
	assert.True(t, aoferrors.HasCode(err, aoferrors.CodeInvalidTransition))
}

func TestCancelTerminalTaskFails(t *testing.T) {
	s, _ := newTestStore(t)
	tk := mustCreate(t, s, CreateSpec{Title: "doomed"})
	_, err := s.Cancel(tk.ID, "scope cut", "cli")
	require.NoError(t, err)

	_, err = s.Cancel(tk.ID, "again", "cli")
	require.Error(t, err)
	assert.True(t, aoferrors.HasCode(err, aoferrors.CodeTaskTerminal))
}

func TestResurrect(t *testing.T) {
	s, _ := newTestStore(t)
	tk := mustCreate(t, s, CreateSpec{Title: "phoenix"})
	_, err := s.Cancel(tk.ID, "mistake", "cli")
	require.NoError(t, err)

	got, err := s.Resurrect(tk.ID, "cli")
	require.NoError(t, err)
	assert.Equal(t, task.StatusReady, got.Status)
	assert.Empty(t, got.Meta(task.MetaCancelReason))

	// done is permanent
	done := mustCreate(t, s, CreateSpec{Title: "finished"})
	_, err = s.Transition(done.ID, task.StatusReady, TransitionOpts{})
	require.NoError(t, err)
	_, err = s.Transition(done.ID, task.StatusInProgress, TransitionOpts{})
	require.NoError(t, err)
	_, err = s.Transition(done.ID, task.StatusDone, TransitionOpts{})
	require.NoError(t, err)
	_, err = s.Resurrect(done.ID, "cli")
	require.Error(t, err)
}

func TestPromote(t *testing.T) {
	s, _ := newTestStore(t)
	dep := mustCreate(t, s, CreateSpec{Title: "blocker", Routing: task.Routing{Agent: "a"}})
	tk := mustCreate(t, s, CreateSpec{
		Title:     "gated",
		Routing:   task.Routing{Agent: "a"},
		DependsOn: []string{dep.ID},
	})

	// Dependency not done yet
	_, err := s.Promote(tk.ID, "cli")
	require.Error(t, err)
	assert.True(t, aoferrors.HasCode(err, aoferrors.CodeInvariantViolation))

	for _, to := range []task.Status{task.StatusReady, task.StatusInProgress, task.StatusDone} {
		_, err = s.Transition(dep.ID, to, TransitionOpts{})
		require.NoError(t, err)
	}

	got, err := s.Promote(tk.ID, "cli")
	require.NoError(t, err)
	assert.Equal(t, task.StatusReady, got.Status)
}

func TestPromoteRequiresRoutingTarget(t *testing.T) {
	s, _ := newTestStore(t)
	tk := mustCreate(t, s, CreateSpec{Title: "unroutable"})
	_, err := s.Promote(tk.ID, "cli")
	require.Error(t, err)
	assert.True(t, aoferrors.HasCode(err, aoferrors.CodeInvariantViolation))
}

func TestUpdateBodyRehashes(t *testing.T) {
	s, _ := newTestStore(t)
	tk := mustCreate(t, s, CreateSpec{Title: "editable", Body: "v1\n"})

	got, err := s.UpdateBody(tk.ID, "v2\n", "cli")
	require.NoError(t, err)
	assert.Equal(t, "v2\n", got.Body)
	assert.Equal(t, task.HashBody("v2\n"), got.ContentHash)

	reloaded, err := s.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, "v2\n", reloaded.Body)
}

func TestUpdatePatch(t *testing.T) {
	s, _ := newTestStore(t)
	tk := mustCreate(t, s, CreateSpec{Title: "old title"})

	title := "new title"
	prio := task.PriorityCritical
	got, err := s.Update(tk.ID, Patch{Title: &title, Priority: &prio}, "cli")
	require.NoError(t, err)
	assert.Equal(t, "new title", got.Title)
	assert.Equal(t, task.PriorityCritical, got.Priority)

	bad := task.Priority("urgent-ish")
	_, err = s.Update(tk.ID, Patch{Priority: &bad}, "cli")
	require.Error(t, err)
}

func TestTerminalTasksAreImmutable(t *testing.T) {
	s, _ := newTestStore(t)
	tk := mustCreate(t, s, CreateSpec{Title: "finished", Body: "v1\n"})
	_, err := s.Cancel(tk.ID, "obsolete", "cli")
	require.NoError(t, err)

	_, err = s.UpdateBody(tk.ID, "rewritten\n", "cli")
	require.Error(t, err)
	assert.True(t, aoferrors.HasCode(err, aoferrors.CodeTaskTerminal))

	title := "rewritten"
	_, err = s.Update(tk.ID, Patch{Title: &title}, "cli")
	require.Error(t, err)
	assert.True(t, aoferrors.HasCode(err, aoferrors.CodeTaskTerminal))

	// Nothing was persisted
	reloaded, err := s.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, "finished", reloaded.Title)
	assert.Equal(t, "v1\n", reloaded.Body)
	assert.Equal(t, task.HashBody("v1\n"), reloaded.ContentHash)
}
