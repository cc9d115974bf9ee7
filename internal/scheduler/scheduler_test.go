package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aofdev/aof/internal/events"
	"github.com/aofdev/aof/internal/executor"
	"github.com/aofdev/aof/internal/lease"
	"github.com/aofdev/aof/internal/store"
	"github.com/aofdev/aof/internal/task"
	"github.com/aofdev/aof/internal/throttle"
)

// mockExecutor answers spawns from a script: per-task errors, or
// success with a recorded context.
type mockExecutor struct {
	mu     sync.Mutex
	spawns []executor.TaskContext
	errs   map[string]error
}

func (m *mockExecutor) Spawn(_ context.Context, tc executor.TaskContext, _ executor.SpawnOptions) (*executor.SpawnResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spawns = append(m.spawns, tc)
	if err, ok := m.errs[tc.TaskID]; ok {
		return nil, err
	}
	return &executor.SpawnResult{SessionID: "sess-" + tc.TaskID}, nil
}

func (m *mockExecutor) Name() string { return "mock" }

func (m *mockExecutor) spawned() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.spawns))
	for i, tc := range m.spawns {
		out[i] = tc.TaskID
	}
	return out
}

type rig struct {
	store *store.Store
	log   *events.Log
	th    *throttle.Controller
	mock  *mockExecutor
	disp  *Dispatcher
	sched *Scheduler
}

func newRig(t *testing.T, thCfg throttle.Config, dryRun bool) *rig {
	t.Helper()
	root := t.TempDir()
	log := events.NewLog(root, nil, nil)
	s, err := store.Open(root, log, nil)
	require.NoError(t, err)

	leases := lease.NewManager(s, log, nil, lease.Config{TTL: time.Minute})
	th := throttle.New(thCfg, nil)
	mock := &mockExecutor{errs: make(map[string]error)}
	disp := NewDispatcher(s, leases, nil, nil, mock, th, log, nil, time.Second)
	planner := NewPlanner(nil, th, nil)
	sched := New(Config{
		Store:      s,
		Leases:     leases,
		Planner:    planner,
		Dispatcher: disp,
		Log:        log,
		DryRun:     dryRun,
	})
	t.Cleanup(disp.StopRenewers)
	return &rig{store: s, log: log, th: th, mock: mock, disp: disp, sched: sched}
}

func (r *rig) ready(t *testing.T, title, agent string) *task.Task {
	t.Helper()
	tk, err := r.store.Create(store.CreateSpec{Title: title, Routing: task.Routing{Agent: agent}})
	require.NoError(t, err)
	tk, err = r.store.Transition(tk.ID, task.StatusReady, store.TransitionOpts{})
	require.NoError(t, err)
	return tk
}

func eventTypes(t *testing.T, log *events.Log) []events.Type {
	t.Helper()
	evs, err := log.Tail(1000)
	require.NoError(t, err)
	out := make([]events.Type, len(evs))
	for i, e := range evs {
		out[i] = e.Type
	}
	return out
}

func TestTickDispatchesReadyTask(t *testing.T) {
	r := newRig(t, throttle.Config{}, false)
	tk := r.ready(t, "work", "alice")

	stats := r.sched.Tick(context.Background())
	assert.Equal(t, 1, stats.Planned)
	assert.Equal(t, 1, stats.Executed)
	assert.Equal(t, 0, stats.Failed)
	assert.Empty(t, stats.Reason)

	got, err := r.store.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusInProgress, got.Status)
	require.NotNil(t, got.Lease)
	assert.Equal(t, "alice", got.Lease.Agent)

	// The spawn context carries the post-rename record path
	require.Len(t, r.mock.spawns, 1)
	assert.Contains(t, r.mock.spawns[0].Path, "in-progress")

	types := eventTypes(t, r.log)
	require.NotEmpty(t, types)
	assert.Equal(t, events.TypeSchedulerPoll, types[len(types)-1], "scheduler.poll must close the tick")

	// action.started precedes dispatch.matched
	started, matched := -1, -1
	for i, typ := range types {
		switch typ {
		case events.TypeActionStarted:
			started = i
		case events.TypeDispatchMatched:
			matched = i
		}
	}
	require.GreaterOrEqual(t, started, 0)
	require.Greater(t, matched, started)

	// dispatch.matched records the platform session that took the task
	evs, err := r.log.Tail(1000)
	require.NoError(t, err)
	assert.Equal(t, "sess-"+tk.ID, evs[matched].Payload["sessionId"])
}

func TestTickDispatchOrder(t *testing.T) {
	r := newRig(t, throttle.Config{}, false)

	low := r.ready(t, "low", "alice")
	critical := r.ready(t, "critical", "alice")
	prio := task.PriorityLow
	_, err := r.store.Update(low.ID, store.Patch{Priority: &prio}, "test")
	require.NoError(t, err)
	crit := task.PriorityCritical
	_, err = r.store.Update(critical.ID, store.Patch{Priority: &crit}, "test")
	require.NoError(t, err)

	r.sched.Tick(context.Background())

	require.Len(t, r.mock.spawns, 2)
	assert.Equal(t, []string{critical.ID, low.ID}, r.mock.spawned())
}

func TestPlatformLimitBackpressure(t *testing.T) {
	r := newRig(t, throttle.Config{GlobalCap: 8}, false)
	a := r.ready(t, "first", "alice")
	b := r.ready(t, "second", "bob")

	// Whichever task is tried first trips the platform limit
	limitErr := "spawn refused: max active children for this session (2/2)"
	r.mock.errs[a.ID] = errMsg(limitErr)
	r.mock.errs[b.ID] = errMsg(limitErr)

	stats := r.sched.Tick(context.Background())

	// Exactly one spawn was attempted; the tick stopped after the limit
	require.Len(t, r.mock.spawns, 1)
	first := r.mock.spawns[0].TaskID
	assert.Equal(t, 2, stats.PlatformLimit)
	assert.Equal(t, 0, stats.Executed)
	assert.Equal(t, 0, stats.Failed, "platform limits are not failures")
	assert.Equal(t, 2, stats.Planned)

	// The cap tightened to the platform's ceiling
	assert.Equal(t, 2, r.th.EffectiveCap())

	// The attempted task went back to ready with a clean record
	got, err := r.store.Get(first)
	require.NoError(t, err)
	assert.Equal(t, task.StatusReady, got.Status)
	assert.Nil(t, got.Lease)
	assert.Empty(t, got.Meta(task.MetaRetryCount))

	// concurrency.platformLimit was emitted, and poll still closed the tick
	types := eventTypes(t, r.log)
	assert.Contains(t, types, events.TypePlatformLimit)
	assert.Equal(t, events.TypeSchedulerPoll, types[len(types)-1])
}

func TestSpawnFailureBlocksTask(t *testing.T) {
	r := newRig(t, throttle.Config{}, false)
	tk := r.ready(t, "doomed", "alice")
	r.mock.errs[tk.ID] = errMsg("executor exploded")

	stats := r.sched.Tick(context.Background())
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, ReasonActionFailed, stats.Reason)

	got, err := r.store.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusBlocked, got.Status)
	assert.Equal(t, "1", got.Meta(task.MetaRetryCount))
	assert.Contains(t, got.Meta(task.MetaBlockReason), "executor exploded")

	types := eventTypes(t, r.log)
	assert.Contains(t, types, events.TypeDispatchError)
	assert.Equal(t, events.TypeSchedulerPoll, types[len(types)-1])
}

func TestDryRunPlansWithoutDispatching(t *testing.T) {
	r := newRig(t, throttle.Config{}, true)
	tk := r.ready(t, "planned only", "alice")

	stats := r.sched.Tick(context.Background())
	assert.Equal(t, 1, stats.Planned)
	assert.Equal(t, 0, stats.Executed)
	assert.Equal(t, ReasonDryRun, stats.Reason)

	got, err := r.store.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusReady, got.Status)
	assert.Empty(t, r.mock.spawns)
}

func TestNoExecutorReported(t *testing.T) {
	r := newRig(t, throttle.Config{}, false)
	r.disp.exec = nil
	r.ready(t, "stuck", "alice")

	stats := r.sched.Tick(context.Background())
	assert.Equal(t, ReasonNoExecutor, stats.Reason)
	assert.Equal(t, 1, stats.Planned)
	assert.Equal(t, 0, stats.Executed)
}

func TestTickExpiresStaleLeasesFirst(t *testing.T) {
	r := newRig(t, throttle.Config{}, false)
	tk := r.ready(t, "abandoned", "alice")

	// Simulate an abandoned lease that expired in the past
	_, err := r.store.Transition(tk.ID, task.StatusInProgress, store.TransitionOpts{
		Lease: &task.Lease{
			Agent:      "ghost",
			AcquiredAt: time.Now().UTC().Add(-time.Hour),
			ExpiresAt:  time.Now().UTC().Add(-30 * time.Minute),
		},
	})
	require.NoError(t, err)

	// The same tick reclaims the lease and redispatches
	stats := r.sched.Tick(context.Background())
	assert.Equal(t, 1, stats.Executed)

	got, err := r.store.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusInProgress, got.Status)
	require.NotNil(t, got.Lease)
	assert.Equal(t, "alice", got.Lease.Agent)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	r := newRig(t, throttle.Config{}, false)
	r.sched.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.sched.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

// errMsg builds a plain error with a fixed message.
func errMsg(msg string) error { return &stringError{msg} }

type stringError struct{ msg string }

func (e *stringError) Error() string { return e.msg }
