package lease

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	aoferrors "github.com/aofdev/aof/internal/errors"
	"github.com/aofdev/aof/internal/events"
	"github.com/aofdev/aof/internal/store"
	"github.com/aofdev/aof/internal/task"
)

func newTestManager(t *testing.T, cfg Config) (*Manager, *store.Store, *events.Log) {
	t.Helper()
	root := t.TempDir()
	log := events.NewLog(root, nil, nil)
	s, err := store.Open(root, log, nil)
	require.NoError(t, err)
	return NewManager(s, log, nil, cfg), s, log
}

func readyTask(t *testing.T, s *store.Store, title string) *task.Task {
	t.Helper()
	tk, err := s.Create(store.CreateSpec{Title: title, Routing: task.Routing{Agent: "agent-1"}})
	require.NoError(t, err)
	tk, err = s.Transition(tk.ID, task.StatusReady, store.TransitionOpts{})
	require.NoError(t, err)
	return tk
}

func TestAcquireMovesTaskInProgress(t *testing.T) {
	m, s, _ := newTestManager(t, Config{TTL: time.Minute})
	tk := readyTask(t, s, "work")

	got, err := m.Acquire(tk.ID, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusInProgress, got.Status)
	require.NotNil(t, got.Lease)
	assert.Equal(t, "agent-1", got.Lease.Agent)
	assert.Equal(t, 0, got.Lease.RenewCount)
	assert.True(t, got.Lease.ExpiresAt.After(got.Lease.AcquiredAt))
}

func TestAcquireConflictsWithOtherHolder(t *testing.T) {
	m, s, _ := newTestManager(t, Config{TTL: time.Minute})
	tk := readyTask(t, s, "contested")

	_, err := m.Acquire(tk.ID, "agent-1")
	require.NoError(t, err)

	_, err = m.Acquire(tk.ID, "agent-2")
	require.Error(t, err)
	assert.True(t, aoferrors.HasCode(err, aoferrors.CodeLeased))

	// Re-acquire by the holder is idempotent
	got, err := m.Acquire(tk.ID, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", got.Lease.Agent)
}

func TestAcquireRequiresReady(t *testing.T) {
	m, s, _ := newTestManager(t, Config{})
	tk, err := s.Create(store.CreateSpec{Title: "backlogged"})
	require.NoError(t, err)

	_, err = m.Acquire(tk.ID, "agent-1")
	require.Error(t, err)
	assert.True(t, aoferrors.HasCode(err, aoferrors.CodeInvalidTransition))
}

func TestRenewExtendsAndCounts(t *testing.T) {
	m, s, _ := newTestManager(t, Config{TTL: time.Minute, MaxRenewals: 2})
	tk := readyTask(t, s, "renewable")

	got, err := m.Acquire(tk.ID, "agent-1")
	require.NoError(t, err)
	firstExpiry := got.Lease.ExpiresAt

	got, err = m.Renew(tk.ID, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Lease.RenewCount)
	assert.False(t, got.Lease.ExpiresAt.Before(firstExpiry))

	_, err = m.Renew(tk.ID, "agent-1")
	require.NoError(t, err)

	// Budget exhausted
	_, err = m.Renew(tk.ID, "agent-1")
	require.Error(t, err)
	assert.True(t, aoferrors.HasCode(err, aoferrors.CodeMaxRenewals))
}

func TestRenewRejectsNonHolder(t *testing.T) {
	m, s, _ := newTestManager(t, Config{TTL: time.Minute})
	tk := readyTask(t, s, "held")
	_, err := m.Acquire(tk.ID, "agent-1")
	require.NoError(t, err)

	_, err = m.Renew(tk.ID, "agent-2")
	require.Error(t, err)
	assert.True(t, aoferrors.HasCode(err, aoferrors.CodeLeased))
}

func TestRelease(t *testing.T) {
	m, s, _ := newTestManager(t, Config{TTL: time.Minute})
	tk := readyTask(t, s, "releasable")
	_, err := m.Acquire(tk.ID, "agent-1")
	require.NoError(t, err)

	got, err := m.Release(tk.ID, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusReady, got.Status)
	assert.Nil(t, got.Lease)

	_, err = m.Release(tk.ID, "agent-1")
	require.Error(t, err)
}

func TestExpireStaleReturnsTaskToReady(t *testing.T) {
	now := time.Now().UTC()
	clock := now
	m, s, log := newTestManager(t, Config{TTL: time.Minute, MaxExpiries: 3})
	m.now = func() time.Time { return clock }
	tk := readyTask(t, s, "abandoned")

	_, err := m.Acquire(tk.ID, "agent-1")
	require.NoError(t, err)

	// Not yet expired
	n, err := m.ExpireStale()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	clock = now.Add(2 * time.Minute)
	n, err = m.ExpireStale()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusReady, got.Status)
	assert.Nil(t, got.Lease)
	assert.Equal(t, "1", got.Meta(task.MetaLeaseExpiries))

	evs, err := log.Tail(100)
	require.NoError(t, err)
	var sawExpired bool
	for _, e := range evs {
		if e.Type == events.TypeLeaseExpired && e.TaskID == tk.ID {
			sawExpired = true
			assert.Equal(t, "agent-1", e.Payload["agent"])
		}
	}
	assert.True(t, sawExpired)
}

func TestExpireStaleParksAfterBudget(t *testing.T) {
	now := time.Now().UTC()
	clock := now
	m, s, _ := newTestManager(t, Config{TTL: time.Minute, MaxExpiries: 2})
	m.now = func() time.Time { return clock }
	tk := readyTask(t, s, "flaky")

	for i := 0; i < 2; i++ {
		_, err := m.Acquire(tk.ID, "agent-1")
		require.NoError(t, err)
		clock = clock.Add(2 * time.Minute)
		_, err = m.ExpireStale()
		require.NoError(t, err)
	}

	got, err := s.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusBlocked, got.Status)
	assert.Contains(t, got.Meta(task.MetaBlockReason), "lease expired 2 times")
}

func TestRenewerKeepsLeaseAliveThenStops(t *testing.T) {
	m, s, _ := newTestManager(t, Config{TTL: 80 * time.Millisecond, MaxRenewals: 100})
	tk := readyTask(t, s, "long-running")
	_, err := m.Acquire(tk.ID, "agent-1")
	require.NoError(t, err)

	r := NewRenewer(m, tk.ID, "agent-1")
	r.Start(context.Background())

	// Well past the original TTL the lease must still be held
	time.Sleep(250 * time.Millisecond)
	got, err := s.Get(tk.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Lease)
	assert.Greater(t, got.Lease.RenewCount, 0)
	assert.False(t, got.Lease.Expired(time.Now().UTC()))

	r.Stop()
	// Stop is idempotent
	r.Stop()
}

func TestRenewerExitsWhenTaskMovesOn(t *testing.T) {
	m, s, _ := newTestManager(t, Config{TTL: 60 * time.Millisecond, MaxRenewals: 100})
	tk := readyTask(t, s, "finishing")
	_, err := m.Acquire(tk.ID, "agent-1")
	require.NoError(t, err)

	r := NewRenewer(m, tk.ID, "agent-1")
	r.Start(context.Background())

	_, err = s.Transition(tk.ID, task.StatusDone, store.TransitionOpts{})
	require.NoError(t, err)

	// The next renewal attempt fails and the loop exits on its own
	select {
	case <-r.done:
	case <-time.After(time.Second):
		t.Fatal("renewer did not exit after the task left in-progress")
	}
}
