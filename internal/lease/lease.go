// Package lease manages exclusive, time-bounded holds on in-progress
// tasks. A lease identifies the agent executing a task; expiry returns
// the task to the pool, and repeated expiry deadends it in blocked.
package lease

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	aoferrors "github.com/aofdev/aof/internal/errors"
	"github.com/aofdev/aof/internal/events"
	"github.com/aofdev/aof/internal/store"
	"github.com/aofdev/aof/internal/task"
)

// Defaults applied when the corresponding Config field is zero.
const (
	DefaultTTL         = 5 * time.Minute
	DefaultMaxRenewals = 10
	DefaultMaxExpiries = 3
)

// Config tunes lease behavior.
type Config struct {
	// TTL is the lease duration granted on acquire and renew.
	TTL time.Duration
	// MaxRenewals bounds how often one holder may extend a lease.
	MaxRenewals int
	// MaxExpiries is how many times a task's lease may expire before the
	// task is parked in blocked instead of retried.
	MaxExpiries int
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.MaxRenewals <= 0 {
		c.MaxRenewals = DefaultMaxRenewals
	}
	if c.MaxExpiries <= 0 {
		c.MaxExpiries = DefaultMaxExpiries
	}
	return c
}

// Manager grants, renews, releases, and expires leases. All task
// mutations go through the store so the partition invariants hold.
type Manager struct {
	store  *store.Store
	log    *events.Log
	logger *slog.Logger
	cfg    Config
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the manager's time source (used in tests).
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a lease manager over the given store.
func NewManager(s *store.Store, log *events.Log, logger *slog.Logger, cfg Config, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:  s,
		log:    log,
		logger: logger,
		cfg:    cfg.withDefaults(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TTL returns the configured lease duration.
func (m *Manager) TTL() time.Duration {
	return m.cfg.TTL
}

// Acquire grants agent a lease on a ready task and moves it to
// in-progress in the same write. Acquiring a task already leased to the
// same agent is idempotent; any other holder is a conflict.
func (m *Manager) Acquire(id, agent string) (*task.Task, error) {
	t, err := m.store.Get(id)
	if err != nil {
		return nil, err
	}

	if t.Status == task.StatusInProgress {
		if t.Lease != nil && t.Lease.Agent == agent && !t.Lease.Expired(m.now()) {
			return t, nil
		}
		holder := ""
		if t.Lease != nil {
			holder = t.Lease.Agent
		}
		return nil, aoferrors.ErrLeased(id, holder)
	}
	if t.Status != task.StatusReady {
		return nil, aoferrors.ErrInvalidTransition(id, string(t.Status), string(task.StatusInProgress))
	}

	now := m.now()
	return m.store.Transition(id, task.StatusInProgress, store.TransitionOpts{
		Agent: agent,
		Actor: agent,
		Lease: &task.Lease{
			Agent:      agent,
			AcquiredAt: now,
			ExpiresAt:  now.Add(m.cfg.TTL),
		},
	})
}

// Renew extends the holder's lease by a full TTL from now. Only the
// current holder may renew, and only within the renewal budget.
func (m *Manager) Renew(id, agent string) (*task.Task, error) {
	t, err := m.store.Get(id)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusInProgress || t.Lease == nil {
		return nil, aoferrors.ErrInvalidTransition(id, string(t.Status), string(task.StatusInProgress))
	}
	if t.Lease.Agent != agent {
		return nil, aoferrors.ErrLeased(id, t.Lease.Agent)
	}
	if t.Lease.RenewCount >= m.cfg.MaxRenewals {
		return nil, aoferrors.ErrMaxRenewals(id, t.Lease.RenewCount)
	}

	t.Lease.ExpiresAt = m.now().Add(m.cfg.TTL)
	t.Lease.RenewCount++
	if err := m.store.Put(t); err != nil {
		return nil, err
	}
	return t, nil
}

// Release gives up the holder's lease and returns the task to ready.
func (m *Manager) Release(id, agent string) (*task.Task, error) {
	t, err := m.store.Get(id)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusInProgress || t.Lease == nil {
		return nil, aoferrors.ErrInvalidTransition(id, string(t.Status), string(task.StatusReady))
	}
	if t.Lease.Agent != agent {
		return nil, aoferrors.ErrLeased(id, t.Lease.Agent)
	}
	return m.store.Transition(id, task.StatusReady, store.TransitionOpts{
		Reason: "lease released",
		Actor:  agent,
	})
}

// ExpireStale sweeps in-progress tasks and reclaims every expired
// lease. The task returns to ready for another attempt until its expiry
// budget runs out, then it is parked in blocked for a human. Returns the
// number of leases reclaimed.
func (m *Manager) ExpireStale() (int, error) {
	tasks, err := m.store.List(&store.Filter{Status: task.StatusInProgress})
	if err != nil {
		return 0, err
	}

	now := m.now()
	expired := 0
	for _, t := range tasks {
		if t.Lease == nil || !t.Lease.Expired(now) {
			continue
		}
		expired++
		agent := t.Lease.Agent

		count, _ := strconv.Atoi(t.Meta(task.MetaLeaseExpiries))
		count++
		t.SetMeta(task.MetaLeaseExpiries, strconv.Itoa(count))
		t.Lease = nil
		if err := m.store.Put(t); err != nil {
			m.logger.Error("record lease expiry failed", "task", t.ID, "error", err)
			continue
		}

		m.emit(events.TypeLeaseExpired, t.ID, map[string]any{
			"agent":    agent,
			"expiries": count,
		})

		if count >= m.cfg.MaxExpiries {
			if _, err := m.store.Block(t.ID,
				fmt.Sprintf("lease expired %d times", count), "lease-manager"); err != nil {
				m.logger.Error("park expired task failed", "task", t.ID, "error", err)
			}
			continue
		}
		if _, err := m.store.Transition(t.ID, task.StatusReady, store.TransitionOpts{
			Reason: "lease expired",
			Actor:  "lease-manager",
		}); err != nil {
			m.logger.Error("reclaim expired task failed", "task", t.ID, "error", err)
		}
	}
	return expired, nil
}

func (m *Manager) emit(eventType events.Type, taskID string, payload map[string]any) {
	if m.log == nil {
		return
	}
	_ = m.log.Append(events.Event{
		EventID:   events.New(eventType, "lease-manager", taskID, payload).EventID,
		Type:      eventType,
		Timestamp: m.now(),
		Actor:     "lease-manager",
		TaskID:    taskID,
		Payload:   payload,
	})
}
