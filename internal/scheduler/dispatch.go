package scheduler

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	aoferrors "github.com/aofdev/aof/internal/errors"
	"github.com/aofdev/aof/internal/events"
	"github.com/aofdev/aof/internal/executor"
	"github.com/aofdev/aof/internal/gate"
	"github.com/aofdev/aof/internal/lease"
	"github.com/aofdev/aof/internal/project"
	"github.com/aofdev/aof/internal/store"
	"github.com/aofdev/aof/internal/task"
	"github.com/aofdev/aof/internal/throttle"
)

// Metrics summarizes one execution pass for the scheduler.poll event.
type Metrics struct {
	Planned  int
	Executed int
	Failed   int
	// PlatformLimit is the ceiling parsed from a capacity-exhaustion
	// error, 0 when none occurred.
	PlatformLimit int
}

// Dispatcher executes planned actions against the store and executor.
type Dispatcher struct {
	store    *store.Store
	leases   *lease.Manager
	gates    *gate.Engine
	manifest *project.Manifest
	exec     executor.Executor
	throttle *throttle.Controller
	log      *events.Log
	logger   *slog.Logger

	spawnTimeout time.Duration

	mu       sync.Mutex
	renewers map[string]*lease.Renewer
}

// NewDispatcher wires the dispatcher. exec may be nil; the scheduler
// then reports no_executor and skips assigns.
func NewDispatcher(
	s *store.Store,
	leases *lease.Manager,
	gates *gate.Engine,
	manifest *project.Manifest,
	exec executor.Executor,
	th *throttle.Controller,
	log *events.Log,
	logger *slog.Logger,
	spawnTimeout time.Duration,
) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if spawnTimeout <= 0 {
		spawnTimeout = executor.DefaultSpawnTimeout
	}
	return &Dispatcher{
		store:        s,
		leases:       leases,
		gates:        gates,
		manifest:     manifest,
		exec:         exec,
		throttle:     th,
		log:          log,
		logger:       logger,
		spawnTimeout: spawnTimeout,
		renewers:     make(map[string]*lease.Renewer),
	}
}

// Execute runs every planned action serially. Assign actions stop early
// when the executor reports platform capacity exhaustion; the rest of
// the tick's assigns are abandoned, not failed.
func (d *Dispatcher) Execute(ctx context.Context, plan Plan) Metrics {
	var m Metrics
	stopAssigns := false

	for _, action := range plan.Actions {
		switch action.Type {
		case ActionAssign:
			m.Planned++
			if stopAssigns {
				continue
			}
			limit := d.assign(ctx, action, &m)
			if limit > 0 {
				m.PlatformLimit = limit
				stopAssigns = true
			}
		case ActionBlock:
			if _, err := d.store.Block(action.Task.ID, action.Reason, "scheduler"); err != nil {
				d.logger.Error("block action failed", "task", action.Task.ID, "error", err)
			}
		case ActionAlert:
			d.logger.Warn("task needs attention",
				"task", action.Task.ID, "reason", action.Reason, "target", action.Target)
		case ActionSLAViolation:
			d.slaViolation(action)
		case ActionPromote:
			d.logger.Info("task eligible for promotion", "task", action.Task.ID)
		case ActionExpireLease:
			// Expiry already ran in the lease manager this tick
		}
	}
	return m
}

// assign dispatches one task. Returns a positive platform limit when
// the executor reported capacity exhaustion.
func (d *Dispatcher) assign(ctx context.Context, action Action, m *Metrics) int {
	id := action.Task.ID

	// Re-fetch: another operator may have moved the task since planning
	t, err := d.store.Get(id)
	if err != nil || t.Status != task.StatusReady || t.Lease != nil {
		return 0
	}

	d.emit(events.TypeActionStarted, id, map[string]any{
		"action": string(ActionAssign),
		"agent":  action.Target,
	})

	t, err = d.leases.Acquire(id, action.Target)
	if err != nil {
		d.logger.Warn("lease acquire failed", "task", id, "error", err)
		return 0
	}

	tc, err := d.taskContext(t, action.Target)
	if err != nil {
		d.failDispatch(id, action.Target, err.Error(), m)
		return 0
	}

	res, err := d.exec.Spawn(ctx, tc, executor.SpawnOptions{Timeout: d.spawnTimeout})
	if err == nil {
		payload := map[string]any{
			"agent":    action.Target,
			"executor": d.exec.Name(),
		}
		if res != nil {
			payload["sessionId"] = res.SessionID
			if res.Message != "" {
				payload["message"] = res.Message
			}
		}
		d.emit(events.TypeDispatchMatched, id, payload)
		d.emit(events.TypeActionCompleted, id, map[string]any{
			"action":  string(ActionAssign),
			"success": true,
		})
		m.Executed++
		d.startRenewer(ctx, id, action.Target)
		return 0
	}

	// Capacity exhaustion: give the slot back and tighten the cap. The
	// task keeps its clean record, no retry increment.
	if limit, ok := executor.ParsePlatformLimit(err.Error()); ok {
		if _, relErr := d.leases.Release(id, action.Target); relErr != nil {
			d.logger.Error("lease release after platform limit failed", "task", id, "error", relErr)
		}
		d.throttle.Tighten(limit)
		aerr := aoferrors.ErrPlatformLimit(limit)
		d.emit(events.TypePlatformLimit, id, map[string]any{
			"limit": limit,
			"code":  string(aerr.Code),
		})
		d.logger.Warn("stopping dispatches this tick", "error", aerr)
		return limit
	}

	d.failDispatch(id, action.Target, err.Error(), m)
	return 0
}

// failDispatch handles a non-platform spawn failure: retry accounting,
// block, and events.
func (d *Dispatcher) failDispatch(id, agent, reason string, m *Metrics) {
	m.Failed++

	t, err := d.store.Get(id)
	if err == nil {
		retries, _ := strconv.Atoi(t.Meta(task.MetaRetryCount))
		t.SetMeta(task.MetaRetryCount, strconv.Itoa(retries+1))
		if err := d.store.Put(t); err != nil {
			d.logger.Error("record retry count failed", "task", id, "error", err)
		}
	}
	if _, err := d.store.Block(id, reason, "scheduler"); err != nil {
		d.logger.Error("block after dispatch failure failed", "task", id, "error", err)
	}

	d.emit(events.TypeDispatchError, id, map[string]any{
		"agent": agent,
		"error": reason,
	})
	d.emit(events.TypeActionCompleted, id, map[string]any{
		"action":  string(ActionAssign),
		"success": false,
		"error":   reason,
	})
}

// taskContext builds the executor payload, including the gate context
// for workflow tasks.
func (d *Dispatcher) taskContext(t *task.Task, agent string) (executor.TaskContext, error) {
	path, err := d.store.RecordPath(t.ID)
	if err != nil {
		return executor.TaskContext{}, err
	}
	tc := executor.TaskContext{
		TaskID:   t.ID,
		Path:     path,
		Title:    t.Title,
		Agent:    agent,
		Priority: t.GetPriority(),
		Routing:  t.Routing,
	}

	if t.Routing.Workflow != "" && d.gates != nil && d.manifest != nil {
		t, err = d.gates.InitTask(t.ID)
		if err != nil {
			return executor.TaskContext{}, err
		}
		if w, ok := d.manifest.Workflow(t.Routing.Workflow); ok {
			if g, ok := w.Gate(t.Gate.Current); ok {
				rejections := 0
				for _, entry := range t.GateHistory {
					if entry.Outcome == task.GateNeedsReview {
						rejections++
					}
				}
				tc.Routing = t.Routing
				tc.Gate = &executor.GateContext{
					Workflow:   w.Name,
					Gate:       g.ID,
					Role:       g.Role,
					CanReject:  g.CanReject,
					Rejections: rejections,
					Review:     t.ReviewContext,
				}
			}
		}
	}
	return tc, nil
}

// slaViolation applies the task's on-violation policy and emits
// sla.violation.
func (d *Dispatcher) slaViolation(action Action) {
	t := action.Task
	policy := task.SLAAlert
	if t.SLA != nil && t.SLA.OnViolation != "" {
		policy = t.SLA.OnViolation
	}

	d.emit(events.TypeSLAViolation, t.ID, map[string]any{
		"reason": action.Reason,
		"policy": string(policy),
	})

	switch policy {
	case task.SLABlock:
		if _, err := d.store.Block(t.ID, "sla exceeded: "+action.Reason, "scheduler"); err != nil {
			d.logger.Error("sla block failed", "task", t.ID, "error", err)
		}
	case task.SLADeadletter:
		if _, err := d.store.Transition(t.ID, task.StatusDeadletter, store.TransitionOpts{
			Reason: "sla exceeded: " + action.Reason,
			Actor:  "scheduler",
		}); err != nil {
			d.logger.Error("sla deadletter failed", "task", t.ID, "error", err)
		}
	default:
		d.logger.Warn("sla exceeded", "task", t.ID, "reason", action.Reason)
	}
}

// startRenewer launches background lease renewal for a dispatched task.
func (d *Dispatcher) startRenewer(ctx context.Context, id, agent string) {
	r := lease.NewRenewer(d.leases, id, agent)
	d.mu.Lock()
	if old, ok := d.renewers[id]; ok {
		go old.Stop()
	}
	d.renewers[id] = r
	d.mu.Unlock()
	r.Start(ctx)
}

// StopRenewers ends all background renewal loops. Called on shutdown.
func (d *Dispatcher) StopRenewers() {
	d.mu.Lock()
	renewers := make([]*lease.Renewer, 0, len(d.renewers))
	for id, r := range d.renewers {
		renewers = append(renewers, r)
		delete(d.renewers, id)
	}
	d.mu.Unlock()
	for _, r := range renewers {
		r.Stop()
	}
}

func (d *Dispatcher) emit(eventType events.Type, taskID string, payload map[string]any) {
	if d.log == nil {
		return
	}
	_ = d.log.Append(events.New(eventType, "scheduler", taskID, payload))
}
