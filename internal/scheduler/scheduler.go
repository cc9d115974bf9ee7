package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/aofdev/aof/internal/analyze"
	"github.com/aofdev/aof/internal/events"
	"github.com/aofdev/aof/internal/gate"
	"github.com/aofdev/aof/internal/lease"
	"github.com/aofdev/aof/internal/store"
	"github.com/aofdev/aof/internal/task"
)

// DefaultPollInterval is the tick cadence when none is configured.
const DefaultPollInterval = 10 * time.Second

// Poll reasons carried in the scheduler.poll event.
const (
	ReasonActionFailed = "action_failed"
	ReasonDryRun       = "dry_run_mode"
	ReasonNoExecutor   = "no_executor"
)

// PollStats is one tick's summary, also handed to the stats recorder.
type PollStats struct {
	At            time.Time
	Planned       int
	Executed      int
	Failed        int
	Reason        string
	DryRun        bool
	Ready         int
	InProgress    int
	PlatformLimit int
	Duration      time.Duration
}

// StatsRecorder archives per-tick stats. Implemented by the sqlite
// store; nil disables archiving.
type StatsRecorder interface {
	RecordPoll(stats PollStats) error
}

// Scheduler owns the poll loop. Ticks never overlap; all planner and
// store work happens on the loop goroutine.
type Scheduler struct {
	store      *store.Store
	leases     *lease.Manager
	gates      *gate.Engine
	planner    *Planner
	dispatcher *Dispatcher
	log        *events.Log
	logger     *slog.Logger
	stats      StatsRecorder

	interval time.Duration
	dryRun   bool
	now      func() time.Time
}

// Config wires a scheduler.
type Config struct {
	Store      *store.Store
	Leases     *lease.Manager
	Gates      *gate.Engine
	Planner    *Planner
	Dispatcher *Dispatcher
	Log        *events.Log
	Logger     *slog.Logger
	Stats      StatsRecorder
	Interval   time.Duration
	DryRun     bool
}

// New creates a scheduler from the wired components.
func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Scheduler{
		store:      cfg.Store,
		leases:     cfg.Leases,
		gates:      cfg.Gates,
		planner:    cfg.Planner,
		dispatcher: cfg.Dispatcher,
		log:        cfg.Log,
		logger:     logger,
		stats:      cfg.Stats,
		interval:   interval,
		dryRun:     cfg.DryRun,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run ticks until ctx is cancelled. The current tick always finishes;
// cancellation is observed between ticks.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "interval", s.interval, "dry_run", s.dryRun)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one poll pass and returns its stats. Exposed so the CLI
// can run a single sweep.
func (s *Scheduler) Tick(ctx context.Context) PollStats {
	start := s.now()

	if expired, err := s.leases.ExpireStale(); err != nil {
		s.logger.Error("lease expiry pass failed", "error", err)
	} else if expired > 0 {
		s.logger.Info("reclaimed expired leases", "count", expired)
	}

	if s.gates != nil {
		if escalated, err := s.gates.CheckTimeouts(); err != nil {
			s.logger.Error("gate timeout pass failed", "error", err)
		} else if escalated > 0 {
			s.logger.Info("escalated overdue gates", "count", escalated)
		}
	}

	tasks, err := s.store.List(nil)
	if err != nil {
		s.logger.Error("task listing failed", "error", err)
		return PollStats{At: start}
	}
	analysis := analyze.Build(tasks)

	plan := s.planner.Run(tasks, analysis)

	stats := PollStats{
		At:     start,
		DryRun: s.dryRun,
	}
	for _, t := range tasks {
		switch t.Status {
		case task.StatusReady:
			stats.Ready++
		case task.StatusInProgress:
			stats.InProgress++
		}
	}

	switch {
	case s.dryRun:
		for _, a := range plan.Actions {
			if a.Type == ActionAssign {
				stats.Planned++
			}
		}
		stats.Reason = ReasonDryRun
	case s.dispatcher == nil || s.dispatcher.exec == nil:
		for _, a := range plan.Actions {
			if a.Type == ActionAssign {
				stats.Planned++
			}
		}
		stats.Reason = ReasonNoExecutor
	default:
		m := s.dispatcher.Execute(ctx, plan)
		stats.Planned = m.Planned
		stats.Executed = m.Executed
		stats.Failed = m.Failed
		stats.PlatformLimit = m.PlatformLimit
		if stats.Failed > 0 {
			stats.Reason = ReasonActionFailed
		}
	}
	stats.Duration = s.now().Sub(start)

	// scheduler.poll is always the last event of a tick
	s.emitPoll(stats, plan.Denials)

	if s.stats != nil {
		if err := s.stats.RecordPoll(stats); err != nil {
			s.logger.Warn("stats archive failed", "error", err)
		}
	}
	return stats
}

func (s *Scheduler) emitPoll(stats PollStats, denials []Denial) {
	if s.log == nil {
		return
	}
	payload := map[string]any{
		"actionsPlanned":  stats.Planned,
		"actionsExecuted": stats.Executed,
		"actionsFailed":   stats.Failed,
		"dryRun":          stats.DryRun,
		"ready":           stats.Ready,
		"inProgress":      stats.InProgress,
		"durationMs":      stats.Duration.Milliseconds(),
	}
	if stats.Reason != "" {
		payload["reason"] = stats.Reason
	}
	if stats.PlatformLimit > 0 {
		payload["platformLimit"] = stats.PlatformLimit
	}
	if len(denials) > 0 {
		list := make([]map[string]any, 0, len(denials))
		for _, d := range denials {
			list = append(list, map[string]any{"taskId": d.TaskID, "reason": d.Reason})
		}
		payload["throttled"] = list
	}
	_ = s.log.Append(events.New(events.TypeSchedulerPoll, "scheduler", "", payload))
}
