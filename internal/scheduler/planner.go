// Package scheduler contains the poll loop: per tick it expires stale
// leases, escalates overdue gates, analyzes the task graph, plans a
// bounded batch of dispatch actions, and executes them against the
// configured executor.
package scheduler

import (
	"log/slog"
	"sort"
	"time"

	"github.com/aofdev/aof/internal/analyze"
	"github.com/aofdev/aof/internal/project"
	"github.com/aofdev/aof/internal/task"
	"github.com/aofdev/aof/internal/throttle"
)

// ActionType enumerates what the planner can decide per task.
type ActionType string

const (
	// ActionAssign dispatches the task to an agent.
	ActionAssign ActionType = "assign"
	// ActionAlert flags a task needing human attention.
	ActionAlert ActionType = "alert"
	// ActionBlock parks a task that cannot proceed.
	ActionBlock ActionType = "block"
	// ActionExpireLease is a placeholder; expiry itself runs in the
	// lease manager before planning.
	ActionExpireLease ActionType = "expire_lease"
	// ActionSLAViolation reports an exceeded in-progress budget.
	ActionSLAViolation ActionType = "sla_violation"
	// ActionPromote surfaces a backlog task that is ready to promote.
	ActionPromote ActionType = "promote"
)

// Action is one planned step for the dispatcher.
type Action struct {
	Type   ActionType
	Task   *task.Task
	Target string
	Reason string
}

// Denial records a throttled candidate for the poll event payload.
type Denial struct {
	TaskID string
	Reason string
}

// Plan is the planner's output for one tick.
type Plan struct {
	Actions []Action
	Denials []Denial
}

// Planner turns the tick's task snapshot into actions. It is stateless
// between ticks; pacing state lives in the throttle controller.
type Planner struct {
	manifest *project.Manifest
	throttle *throttle.Controller
	logger   *slog.Logger
	now      func() time.Time
}

// NewPlanner creates a planner. manifest may be nil for projects
// without one.
func NewPlanner(manifest *project.Manifest, th *throttle.Controller, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{
		manifest: manifest,
		throttle: th,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// orderCandidates sorts ready tasks for dispatch: priority descending,
// then creation time ascending, then id. The order decides who wins
// when the global cap binds.
func orderCandidates(tasks []*task.Task) []*task.Task {
	out := append([]*task.Task(nil), tasks...)
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := task.PriorityOrder(out[i].GetPriority()), task.PriorityOrder(out[j].GetPriority())
		if pi != pj {
			return pi < pj
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Run plans the tick's actions from the full snapshot.
func (p *Planner) Run(all []*task.Task, a *analyze.Analysis) Plan {
	var plan Plan

	inCycle := make(map[string]bool)
	for _, cycle := range a.CircularDeps {
		for _, id := range cycle {
			inCycle[id] = true
		}
	}

	var ready []*task.Task
	for _, t := range all {
		switch t.Status {
		case task.StatusReady:
			ready = append(ready, t)
		case task.StatusBacklog:
			if p.promotable(t, a) {
				plan.Actions = append(plan.Actions, Action{
					Type:   ActionPromote,
					Task:   t,
					Reason: "promotion eligibility met",
				})
			}
		case task.StatusInProgress:
			if v := p.slaViolation(t); v != "" {
				plan.Actions = append(plan.Actions, Action{
					Type:   ActionSLAViolation,
					Task:   t,
					Reason: v,
				})
			}
		}
	}

	p.throttle.BeginTick()
	for _, t := range orderCandidates(ready) {
		if inCycle[t.ID] {
			plan.Actions = append(plan.Actions, Action{
				Type:   ActionBlock,
				Task:   t,
				Reason: "participates in a dependency cycle",
			})
			continue
		}
		if !a.SubtasksDone(t) {
			plan.Actions = append(plan.Actions, Action{
				Type:   ActionBlock,
				Task:   t,
				Reason: "incomplete subtask",
			})
			continue
		}
		if !a.DepsSatisfied(t) {
			// Not an error; the task waits for its blockers
			continue
		}
		if t.Lease != nil {
			continue
		}
		if !a.ResourceFree(t) {
			continue
		}

		target := t.Routing.Target()
		if target == "" {
			plan.Actions = append(plan.Actions, Action{
				Type:   ActionAlert,
				Task:   t,
				Reason: "no viable routing target",
			})
			continue
		}
		if p.manifest != nil && !p.manifest.IsParticipant(target) {
			plan.Actions = append(plan.Actions, Action{
				Type:   ActionAlert,
				Task:   t,
				Target: target,
				Reason: "not a participant",
			})
			continue
		}

		check := p.throttle.Check(t.Routing.Team, a.InProgressTotal, a.InProgressByTeam[t.Routing.Team])
		if !check.Allowed {
			plan.Denials = append(plan.Denials, Denial{TaskID: t.ID, Reason: check.Reason})
			if check.Global {
				// A global limit denies every remaining candidate too
				break
			}
			continue
		}
		// Reserve the slot so later candidates see it taken
		p.throttle.RecordDispatch(t.Routing.Team)

		plan.Actions = append(plan.Actions, Action{
			Type:   ActionAssign,
			Task:   t,
			Target: target,
		})
	}
	return plan
}

// promotable mirrors store.Promote's eligibility for the advisory
// promote action.
func (p *Planner) promotable(t *task.Task, a *analyze.Analysis) bool {
	if t.Routing.Target() == "" || t.Lease != nil {
		return false
	}
	return a.DepsSatisfied(t) && a.SubtasksDone(t)
}

// slaViolation returns a reason string when the task has exceeded its
// in-progress budget.
func (p *Planner) slaViolation(t *task.Task) string {
	if t.SLA == nil || t.SLA.MaxInProgress <= 0 {
		return ""
	}
	age := p.now().Sub(t.LastTransitionAt)
	if age <= t.SLA.MaxInProgress {
		return ""
	}
	return "in-progress for " + age.Round(time.Second).String() +
		", budget " + t.SLA.MaxInProgress.String()
}
