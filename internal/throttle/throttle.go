// Package throttle enforces concurrency caps and dispatch pacing for
// the scheduler. One controller instance lives across polls; it carries
// the effective global cap, which platform-limit backpressure can
// tighten below the configured value at runtime.
package throttle

import (
	"sync"
	"time"
)

// Reasons a dispatch is denied.
const (
	ReasonGlobalCap    = "global_cap"
	ReasonTeamCap      = "team_cap"
	ReasonMinInterval  = "min_interval"
	ReasonTeamInterval = "team_interval"
	ReasonTickCap      = "tick_cap"
)

// Config sets the throttle limits. Zero values disable the
// corresponding limit.
type Config struct {
	// GlobalCap bounds concurrent in-progress tasks across all teams.
	GlobalCap int
	// TeamCaps bounds concurrent in-progress tasks per routing team.
	TeamCaps map[string]int
	// MinInterval is the minimum wall-clock gap between any two
	// dispatches.
	MinInterval time.Duration
	// TeamMinInterval is the minimum gap between dispatches to the same
	// team.
	TeamMinInterval time.Duration
	// PerTickCap bounds dispatches within a single poll tick.
	PerTickCap int
}

// Result is the outcome of a throttle check.
type Result struct {
	Allowed bool
	// Reason names the limit that denied the dispatch.
	Reason string
	// Global is true when the denial applies to every candidate, so the
	// planner can stop scanning instead of trying the rest.
	Global bool
}

var allowed = Result{Allowed: true}

// Controller applies the configured limits. Safe for concurrent use,
// though the scheduler calls it from a single goroutine.
type Controller struct {
	mu  sync.Mutex
	cfg Config
	now func() time.Time

	// effectiveCap starts at cfg.GlobalCap and only tightens; platform
	// backpressure lowers it when the executor reports exhaustion.
	effectiveCap int

	lastDispatch     time.Time
	lastTeamDispatch map[string]time.Time

	tickDispatched     int
	tickDispatchedTeam map[string]int
}

// New creates a controller with the given limits.
func New(cfg Config, now func() time.Time) *Controller {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Controller{
		cfg:                cfg,
		now:                now,
		effectiveCap:       cfg.GlobalCap,
		lastTeamDispatch:   make(map[string]time.Time),
		tickDispatchedTeam: make(map[string]int),
	}
}

// BeginTick resets the per-tick counters. Called at the top of every
// poll.
func (c *Controller) BeginTick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tickDispatched = 0
	c.tickDispatchedTeam = make(map[string]int)
}

// Check decides whether one more task may be dispatched for team,
// given the in-progress counts observed at the top of the tick.
// Dispatches recorded earlier in the same tick count against the caps.
func (c *Controller) Check(team string, activeGlobal, activeTeam int) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.PerTickCap > 0 && c.tickDispatched >= c.cfg.PerTickCap {
		return Result{Reason: ReasonTickCap, Global: true}
	}
	if c.effectiveCap > 0 && activeGlobal+c.tickDispatched >= c.effectiveCap {
		return Result{Reason: ReasonGlobalCap, Global: true}
	}
	if c.cfg.MinInterval > 0 && !c.lastDispatch.IsZero() {
		if c.now().Sub(c.lastDispatch) < c.cfg.MinInterval {
			return Result{Reason: ReasonMinInterval, Global: true}
		}
	}
	if team != "" {
		if cap, ok := c.cfg.TeamCaps[team]; ok && cap > 0 {
			if activeTeam+c.tickDispatchedTeam[team] >= cap {
				return Result{Reason: ReasonTeamCap}
			}
		}
		if c.cfg.TeamMinInterval > 0 {
			if last, ok := c.lastTeamDispatch[team]; ok {
				if c.now().Sub(last) < c.cfg.TeamMinInterval {
					return Result{Reason: ReasonTeamInterval}
				}
			}
		}
	}
	return allowed
}

// RecordDispatch registers a successful dispatch for pacing and
// per-tick accounting.
func (c *Controller) RecordDispatch(team string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.lastDispatch = now
	c.tickDispatched++
	if team != "" {
		c.lastTeamDispatch[team] = now
		c.tickDispatchedTeam[team]++
	}
}

// EffectiveCap returns the current global cap after any tightening.
func (c *Controller) EffectiveCap() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.effectiveCap
}

// Tighten lowers the effective global cap in response to platform
// backpressure. The cap never rises again within this process; a
// restart restores the configured value.
func (c *Controller) Tighten(limit int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if limit > 0 && (c.effectiveCap == 0 || limit < c.effectiveCap) {
		c.effectiveCap = limit
	}
}
