// Package task provides the task data model for aof.
package task

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// SchemaVersion is the current task record schema version.
const SchemaVersion = 1

// IDPrefix is the prefix of every task identifier.
const IDPrefix = "TASK"

// Status represents the state-machine position of a task.
// The status is encoded structurally: a task record lives in the
// status directory matching this value.
type Status string

const (
	StatusBacklog    Status = "backlog"
	StatusReady      Status = "ready"
	StatusInProgress Status = "in-progress"
	StatusBlocked    Status = "blocked"
	StatusReview     Status = "review"
	StatusDone       Status = "done"
	StatusCancelled  Status = "cancelled"
	StatusDeadletter Status = "deadletter"
)

// ValidStatuses returns all valid status values.
func ValidStatuses() []Status {
	return []Status{
		StatusBacklog, StatusReady, StatusInProgress, StatusBlocked,
		StatusReview, StatusDone, StatusCancelled, StatusDeadletter,
	}
}

// IsValidStatus returns true if the status is a valid status value.
func IsValidStatus(s Status) bool {
	switch s {
	case StatusBacklog, StatusReady, StatusInProgress, StatusBlocked,
		StatusReview, StatusDone, StatusCancelled, StatusDeadletter:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for statuses that end a task's lifecycle.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusCancelled || s == StatusDeadletter
}

// transitionMatrix defines the valid from→to moves. Resurrection
// (cancelled/deadletter → ready) is the only exit from a terminal state;
// done is permanent.
var transitionMatrix = map[Status][]Status{
	StatusBacklog:    {StatusReady, StatusCancelled, StatusBlocked},
	StatusReady:      {StatusInProgress, StatusBlocked, StatusCancelled, StatusBacklog, StatusDeadletter},
	StatusInProgress: {StatusReview, StatusBlocked, StatusReady, StatusCancelled, StatusDeadletter, StatusDone},
	StatusBlocked:    {StatusReady, StatusCancelled, StatusDeadletter},
	StatusReview:     {StatusInProgress, StatusDone, StatusBlocked, StatusCancelled},
	StatusDone:       {},
	StatusCancelled:  {StatusReady},
	StatusDeadletter: {StatusReady},
}

// CanTransition reports whether the matrix allows from→to.
// A transition to the current status is always allowed (idempotent no-op).
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, s := range transitionMatrix[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidTargets returns the statuses reachable from the given status.
func ValidTargets(from Status) []Status {
	return append([]Status(nil), transitionMatrix[from]...)
}

// Priority represents the urgency/importance of a task.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// ValidPriorities returns all valid priority values.
func ValidPriorities() []Priority {
	return []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}
}

// IsValidPriority returns true if the priority is a valid priority value.
func IsValidPriority(p Priority) bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	default:
		return false
	}
}

// PriorityOrder returns a numeric value for sorting (lower = higher priority).
func PriorityOrder(p Priority) int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 2 // Default to normal
	}
}

// Routing identifies where the planner should send a task.
// Target preference order is agent → role → team.
type Routing struct {
	Agent    string `yaml:"agent,omitempty" json:"agent,omitempty"`
	Role     string `yaml:"role,omitempty" json:"role,omitempty"`
	Team     string `yaml:"team,omitempty" json:"team,omitempty"`
	Workflow string `yaml:"workflow,omitempty" json:"workflow,omitempty"`
}

// Target returns the routing target in preference order, or "" when the
// task has no viable target.
func (r Routing) Target() string {
	if r.Agent != "" {
		return r.Agent
	}
	if r.Role != "" {
		return r.Role
	}
	return r.Team
}

// Lease is an exclusive, time-bounded hold identifying the agent
// executing a task. Present iff the task is in-progress.
type Lease struct {
	Agent      string    `yaml:"agent" json:"agent"`
	AcquiredAt time.Time `yaml:"acquired_at" json:"acquired_at"`
	ExpiresAt  time.Time `yaml:"expires_at" json:"expires_at"`
	RenewCount int       `yaml:"renew_count" json:"renew_count"`
}

// Expired reports whether the lease has expired at the given instant.
func (l *Lease) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// GateOutcome is the result an agent reports when finishing a gate.
type GateOutcome string

const (
	GateComplete    GateOutcome = "complete"
	GateNeedsReview GateOutcome = "needs_review"
	GateBlocked     GateOutcome = "blocked"
)

// IsValidGateOutcome returns true for a recognized outcome value.
func IsValidGateOutcome(o GateOutcome) bool {
	switch o {
	case GateComplete, GateNeedsReview, GateBlocked:
		return true
	default:
		return false
	}
}

// GateState is the task's position in its workflow.
type GateState struct {
	Current string    `yaml:"current" json:"current"`
	Entered time.Time `yaml:"entered" json:"entered"`
}

// GateHistoryEntry records one entry/exit through a gate.
// History is append-only; Exited/Outcome/DurationMs are filled in when the
// gate transitions out, never rewritten afterwards.
type GateHistoryEntry struct {
	Gate           string      `yaml:"gate" json:"gate"`
	Role           string      `yaml:"role" json:"role"`
	Agent          string      `yaml:"agent,omitempty" json:"agent,omitempty"`
	Entered        time.Time   `yaml:"entered" json:"entered"`
	Exited         *time.Time  `yaml:"exited,omitempty" json:"exited,omitempty"`
	Outcome        GateOutcome `yaml:"outcome,omitempty" json:"outcome,omitempty"`
	Summary        string      `yaml:"summary,omitempty" json:"summary,omitempty"`
	Blockers       []string    `yaml:"blockers,omitempty" json:"blockers,omitempty"`
	RejectionNotes string      `yaml:"rejection_notes,omitempty" json:"rejection_notes,omitempty"`
	DurationMs     int64       `yaml:"duration_ms,omitempty" json:"duration_ms,omitempty"`
}

// ReviewContext carries a rejection back to the implementer. It is set when
// a gate rejects with needs_review and cleared on the next complete advance.
type ReviewContext struct {
	FromGate  string    `yaml:"from_gate" json:"from_gate"`
	FromRole  string    `yaml:"from_role,omitempty" json:"from_role,omitempty"`
	FromAgent string    `yaml:"from_agent,omitempty" json:"from_agent,omitempty"`
	Timestamp time.Time `yaml:"timestamp" json:"timestamp"`
	Blockers  []string  `yaml:"blockers,omitempty" json:"blockers,omitempty"`
	Notes     string    `yaml:"notes,omitempty" json:"notes,omitempty"`
}

// SLAPolicy selects what happens when a task exceeds its in-progress budget.
type SLAPolicy string

const (
	SLAAlert      SLAPolicy = "alert"
	SLABlock      SLAPolicy = "block"
	SLADeadletter SLAPolicy = "deadletter"
)

// SLA bounds how long a task may stay in-progress.
type SLA struct {
	MaxInProgress time.Duration `yaml:"max_in_progress" json:"max_in_progress"`
	OnViolation   SLAPolicy     `yaml:"on_violation" json:"on_violation"`
}

// Well-known metadata keys. Metadata is an opaque map for caller-defined
// fields; the scheduler and store use these keys for their own bookkeeping.
const (
	MetaRetryCount    = "retry_count"
	MetaBlockReason   = "block_reason"
	MetaCancelReason  = "cancel_reason"
	MetaLastBlockedAt = "last_blocked_at"
	MetaLeaseExpiries = "lease_expiries"
	MetaEscalatedGate = "escalated_gate"
	MetaCreatedBy     = "created_by"
)

// Task represents a unit of work with structured metadata and a free-form
// body, persisted as a frontmatter record under a status directory.
type Task struct {
	// ID is the unique identifier (e.g., TASK-2026-08-24-001)
	ID string `yaml:"id" json:"id"`

	// Project is the scoping key for the owning project
	Project string `yaml:"project,omitempty" json:"project,omitempty"`

	// SchemaVersion is the record schema version
	SchemaVersion int `yaml:"schema_version" json:"schema_version"`

	// Title is a short description of the task
	Title string `yaml:"title" json:"title"`

	// Priority indicates the urgency/importance of the task
	Priority Priority `yaml:"priority,omitempty" json:"priority,omitempty"`

	// Tags is a set of free-form labels, used by gate predicates
	Tags []string `yaml:"tags,omitempty" json:"tags,omitempty"`

	// Status is the current state-machine position. It must match the
	// directory partition the record is stored under.
	Status Status `yaml:"status" json:"status"`

	// Routing selects the dispatch target
	Routing Routing `yaml:"routing,omitempty" json:"routing,omitempty"`

	// Lease is the active hold; present only while in-progress
	Lease *Lease `yaml:"lease,omitempty" json:"lease,omitempty"`

	// ParentID links to a parent task when this is a subtask
	ParentID string `yaml:"parent_id,omitempty" json:"parent_id,omitempty"`

	// DependsOn lists task IDs that must be done before dispatch
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`

	// Timestamps, always UTC
	CreatedAt        time.Time `yaml:"created_at" json:"created_at"`
	UpdatedAt        time.Time `yaml:"updated_at" json:"updated_at"`
	LastTransitionAt time.Time `yaml:"last_transition_at" json:"last_transition_at"`

	// ContentHash is the 16-hex SHA-256 prefix over the body bytes
	ContentHash string `yaml:"content_hash,omitempty" json:"content_hash,omitempty"`

	// Gate state for workflow tasks
	Gate          *GateState         `yaml:"gate,omitempty" json:"gate,omitempty"`
	GateHistory   []GateHistoryEntry `yaml:"gate_history,omitempty" json:"gate_history,omitempty"`
	ReviewContext *ReviewContext     `yaml:"review_context,omitempty" json:"review_context,omitempty"`

	// SLA bounds the in-progress duration
	SLA *SLA `yaml:"sla,omitempty" json:"sla,omitempty"`

	// Resource names a mutually-exclusive resource this task claims
	Resource string `yaml:"resource,omitempty" json:"resource,omitempty"`

	// Metadata holds arbitrary key-value data; unknown frontmatter keys
	// are preserved here
	Metadata map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`

	// Body is the free-text body after the frontmatter fence (not part
	// of the frontmatter itself)
	Body string `yaml:"-" json:"body,omitempty"`
}

// New creates a new task in backlog with the given id and title.
func New(id, title string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:               id,
		SchemaVersion:    SchemaVersion,
		Title:            title,
		Priority:         PriorityNormal,
		Status:           StatusBacklog,
		CreatedAt:        now,
		UpdatedAt:        now,
		LastTransitionAt: now,
		Metadata:         make(map[string]string),
	}
}

// GetPriority returns the task's priority, defaulting to normal if not set.
func (t *Task) GetPriority() Priority {
	if t.Priority == "" {
		return PriorityNormal
	}
	return t.Priority
}

// IsTerminal returns true if the task is in a terminal state.
func (t *Task) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// HasTag reports whether the task carries the given tag.
func (t *Task) HasTag(tag string) bool {
	for _, have := range t.Tags {
		if have == tag {
			return true
		}
	}
	return false
}

// DependsOnTask reports whether blockerID is already in DependsOn.
func (t *Task) DependsOnTask(blockerID string) bool {
	for _, dep := range t.DependsOn {
		if dep == blockerID {
			return true
		}
	}
	return false
}

// Meta returns a metadata value, or "" when unset.
func (t *Task) Meta(key string) string {
	if t.Metadata == nil {
		return ""
	}
	return t.Metadata[key]
}

// SetMeta sets a metadata value, allocating the map when needed.
func (t *Task) SetMeta(key, value string) {
	if t.Metadata == nil {
		t.Metadata = make(map[string]string)
	}
	t.Metadata[key] = value
}

// ClearMeta removes a metadata key.
func (t *Task) ClearMeta(key string) {
	if t.Metadata != nil {
		delete(t.Metadata, key)
	}
}

// Touch bumps UpdatedAt.
func (t *Task) Touch(now time.Time) {
	t.UpdatedAt = now.UTC()
}

// RehashBody recomputes ContentHash from the current body.
func (t *Task) RehashBody() {
	t.ContentHash = HashBody(t.Body)
}

// HashBody computes the content hash for a body: the first 16 hex
// characters of SHA-256 over the body bytes only (frontmatter excluded).
func HashBody(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])[:16]
}
