// Package events provides the append-only event log and publishing
// infrastructure for aof.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Type defines the type of event. The namespace is closed; observers can
// rely on these values.
type Type string

const (
	// Task lifecycle events

	TypeTaskCreated      Type = "task.created"
	TypeTaskTransitioned Type = "task.transitioned"
	TypeTaskUpdated      Type = "task.updated"
	TypeTaskAssigned     Type = "task.assigned"
	TypeTaskBlocked      Type = "task.blocked"
	TypeTaskUnblocked    Type = "task.unblocked"
	TypeTaskDepAdded     Type = "task.dep.added"
	TypeTaskDepRemoved   Type = "task.dep.removed"
	TypeTaskCancelled    Type = "task.cancelled"
	TypeTaskCompleted    Type = "task.completed"
	TypeValidationFailed Type = "task.validation.failed"

	// Scheduler events

	TypeDispatchMatched Type = "dispatch.matched"
	TypeDispatchError   Type = "dispatch.error"
	TypeActionStarted   Type = "action.started"
	TypeActionCompleted Type = "action.completed"
	TypeSchedulerPoll   Type = "scheduler.poll"
	TypeLeaseExpired    Type = "lease.expired"
	TypePlatformLimit   Type = "concurrency.platformLimit"
	TypeSLAViolation    Type = "sla.violation"

	// Gate events

	TypeGateEntered         Type = "gate.entered"
	TypeGateExited          Type = "gate.exited"
	TypeGateTimeoutEscalate Type = "gate_timeout_escalation"
)

// Event is an immutable record describing a state change or scheduler
// decision. One event is one line in the daily JSONL partition.
type Event struct {
	EventID   string         `json:"eventId"`
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Actor     string         `json:"actor"`
	TaskID    string         `json:"taskId,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// New creates an event with a fresh ID and the current UTC timestamp.
func New(eventType Type, actor, taskID string, payload map[string]any) Event {
	return Event{
		EventID:   uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Actor:     actor,
		TaskID:    taskID,
		Payload:   payload,
	}
}
