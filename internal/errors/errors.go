// Package errors provides structured error types for aof.
package errors

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Code represents a unique error code.
type Code string

// Error codes for aof.
const (
	// Store errors
	CodeTaskNotFound       Code = "TASK_NOT_FOUND"
	CodeInvalidTransition  Code = "INVALID_TRANSITION"
	CodeInvariantViolation Code = "INVARIANT_VIOLATION"
	CodeTaskTerminal       Code = "TASK_TERMINAL"
	CodeTaskParse          Code = "TASK_PARSE"

	// Lease errors
	CodeLeased      Code = "LEASED"
	CodeMaxRenewals Code = "MAX_RENEWALS_EXCEEDED"

	// Dispatch errors
	CodePlatformLimit Code = "PLATFORM_LIMIT"
	CodeSpawnFailure  Code = "SPAWN_FAILURE"
	CodeSpawnTimeout  Code = "SPAWN_TIMEOUT"

	// Gate errors
	CodeGateRejectDenied Code = "GATE_REJECT_DENIED"
	CodeGateUnknown      Code = "GATE_UNKNOWN"

	// Daemon errors
	CodeConfigInvalid    Code = "CONFIG_INVALID"
	CodeAlreadyRunning   Code = "ALREADY_RUNNING"
	CodeDaemonNotRunning Code = "DAEMON_NOT_RUNNING"
)

// Category groups error codes for HTTP status mapping.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryNotFound
	CategoryBadRequest
	CategoryConflict
	CategoryInternal
	CategoryTimeout
	CategoryUnavailable
)

// codeCategories maps error codes to their categories.
var codeCategories = map[Code]Category{
	CodeTaskNotFound:       CategoryNotFound,
	CodeInvalidTransition:  CategoryBadRequest,
	CodeInvariantViolation: CategoryBadRequest,
	CodeTaskTerminal:       CategoryConflict,
	CodeTaskParse:          CategoryInternal,
	CodeLeased:             CategoryConflict,
	CodeMaxRenewals:        CategoryConflict,
	CodePlatformLimit:      CategoryUnavailable,
	CodeSpawnFailure:       CategoryInternal,
	CodeSpawnTimeout:       CategoryTimeout,
	CodeGateRejectDenied:   CategoryBadRequest,
	CodeGateUnknown:        CategoryBadRequest,
	CodeConfigInvalid:      CategoryBadRequest,
	CodeAlreadyRunning:     CategoryConflict,
	CodeDaemonNotRunning:   CategoryUnavailable,
}

// HTTPStatus returns the HTTP status code for a category.
func (c Category) HTTPStatus() int {
	switch c {
	case CategoryNotFound:
		return 404
	case CategoryBadRequest:
		return 400
	case CategoryConflict:
		return 409
	case CategoryTimeout:
		return 504
	case CategoryUnavailable:
		return 503
	default:
		return 500
	}
}

// AofError is the structured error type for aof.
type AofError struct {
	Code  Code   `json:"code"`
	What  string `json:"what"`
	Why   string `json:"why,omitempty"`
	Fix   string `json:"fix,omitempty"`
	Cause error  `json:"-"`
}

// Error implements the error interface.
func (e *AofError) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *AofError) Unwrap() error {
	return e.Cause
}

// UserMessage returns a user-friendly message for CLI output.
func (e *AofError) UserMessage() string {
	var b strings.Builder
	b.WriteString("Error: ")
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString("\n\nWhy: ")
		b.WriteString(e.Why)
	}
	if e.Fix != "" {
		b.WriteString("\n\nFix: ")
		b.WriteString(e.Fix)
	}
	return b.String()
}

// Category returns the error category for HTTP status mapping.
func (e *AofError) Category() Category {
	if cat, ok := codeCategories[e.Code]; ok {
		return cat
	}
	return CategoryUnknown
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e *AofError) HTTPStatus() int {
	return e.Category().HTTPStatus()
}

// MarshalJSON implements json.Marshaler.
func (e *AofError) MarshalJSON() ([]byte, error) {
	type alias AofError
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// Is reports whether target is an AofError with the same code.
func (e *AofError) Is(target error) bool {
	t, ok := target.(*AofError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of the error with the given cause.
func (e *AofError) WithCause(err error) *AofError {
	return &AofError{
		Code:  e.Code,
		What:  e.What,
		Why:   e.Why,
		Fix:   e.Fix,
		Cause: err,
	}
}

// --- Error constructors ---

// ErrTaskNotFound returns an error when a task doesn't exist.
func ErrTaskNotFound(id string) *AofError {
	return &AofError{
		Code: CodeTaskNotFound,
		What: fmt.Sprintf("task %s not found", id),
		Why:  "No task with this ID exists in any status directory",
		Fix:  "Run 'aof task list' to see available tasks",
	}
}

// ErrInvalidTransition returns an error when the transition matrix forbids a move.
func ErrInvalidTransition(id, from, to string) *AofError {
	return &AofError{
		Code: CodeInvalidTransition,
		What: fmt.Sprintf("task %s cannot transition from '%s' to '%s'", id, from, to),
		Why:  "The transition matrix does not allow this move",
		Fix:  fmt.Sprintf("Check 'aof task show %s' for the current status and valid transitions", id),
	}
}

// ErrInvariant returns an error for an invariant violation.
func ErrInvariant(what, why string) *AofError {
	return &AofError{
		Code: CodeInvariantViolation,
		What: what,
		Why:  why,
	}
}

// ErrTerminal returns an error when mutating a terminal task.
func ErrTerminal(id, status string) *AofError {
	return &AofError{
		Code: CodeTaskTerminal,
		What: fmt.Sprintf("task %s is terminal (%s)", id, status),
		Why:  "Terminal tasks cannot be mutated",
		Fix:  "Use 'aof task resurrect' for cancelled or deadlettered tasks",
	}
}

// ErrParse returns an error when an on-disk record fails schema validation.
func ErrParse(path string, cause error) *AofError {
	return &AofError{
		Code:  CodeTaskParse,
		What:  fmt.Sprintf("failed to parse task record %s", path),
		Why:   "The file is malformed or does not match the schema",
		Fix:   "Run 'aof lint' to list all invalid records",
		Cause: cause,
	}
}

// ErrLeased returns an error when a lease operation is denied by holder mismatch.
func ErrLeased(id, holder string) *AofError {
	return &AofError{
		Code: CodeLeased,
		What: fmt.Sprintf("task %s is leased to agent %s", id, holder),
		Why:  "Another agent holds an unexpired lease on this task",
		Fix:  "Wait for the lease to expire or for the holder to release it",
	}
}

// ErrMaxRenewals returns an error when the renewal budget is exhausted.
func ErrMaxRenewals(id string, count int) *AofError {
	return &AofError{
		Code: CodeMaxRenewals,
		What: fmt.Sprintf("lease on task %s renewed %d times", id, count),
		Why:  "The maximum number of lease renewals has been reached",
		Fix:  "Increase max_lease_renewals in config, or let the lease expire",
	}
}

// ErrPlatformLimit returns an error when the executor signals capacity exhaustion.
func ErrPlatformLimit(limit int) *AofError {
	return &AofError{
		Code: CodePlatformLimit,
		What: fmt.Sprintf("executor platform limit reached (%d concurrent sessions)", limit),
		Why:  "The execution platform refused to spawn more child sessions",
		Fix:  "Wait for running tasks to complete; the scheduler has tightened its cap",
	}
}

// ErrSpawnFailure returns an error when the executor returned a non-limit error.
func ErrSpawnFailure(id, msg string) *AofError {
	return &AofError{
		Code: CodeSpawnFailure,
		What: fmt.Sprintf("failed to spawn agent for task %s", id),
		Why:  msg,
	}
}

// ErrSpawnTimeout returns an error when a spawn exceeded its budget.
func ErrSpawnTimeout(id string, timeout string) *AofError {
	return &AofError{
		Code: CodeSpawnTimeout,
		What: fmt.Sprintf("spawn for task %s timed out", id),
		Why:  fmt.Sprintf("No response from the executor after %s", timeout),
		Fix:  "Increase spawn_timeout in config, or check the executor's health",
	}
}

// ErrGateRejectDenied returns an error when a gate without canReject rejects.
func ErrGateRejectDenied(gate string) *AofError {
	return &AofError{
		Code: CodeGateRejectDenied,
		What: fmt.Sprintf("gate %s cannot reject", gate),
		Why:  "The workflow definition does not grant canReject to this gate",
		Fix:  "Use outcome 'blocked' instead, or amend the workflow definition",
	}
}

// ErrGateUnknown returns an error when a task references an undefined gate.
func ErrGateUnknown(gate, workflow string) *AofError {
	return &AofError{
		Code: CodeGateUnknown,
		What: fmt.Sprintf("gate %s is not defined in workflow %s", gate, workflow),
		Why:  "The task's gate pointer names a gate missing from the project manifest",
		Fix:  "Run 'aof lint' and repair the task record or the manifest",
	}
}

// ErrConfigInvalid returns an error for invalid configuration.
func ErrConfigInvalid(field, reason string) *AofError {
	return &AofError{
		Code: CodeConfigInvalid,
		What: fmt.Sprintf("invalid configuration: %s", field),
		Why:  reason,
		Fix:  "Check .aof/config.yaml and fix the invalid field",
	}
}

// ErrAlreadyRunning returns an error when another daemon owns the data dir.
func ErrAlreadyRunning(pid int) *AofError {
	return &AofError{
		Code: CodeAlreadyRunning,
		What: fmt.Sprintf("daemon already running (pid %d)", pid),
		Why:  "The data directory is owned by another aof daemon",
		Fix:  "Stop the other daemon first, or remove a stale PID file",
	}
}

// ErrDaemonNotRunning returns an error when a command needs a live daemon.
func ErrDaemonNotRunning() *AofError {
	return &AofError{
		Code: CodeDaemonNotRunning,
		What: "aof daemon is not running",
		Why:  "No PID file found or the recorded process is gone",
		Fix:  "Start it with 'aof daemon run'",
	}
}

// AsAofError attempts to convert an error to an AofError.
// Returns nil if the error is not an AofError.
func AsAofError(err error) *AofError {
	var aofErr *AofError
	if As(err, &aofErr) {
		return aofErr
	}
	return nil
}

// As is a convenience wrapper for errors.As.
func As(err error, target any) bool {
	return asError(err, target)
}

// asError implements errors.As behavior.
func asError(err error, target any) bool {
	if err == nil {
		return false
	}
	if aofErr, ok := err.(*AofError); ok {
		if t, ok := target.(**AofError); ok {
			*t = aofErr
			return true
		}
	}
	// Check unwrapped error
	if unwrapper, ok := err.(interface{ Unwrap() error }); ok {
		return asError(unwrapper.Unwrap(), target)
	}
	return false
}

// Wrap wraps a generic error into an AofError with unknown code.
func Wrap(err error, what string) *AofError {
	return &AofError{
		Code:  Code("UNKNOWN"),
		What:  what,
		Cause: err,
	}
}

// HasCode reports whether err is an AofError carrying the given code.
func HasCode(err error, code Code) bool {
	aofErr := AsAofError(err)
	return aofErr != nil && aofErr.Code == code
}
