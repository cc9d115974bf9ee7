package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestErrorMessage(t *testing.T) {
	err := ErrTaskNotFound("TASK-2026-01-01-001")
	want := "task TASK-2026-01-01-001 not found: No task with this ID exists in any status directory"
	if err.Error() != want {
		t.Errorf("unexpected message:\n got: %s\nwant: %s", err.Error(), want)
	}
}

func TestErrorIsByCode(t *testing.T) {
	a := ErrTaskNotFound("TASK-2026-01-01-001")
	b := ErrTaskNotFound("TASK-2026-01-01-002")
	if !stderrors.Is(a, b) {
		t.Error("expected errors with same code to match via errors.Is")
	}

	c := ErrTerminal("TASK-2026-01-01-001", "done")
	if stderrors.Is(a, c) {
		t.Error("expected errors with different codes not to match")
	}
}

func TestUnwrap(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := ErrParse("tasks/ready/TASK-2026-01-01-001.md", cause)
	if !stderrors.Is(err, cause) {
		t.Error("expected cause to be reachable via errors.Is")
	}
}

func TestHasCode(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", ErrLeased("TASK-2026-01-01-001", "agent-a"))
	if !HasCode(err, CodeLeased) {
		t.Error("expected HasCode to find LEASED through wrapping")
	}
	if HasCode(err, CodeTaskNotFound) {
		t.Error("did not expect TASK_NOT_FOUND")
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  *AofError
		want int
	}{
		{ErrTaskNotFound("x"), 404},
		{ErrInvalidTransition("x", "done", "ready"), 400},
		{ErrLeased("x", "a"), 409},
		{ErrSpawnTimeout("x", "30s"), 504},
		{ErrDaemonNotRunning(), 503},
	}
	for _, tc := range cases {
		if got := tc.err.HTTPStatus(); got != tc.want {
			t.Errorf("%s: expected %d, got %d", tc.err.Code, tc.want, got)
		}
	}
}

func TestAsAofError(t *testing.T) {
	err := fmt.Errorf("outer: %w", ErrInvariant("cycle", "adding dep creates circular dependency"))
	aofErr := AsAofError(err)
	if aofErr == nil {
		t.Fatal("expected AsAofError to unwrap")
	}
	if aofErr.Code != CodeInvariantViolation {
		t.Errorf("expected INVARIANT_VIOLATION, got %s", aofErr.Code)
	}
}
