package session

import (
	"fmt"
	"strings"
)

// ValidationError lists required identity fields that were absent.
type ValidationError struct {
	Operation string
	Missing   []string
	Reason    string
}

func (e *ValidationError) Error() string {
	reason := strings.TrimSpace(e.Reason)
	if reason == "" {
		reason = "missing required fields"
	}
	return fmt.Sprintf("%s: %s: %s", e.Operation, reason, strings.Join(e.Missing, ", "))
}

// Is enables errors.Is checks for validation failures.
func (e *ValidationError) Is(target error) bool {
	_, ok := target.(*ValidationError)
	return ok
}

// StateError is returned when an operation is invoked in the wrong lifecycle state.
type StateError struct {
	Operation string
	State     State
	Target    State
}

func (e *StateError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("%s: cannot transition session from %q to %q", e.Operation, e.State, e.Target)
	}
	return fmt.Sprintf("%s: session is %q", e.Operation, e.State)
}

// Is enables errors.Is checks for lifecycle failures.
func (e *StateError) Is(target error) bool {
	_, ok := target.(*StateError)
	return ok
}
