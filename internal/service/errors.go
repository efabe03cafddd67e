package service

import (
	"fmt"
	"strings"
)

const maxErrorBodyBytes = 4096

// ServiceError describes a failed or unparsable round trip to the visual service.
//
//nolint:revive // Name kept aligned with the protocol's error taxonomy.
type ServiceError struct {
	Operation  string
	Method     string
	URL        string
	StatusCode int
	Body       string
	Reason     string
	Err        error
}

func (e *ServiceError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s", e.Operation, e.Method, e.URL)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if reason := strings.TrimSpace(e.Reason); reason != "" {
		fmt.Fprintf(&b, ": %s", reason)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if body := strings.TrimSpace(e.Body); body != "" {
		fmt.Fprintf(&b, ": body %q", truncate(body, maxErrorBodyBytes))
	}
	return b.String()
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// Is enables errors.Is checks for service failures.
func (e *ServiceError) Is(target error) bool {
	_, ok := target.(*ServiceError)
	return ok
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit] + "...(truncated)"
}
