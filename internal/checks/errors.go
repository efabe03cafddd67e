package checks

import (
	"fmt"
)

// Phase names one half of the submission protocol.
type Phase string

const (
	// PhaseHash announces the content hash without image bytes.
	PhaseHash Phase = "hash"
	// PhaseUpload resends the check with the image attached.
	PhaseUpload Phase = "upload"
)

// CheckSubmissionError names the check, its parameters and the failing phase.
type CheckSubmissionError struct {
	Check  string
	Phase  Phase
	Params Meta
	Err    error
}

func (e *CheckSubmissionError) Error() string {
	return fmt.Sprintf("submit check %q (phase %s, %s): %v", e.Check, e.Phase, e.Params, e.Err)
}

func (e *CheckSubmissionError) Unwrap() error {
	return e.Err
}

// Is enables errors.Is checks for submission failures.
func (e *CheckSubmissionError) Is(target error) bool {
	_, ok := target.(*CheckSubmissionError)
	return ok
}
