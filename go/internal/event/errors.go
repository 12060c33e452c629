package event

import "fmt"

// ValidationError indicates an envelope that violates a structural
// invariant. It is returned at construction and decode time; envelopes
// that carry one never enter the pipeline.
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid envelope: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid envelope: %s", e.Reason)
}
