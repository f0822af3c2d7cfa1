package post

import "fmt"

// ValidationError rejects a record before it is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error { return &ValidationError{Field: field, Reason: reason} }

// Invalid builds a ValidationError for callers outside this package.
func Invalid(field, reason string) error { return invalid(field, reason) }

// DuplicateError is returned when a destination is already registered for an operator.
type DuplicateError struct {
	OperatorID    int64
	DestinationID string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("destination %s already registered for operator %d", e.DestinationID, e.OperatorID)
}
