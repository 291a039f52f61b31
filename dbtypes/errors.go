package dbtypes

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is wrapped by every "referenced id does not resolve" error.
	ErrNotFound = errors.New("not found")

	// ErrConflict is wrapped by every failed precondition.
	ErrConflict = errors.New("conflict")
)

var (
	ErrMapNotFound      = fmt.Errorf("map %w", ErrNotFound)
	ErrNoMapForCampus   = fmt.Errorf("no map found for this campus: %w", ErrNotFound)
	ErrEndpointNotFound = fmt.Errorf("start or end node not found: %w", ErrNotFound)
	ErrEntityNotFound   = fmt.Errorf("entity %w", ErrNotFound)

	// ErrVersionConflict means the map's current_version moved between read
	// and write.
	ErrVersionConflict = fmt.Errorf("current version changed concurrently: %w", ErrConflict)

	// ErrVersionExists means a fork tried to create a version document that is
	// already present.
	ErrVersionExists = fmt.Errorf("version already exists: %w", ErrConflict)

	ErrLegendInUse = fmt.Errorf("legend already in use: %w", ErrConflict)
)

// ValidationError reports a missing or invalid field.  Nothing is written when
// one is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Required returns a ValidationError for a missing field.
func Required(field string) *ValidationError {
	return &ValidationError{Field: field, Reason: "must not be empty"}
}

// IsValidation reports whether err wraps a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
