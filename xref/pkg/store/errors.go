package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no live record matches the given id.
	ErrNotFound = errors.New("record not found")

	// ErrNoFieldsToUpdate is returned when an update carries no updatable fields.
	ErrNoFieldsToUpdate = errors.New("no fields to update")
)

// ValidationError indicates caller-supplied data failed a required-field or
// type check.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
}

// KeyResolutionError indicates the tplnr lookup query itself failed. It is
// distinct from a key simply having no match, which is reported by absence
// from the resolved map.
type KeyResolutionError struct {
	Err error
}

func (e *KeyResolutionError) Error() string {
	return fmt.Sprintf("tplnr resolution failed: %v", e.Err)
}

func (e *KeyResolutionError) Unwrap() error {
	return e.Err
}
