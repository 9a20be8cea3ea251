// Package memerr defines the shared error taxonomy for the memory service.
//
// Hot-path collaborator failures (embedding, generation, tier search) are
// absorbed by callers and degrade to empty results; these sentinels cover
// the structural failures that must surface to the caller instead.
package memerr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a bad or missing required field, e.g. a local
	// write without a session id.
	ErrValidation = errors.New("validation error")

	// ErrNotFound marks a lookup of an unknown record id.
	ErrNotFound = errors.New("not found")

	// ErrDimensionMismatch marks inconsistent vector lengths.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrStorage marks an I/O failure in the persistence engine.
	ErrStorage = errors.New("storage error")

	// ErrUpstream marks an unreachable or failing embedding/generation
	// service.
	ErrUpstream = errors.New("upstream unavailable")
)

// Dimension builds a DimensionMismatch error carrying both lengths.
func Dimension(want, got int) error {
	return fmt.Errorf("%w: want %d, got %d", ErrDimensionMismatch, want, got)
}

// Validation wraps a field-level message as a validation error.
func Validation(msg string) error {
	return fmt.Errorf("%w: %s", ErrValidation, msg)
}
