// Package kerr defines the error kinds shared across the IAM core.
package kerr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a lookup by id misses.
	ErrNotFound = errors.New("not found")

	// ErrConstraintViolation is returned when a role or SoD constraint rejects
	// an operation. The wrapping message names the violated constraint.
	ErrConstraintViolation = errors.New("constraint violation")

	// ErrStateConflict is returned on an illegal lifecycle transition.
	ErrStateConflict = errors.New("state conflict")

	// ErrInvalidInput is returned for malformed or missing required fields.
	ErrInvalidInput = errors.New("invalid input")
)

// NotFound wraps ErrNotFound with the entity kind and id.
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
}

// Constraint wraps ErrConstraintViolation naming the violated constraint.
func Constraint(name, detail string) error {
	return fmt.Errorf("%s: %s: %w", name, detail, ErrConstraintViolation)
}

// StateConflict wraps ErrStateConflict with the attempted transition.
func StateConflict(kind, id, from, to string) error {
	return fmt.Errorf("%s %q: cannot transition %s -> %s: %w", kind, id, from, to, ErrStateConflict)
}

// Invalid wraps ErrInvalidInput with a reason.
func Invalid(reason string) error {
	return fmt.Errorf("%s: %w", reason, ErrInvalidInput)
}
