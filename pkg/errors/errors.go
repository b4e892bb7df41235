// Package errors provides common domain error types for the inlet application.
//
// This package defines sentinel errors for common domain conditions like "not found"
// or "insufficient credits" that can be used across all packages. Using typed errors
// enables consistent error handling patterns with errors.Is() checks.
//
// Usage:
//
//	import inerrors "github.com/inletmail/inlet/pkg/errors"
//
//	// Return a domain error
//	return nil, inerrors.ErrNotFound
//
//	// Check for domain errors
//	if inerrors.IsInsufficientCredits(err) {
//	    // handle as a business condition, not a crash
//	}
package errors

import "errors"

// Domain errors - common sentinel errors for domain conditions.
var (
	// ErrNotFound indicates the requested resource was not found.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a conflict with existing data (e.g., duplicate key).
	ErrConflict = errors.New("conflict")

	// ErrValidation indicates invalid input or validation failure.
	ErrValidation = errors.New("validation error")

	// ErrInsufficientCredits indicates the owner's balance cannot cover the
	// requested charge. It is a business condition, never a system crash.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrAlreadyRefunded indicates the transaction has already been compensated.
	ErrAlreadyRefunded = errors.New("already refunded")

	// ErrInvalidState indicates the operation is not valid for the current state.
	ErrInvalidState = errors.New("invalid state")

	// ErrStoreUnhealthy indicates a durability store failed its health probe.
	// Pipelines must fail fast rather than run without durability.
	ErrStoreUnhealthy = errors.New("store unhealthy")
)

// IsNotFound reports whether any error in err's chain is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether any error in err's chain is ErrConflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsValidation reports whether any error in err's chain is ErrValidation.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsInsufficientCredits reports whether any error in err's chain is ErrInsufficientCredits.
func IsInsufficientCredits(err error) bool {
	return errors.Is(err, ErrInsufficientCredits)
}

// IsAlreadyRefunded reports whether any error in err's chain is ErrAlreadyRefunded.
func IsAlreadyRefunded(err error) bool {
	return errors.Is(err, ErrAlreadyRefunded)
}

// IsInvalidState reports whether any error in err's chain is ErrInvalidState.
func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}

// IsStoreUnhealthy reports whether any error in err's chain is ErrStoreUnhealthy.
func IsStoreUnhealthy(err error) bool {
	return errors.Is(err, ErrStoreUnhealthy)
}
