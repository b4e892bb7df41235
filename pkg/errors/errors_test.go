package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestSentinelHelpers(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"not found", ErrNotFound, IsNotFound},
		{"conflict", ErrConflict, IsConflict},
		{"validation", ErrValidation, IsValidation},
		{"insufficient credits", ErrInsufficientCredits, IsInsufficientCredits},
		{"already refunded", ErrAlreadyRefunded, IsAlreadyRefunded},
		{"invalid state", ErrInvalidState, IsInvalidState},
		{"store unhealthy", ErrStoreUnhealthy, IsStoreUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(tt.err) {
				t.Errorf("check failed for bare sentinel")
			}
			wrapped := fmt.Errorf("ledger: %w", tt.err)
			if !tt.check(wrapped) {
				t.Errorf("check failed for wrapped sentinel")
			}
			if tt.check(errors.New("unrelated")) {
				t.Errorf("check matched unrelated error")
			}
		})
	}
}

func TestIsInsufficientCredits_NotGeneric(t *testing.T) {
	if IsInsufficientCredits(ErrValidation) {
		t.Error("validation error must not classify as insufficient credits")
	}
}
