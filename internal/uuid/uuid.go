// Package uuid provides identifier generation for queued actions.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// NewActionID generates a time-ordered UUID v7 for an offline action.
// Falls back to a random v4 if the v7 generator fails.
func NewActionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// New generates a new random UUID v4.
func New() string {
	return uuid.New().String()
}

// IsValid reports whether s parses as a UUID (any version) in canonical form.
func IsValid(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// Validate returns an error if s is not a canonical UUID.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid UUID format: %q", s)
	}
	return nil
}
