// Package uuid provides unit tests for identifier generation and validation.
package uuid

import (
	"testing"

	"github.com/google/uuid"
)

// TestNewActionID verifies action ids are valid v7 UUIDs.
func TestNewActionID(t *testing.T) {
	id := NewActionID()

	parsed, err := uuid.Parse(id)
	if err != nil {
		t.Fatalf("NewActionID() = %q is not a UUID: %v", id, err)
	}
	if parsed.Version() != 7 {
		t.Errorf("NewActionID() version = %d, want 7", parsed.Version())
	}
}

// TestNewActionIDUniqueness verifies that ids do not collide.
func TestNewActionIDUniqueness(t *testing.T) {
	ids := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewActionID()
		if ids[id] {
			t.Fatalf("Duplicate action id generated: %s", id)
		}
		ids[id] = true
	}
}

// TestNew verifies v4 generation.
func TestNew(t *testing.T) {
	parsed, err := uuid.Parse(New())
	if err != nil {
		t.Fatalf("New() is not a UUID: %v", err)
	}
	if parsed.Version() != 4 {
		t.Errorf("New() version = %d, want 4", parsed.Version())
	}
}

// TestIsValid verifies canonical-form validation.
func TestIsValid(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"v4", "f47ac10b-58cc-4372-a567-0e02b2c3d479", true},
		{"v7", "01890a5d-ac96-774b-bcce-b302099a8057", true},
		{"braces", "{f47ac10b-58cc-4372-a567-0e02b2c3d479}", false},
		{"no dashes", "f47ac10b58cc4372a5670e02b2c3d479", false},
		{"garbage", "not-a-uuid", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValid(tt.in); got != tt.want {
				t.Errorf("IsValid(%q) = %v, want %v", tt.in, got, tt.want)
			}
			if err := Validate(tt.in); (err == nil) != tt.want {
				t.Errorf("Validate(%q) error = %v", tt.in, err)
			}
		})
	}
}
