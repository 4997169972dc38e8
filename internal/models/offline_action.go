// Package models provides data model definitions for the FieldSync core.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ActionType identifies the remote mutation an offline action replays.
type ActionType string

const (
	ActionStartWork        ActionType = "START_WORK"
	ActionUpdateProgress   ActionType = "UPDATE_PROGRESS"
	ActionCompleteWork     ActionType = "COMPLETE_WORK"
	ActionUpdateProfile    ActionType = "UPDATE_PROFILE"
	ActionWorkLog          ActionType = "WORK_LOG"
	ActionAssignmentUpdate ActionType = "ASSIGNMENT_UPDATE"
	ActionPhotoUpload      ActionType = "PHOTO_UPLOAD"
	ActionCheckIn          ActionType = "CHECK_IN"
	ActionCheckOut         ActionType = "CHECK_OUT"
)

// ActionTypes lists every known action type in declaration order.
var ActionTypes = []ActionType{
	ActionStartWork,
	ActionUpdateProgress,
	ActionCompleteWork,
	ActionUpdateProfile,
	ActionWorkLog,
	ActionAssignmentUpdate,
	ActionPhotoUpload,
	ActionCheckIn,
	ActionCheckOut,
}

// Valid reports whether t is a known action type.
func (t ActionType) Valid() bool {
	for _, known := range ActionTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseActionType converts a string to an ActionType.
func ParseActionType(s string) (ActionType, error) {
	t := ActionType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown action type %q", s)
	}
	return t, nil
}

// OfflineAction is a durably queued intent to mutate remote state.
type OfflineAction struct {
	ID         string          `json:"id"`
	Type       ActionType      `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"createdAt"`
	RetryCount int             `json:"retryCount"`
	LastError  string          `json:"lastError,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate queue-owned state.
func (a OfflineAction) Clone() OfflineAction {
	c := a
	if a.Payload != nil {
		c.Payload = append(json.RawMessage(nil), a.Payload...)
	}
	return c
}

// DecodePayload unmarshals the payload into v.
func (a OfflineAction) DecodePayload(v interface{}) error {
	if len(a.Payload) == 0 {
		return fmt.Errorf("action %s has empty payload", a.ID)
	}
	if err := json.Unmarshal(a.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", a.Type, err)
	}
	return nil
}

// Age returns how long ago the action was created relative to now.
func (a OfflineAction) Age(now time.Time) time.Duration {
	return now.Sub(a.CreatedAt)
}
