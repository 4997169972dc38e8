package orchestrator

import (
	"time"

	"github.com/kimhsiao/fieldsync/internal/models"
)

// EventType names a sync lifecycle event.
type EventType string

const (
	EventSyncStarted   EventType = "sync.started"
	EventSyncCompleted EventType = "sync.completed"
	EventActionDropped EventType = "sync.action_dropped"
)

// Event is published to subscribers as a drain progresses.
type Event struct {
	Type    EventType `json:"type"`
	At      time.Time `json:"at"`
	Pending int       `json:"pending"`

	// Set for EventSyncCompleted.
	Result *DrainResult `json:"result,omitempty"`

	// Set for EventActionDropped.
	ActionID   string            `json:"actionId,omitempty"`
	ActionType models.ActionType `json:"actionType,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Error      string            `json:"error,omitempty"`
}
