package models

import "time"

// Assignment status values.
const (
	AssignmentPending    = "pending"
	AssignmentInProgress = "in_progress"
	AssignmentCompleted  = "completed"
)

// GeoPoint is a WGS84 coordinate.
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Assignment is a civic issue assigned to a field worker.
type Assignment struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	Progress  int       `json:"progress"`
	Address   string    `json:"address,omitempty"`
	Location  *GeoPoint `json:"location,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// WorkerProfile is the signed-in worker's profile.
type WorkerProfile struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Phone      string    `json:"phone,omitempty"`
	Email      string    `json:"email,omitempty"`
	Department string    `json:"department,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// AssignmentPayload is the payload for START_WORK, UPDATE_PROGRESS,
// COMPLETE_WORK and ASSIGNMENT_UPDATE actions.
type AssignmentPayload struct {
	AssignmentID string    `json:"assignmentId"`
	Status       string    `json:"status,omitempty"`
	Percent      *int      `json:"percent,omitempty"`
	Note         string    `json:"note,omitempty"`
	Location     *GeoPoint `json:"location,omitempty"`
	// LedgerIndex points at the buffered update this action delivers.
	LedgerIndex *int `json:"ledgerIndex,omitempty"`
}

// WithImpliedStatus returns p with the status and percent the action type
// stands for filled in when the payload leaves them out.
func (p AssignmentPayload) WithImpliedStatus(t ActionType) AssignmentPayload {
	switch t {
	case ActionStartWork:
		if p.Status == "" {
			p.Status = AssignmentInProgress
		}
	case ActionCompleteWork:
		if p.Status == "" {
			p.Status = AssignmentCompleted
		}
		if p.Percent == nil {
			full := 100
			p.Percent = &full
		}
	}
	return p
}

// WorkLogPayload is the payload for WORK_LOG actions.
type WorkLogPayload struct {
	AssignmentID string    `json:"assignmentId"`
	WorkerID     string    `json:"workerId"`
	Description  string    `json:"description"`
	HoursSpent   float64   `json:"hoursSpent,omitempty"`
	LoggedAt     time.Time `json:"loggedAt"`
}

// PhotoPayload is the payload for PHOTO_UPLOAD actions. FilePath refers to
// a file on local storage that the upload transport streams.
type PhotoPayload struct {
	FilePath     string    `json:"filePath"`
	WorkerID     string    `json:"workerId"`
	AssignmentID string    `json:"assignmentId"`
	Location     *GeoPoint `json:"location,omitempty"`
	Caption      string    `json:"caption,omitempty"`
}

// AttendancePayload is the payload for CHECK_IN and CHECK_OUT actions.
type AttendancePayload struct {
	WorkerID     string    `json:"workerId"`
	AssignmentID string    `json:"assignmentId,omitempty"`
	Location     *GeoPoint `json:"location,omitempty"`
	At           time.Time `json:"at"`
}

// ProfilePayload is the payload for UPDATE_PROFILE actions.
type ProfilePayload struct {
	Name       string `json:"name,omitempty"`
	Phone      string `json:"phone,omitempty"`
	Email      string `json:"email,omitempty"`
	Department string `json:"department,omitempty"`
}
