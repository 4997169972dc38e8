// Package remote defines the remote field-service API the sync core replays
// offline actions against, and a default HTTP implementation.
package remote

import (
	"context"
	"errors"
	"fmt"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/models"
)

// API is the remote service. A nil error means the server accepted the call.
type API interface {
	UpdateAssignment(ctx context.Context, p models.AssignmentPayload) error
	SubmitWorkLog(ctx context.Context, p models.WorkLogPayload) error
	UploadPhoto(ctx context.Context, p models.PhotoPayload) error
	CheckIn(ctx context.Context, p models.AttendancePayload) error
	CheckOut(ctx context.Context, p models.AttendancePayload) error
	UpdateProfile(ctx context.Context, p models.ProfilePayload) error

	FetchAssignments(ctx context.Context) ([]models.Assignment, error)
	FetchProfile(ctx context.Context) (*models.WorkerProfile, error)
}

// PermanentError marks a failure that retrying cannot fix, such as a
// validation rejection from the server.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err as a PermanentError. Permanent(nil) returns nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries a PermanentError.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// Dispatch replays action against api.
func Dispatch(ctx context.Context, api API, action models.OfflineAction) error {
	switch action.Type {
	case models.ActionStartWork, models.ActionUpdateProgress, models.ActionCompleteWork, models.ActionAssignmentUpdate:
		var p models.AssignmentPayload
		if err := decode(action, &p); err != nil {
			return err
		}
		p = p.WithImpliedStatus(action.Type)
		// The ledger index is local bookkeeping, not part of the request.
		p.LedgerIndex = nil
		return api.UpdateAssignment(ctx, p)

	case models.ActionWorkLog:
		var p models.WorkLogPayload
		if err := decode(action, &p); err != nil {
			return err
		}
		return api.SubmitWorkLog(ctx, p)

	case models.ActionPhotoUpload:
		var p models.PhotoPayload
		if err := decode(action, &p); err != nil {
			return err
		}
		return api.UploadPhoto(ctx, p)

	case models.ActionCheckIn, models.ActionCheckOut:
		var p models.AttendancePayload
		if err := decode(action, &p); err != nil {
			return err
		}
		if p.At.IsZero() {
			p.At = action.CreatedAt
		}
		if action.Type == models.ActionCheckIn {
			return api.CheckIn(ctx, p)
		}
		return api.CheckOut(ctx, p)

	case models.ActionUpdateProfile:
		var p models.ProfilePayload
		if err := decode(action, &p); err != nil {
			return err
		}
		return api.UpdateProfile(ctx, p)

	default:
		return Permanent(apperrors.Newf(apperrors.ErrInvalid, "no remote operation for action type %q", action.Type))
	}
}

// A payload that cannot be decoded will never succeed, so it is permanent.
func decode(action models.OfflineAction, v interface{}) error {
	if err := action.DecodePayload(v); err != nil {
		return Permanent(apperrors.Wrap(apperrors.ErrInvalid, "malformed action payload", err))
	}
	return nil
}
