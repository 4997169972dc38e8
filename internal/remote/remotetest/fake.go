// Package remotetest provides an in-memory remote.API for tests.
package remotetest

import (
	"context"
	"sync"

	"github.com/kimhsiao/fieldsync/internal/models"
)

// Call records one API invocation.
type Call struct {
	Method  string
	Payload interface{}
}

// FakeAPI records calls and returns scripted errors.
type FakeAPI struct {
	mu    sync.Mutex
	calls []Call

	// FailWith returns the error for a call, or nil to succeed. It may be nil.
	FailWith func(method string, payload interface{}) error

	Assignments []models.Assignment
	Profile     *models.WorkerProfile

	// OnCall runs before the call returns, outside the lock. A call whose
	// context is done by then fails with the context error.
	OnCall func(ctx context.Context, method string)
}

// Calls returns a copy of the recorded calls.
func (f *FakeAPI) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Methods returns the recorded method names in order.
func (f *FakeAPI) Methods() []string {
	var out []string
	for _, c := range f.Calls() {
		out = append(out, c.Method)
	}
	return out
}

func (f *FakeAPI) record(ctx context.Context, method string, payload interface{}) error {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Method: method, Payload: payload})
	fail := f.FailWith
	hook := f.OnCall
	f.mu.Unlock()

	if hook != nil {
		hook(ctx, method)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if fail != nil {
		return fail(method, payload)
	}
	return nil
}

func (f *FakeAPI) UpdateAssignment(ctx context.Context, p models.AssignmentPayload) error {
	return f.record(ctx, "UpdateAssignment", p)
}

func (f *FakeAPI) SubmitWorkLog(ctx context.Context, p models.WorkLogPayload) error {
	return f.record(ctx, "SubmitWorkLog", p)
}

func (f *FakeAPI) UploadPhoto(ctx context.Context, p models.PhotoPayload) error {
	return f.record(ctx, "UploadPhoto", p)
}

func (f *FakeAPI) CheckIn(ctx context.Context, p models.AttendancePayload) error {
	return f.record(ctx, "CheckIn", p)
}

func (f *FakeAPI) CheckOut(ctx context.Context, p models.AttendancePayload) error {
	return f.record(ctx, "CheckOut", p)
}

func (f *FakeAPI) UpdateProfile(ctx context.Context, p models.ProfilePayload) error {
	return f.record(ctx, "UpdateProfile", p)
}

func (f *FakeAPI) FetchAssignments(ctx context.Context) ([]models.Assignment, error) {
	if err := f.record(ctx, "FetchAssignments", nil); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Assignment(nil), f.Assignments...), nil
}

func (f *FakeAPI) FetchProfile(ctx context.Context) (*models.WorkerProfile, error) {
	if err := f.record(ctx, "FetchProfile", nil); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Profile, nil
}
