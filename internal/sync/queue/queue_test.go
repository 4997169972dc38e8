package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =====================================================
// Test Helpers
// =====================================================

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestQueue(t *testing.T, kv storage.KV, clock *fakeClock, maxSize int) *SyncQueue {
	t.Helper()
	q, err := New(context.Background(), kv, Options{
		MaxSize: maxSize,
		Logger:  logging.New(&bytes.Buffer{}, logging.LevelError),
		Now:     clock.Now,
	})
	require.NoError(t, err)
	return q
}

func progress(id string, percent int) models.AssignmentPayload {
	return models.AssignmentPayload{AssignmentID: id, Percent: &percent}
}

// =====================================================
// Enqueue / List Tests
// =====================================================

// TestEnqueue verifies a new action is persisted with retry count zero.
func TestEnqueue(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryKV()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	q := newTestQueue(t, kv, clock, 0)

	id, err := q.Enqueue(ctx, models.ActionUpdateProgress, progress("a1", 50))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	items := q.List()
	require.Len(t, items, 1)
	assert.Equal(t, id, items[0].ID)
	assert.Equal(t, models.ActionUpdateProgress, items[0].Type)
	assert.Equal(t, 0, items[0].RetryCount)
	assert.True(t, items[0].CreatedAt.Equal(clock.Now()))
	assert.JSONEq(t, `{"assignmentId":"a1","percent":50}`, string(items[0].Payload))

	raw, ok, err := kv.Get(ctx, storage.KeyActionQueue)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, raw, id)
}

// TestEnqueue_RejectsUnknownType verifies input validation.
func TestEnqueue_RejectsUnknownType(t *testing.T) {
	q := newTestQueue(t, storage.NewMemoryKV(), &fakeClock{t: time.Now()}, 0)

	_, err := q.Enqueue(context.Background(), models.ActionType("DANCE"), nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	_, err = q.Enqueue(context.Background(), models.ActionWorkLog, json.RawMessage(`{broken`))
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
	assert.Zero(t, q.Len())
}

// TestList_FIFO verifies insertion order and that List returns copies.
func TestList_FIFO(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, storage.NewMemoryKV(), &fakeClock{t: time.Now()}, 0)

	var ids []string
	for _, typ := range []models.ActionType{models.ActionCheckIn, models.ActionStartWork, models.ActionWorkLog, models.ActionCheckOut} {
		id, err := q.Enqueue(ctx, typ, map[string]string{"k": "v"})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	items := q.List()
	got := make([]string, len(items))
	for i, a := range items {
		got[i] = a.ID
	}
	assert.Equal(t, ids, got)

	items[0].RetryCount = 99
	items[0].Payload[0] = 'X'
	fresh, ok := q.Get(ids[0])
	require.True(t, ok)
	assert.Equal(t, 0, fresh.RetryCount)
	assert.Equal(t, byte('{'), fresh.Payload[0])
}

// TestEnqueue_QueueFull verifies the optional capacity bound.
func TestEnqueue_QueueFull(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, storage.NewMemoryKV(), &fakeClock{t: time.Now()}, 2)

	_, err := q.Enqueue(ctx, models.ActionCheckIn, nil)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, models.ActionCheckOut, nil)
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, models.ActionWorkLog, nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrQueueFull))
	assert.Equal(t, 2, q.Len())
}

// =====================================================
// Durability Tests
// =====================================================

// TestDurability_Reload verifies a fresh queue over the same store sees the
// same actions in the same order.
func TestDurability_Reload(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryKV()
	clock := &fakeClock{t: time.Now()}
	q := newTestQueue(t, kv, clock, 0)

	first, err := q.Enqueue(ctx, models.ActionStartWork, progress("a1", 0))
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, models.ActionUpdateProgress, progress("a1", 25))
	require.NoError(t, err)
	_, err = q.IncrementRetry(ctx, first)
	require.NoError(t, err)

	reloaded := newTestQueue(t, kv, clock, 0)
	items := reloaded.List()
	require.Len(t, items, 2)
	assert.Equal(t, first, items[0].ID)
	assert.Equal(t, 1, items[0].RetryCount)
	assert.Equal(t, second, items[1].ID)
}

// TestDurability_FileStore verifies reload through the file-backed store.
func TestDurability_FileStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	kv, err := storage.NewFileKV(dir)
	require.NoError(t, err)
	q := newTestQueue(t, kv, &fakeClock{t: time.Now()}, 0)

	id, err := q.Enqueue(ctx, models.ActionCheckIn, models.AttendancePayload{WorkerID: "w1"})
	require.NoError(t, err)

	kv2, err := storage.NewFileKV(dir)
	require.NoError(t, err)
	reloaded := newTestQueue(t, kv2, &fakeClock{t: time.Now()}, 0)
	_, ok := reloaded.Get(id)
	assert.True(t, ok)
}

// TestNew_CorruptedState verifies unreadable persisted state is reported.
func TestNew_CorruptedState(t *testing.T) {
	kv := storage.NewMemoryKV()
	require.NoError(t, kv.Set(context.Background(), storage.KeyActionQueue, "not json"))

	_, err := New(context.Background(), kv, Options{Logger: logging.New(&bytes.Buffer{}, logging.LevelError)})
	assert.True(t, apperrors.Is(err, apperrors.ErrCorrupted))
}

// TestPersistenceFailure_RollsBack verifies failed writes leave memory unchanged.
func TestPersistenceFailure_RollsBack(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryKV()
	q := newTestQueue(t, kv, &fakeClock{t: time.Now()}, 0)

	id, err := q.Enqueue(ctx, models.ActionCheckIn, nil)
	require.NoError(t, err)

	kv.SetFailWrites(errors.New("disk full"))

	_, err = q.Enqueue(ctx, models.ActionCheckOut, nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrPersistence))
	assert.Equal(t, 1, q.Len())

	_, err = q.IncrementRetry(ctx, id)
	assert.True(t, apperrors.Is(err, apperrors.ErrPersistence))
	a, _ := q.Get(id)
	assert.Equal(t, 0, a.RetryCount)

	err = q.Remove(ctx, id)
	assert.True(t, apperrors.Is(err, apperrors.ErrPersistence))
	assert.Equal(t, 1, q.Len())

	kv.SetFailWrites(nil)
	reloaded := newTestQueue(t, kv, &fakeClock{t: time.Now()}, 0)
	items := reloaded.List()
	require.Len(t, items, 1)
	assert.Equal(t, id, items[0].ID)
	assert.Equal(t, 0, items[0].RetryCount)
}

// =====================================================
// Remove / Retry Tests
// =====================================================

// TestRemove_Idempotent verifies removing twice or removing unknown ids.
func TestRemove_Idempotent(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, storage.NewMemoryKV(), &fakeClock{t: time.Now()}, 0)

	id, err := q.Enqueue(ctx, models.ActionWorkLog, nil)
	require.NoError(t, err)

	require.NoError(t, q.Remove(ctx, id))
	require.NoError(t, q.Remove(ctx, id))
	require.NoError(t, q.Remove(ctx, "never-existed"))
	assert.Zero(t, q.Len())
}

// TestIncrementRetry verifies counts only increase and unknown ids fail.
func TestIncrementRetry(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, storage.NewMemoryKV(), &fakeClock{t: time.Now()}, 0)

	id, err := q.Enqueue(ctx, models.ActionPhotoUpload, models.PhotoPayload{FilePath: "/tmp/p.jpg"})
	require.NoError(t, err)

	for want := 1; want <= 3; want++ {
		n, err := q.IncrementRetry(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	n, err := q.RecordFailure(ctx, id, errors.New("HTTP 503"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	a, _ := q.Get(id)
	assert.Equal(t, "HTTP 503", a.LastError)

	_, err = q.IncrementRetry(ctx, "missing")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

// =====================================================
// Prune Tests
// =====================================================

// TestPruneExpiredOrExhausted verifies age and retry thresholds.
func TestPruneExpiredOrExhausted(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	q := newTestQueue(t, storage.NewMemoryKV(), clock, 0)

	old, err := q.Enqueue(ctx, models.ActionCheckIn, nil)
	require.NoError(t, err)

	clock.Advance(3 * 24 * time.Hour)
	exhausted, err := q.Enqueue(ctx, models.ActionWorkLog, nil)
	require.NoError(t, err)
	for i := 0; i < DefaultMaxRetries; i++ {
		_, err := q.IncrementRetry(ctx, exhausted)
		require.NoError(t, err)
	}
	fresh, err := q.Enqueue(ctx, models.ActionCheckOut, nil)
	require.NoError(t, err)

	clock.Advance(4*24*time.Hour + time.Minute)

	removed, err := q.PruneExpiredOrExhausted(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, ok := q.Get(old)
	assert.False(t, ok)
	_, ok = q.Get(exhausted)
	assert.False(t, ok)
	_, ok = q.Get(fresh)
	assert.True(t, ok)

	removed, err = q.PruneExpiredOrExhausted(ctx, DefaultMaxAge, DefaultMaxRetries)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

// TestClearAndStats verifies Clear and GetStats.
func TestClearAndStats(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, storage.NewMemoryKV(), &fakeClock{t: time.Now()}, 0)

	id, _ := q.Enqueue(ctx, models.ActionCheckIn, nil)
	_, _ = q.Enqueue(ctx, models.ActionCheckIn, nil)
	_, _ = q.Enqueue(ctx, models.ActionWorkLog, nil)
	_, _ = q.IncrementRetry(ctx, id)

	stats := q.GetStats()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Retried)
	assert.Equal(t, 2, stats.ByType[models.ActionCheckIn])
	assert.NotNil(t, stats.Oldest)

	require.NoError(t, q.Clear(ctx))
	assert.Zero(t, q.Len())
	assert.Nil(t, q.GetStats().Oldest)
}
