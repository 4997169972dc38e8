// Package queue provides the durable FIFO queue of offline actions.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/storage"
	"github.com/kimhsiao/fieldsync/internal/uuid"
)

// Defaults for PruneExpiredOrExhausted.
const (
	DefaultMaxAge     = 7 * 24 * time.Hour
	DefaultMaxRetries = 5
)

// Options configures a SyncQueue.
type Options struct {
	// MaxSize caps the number of queued actions. Zero means unbounded.
	MaxSize int
	Logger  *logging.Logger
	Now     func() time.Time
}

// SyncQueue holds pending offline actions in insertion order. Every mutation
// persists the whole queue under storage.KeyActionQueue before returning.
type SyncQueue struct {
	mu      sync.Mutex
	items   []models.OfflineAction
	kv      storage.KV
	maxSize int
	now     func() time.Time
	logger  *logging.Logger
}

// New creates a SyncQueue over kv and loads any actions persisted by a
// previous process.
func New(ctx context.Context, kv storage.KV, opts Options) (*SyncQueue, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Get()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	q := &SyncQueue{
		kv:      kv,
		maxSize: opts.MaxSize,
		now:     now,
		logger:  logger.Component("queue"),
	}
	if err := q.Load(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// Load replaces the in-memory queue with the persisted one.
func (q *SyncQueue) Load(ctx context.Context) error {
	var items []models.OfflineAction
	if _, err := storage.GetJSON(ctx, q.kv, storage.KeyActionQueue, &items); err != nil {
		return err
	}

	q.mu.Lock()
	q.items = items
	q.mu.Unlock()

	if len(items) > 0 {
		q.logger.Info("Restored offline actions", map[string]interface{}{"count": len(items)})
	}
	return nil
}

// Enqueue appends a new action with retry count zero and returns its id.
func (q *SyncQueue) Enqueue(ctx context.Context, actionType models.ActionType, payload interface{}) (string, error) {
	if !actionType.Valid() {
		return "", apperrors.Newf(apperrors.ErrInvalid, "unknown action type %q", actionType)
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.maxSize > 0 && len(q.items) >= q.maxSize {
		return "", apperrors.Newf(apperrors.ErrQueueFull, "queue is full (max size: %d)", q.maxSize)
	}

	action := models.OfflineAction{
		ID:        uuid.NewActionID(),
		Type:      actionType,
		Payload:   raw,
		CreatedAt: q.now().UTC(),
	}

	next := append(q.snapshotLocked(), action)
	if err := q.commitLocked(ctx, next); err != nil {
		return "", err
	}

	q.logger.Debug("Enqueued action", map[string]interface{}{"id": action.ID, "type": string(action.Type)})
	return action.ID, nil
}

// List returns a copy of the queued actions in FIFO order.
func (q *SyncQueue) List() []models.OfflineAction {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]models.OfflineAction, len(q.items))
	for i, a := range q.items {
		out[i] = a.Clone()
	}
	return out
}

// Get returns a copy of the action with id.
func (q *SyncQueue) Get(id string) (models.OfflineAction, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if i := q.indexLocked(id); i >= 0 {
		return q.items[i].Clone(), true
	}
	return models.OfflineAction{}, false
}

// Len returns the number of queued actions.
func (q *SyncQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Remove deletes the action with id. Removing an unknown id is a no-op.
func (q *SyncQueue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexLocked(id)
	if i < 0 {
		return nil
	}

	next := q.snapshotLocked()
	next = append(next[:i], next[i+1:]...)
	return q.commitLocked(ctx, next)
}

// IncrementRetry bumps the retry count of id and returns the new count.
func (q *SyncQueue) IncrementRetry(ctx context.Context, id string) (int, error) {
	return q.bump(ctx, id, "")
}

// RecordFailure bumps the retry count of id and stores the failure text.
func (q *SyncQueue) RecordFailure(ctx context.Context, id string, cause error) (int, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return q.bump(ctx, id, msg)
}

func (q *SyncQueue) bump(ctx context.Context, id, lastError string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexLocked(id)
	if i < 0 {
		return 0, apperrors.Newf(apperrors.ErrNotFound, "action %s not found", id)
	}

	next := q.snapshotLocked()
	next[i].RetryCount++
	if lastError != "" {
		next[i].LastError = lastError
	}
	if err := q.commitLocked(ctx, next); err != nil {
		return 0, err
	}
	return next[i].RetryCount, nil
}

// PruneExpiredOrExhausted removes actions older than maxAge or with at least
// maxRetries attempts. Non-positive arguments use the defaults.
func (q *SyncQueue) PruneExpiredOrExhausted(ctx context.Context, maxAge time.Duration, maxRetries int) (int, error) {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	kept := make([]models.OfflineAction, 0, len(q.items))
	var pruned []models.OfflineAction
	for _, a := range q.items {
		if a.Age(now) > maxAge || a.RetryCount >= maxRetries {
			pruned = append(pruned, a)
			continue
		}
		kept = append(kept, a)
	}
	if len(pruned) == 0 {
		return 0, nil
	}

	if err := q.commitLocked(ctx, kept); err != nil {
		return 0, err
	}
	for _, a := range pruned {
		q.logger.Warn("Pruned offline action", map[string]interface{}{
			"id":          a.ID,
			"type":        string(a.Type),
			"retry_count": a.RetryCount,
			"age":         a.Age(now).String(),
		})
	}
	return len(pruned), nil
}

// Clear removes every queued action.
func (q *SyncQueue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.commitLocked(ctx, []models.OfflineAction{}); err != nil {
		return err
	}
	q.logger.Info("Queue cleared")
	return nil
}

// Stats summarizes the queue by action type.
type Stats struct {
	Total   int                       `json:"total"`
	Retried int                       `json:"retried"`
	ByType  map[models.ActionType]int `json:"byType"`
	Oldest  *time.Time                `json:"oldest,omitempty"`
}

// GetStats returns queue statistics.
func (q *SyncQueue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := Stats{Total: len(q.items), ByType: make(map[models.ActionType]int)}
	for _, a := range q.items {
		stats.ByType[a.Type]++
		if a.RetryCount > 0 {
			stats.Retried++
		}
	}
	if len(q.items) > 0 {
		oldest := q.items[0].CreatedAt
		stats.Oldest = &oldest
	}
	return stats
}

// commitLocked persists next and, only on success, makes it the live queue.
func (q *SyncQueue) commitLocked(ctx context.Context, next []models.OfflineAction) error {
	if _, err := storage.SetJSON(ctx, q.kv, storage.KeyActionQueue, next); err != nil {
		q.logger.ErrorWithCode("Failed to persist queue", string(apperrors.CodeOf(err)), err)
		return err
	}
	q.items = next
	return nil
}

func (q *SyncQueue) snapshotLocked() []models.OfflineAction {
	out := make([]models.OfflineAction, len(q.items), len(q.items)+1)
	copy(out, q.items)
	return out
}

func (q *SyncQueue) indexLocked(id string) int {
	for i := range q.items {
		if q.items[i].ID == id {
			return i
		}
	}
	return -1
}

func marshalPayload(payload interface{}) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, apperrors.New(apperrors.ErrInvalid, "payload is not valid JSON")
		}
		return append(json.RawMessage(nil), p...), nil
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalid, fmt.Sprintf("encode payload of type %T", payload), err)
		}
		return raw, nil
	}
}
