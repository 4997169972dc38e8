// Package cache stores read-mostly server records locally with a TTL.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/storage"
)

// DefaultTTL is how long a cached record stays readable.
const DefaultTTL = 24 * time.Hour

// Kind names a cached collection.
type Kind string

const (
	KindAssignments Kind = "assignments"
	KindProfile     Kind = "profile"
)

// Key returns the storage key of the collection.
func (k Kind) Key() string {
	return storage.KeyCachePrefix + string(k)
}

type entry = models.CachedEntity[json.RawMessage]

// Options configures a Store.
type Options struct {
	TTL    time.Duration
	Logger *logging.Logger
	Now    func() time.Time
}

// Store is the local cache. Every kind is persisted as a JSON array of
// CachedEntity values; singletons are arrays of at most one element.
type Store struct {
	mu     sync.Mutex
	kv     storage.KV
	ttl    time.Duration
	now    func() time.Time
	logger *logging.Logger
}

// Stats summarizes what the cache holds.
type Stats struct {
	RecordCount    int        `json:"recordCount"`
	ApproxByteSize int        `json:"approxByteSize"`
	LastSyncAt     *time.Time `json:"lastSyncAt"`
}

// New creates a Store over kv.
func New(kv storage.KV, opts Options) *Store {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Get()
	}
	return &Store{kv: kv, ttl: ttl, now: now, logger: logger.Component("cache")}
}

// TTL returns the configured time to live.
func (s *Store) TTL() time.Duration { return s.ttl }

// Put replaces the collection of kind with records, stamped now.
func (s *Store) Put(ctx context.Context, kind Kind, records []json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stamp := s.now().UTC()
	entries := make([]entry, 0, len(records))
	for _, r := range records {
		entries = append(entries, entry{Data: r, CachedAt: stamp})
	}
	return s.writeLocked(ctx, kind, entries)
}

// Get returns the records of kind younger than the TTL. Stale records are
// purged from storage as a side effect.
func (s *Store) Get(ctx context.Context, kind Kind) ([]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fresh, err := s.freshLocked(ctx, kind)
	if err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, len(fresh))
	for i, e := range fresh {
		out[i] = e.Data
	}
	return out, nil
}

// PutSingleton stores a single record for kind.
func (s *Store) PutSingleton(ctx context.Context, kind Kind, record json.RawMessage) error {
	return s.Put(ctx, kind, []json.RawMessage{record})
}

// GetSingleton returns the record of kind, or false when absent or expired.
func (s *Store) GetSingleton(ctx context.Context, kind Kind) (json.RawMessage, bool, error) {
	records, err := s.Get(ctx, kind)
	if err != nil || len(records) == 0 {
		return nil, false, err
	}
	return records[0], true, nil
}

// Clear removes the collection of kind.
func (s *Store) Clear(ctx context.Context, kind Kind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.kv.Remove(ctx, kind.Key()); err != nil {
		return apperrors.Wrap(apperrors.ErrPersistence, fmt.Sprintf("clear cache %s", kind), err)
	}
	return nil
}

// PurgeExpired drops stale records from every cached kind and returns how
// many were removed.
func (s *Store) PurgeExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kinds, err := s.kindsLocked(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, kind := range kinds {
		all, err := s.readLocked(ctx, kind)
		if err != nil {
			return removed, err
		}
		fresh, err := s.freshLocked(ctx, kind)
		if err != nil {
			return removed, err
		}
		removed += len(all) - len(fresh)
	}
	return removed, nil
}

// Stats counts records across all kinds. Expired records that have not been
// purged yet are included.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats Stats
	kinds, err := s.kindsLocked(ctx)
	if err != nil {
		return stats, err
	}
	for _, kind := range kinds {
		raw, ok, err := s.kv.Get(ctx, kind.Key())
		if err != nil {
			return stats, apperrors.Wrap(apperrors.ErrPersistence, "read cache stats", err)
		}
		if !ok {
			continue
		}
		var entries []entry
		if err := json.Unmarshal([]byte(raw), &entries); err != nil {
			return stats, apperrors.Wrap(apperrors.ErrCorrupted, fmt.Sprintf("decode cache %s", kind), err)
		}
		stats.RecordCount += len(entries)
		stats.ApproxByteSize += len(raw)
	}

	var last time.Time
	found, err := storage.GetJSON(ctx, s.kv, storage.KeyLastSyncTimestamp, &last)
	if err != nil {
		return stats, err
	}
	if found {
		stats.LastSyncAt = &last
	}
	return stats, nil
}

// PutAssignments caches the worker's assignments.
func (s *Store) PutAssignments(ctx context.Context, assignments []models.Assignment) error {
	records := make([]json.RawMessage, 0, len(assignments))
	for _, a := range assignments {
		raw, err := json.Marshal(a)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInvalid, "encode assignment", err)
		}
		records = append(records, raw)
	}
	return s.Put(ctx, KindAssignments, records)
}

// GetAssignments returns cached assignments that have not expired.
func (s *Store) GetAssignments(ctx context.Context) ([]models.Assignment, error) {
	records, err := s.Get(ctx, KindAssignments)
	if err != nil {
		return nil, err
	}
	out := make([]models.Assignment, 0, len(records))
	for _, r := range records {
		var a models.Assignment
		if err := json.Unmarshal(r, &a); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCorrupted, "decode cached assignment", err)
		}
		out = append(out, a)
	}
	return out, nil
}

// PutProfile caches the worker profile.
func (s *Store) PutProfile(ctx context.Context, profile models.WorkerProfile) error {
	raw, err := json.Marshal(profile)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "encode profile", err)
	}
	return s.PutSingleton(ctx, KindProfile, raw)
}

// GetProfile returns the cached profile, or nil when absent or expired.
func (s *Store) GetProfile(ctx context.Context) (*models.WorkerProfile, error) {
	raw, ok, err := s.GetSingleton(ctx, KindProfile)
	if err != nil || !ok {
		return nil, err
	}
	var p models.WorkerProfile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCorrupted, "decode cached profile", err)
	}
	return &p, nil
}

// UpdateAssignment applies fn to the cached assignment with id. The record
// keeps its cached time, so a local edit never extends its TTL. It reports
// false when no unexpired record has that id.
func (s *Store) UpdateAssignment(ctx context.Context, id string, fn func(*models.Assignment)) (bool, error) {
	return s.update(ctx, KindAssignments, func(raw json.RawMessage) (json.RawMessage, bool, error) {
		var a models.Assignment
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, false, apperrors.Wrap(apperrors.ErrCorrupted, "decode cached assignment", err)
		}
		if a.ID != id {
			return nil, false, nil
		}
		fn(&a)
		out, err := json.Marshal(a)
		if err != nil {
			return nil, false, apperrors.Wrap(apperrors.ErrInvalid, "encode assignment", err)
		}
		return out, true, nil
	})
}

// UpdateProfile applies fn to the cached profile, keeping its cached time.
// It reports false when no unexpired profile is cached.
func (s *Store) UpdateProfile(ctx context.Context, fn func(*models.WorkerProfile)) (bool, error) {
	return s.update(ctx, KindProfile, func(raw json.RawMessage) (json.RawMessage, bool, error) {
		var p models.WorkerProfile
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, false, apperrors.Wrap(apperrors.ErrCorrupted, "decode cached profile", err)
		}
		fn(&p)
		out, err := json.Marshal(p)
		if err != nil {
			return nil, false, apperrors.Wrap(apperrors.ErrInvalid, "encode profile", err)
		}
		return out, true, nil
	})
}

// update rewrites the first unexpired record of kind that apply accepts.
func (s *Store) update(ctx context.Context, kind Kind, apply func(json.RawMessage) (json.RawMessage, bool, error)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.freshLocked(ctx, kind)
	if err != nil {
		return false, err
	}
	for i, e := range entries {
		next, ok, err := apply(e.Data)
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}
		entries[i].Data = next
		if err := s.writeLocked(ctx, kind, entries); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// freshLocked reads kind and rewrites it without stale entries if needed.
func (s *Store) freshLocked(ctx context.Context, kind Kind) ([]entry, error) {
	entries, err := s.readLocked(ctx, kind)
	if err != nil {
		return nil, err
	}

	now := s.now()
	fresh := entries[:0:0]
	for _, e := range entries {
		if !e.Expired(now, s.ttl) {
			fresh = append(fresh, e)
		}
	}
	if len(fresh) == len(entries) {
		return entries, nil
	}

	if err := s.writeLocked(ctx, kind, fresh); err != nil {
		// Readers still get the fresh view; the purge is retried next read.
		s.logger.Warn("Failed to purge stale cache entries", map[string]interface{}{
			"kind":  string(kind),
			"error": err.Error(),
		})
	} else {
		s.logger.Debug("Purged stale cache entries", map[string]interface{}{
			"kind":    string(kind),
			"removed": len(entries) - len(fresh),
		})
	}
	return fresh, nil
}

func (s *Store) readLocked(ctx context.Context, kind Kind) ([]entry, error) {
	var entries []entry
	if _, err := storage.GetJSON(ctx, s.kv, kind.Key(), &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) writeLocked(ctx context.Context, kind Kind, entries []entry) error {
	if entries == nil {
		entries = []entry{}
	}
	_, err := storage.SetJSON(ctx, s.kv, kind.Key(), entries)
	return err
}

func (s *Store) kindsLocked(ctx context.Context) ([]Kind, error) {
	keys, err := s.kv.Keys(ctx, storage.KeyCachePrefix)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrPersistence, "list cache keys", err)
	}
	kinds := make([]Kind, 0, len(keys))
	for _, k := range keys {
		kinds = append(kinds, Kind(strings.TrimPrefix(k, storage.KeyCachePrefix)))
	}
	return kinds, nil
}
