// Package ledger keeps an append-only history of buffered updates per entity.
package ledger

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
)

// Options configures a Ledger.
type Options struct {
	Logger *logging.Logger
	Now    func() time.Time
}

// Ledger records updates made to an entity while offline. Entries are never
// deleted; only their Synced flag changes.
type Ledger struct {
	mu     sync.Mutex
	kv     storage.KV
	now    func() time.Time
	logger *logging.Logger
}

// New creates a Ledger over kv.
func New(kv storage.KV, opts Options) *Ledger {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Get()
	}
	return &Ledger{kv: kv, now: now, logger: logger.Component("ledger")}
}

// Key returns the storage key of entityID's ledger.
func Key(entityID string) string {
	return storage.KeyLedgerPrefix + entityID
}

// Append records payload as unsynced and returns its index.
func (l *Ledger) Append(ctx context.Context, entityID string, payload interface{}) (int, error) {
	if entityID == "" {
		return 0, apperrors.New(apperrors.ErrInvalid, "entity id is required")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrInvalid, "encode ledger payload", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.readLocked(ctx, entityID)
	if err != nil {
		return 0, err
	}
	entries = append(entries, models.BufferedUpdate{
		Payload:  raw,
		CachedAt: l.now().UTC(),
	})
	if _, err := storage.SetJSON(ctx, l.kv, Key(entityID), entries); err != nil {
		return 0, err
	}
	return len(entries) - 1, nil
}

// List returns entityID's full history, oldest first.
func (l *Ledger) List(ctx context.Context, entityID string) ([]models.BufferedUpdate, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readLocked(ctx, entityID)
}

// Unsynced returns the indices of entries not yet delivered.
func (l *Ledger) Unsynced(ctx context.Context, entityID string) ([]int, error) {
	entries, err := l.List(ctx, entityID)
	if err != nil {
		return nil, err
	}
	var out []int
	for i, e := range entries {
		if !e.Synced {
			out = append(out, i)
		}
	}
	return out, nil
}

// MarkSynced flags the entry at index as delivered. Marking an already
// synced entry is a no-op.
func (l *Ledger) MarkSynced(ctx context.Context, entityID string, index int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.readLocked(ctx, entityID)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(entries) {
		return apperrors.Newf(apperrors.ErrNotFound, "ledger entry %s[%d] not found", entityID, index)
	}
	if entries[index].Synced {
		return nil
	}

	entries[index].Synced = true
	if _, err := storage.SetJSON(ctx, l.kv, Key(entityID), entries); err != nil {
		return err
	}
	l.logger.Debug("Ledger entry synced", map[string]interface{}{"entity_id": entityID, "index": index})
	return nil
}

func (l *Ledger) readLocked(ctx context.Context, entityID string) ([]models.BufferedUpdate, error) {
	var entries []models.BufferedUpdate
	if _, err := storage.GetJSON(ctx, l.kv, Key(entityID), &entries); err != nil {
		return nil, fmt.Errorf("ledger %s: %w", entityID, err)
	}
	return entries, nil
}
