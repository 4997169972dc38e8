// Package storage defines the durable key/value primitive the sync core
// persists through, with file and in-memory implementations.
package storage

import (
	"context"
	"encoding/json"
	"fmt"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
)

// Persisted keys.
const (
	KeyActionQueue       = "offline_actions_queue"
	KeyCachePrefix       = "offline_cache_"
	KeyLedgerPrefix      = "offline_update_ledger:"
	KeyLastSyncTimestamp = "last_sync_timestamp"
)

// KV is a durable key to string store. A Set that returns nil must be
// durable before the next Get.
type KV interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	// Remove is a no-op for missing keys.
	Remove(ctx context.Context, key string) error
	// Keys lists keys with the given prefix in lexical order.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// GetJSON loads key into v. It reports false when the key does not exist.
func GetJSON(ctx context.Context, kv KV, key string, v interface{}) (bool, error) {
	raw, ok, err := kv.Get(ctx, key)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrPersistence, fmt.Sprintf("read %s", key), err)
	}
	if !ok || raw == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, apperrors.Wrap(apperrors.ErrCorrupted, fmt.Sprintf("decode %s", key), err)
	}
	return true, nil
}

// SetJSON serializes v and stores it under key. It returns the number of
// bytes written.
func SetJSON(ctx context.Context, kv KV, key string, v interface{}) (int, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrInvalid, fmt.Sprintf("encode %s", key), err)
	}
	if err := kv.Set(ctx, key, string(data)); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrPersistence, fmt.Sprintf("write %s", key), err)
	}
	return len(data), nil
}
