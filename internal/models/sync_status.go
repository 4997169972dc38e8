package models

import (
	"encoding/json"
	"time"
)

// CachedEntity wraps a server record with the time it was cached.
type CachedEntity[T any] struct {
	Data     T         `json:"data"`
	CachedAt time.Time `json:"cachedAt"`
}

// Expired reports whether the entity is older than ttl at now.
func (e CachedEntity[T]) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.CachedAt) > ttl
}

// BufferedUpdate is one entry of an entity's update ledger.
type BufferedUpdate struct {
	Payload  json.RawMessage `json:"payload"`
	CachedAt time.Time       `json:"cachedAt"`
	Synced   bool            `json:"synced"`
}

// SyncStatus is derived on demand for the UI layer.
type SyncStatus struct {
	IsOnline           bool       `json:"isOnline"`
	PendingActionCount int        `json:"pendingActionCount"`
	LastSyncAt         *time.Time `json:"lastSyncAt"`
	SyncInProgress     bool       `json:"syncInProgress"`
}
