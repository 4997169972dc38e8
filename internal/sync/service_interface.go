package sync

import (
	"context"

	"github.com/kimhsiao/fieldsync/internal/events"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/network"
	"github.com/kimhsiao/fieldsync/internal/sync/cache"
	"github.com/kimhsiao/fieldsync/internal/sync/orchestrator"
	"github.com/kimhsiao/fieldsync/internal/sync/queue"
)

// SyncService is the surface the UI layer drives.
// This interface allows for mocking in tests and alternative implementations.
type SyncService interface {
	// SyncStatus derives the current status for display.
	SyncStatus() models.SyncStatus

	// Enqueue durably records an action for later replay and returns its id.
	Enqueue(ctx context.Context, actionType models.ActionType, payload interface{}) (string, error)

	// ForceSync drains the queue now. It returns OFFLINE when the device is
	// offline and SYNC_IN_PROGRESS when a drain is already running.
	ForceSync(ctx context.Context) (orchestrator.DrainResult, error)

	// RefreshCache pulls assignments and profile from the server.
	RefreshCache(ctx context.Context) error

	// PendingActions lists queued actions in replay order.
	PendingActions() []models.OfflineAction
	QueueStats() queue.Stats

	// PruneQueue removes expired or exhausted actions.
	PruneQueue(ctx context.Context) (int, error)

	CachedAssignments(ctx context.Context) ([]models.Assignment, error)
	CacheAssignments(ctx context.Context, assignments []models.Assignment) error
	CachedProfile(ctx context.Context) (*models.WorkerProfile, error)
	CacheProfile(ctx context.Context, profile models.WorkerProfile) error
	CacheStats(ctx context.Context) (cache.Stats, error)

	// RecordProgress buffers a progress update in the ledger and enqueues
	// its delivery.
	RecordProgress(ctx context.Context, assignmentID string, percent int, note string) (ProgressReceipt, error)
	ProgressHistory(ctx context.Context, assignmentID string) ([]models.BufferedUpdate, error)

	NetworkState() models.NetworkState
	NetworkQuality() network.Quality
	AddNetworkListener(listener func(models.NetworkState)) events.Unsubscribe
	SubscribeSyncEvents(handler func(orchestrator.Event)) events.Unsubscribe
}

var _ SyncService = (*Service)(nil)
