// Package orchestrator drains the offline action queue against the remote
// API and keeps the local cache fresh.
package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/events"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/remote"
	"github.com/kimhsiao/fieldsync/internal/storage"
	"github.com/kimhsiao/fieldsync/internal/sync/cache"
	"github.com/kimhsiao/fieldsync/internal/sync/ledger"
	"github.com/kimhsiao/fieldsync/internal/sync/queue"
)

// Config holds orchestrator configuration.
type Config struct {
	SyncInterval    time.Duration // How often to drain while online (default: 15 minutes)
	RefreshInterval time.Duration // How often to refresh the cache while online (default: 1 hour)
	MaxRetries      int           // Attempts before an action is dropped (default: 5)
	MaxAge          time.Duration // Age after which an action is pruned (default: 7 days)
}

// DefaultConfig returns default orchestrator configuration.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:    15 * time.Minute,
		RefreshInterval: time.Hour,
		MaxRetries:      queue.DefaultMaxRetries,
		MaxAge:          queue.DefaultMaxAge,
	}
}

// Connectivity is the part of the network monitor the orchestrator uses.
type Connectivity interface {
	IsOnline() bool
	OnReconnect(callback func(models.NetworkState)) events.Unsubscribe
}

// Deps are the collaborators an Orchestrator drives.
type Deps struct {
	Queue   *queue.SyncQueue
	Cache   *cache.Store
	Ledger  *ledger.Ledger
	API     remote.API
	Network Connectivity
	KV      storage.KV
	Logger  *logging.Logger
	Now     func() time.Time
}

// DrainResult summarizes one pass over the queue.
type DrainResult struct {
	Attempted  int       `json:"attempted"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Dropped    int       `json:"dropped"`
	Pruned     int       `json:"pruned"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

// Status is a point-in-time view of the orchestrator.
type Status struct {
	IsRunning      bool
	SyncInProgress bool
	LastSyncAt     *time.Time
	LastRefreshAt  *time.Time
}

// Orchestrator moves between Idle and Draining. At most one drain runs at a
// time; the syncInProgress flag is claimed before any blocking call.
type Orchestrator struct {
	deps   Deps
	config Config
	logger *logging.Logger

	syncInProgress atomic.Bool
	events         *events.Subject[Event]

	mu            sync.RWMutex
	isRunning     bool
	stopping      int
	runCtx        context.Context
	cancel        context.CancelFunc
	stopCh        chan struct{}
	unsubscribe   events.Unsubscribe
	lastSyncAt    *time.Time
	lastRefreshAt *time.Time

	wg sync.WaitGroup
}

// New creates an Orchestrator and restores the persisted last sync time.
func New(ctx context.Context, deps Deps, config *Config) (*Orchestrator, error) {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	defaults := DefaultConfig()
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = defaults.SyncInterval
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaults.RefreshInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = defaults.MaxAge
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = logging.Get()
	}

	o := &Orchestrator{
		deps:   deps,
		config: cfg,
		logger: deps.Logger.Component("orchestrator"),
		events: events.NewSubject[Event](),
	}

	var last time.Time
	found, err := storage.GetJSON(ctx, deps.KV, storage.KeyLastSyncTimestamp, &last)
	if err != nil {
		return nil, err
	}
	if found {
		o.lastSyncAt = &last
	}
	return o, nil
}

// Start subscribes to reconnects and starts the periodic loop. Calling Start
// on a running orchestrator, or while Stop is still waiting, is a no-op.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.isRunning || o.stopping > 0 {
		o.mu.Unlock()
		return
	}
	o.isRunning = true
	o.runCtx, o.cancel = context.WithCancel(ctx)
	o.stopCh = make(chan struct{})
	runCtx := o.runCtx
	o.unsubscribe = o.deps.Network.OnReconnect(func(models.NetworkState) {
		if !o.TriggerSync(runCtx) {
			o.logger.Debug("Reconnect ignored, sync already in progress")
		}
	})
	o.wg.Add(1)
	o.mu.Unlock()
	go o.periodicLoop(runCtx)

	o.logger.Info("Sync orchestrator started", map[string]interface{}{
		"sync_interval":    o.config.SyncInterval.String(),
		"refresh_interval": o.config.RefreshInterval.String(),
	})

	// Actions restored from storage while already online get no reconnect.
	if o.deps.Network.IsOnline() && o.deps.Queue.Len() > 0 {
		o.TriggerSync(runCtx)
	}
}

// Stop unsubscribes, interrupts any background drain between actions and
// waits for background drains to finish, including ones triggered before
// Start was ever called. Triggers arriving while Stop waits are refused.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	o.stopping++
	wasRunning := o.isRunning
	var unsubscribe events.Unsubscribe
	var cancel context.CancelFunc
	if wasRunning {
		o.isRunning = false
		unsubscribe = o.unsubscribe
		cancel = o.cancel
		close(o.stopCh)
	}
	o.mu.Unlock()

	if wasRunning {
		unsubscribe()
		cancel()
	}
	o.wg.Wait()

	o.mu.Lock()
	o.stopping--
	o.mu.Unlock()

	if wasRunning {
		o.logger.Info("Sync orchestrator stopped")
	}
}

// IsRunning reports whether Start has been called without Stop.
func (o *Orchestrator) IsRunning() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.isRunning
}

// InProgress reports whether a drain is running.
func (o *Orchestrator) InProgress() bool {
	return o.syncInProgress.Load()
}

// LastSyncAt returns the completion time of the last drain, if any.
func (o *Orchestrator) LastSyncAt() *time.Time {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.lastSyncAt == nil {
		return nil
	}
	t := *o.lastSyncAt
	return &t
}

// GetStatus returns the current status of the orchestrator.
func (o *Orchestrator) GetStatus() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()

	status := Status{
		IsRunning:      o.isRunning,
		SyncInProgress: o.syncInProgress.Load(),
	}
	if o.lastSyncAt != nil {
		t := *o.lastSyncAt
		status.LastSyncAt = &t
	}
	if o.lastRefreshAt != nil {
		t := *o.lastRefreshAt
		status.LastRefreshAt = &t
	}
	return status
}

// Subscribe registers handler for sync events.
func (o *Orchestrator) Subscribe(handler func(Event)) events.Unsubscribe {
	return o.events.Subscribe(handler)
}

// TriggerSync starts a drain in the background. It returns false if a drain
// is already in progress or Stop is waiting for background work.
func (o *Orchestrator) TriggerSync(ctx context.Context) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.stopping > 0 {
		return false
	}
	if !o.syncInProgress.CompareAndSwap(false, true) {
		return false
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.drainClaimed(ctx)
	}()
	return true
}

// SyncNow drains the queue and waits for the pass to finish. It returns
// SYNC_IN_PROGRESS if another drain holds the flag. Individual action
// failures are reported in the result, never as an error.
func (o *Orchestrator) SyncNow(ctx context.Context) (DrainResult, error) {
	if !o.syncInProgress.CompareAndSwap(false, true) {
		return DrainResult{}, apperrors.New(apperrors.ErrSyncInProgress, "sync already in progress")
	}
	return o.drainClaimed(ctx), nil
}

// RefreshCache fetches assignments and the worker profile and caches them.
func (o *Orchestrator) RefreshCache(ctx context.Context) error {
	if o.deps.Cache == nil {
		return nil
	}

	assignments, err := o.deps.API.FetchAssignments(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrSyncFailed, "fetch assignments", err)
	}
	if err := o.deps.Cache.PutAssignments(ctx, assignments); err != nil {
		return err
	}

	profile, err := o.deps.API.FetchProfile(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrSyncFailed, "fetch profile", err)
	}
	if profile != nil {
		if err := o.deps.Cache.PutProfile(ctx, *profile); err != nil {
			return err
		}
	}

	now := o.deps.Now()
	o.mu.Lock()
	o.lastRefreshAt = &now
	o.mu.Unlock()

	o.logger.Info("Cache refreshed", map[string]interface{}{"assignments": len(assignments)})
	return nil
}

// periodicLoop drains and refreshes on a timer while online.
func (o *Orchestrator) periodicLoop(ctx context.Context) {
	defer o.wg.Done()

	syncTicker := time.NewTicker(o.config.SyncInterval)
	defer syncTicker.Stop()
	refreshTicker := time.NewTicker(o.config.RefreshInterval)
	defer refreshTicker.Stop()

	o.mu.RLock()
	stopCh := o.stopCh
	o.mu.RUnlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-syncTicker.C:
			if !o.deps.Network.IsOnline() {
				continue
			}
			if !o.TriggerSync(ctx) {
				o.logger.Debug("Sync already in progress, skipping")
			}
		case <-refreshTicker.C:
			if !o.deps.Network.IsOnline() {
				continue
			}
			if err := o.RefreshCache(ctx); err != nil {
				o.logger.Warn("Cache refresh failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

// drainClaimed runs one pass. The caller must have claimed syncInProgress;
// it is released before the completion event is published.
//
// The pass ignores cancellation of ctx. Only shutdown of a running
// orchestrator interrupts it, and then only between actions or inside the
// dispatch in flight.
func (o *Orchestrator) drainClaimed(ctx context.Context) DrainResult {
	ctx = context.WithoutCancel(ctx)
	dispatchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if shutdown := o.shutdownContext(); shutdown != nil {
		stop := context.AfterFunc(shutdown, cancel)
		defer stop()
	}

	result := o.drain(ctx, dispatchCtx)
	o.syncInProgress.Store(false)

	completed := result
	o.events.Publish(Event{Type: EventSyncCompleted, At: result.FinishedAt, Result: &completed, Pending: o.deps.Queue.Len()})
	return result
}

// shutdownContext returns the context cancelled by Stop, or nil when the
// orchestrator is not running.
func (o *Orchestrator) shutdownContext() context.Context {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if !o.isRunning {
		return nil
	}
	return o.runCtx
}

// drain replays the snapshot. Dispatch uses dispatchCtx; queue bookkeeping
// uses ctx so a shutdown never leaves a delivered action queued.
func (o *Orchestrator) drain(ctx, dispatchCtx context.Context) DrainResult {
	result := DrainResult{StartedAt: o.deps.Now()}
	actions := o.deps.Queue.List()

	o.logger.Info("Starting queue drain", map[string]interface{}{"pending": len(actions)})
	o.events.Publish(Event{Type: EventSyncStarted, At: result.StartedAt, Pending: len(actions)})

	for _, action := range actions {
		if dispatchCtx.Err() != nil {
			o.logger.Warn("Queue drain interrupted by shutdown", map[string]interface{}{
				"remaining": len(actions) - result.Attempted,
			})
			break
		}
		result.Attempted++
		o.replay(ctx, dispatchCtx, action, &result)
	}

	pruned, err := o.deps.Queue.PruneExpiredOrExhausted(ctx, o.config.MaxAge, o.config.MaxRetries)
	if err != nil {
		o.logger.Error("Failed to prune queue", err)
	}
	result.Pruned = pruned

	result.FinishedAt = o.deps.Now()
	o.recordLastSync(ctx, result.FinishedAt)

	o.logger.Info("Queue drain completed", map[string]interface{}{
		"attempted": result.Attempted,
		"succeeded": result.Succeeded,
		"failed":    result.Failed,
		"dropped":   result.Dropped,
		"pruned":    result.Pruned,
		"remaining": o.deps.Queue.Len(),
	})
	return result
}

// replay dispatches one action and updates queue bookkeeping. Persistence
// errors are logged and do not stop the drain.
func (o *Orchestrator) replay(ctx, dispatchCtx context.Context, action models.OfflineAction, result *DrainResult) {
	fields := map[string]interface{}{"id": action.ID, "type": string(action.Type)}

	err := remote.Dispatch(dispatchCtx, o.deps.API, action)
	if err == nil {
		result.Succeeded++
		if rerr := o.deps.Queue.Remove(ctx, action.ID); rerr != nil {
			o.logger.Error("Failed to remove delivered action", rerr, fields)
		}
		o.markLedger(ctx, action)
		return
	}

	if dispatchCtx.Err() != nil {
		// Interrupted by shutdown; no retry is charged.
		o.logger.Debug("Action interrupted by shutdown, left queued", fields)
		return
	}

	result.Failed++
	if remote.IsPermanent(err) {
		o.drop(ctx, action, "rejected", err, result)
		return
	}

	retries, rerr := o.deps.Queue.RecordFailure(ctx, action.ID, err)
	if rerr != nil {
		o.logger.Error("Failed to record retry", rerr, fields)
		return
	}
	if retries >= o.config.MaxRetries {
		o.drop(ctx, action, "retries exhausted", err, result)
		return
	}

	fields["retry_count"] = retries
	fields["error"] = err.Error()
	o.logger.Debug("Action failed, will retry", fields)
}

func (o *Orchestrator) drop(ctx context.Context, action models.OfflineAction, reason string, cause error, result *DrainResult) {
	if err := o.deps.Queue.Remove(ctx, action.ID); err != nil {
		o.logger.Error("Failed to drop action", err, map[string]interface{}{"id": action.ID})
		return
	}
	result.Dropped++

	o.logger.ErrorWithCode("Dropped offline action", string(apperrors.CodeOf(cause)), cause, map[string]interface{}{
		"id":     action.ID,
		"type":   string(action.Type),
		"reason": reason,
	})
	o.events.Publish(Event{
		Type:       EventActionDropped,
		At:         o.deps.Now(),
		ActionID:   action.ID,
		ActionType: action.Type,
		Reason:     reason,
		Error:      cause.Error(),
	})
}

// markLedger flags the ledger entry an assignment action delivered.
func (o *Orchestrator) markLedger(ctx context.Context, action models.OfflineAction) {
	if o.deps.Ledger == nil {
		return
	}
	switch action.Type {
	case models.ActionStartWork, models.ActionUpdateProgress, models.ActionCompleteWork, models.ActionAssignmentUpdate:
	default:
		return
	}

	var p models.AssignmentPayload
	if err := action.DecodePayload(&p); err != nil || p.LedgerIndex == nil || p.AssignmentID == "" {
		return
	}
	if err := o.deps.Ledger.MarkSynced(ctx, p.AssignmentID, *p.LedgerIndex); err != nil {
		o.logger.Warn("Failed to mark ledger entry synced", map[string]interface{}{
			"entity_id": p.AssignmentID,
			"index":     *p.LedgerIndex,
			"error":     err.Error(),
		})
	}
}

func (o *Orchestrator) recordLastSync(ctx context.Context, at time.Time) {
	o.mu.Lock()
	o.lastSyncAt = &at
	o.mu.Unlock()

	if _, err := storage.SetJSON(ctx, o.deps.KV, storage.KeyLastSyncTimestamp, at.UTC()); err != nil {
		o.logger.Error("Failed to persist last sync time", err)
	}
}
