// Package sync wires the offline-first components into the Service the UI
// layer talks to.
package sync

import (
	"context"
	"time"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/events"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/network"
	"github.com/kimhsiao/fieldsync/internal/remote"
	"github.com/kimhsiao/fieldsync/internal/storage"
	"github.com/kimhsiao/fieldsync/internal/sync/cache"
	"github.com/kimhsiao/fieldsync/internal/sync/ledger"
	"github.com/kimhsiao/fieldsync/internal/sync/orchestrator"
	"github.com/kimhsiao/fieldsync/internal/sync/queue"
)

// ErrOffline is returned by ForceSync when there is no connectivity.
var ErrOffline = apperrors.New(apperrors.ErrOffline, "device is offline")

// Deps are the external collaborators of a Service.
type Deps struct {
	KV       storage.KV
	API      remote.API
	Signal   network.Signal
	Notifier network.Notifier
	Logger   *logging.Logger
	Now      func() time.Time
}

// Settings tunes the components a Service builds.
type Settings struct {
	QueueMaxSize   int
	CacheTTL       time.Duration
	WaitTimeout    time.Duration
	FlushOnEnqueue bool
	Orchestrator   *orchestrator.Config
}

// ProgressReceipt identifies a recorded progress update.
type ProgressReceipt struct {
	ActionID    string `json:"actionId"`
	LedgerIndex int    `json:"ledgerIndex"`
}

// Service is the facade over monitor, queue, cache, ledger and orchestrator.
type Service struct {
	monitor      *network.Monitor
	queue        *queue.SyncQueue
	cache        *cache.Store
	ledger       *ledger.Ledger
	orchestrator *orchestrator.Orchestrator
	logger       *logging.Logger

	flushOnEnqueue bool
	maxAge         time.Duration
	maxRetries     int
}

// New builds every component over deps and restores persisted state.
func New(ctx context.Context, deps Deps, settings Settings) (*Service, error) {
	if deps.KV == nil || deps.API == nil || deps.Signal == nil {
		return nil, apperrors.New(apperrors.ErrConfig, "storage, remote API and network signal are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Get()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	q, err := queue.New(ctx, deps.KV, queue.Options{MaxSize: settings.QueueMaxSize, Logger: logger, Now: now})
	if err != nil {
		return nil, err
	}
	c := cache.New(deps.KV, cache.Options{TTL: settings.CacheTTL, Logger: logger, Now: now})
	l := ledger.New(deps.KV, ledger.Options{Logger: logger, Now: now})
	m := network.NewMonitor(ctx, deps.Signal, network.MonitorOptions{
		Notifier:    deps.Notifier,
		Logger:      logger,
		WaitTimeout: settings.WaitTimeout,
	})

	orchConfig := settings.Orchestrator
	if orchConfig == nil {
		orchConfig = orchestrator.DefaultConfig()
	}
	o, err := orchestrator.New(ctx, orchestrator.Deps{
		Queue:   q,
		Cache:   c,
		Ledger:  l,
		API:     deps.API,
		Network: m,
		KV:      deps.KV,
		Logger:  logger,
		Now:     now,
	}, orchConfig)
	if err != nil {
		m.Close()
		return nil, err
	}

	return &Service{
		monitor:        m,
		queue:          q,
		cache:          c,
		ledger:         l,
		orchestrator:   o,
		logger:         logger.Component("sync"),
		flushOnEnqueue: settings.FlushOnEnqueue,
		maxAge:         orchConfig.MaxAge,
		maxRetries:     orchConfig.MaxRetries,
	}, nil
}

// Start begins background synchronization.
func (s *Service) Start(ctx context.Context) {
	s.orchestrator.Start(ctx)
}

// Close stops background work and detaches from the network signal.
func (s *Service) Close() {
	s.orchestrator.Stop()
	s.monitor.Close()
}

// SyncStatus derives the current status.
func (s *Service) SyncStatus() models.SyncStatus {
	return models.SyncStatus{
		IsOnline:           s.monitor.IsOnline(),
		PendingActionCount: s.queue.Len(),
		LastSyncAt:         s.orchestrator.LastSyncAt(),
		SyncInProgress:     s.orchestrator.InProgress(),
	}
}

// Enqueue persists the action, applies it optimistically to the cache, then
// flushes in the background when online. The action is queued even when
// online so a failed flush loses nothing.
func (s *Service) Enqueue(ctx context.Context, actionType models.ActionType, payload interface{}) (string, error) {
	id, err := s.queue.Enqueue(ctx, actionType, payload)
	if err != nil {
		return "", err
	}
	s.reflectInCache(ctx, id)
	if s.flushOnEnqueue && s.monitor.IsOnline() {
		s.orchestrator.TriggerSync(context.WithoutCancel(ctx))
	}
	return id, nil
}

// reflectInCache applies a queued mutation to the matching cached record so
// reads show it before the server confirms. The action is already durable,
// so a cache failure is logged rather than returned.
func (s *Service) reflectInCache(ctx context.Context, id string) {
	action, ok := s.queue.Get(id)
	if !ok {
		return
	}

	var updated bool
	var err error
	switch action.Type {
	case models.ActionStartWork, models.ActionUpdateProgress, models.ActionCompleteWork, models.ActionAssignmentUpdate:
		var p models.AssignmentPayload
		if err = action.DecodePayload(&p); err != nil || p.AssignmentID == "" {
			break
		}
		p = p.WithImpliedStatus(action.Type)
		updated, err = s.cache.UpdateAssignment(ctx, p.AssignmentID, func(a *models.Assignment) {
			if p.Status != "" {
				a.Status = p.Status
			}
			if p.Percent != nil {
				a.Progress = *p.Percent
			}
		})

	case models.ActionUpdateProfile:
		var p models.ProfilePayload
		if err = action.DecodePayload(&p); err != nil {
			break
		}
		updated, err = s.cache.UpdateProfile(ctx, func(w *models.WorkerProfile) {
			if p.Name != "" {
				w.Name = p.Name
			}
			if p.Phone != "" {
				w.Phone = p.Phone
			}
			if p.Email != "" {
				w.Email = p.Email
			}
			if p.Department != "" {
				w.Department = p.Department
			}
		})

	default:
		return
	}

	fields := map[string]interface{}{"id": action.ID, "type": string(action.Type)}
	if err != nil {
		fields["error"] = err.Error()
		s.logger.Warn("Failed to reflect queued action in cache", fields)
		return
	}
	if updated {
		s.logger.Debug("Queued action reflected in cache", fields)
	}
}

// ForceSync drains the queue now and waits for the pass.
func (s *Service) ForceSync(ctx context.Context) (orchestrator.DrainResult, error) {
	if !s.monitor.IsOnline() {
		return orchestrator.DrainResult{}, ErrOffline
	}
	return s.orchestrator.SyncNow(ctx)
}

// RefreshCache pulls fresh assignments and profile from the server.
func (s *Service) RefreshCache(ctx context.Context) error {
	if !s.monitor.IsOnline() {
		return ErrOffline
	}
	return s.orchestrator.RefreshCache(ctx)
}

func (s *Service) PendingActions() []models.OfflineAction {
	return s.queue.List()
}

func (s *Service) QueueStats() queue.Stats {
	return s.queue.GetStats()
}

func (s *Service) PruneQueue(ctx context.Context) (int, error) {
	return s.queue.PruneExpiredOrExhausted(ctx, s.maxAge, s.maxRetries)
}

func (s *Service) CachedAssignments(ctx context.Context) ([]models.Assignment, error) {
	return s.cache.GetAssignments(ctx)
}

func (s *Service) CacheAssignments(ctx context.Context, assignments []models.Assignment) error {
	return s.cache.PutAssignments(ctx, assignments)
}

func (s *Service) CachedProfile(ctx context.Context) (*models.WorkerProfile, error) {
	return s.cache.GetProfile(ctx)
}

func (s *Service) CacheProfile(ctx context.Context, profile models.WorkerProfile) error {
	return s.cache.PutProfile(ctx, profile)
}

func (s *Service) CacheStats(ctx context.Context) (cache.Stats, error) {
	return s.cache.Stats(ctx)
}

// RecordProgress appends the update to the assignment's ledger and enqueues
// an UPDATE_PROGRESS action that marks the entry synced once delivered.
func (s *Service) RecordProgress(ctx context.Context, assignmentID string, percent int, note string) (ProgressReceipt, error) {
	if assignmentID == "" {
		return ProgressReceipt{}, apperrors.New(apperrors.ErrInvalid, "assignment id is required")
	}
	if percent < 0 || percent > 100 {
		return ProgressReceipt{}, apperrors.Newf(apperrors.ErrInvalid, "percent %d out of range 0-100", percent)
	}

	payload := models.AssignmentPayload{AssignmentID: assignmentID, Percent: &percent, Note: note}
	index, err := s.ledger.Append(ctx, assignmentID, payload)
	if err != nil {
		return ProgressReceipt{}, err
	}
	payload.LedgerIndex = &index

	id, err := s.Enqueue(ctx, models.ActionUpdateProgress, payload)
	if err != nil {
		return ProgressReceipt{}, err
	}
	return ProgressReceipt{ActionID: id, LedgerIndex: index}, nil
}

func (s *Service) ProgressHistory(ctx context.Context, assignmentID string) ([]models.BufferedUpdate, error) {
	return s.ledger.List(ctx, assignmentID)
}

func (s *Service) NetworkState() models.NetworkState {
	return s.monitor.CurrentState()
}

func (s *Service) NetworkQuality() network.Quality {
	return s.monitor.NetworkQuality()
}

// WaitForConnection blocks until online or the timeout elapses.
func (s *Service) WaitForConnection(ctx context.Context, timeout time.Duration) bool {
	return s.monitor.WaitForConnection(ctx, timeout)
}

func (s *Service) AddNetworkListener(listener func(models.NetworkState)) events.Unsubscribe {
	return s.monitor.AddListener(listener)
}

func (s *Service) SubscribeSyncEvents(handler func(orchestrator.Event)) events.Unsubscribe {
	return s.orchestrator.Subscribe(handler)
}
