package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/network"
	"github.com/kimhsiao/fieldsync/internal/remote"
	"github.com/kimhsiao/fieldsync/internal/remote/remotetest"
	"github.com/kimhsiao/fieldsync/internal/storage"
	"github.com/kimhsiao/fieldsync/internal/sync/cache"
	"github.com/kimhsiao/fieldsync/internal/sync/ledger"
	"github.com/kimhsiao/fieldsync/internal/sync/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =====================================================
// Test Helpers
// =====================================================

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type harness struct {
	kv      *storage.MemoryKV
	clock   *clock
	queue   *queue.SyncQueue
	cache   *cache.Store
	ledger  *ledger.Ledger
	api     *remotetest.FakeAPI
	signal  *network.ManualSignal
	monitor *network.Monitor
	orch    *Orchestrator
}

func newHarness(t *testing.T, online bool, cfg *Config) *harness {
	t.Helper()
	ctx := context.Background()
	logger := logging.New(&bytes.Buffer{}, logging.LevelError)

	h := &harness{
		kv:    storage.NewMemoryKV(),
		clock: &clock{t: time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)},
		api:   &remotetest.FakeAPI{},
	}

	var err error
	h.queue, err = queue.New(ctx, h.kv, queue.Options{Logger: logger, Now: h.clock.Now})
	require.NoError(t, err)
	h.cache = cache.New(h.kv, cache.Options{Logger: logger, Now: h.clock.Now})
	h.ledger = ledger.New(h.kv, ledger.Options{Logger: logger, Now: h.clock.Now})

	initial := models.NetworkState{ConnectionType: models.ConnectionNone, IsInternetReachable: models.Bool(false)}
	if online {
		initial = models.NetworkState{IsConnected: true, ConnectionType: models.ConnectionWifi, IsInternetReachable: models.Bool(true)}
	}
	h.signal = network.NewManualSignal(initial)
	h.monitor = network.NewMonitor(ctx, h.signal, network.MonitorOptions{Logger: logger})
	t.Cleanup(h.monitor.Close)

	h.orch, err = New(ctx, Deps{
		Queue:   h.queue,
		Cache:   h.cache,
		Ledger:  h.ledger,
		API:     h.api,
		Network: h.monitor,
		KV:      h.kv,
		Logger:  logger,
		Now:     h.clock.Now,
	}, cfg)
	require.NoError(t, err)
	t.Cleanup(h.orch.Stop)
	return h
}

func (h *harness) enqueue(t *testing.T, typ models.ActionType, payload interface{}) string {
	t.Helper()
	id, err := h.queue.Enqueue(context.Background(), typ, payload)
	require.NoError(t, err)
	return id
}

// eventLog collects published events.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) count(typ EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

var errFlaky = apperrors.New(apperrors.ErrRemoteUnavailable, "HTTP 503")

// =====================================================
// Config Tests
// =====================================================

// TestDefaultConfig verifies default configuration.
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 15*time.Minute, cfg.SyncInterval)
	assert.Equal(t, time.Hour, cfg.RefreshInterval)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 7*24*time.Hour, cfg.MaxAge)
}

// =====================================================
// Drain Tests
// =====================================================

// TestSyncNow_FIFOOrderRegardlessOfOutcome verifies dispatch order.
func TestSyncNow_FIFOOrderRegardlessOfOutcome(t *testing.T) {
	h := newHarness(t, true, nil)
	h.api.FailWith = func(method string, _ interface{}) error {
		if method == "SubmitWorkLog" {
			return errFlaky
		}
		return nil
	}

	h.enqueue(t, models.ActionCheckIn, models.AttendancePayload{WorkerID: "w1"})
	failing := h.enqueue(t, models.ActionWorkLog, models.WorkLogPayload{AssignmentID: "a1"})
	h.enqueue(t, models.ActionCheckOut, models.AttendancePayload{WorkerID: "w1"})

	result, err := h.orch.SyncNow(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"CheckIn", "SubmitWorkLog", "CheckOut"}, h.api.Methods())
	assert.Equal(t, 3, result.Attempted)
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
	assert.Zero(t, result.Dropped)

	remaining := h.queue.List()
	require.Len(t, remaining, 1)
	assert.Equal(t, failing, remaining[0].ID)
	assert.Equal(t, 1, remaining[0].RetryCount)
	assert.Equal(t, errFlaky.Error(), remaining[0].LastError)
}

// TestSyncNow_RetryBound verifies an always-failing action is attempted
// exactly MaxRetries times and then dropped.
func TestSyncNow_RetryBound(t *testing.T) {
	h := newHarness(t, true, &Config{MaxRetries: 3})
	h.api.FailWith = func(string, interface{}) error { return errFlaky }

	var log eventLog
	h.orch.Subscribe(log.add)

	h.enqueue(t, models.ActionWorkLog, models.WorkLogPayload{AssignmentID: "a1"})

	for i := 0; i < 6; i++ {
		_, err := h.orch.SyncNow(context.Background())
		require.NoError(t, err)
	}

	assert.Len(t, h.api.Calls(), 3)
	assert.Zero(t, h.queue.Len())
	assert.Equal(t, 1, log.count(EventActionDropped))
}

// TestSyncNow_PermanentFailureDropsImmediately verifies rejected actions.
func TestSyncNow_PermanentFailureDropsImmediately(t *testing.T) {
	h := newHarness(t, true, nil)
	h.api.FailWith = func(string, interface{}) error {
		return remote.Permanent(apperrors.New(apperrors.ErrRemoteRejected, "422"))
	}

	h.enqueue(t, models.ActionUpdateProfile, models.ProfilePayload{Name: ""})

	result, err := h.orch.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Dropped)
	assert.Zero(t, h.queue.Len())
	assert.Len(t, h.api.Calls(), 1)
}

// TestSyncNow_NoDoubleDelivery verifies successful actions leave the queue.
func TestSyncNow_NoDoubleDelivery(t *testing.T) {
	h := newHarness(t, true, nil)
	h.enqueue(t, models.ActionCheckIn, models.AttendancePayload{WorkerID: "w1"})

	for i := 0; i < 3; i++ {
		_, err := h.orch.SyncNow(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"CheckIn"}, h.api.Methods())
}

// TestSyncNow_PersistenceFailureContinues verifies a failed removal is logged
// and the drain goes on.
func TestSyncNow_PersistenceFailureContinues(t *testing.T) {
	h := newHarness(t, true, nil)
	h.enqueue(t, models.ActionCheckIn, nil)
	h.enqueue(t, models.ActionCheckOut, nil)
	h.kv.SetFailWrites(errors.New("disk full"))

	result, err := h.orch.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Attempted)
	assert.Equal(t, 2, h.queue.Len())
}

// TestSyncNow_InProgress verifies the single-drain guard.
func TestSyncNow_InProgress(t *testing.T) {
	h := newHarness(t, true, nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	h.api.OnCall = func(context.Context, string) {
		close(entered)
		<-release
	}
	h.enqueue(t, models.ActionCheckIn, nil)

	require.True(t, h.orch.TriggerSync(context.Background()))
	<-entered

	assert.True(t, h.orch.InProgress())
	assert.False(t, h.orch.TriggerSync(context.Background()))
	_, err := h.orch.SyncNow(context.Background())
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncInProgress))

	close(release)
	require.Eventually(t, func() bool { return !h.orch.InProgress() }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, h.queue.Len())
}

// TestSyncNow_MarksLedger verifies delivered progress flags its ledger entry.
func TestSyncNow_MarksLedger(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true, nil)

	idx, err := h.ledger.Append(ctx, "a1", map[string]int{"percent": 50})
	require.NoError(t, err)
	percent := 50
	h.enqueue(t, models.ActionUpdateProgress, models.AssignmentPayload{AssignmentID: "a1", Percent: &percent, LedgerIndex: &idx})

	_, err = h.orch.SyncNow(ctx)
	require.NoError(t, err)

	pending, err := h.ledger.Unsynced(ctx, "a1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// TestSyncNow_Prunes verifies expired actions are pruned after the pass.
func TestSyncNow_Prunes(t *testing.T) {
	h := newHarness(t, true, nil)
	h.api.FailWith = func(string, interface{}) error { return errFlaky }
	h.enqueue(t, models.ActionCheckIn, nil)

	h.clock.Set(h.clock.Now().Add(8 * 24 * time.Hour))
	result, err := h.orch.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Pruned)
	assert.Zero(t, h.queue.Len())
}

// TestSyncNow_IgnoresCallerCancellation verifies a caller that goes away
// mid-drain neither stops the pass nor costs the in-flight action a retry.
func TestSyncNow_IgnoresCallerCancellation(t *testing.T) {
	h := newHarness(t, true, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.api.OnCall = func(_ context.Context, method string) {
		if method == "CheckIn" {
			cancel()
		}
	}

	h.enqueue(t, models.ActionCheckIn, models.AttendancePayload{WorkerID: "w1"})
	h.enqueue(t, models.ActionCheckOut, models.AttendancePayload{WorkerID: "w1"})
	h.enqueue(t, models.ActionWorkLog, models.WorkLogPayload{AssignmentID: "a1"})

	result, err := h.orch.SyncNow(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"CheckIn", "CheckOut", "SubmitWorkLog"}, h.api.Methods())
	assert.Equal(t, 3, result.Attempted)
	assert.Equal(t, 3, result.Succeeded)
	assert.Zero(t, h.queue.Len())
	assert.NotNil(t, h.orch.LastSyncAt())
}

// TestSyncNow_ShutdownInterruptsWithoutRetry verifies shutdown stops the pass
// between actions and leaves the interrupted action's retry count alone.
func TestSyncNow_ShutdownInterruptsWithoutRetry(t *testing.T) {
	h := newHarness(t, false, nil)
	runCtx, shutdown := context.WithCancel(context.Background())
	defer shutdown()
	h.orch.Start(runCtx)

	h.api.OnCall = func(ctx context.Context, method string) {
		if method != "CheckIn" {
			return
		}
		shutdown()
		select {
		case <-ctx.Done():
		case <-time.After(2 * time.Second):
		}
	}

	h.enqueue(t, models.ActionCheckIn, models.AttendancePayload{WorkerID: "w1"})
	h.enqueue(t, models.ActionCheckOut, models.AttendancePayload{WorkerID: "w1"})

	result, err := h.orch.SyncNow(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"CheckIn"}, h.api.Methods())
	assert.Zero(t, result.Failed)
	remaining := h.queue.List()
	require.Len(t, remaining, 2)
	for _, a := range remaining {
		assert.Zero(t, a.RetryCount)
		assert.Empty(t, a.LastError)
	}
}

// =====================================================
// Trigger Tests
// =====================================================

// TestReconnect_ProgressScenario verifies a queued progress update is
// delivered on reconnect and the last sync time recorded.
func TestReconnect_ProgressScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, nil)
	h.orch.Start(ctx)

	percent := 50
	h.enqueue(t, models.ActionUpdateProgress, models.AssignmentPayload{AssignmentID: "a1", Percent: &percent})
	assert.Equal(t, 1, h.queue.Len())

	syncAt := time.Date(2026, 7, 1, 12, 30, 0, 0, time.UTC)
	h.clock.Set(syncAt)
	h.signal.Connect(models.ConnectionWifi)

	require.Eventually(t, func() bool {
		return h.queue.Len() == 0 && !h.orch.InProgress()
	}, 2*time.Second, 5*time.Millisecond)

	last := h.orch.LastSyncAt()
	require.NotNil(t, last)
	assert.True(t, last.Equal(syncAt))

	calls := h.api.Calls()
	require.Len(t, calls, 1)
	p := calls[0].Payload.(models.AssignmentPayload)
	assert.Equal(t, "a1", p.AssignmentID)
	assert.Equal(t, 50, *p.Percent)

	var persisted time.Time
	found, err := storage.GetJSON(ctx, h.kv, storage.KeyLastSyncTimestamp, &persisted)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, persisted.Equal(syncAt))
}

// TestReconnect_OneDrainPerTransitionWhileIdle verifies reconnect storms.
func TestReconnect_OneDrainPerTransitionWhileIdle(t *testing.T) {
	h := newHarness(t, false, nil)

	var log eventLog
	completed := make(chan struct{}, 16)
	h.orch.Subscribe(func(e Event) {
		log.add(e)
		if e.Type == EventSyncCompleted {
			completed <- struct{}{}
		}
	})
	h.orch.Start(context.Background())

	// Idle between transitions: every reconnect drains.
	for i := 0; i < 3; i++ {
		h.signal.Connect(models.ConnectionWifi)
		select {
		case <-completed:
		case <-time.After(2 * time.Second):
			t.Fatal("drain did not complete")
		}
		h.signal.Disconnect()
	}
	assert.Equal(t, 3, log.count(EventSyncStarted))

	// Storm during a drain: the extra reconnects are ignored.
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.api.OnCall = func(context.Context, string) {
		once.Do(func() { close(entered) })
		<-release
	}
	h.enqueue(t, models.ActionCheckIn, nil)

	h.signal.Connect(models.ConnectionWifi)
	<-entered
	for i := 0; i < 5; i++ {
		h.signal.Disconnect()
		h.signal.Connect(models.ConnectionCellular)
	}
	close(release)

	select {
	case <-completed:
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not complete")
	}
	h.orch.Stop()
	assert.Equal(t, 4, log.count(EventSyncStarted))
	assert.Equal(t, []string{"CheckIn"}, h.api.Methods())
}

// TestPeriodicLoop_DrainsWhileOnline verifies the timer trigger.
func TestPeriodicLoop_DrainsWhileOnline(t *testing.T) {
	h := newHarness(t, true, &Config{SyncInterval: 10 * time.Millisecond, RefreshInterval: time.Hour})
	h.enqueue(t, models.ActionCheckIn, nil)

	h.orch.Start(context.Background())
	require.Eventually(t, func() bool { return h.queue.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}

// TestPeriodicLoop_SkipsWhileOffline verifies no drain without connectivity.
func TestPeriodicLoop_SkipsWhileOffline(t *testing.T) {
	h := newHarness(t, false, &Config{SyncInterval: 5 * time.Millisecond, RefreshInterval: 5 * time.Millisecond})
	h.enqueue(t, models.ActionCheckIn, nil)

	h.orch.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	h.orch.Stop()

	assert.Empty(t, h.api.Calls())
	assert.Equal(t, 1, h.queue.Len())
}

// =====================================================
// Cache Refresh / Lifecycle Tests
// =====================================================

// TestRefreshCache verifies server records land in the cache.
func TestRefreshCache(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true, nil)
	h.api.Assignments = []models.Assignment{{ID: "a1", Title: "Streetlight"}}
	h.api.Profile = &models.WorkerProfile{ID: "w1", Name: "Ana"}

	require.NoError(t, h.orch.RefreshCache(ctx))

	assignments, err := h.cache.GetAssignments(ctx)
	require.NoError(t, err)
	require.Len(t, assignments, 1)
	assert.Equal(t, "Streetlight", assignments[0].Title)

	profile, err := h.cache.GetProfile(ctx)
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.NotNil(t, h.orch.GetStatus().LastRefreshAt)

	h.api.FailWith = func(string, interface{}) error { return errFlaky }
	assert.True(t, apperrors.Is(h.orch.RefreshCache(ctx), apperrors.ErrSyncFailed))
}

// TestNew_RestoresLastSync verifies the persisted timestamp is loaded.
func TestNew_RestoresLastSync(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true, nil)
	_, err := h.orch.SyncNow(ctx)
	require.NoError(t, err)

	again, err := New(ctx, Deps{Queue: h.queue, API: h.api, Network: h.monitor, KV: h.kv}, nil)
	require.NoError(t, err)
	require.NotNil(t, again.LastSyncAt())
	assert.True(t, again.LastSyncAt().Equal(h.clock.Now()))
}

// TestStart_DrainsRestoredQueueWhenOnline verifies actions restored from
// storage are delivered on Start without waiting for a reconnect or a tick.
func TestStart_DrainsRestoredQueueWhenOnline(t *testing.T) {
	h := newHarness(t, true, nil)
	h.enqueue(t, models.ActionCheckIn, nil)

	h.orch.Start(context.Background())
	require.Eventually(t, func() bool {
		return h.queue.Len() == 0 && !h.orch.InProgress()
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"CheckIn"}, h.api.Methods())
}

// TestStop_WaitsForTriggeredDrain verifies Stop waits for a drain triggered
// before Start and refuses new triggers while it waits.
func TestStop_WaitsForTriggeredDrain(t *testing.T) {
	h := newHarness(t, true, nil)
	entered := make(chan struct{})
	release := make(chan struct{})
	h.api.OnCall = func(context.Context, string) {
		close(entered)
		<-release
	}
	h.enqueue(t, models.ActionCheckIn, nil)

	require.True(t, h.orch.TriggerSync(context.Background()))
	<-entered

	stopped := make(chan struct{})
	go func() {
		h.orch.Stop()
		close(stopped)
	}()

	require.Eventually(t, func() bool {
		h.orch.mu.RLock()
		defer h.orch.mu.RUnlock()
		return h.orch.stopping > 0
	}, 2*time.Second, time.Millisecond)
	assert.False(t, h.orch.TriggerSync(context.Background()))

	select {
	case <-stopped:
		t.Fatal("Stop returned while a drain was running")
	default:
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.Zero(t, h.queue.Len())
	assert.False(t, h.orch.InProgress())
}

// TestStartStop_Idempotent verifies lifecycle calls can repeat.
func TestStartStop_Idempotent(t *testing.T) {
	h := newHarness(t, false, nil)
	h.orch.Stop()

	h.orch.Start(context.Background())
	h.orch.Start(context.Background())
	assert.True(t, h.orch.IsRunning())

	h.orch.Stop()
	h.orch.Stop()
	assert.False(t, h.orch.IsRunning())
}
