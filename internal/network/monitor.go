// Package network normalizes platform connectivity signals into a
// NetworkState and notifies listeners of transitions.
package network

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/fieldsync/internal/events"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
)

// DefaultWaitTimeout bounds WaitForConnection when no timeout is given.
const DefaultWaitTimeout = 30 * time.Second

// Quality is a coarse connection quality derived from the transport type.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityPoor      Quality = "poor"
	QualityOffline   Quality = "offline"
)

// Notifier surfaces user-facing connectivity notices.
type Notifier interface {
	ConnectionLost(state models.NetworkState)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(models.NetworkState)

// ConnectionLost calls f.
func (f NotifierFunc) ConnectionLost(state models.NetworkState) { f(state) }

// MonitorOptions configures a Monitor.
type MonitorOptions struct {
	Notifier    Notifier
	Logger      *logging.Logger
	WaitTimeout time.Duration
}

// Monitor tracks the current NetworkState and fans out transitions. It
// never calls the network itself.
type Monitor struct {
	mu    sync.RWMutex
	state models.NetworkState

	// dispatchMu serializes transitions so listeners observe them in order.
	dispatchMu sync.Mutex

	listeners  *events.Subject[models.NetworkState]
	reconnects *events.Subject[models.NetworkState]

	notifier    Notifier
	logger      *logging.Logger
	waitTimeout time.Duration

	stopSignal events.Unsubscribe
}

// NewMonitor fetches the current snapshot from signal and starts listening
// for changes. A failed initial fetch starts the monitor offline.
func NewMonitor(ctx context.Context, signal Signal, opts MonitorOptions) *Monitor {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Get()
	}
	waitTimeout := opts.WaitTimeout
	if waitTimeout <= 0 {
		waitTimeout = DefaultWaitTimeout
	}

	m := &Monitor{
		listeners:   events.NewSubject[models.NetworkState](),
		reconnects:  events.NewSubject[models.NetworkState](),
		notifier:    opts.Notifier,
		logger:      logger.Component("network"),
		waitTimeout: waitTimeout,
	}

	// Changes delivered before the snapshot is stored wait on dispatchMu.
	m.dispatchMu.Lock()
	m.stopSignal = signal.Subscribe(m.handle)
	state, err := signal.Current(ctx)
	if err != nil {
		m.logger.Warn("Initial connectivity snapshot failed, assuming offline",
			map[string]interface{}{"error": err.Error()})
		state = models.NetworkState{ConnectionType: models.ConnectionUnknown}
	}
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
	m.dispatchMu.Unlock()

	m.logger.Info("Network monitor started", stateFields(state))
	return m
}

// Close stops listening to the platform signal.
func (m *Monitor) Close() {
	m.stopSignal()
}

// CurrentState returns the last observed snapshot.
func (m *Monitor) CurrentState() models.NetworkState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsOnline reports whether the device is connected and the internet is not
// known to be unreachable.
func (m *Monitor) IsOnline() bool {
	return m.CurrentState().Online()
}

// AddListener registers callback for every state transition.
func (m *Monitor) AddListener(callback func(models.NetworkState)) events.Unsubscribe {
	return m.listeners.Subscribe(callback)
}

// OnReconnect registers callback for offline to online transitions only.
func (m *Monitor) OnReconnect(callback func(models.NetworkState)) events.Unsubscribe {
	return m.reconnects.Subscribe(callback)
}

// WaitForConnection blocks until the monitor reports online, the timeout
// elapses, or ctx is done. A non-positive timeout uses the configured default.
func (m *Monitor) WaitForConnection(ctx context.Context, timeout time.Duration) bool {
	if m.IsOnline() {
		return true
	}
	if timeout <= 0 {
		timeout = m.waitTimeout
	}

	online := make(chan struct{}, 1)
	unsubscribe := m.listeners.Subscribe(func(s models.NetworkState) {
		if s.Online() {
			select {
			case online <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	// The state may have flipped between the first check and Subscribe.
	if m.IsOnline() {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-online:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// NetworkQuality classifies the connection by transport type only.
func (m *Monitor) NetworkQuality() Quality {
	return QualityOf(m.CurrentState())
}

// IsHighQualityConnection reports whether expensive transfers such as
// photo uploads should be attempted now.
func (m *Monitor) IsHighQualityConnection() bool {
	return m.NetworkQuality() == QualityExcellent
}

// QualityOf classifies a snapshot.
func QualityOf(s models.NetworkState) Quality {
	if !s.Online() {
		return QualityOffline
	}
	switch s.ConnectionType {
	case models.ConnectionWifi, models.ConnectionEthernet:
		return QualityExcellent
	case models.ConnectionCellular:
		return QualityGood
	default:
		return QualityPoor
	}
}

// handle applies a platform snapshot.
func (m *Monitor) handle(next models.NetworkState) {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()

	m.mu.Lock()
	prev := m.state
	if prev.Equal(next) {
		m.mu.Unlock()
		return
	}
	m.state = next
	m.mu.Unlock()

	m.logger.Debug("Network state changed", stateFields(next))
	m.listeners.Publish(next)

	wasOnline, isOnline := prev.Online(), next.Online()
	switch {
	case wasOnline && !isOnline:
		m.logger.Warn("Connection lost", stateFields(next))
		if m.notifier != nil {
			m.notifier.ConnectionLost(next)
		}
	case !wasOnline && isOnline:
		m.logger.Info("Connection restored", stateFields(next))
		m.reconnects.Publish(next)
	}
}

func stateFields(s models.NetworkState) map[string]interface{} {
	fields := map[string]interface{}{
		"connected": s.IsConnected,
		"type":      string(s.ConnectionType),
		"quality":   string(QualityOf(s)),
	}
	if s.IsInternetReachable != nil {
		fields["reachable"] = *s.IsInternetReachable
	}
	return fields
}
