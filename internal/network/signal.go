package network

import (
	"context"
	"sync"

	"github.com/kimhsiao/fieldsync/internal/events"
	"github.com/kimhsiao/fieldsync/internal/models"
)

// Signal is the platform connectivity primitive the Monitor wraps.
type Signal interface {
	// Current returns the platform's connectivity snapshot.
	Current(ctx context.Context) (models.NetworkState, error)
	// Subscribe delivers snapshots as the platform reports changes.
	Subscribe(handler func(models.NetworkState)) events.Unsubscribe
}

// ManualSignal is a Signal driven by its host: an embedding platform (or a
// test) pushes snapshots through Set.
type ManualSignal struct {
	mu      sync.RWMutex
	state   models.NetworkState
	changes *events.Subject[models.NetworkState]
}

// NewManualSignal creates a ManualSignal reporting initial.
func NewManualSignal(initial models.NetworkState) *ManualSignal {
	return &ManualSignal{
		state:   initial,
		changes: events.NewSubject[models.NetworkState](),
	}
}

func (s *ManualSignal) Current(context.Context) (models.NetworkState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state, nil
}

func (s *ManualSignal) Subscribe(handler func(models.NetworkState)) events.Unsubscribe {
	return s.changes.Subscribe(handler)
}

// Set records a new snapshot and notifies subscribers.
func (s *ManualSignal) Set(state models.NetworkState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.changes.Publish(state)
}

// Connect is shorthand for a reachable connection of the given type.
func (s *ManualSignal) Connect(t models.ConnectionType) {
	s.Set(models.NetworkState{IsConnected: true, ConnectionType: t, IsInternetReachable: models.Bool(true)})
}

// Disconnect is shorthand for a lost connection.
func (s *ManualSignal) Disconnect() {
	s.Set(models.NetworkState{IsConnected: false, ConnectionType: models.ConnectionNone, IsInternetReachable: models.Bool(false)})
}
