// Package events provides a small publish/subscribe subject with explicit
// unsubscribe handles.
package events

import (
	"sort"
	"sync"
)

// Unsubscribe removes a subscription. Calling it more than once is a no-op.
type Unsubscribe func()

// Subject fans values out to subscribers in subscription order.
// Handlers run synchronously on the publishing goroutine, outside the lock,
// so a handler may subscribe or unsubscribe without deadlocking.
type Subject[T any] struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[uint64]func(T)
}

// NewSubject creates an empty Subject.
func NewSubject[T any]() *Subject[T] {
	return &Subject[T]{handlers: make(map[uint64]func(T))}
}

// Subscribe registers handler and returns its unsubscribe handle.
func (s *Subject[T]) Subscribe(handler func(T)) Unsubscribe {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.handlers[id] = handler
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.handlers, id)
			s.mu.Unlock()
		})
	}
}

// Publish delivers v to every current subscriber.
func (s *Subject[T]) Publish(v T) {
	for _, h := range s.snapshot() {
		h(v)
	}
}

// Len returns the number of active subscribers.
func (s *Subject[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handlers)
}

func (s *Subject[T]) snapshot() []func(T) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]uint64, 0, len(s.handlers))
	for id := range s.handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]func(T), 0, len(ids))
	for _, id := range ids {
		out = append(out, s.handlers[id])
	}
	return out
}
