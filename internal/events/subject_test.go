package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestSubject_PublishOrder verifies delivery in subscription order.
func TestSubject_PublishOrder(t *testing.T) {
	s := NewSubject[int]()
	var got []string

	s.Subscribe(func(v int) { got = append(got, "a") })
	s.Subscribe(func(v int) { got = append(got, "b") })
	s.Publish(1)

	assert.Equal(t, []string{"a", "b"}, got)
}

// TestSubject_UnsubscribeIdempotent verifies a double unsubscribe does not
// remove other subscribers.
func TestSubject_UnsubscribeIdempotent(t *testing.T) {
	s := NewSubject[string]()
	var a, b int

	unsubA := s.Subscribe(func(string) { a++ })
	s.Subscribe(func(string) { b++ })

	unsubA()
	assert.NotPanics(t, func() { unsubA() })
	assert.Equal(t, 1, s.Len())

	s.Publish("x")
	assert.Equal(t, 0, a)
	assert.Equal(t, 1, b)
}

// TestSubject_UnsubscribeDuringPublish verifies handlers may unsubscribe themselves.
func TestSubject_UnsubscribeDuringPublish(t *testing.T) {
	s := NewSubject[int]()
	calls := 0

	var unsub Unsubscribe
	unsub = s.Subscribe(func(int) {
		calls++
		unsub()
	})

	s.Publish(1)
	s.Publish(2)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, s.Len())
}
