// Package hub provides a bounded broadcast channel. Publishers never block:
// a subscriber that falls behind loses messages rather than stalling the
// producing pipeline.
package hub

import (
	"sync"
	"sync/atomic"
)

// Hub fans values out to any number of subscribers.
type Hub[T any] struct {
	mu      sync.Mutex
	subs    map[*Subscriber[T]]struct{}
	closed  bool
	dropped atomic.Uint64
}

// Subscriber is one receiving end. Read from C until it closes.
type Subscriber[T any] struct {
	hub      *Hub[T]
	ch       chan T
	canceled bool
	dropped  atomic.Uint64
}

func New[T any]() *Hub[T] {
	return &Hub[T]{subs: make(map[*Subscriber[T]]struct{})}
}

// Subscribe registers a receiver with the given channel capacity. On a
// closed hub the returned subscriber's channel is already closed.
func (h *Hub[T]) Subscribe(buffer int) *Subscriber[T] {
	s := &Subscriber[T]{hub: h, ch: make(chan T, buffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(s.ch)
		s.canceled = true
		return s
	}
	h.subs[s] = struct{}{}
	return s
}

// Publish delivers v to every subscriber that has room and counts a drop for
// every one that does not.
func (h *Hub[T]) Publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for s := range h.subs {
		select {
		case s.ch <- v:
		default:
			s.dropped.Add(1)
			h.dropped.Add(1)
		}
	}
}

// Close closes every subscriber channel. Further publishes are discarded.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for s := range h.subs {
		s.canceled = true
		close(s.ch)
		delete(h.subs, s)
	}
}

// Subscribers returns the number of attached receivers.
func (h *Hub[T]) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped returns the total messages lost across all subscribers.
func (h *Hub[T]) Dropped() uint64 {
	return h.dropped.Load()
}

// C is the receive channel. It closes when the subscriber cancels or the hub
// shuts down.
func (s *Subscriber[T]) C() <-chan T {
	return s.ch
}

// Dropped returns how many messages this subscriber lost.
func (s *Subscriber[T]) Dropped() uint64 {
	return s.dropped.Load()
}

// Cancel detaches the subscriber and closes its channel. Safe to call more
// than once.
func (s *Subscriber[T]) Cancel() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if s.canceled {
		return
	}
	s.canceled = true
	delete(s.hub.subs, s)
	close(s.ch)
}
