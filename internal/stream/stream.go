package stream

import (
	"context"
	"sync"
)

// Stream fans out values to all active subscribers (SSE clients). Slow subscribers drop
// values rather than block publishers.
type Stream[T any] struct {
	mu     sync.RWMutex
	subs   map[int]subscriber[T]
	next   int
	buffer int
}

type subscriber[T any] struct {
	ch     chan T
	accept func(T) bool
}

// New creates a stream whose subscriber channels hold up to buffer values.
func New[T any](buffer int) *Stream[T] {
	if buffer <= 0 {
		buffer = 16
	}
	return &Stream[T]{subs: make(map[int]subscriber[T]), buffer: buffer}
}

// Subscribe registers a subscriber receiving values accepted by filter (nil accepts all).
// The channel is closed when ctx ends.
func (s *Stream[T]) Subscribe(ctx context.Context, filter func(T) bool) <-chan T {
	ch := make(chan T, s.buffer)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = subscriber[T]{ch: ch, accept: filter}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fans v out to every subscriber that accepts it.
func (s *Stream[T]) Publish(v T) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.accept != nil && !sub.accept(v) {
			continue
		}
		select {
		case sub.ch <- v:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// Subscribers returns the number of active subscribers.
func (s *Stream[T]) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
