package util

import (
	"sync"
)

// Subscribers is an ordered callback registry. One slot is reserved for a
// "set" style callback; Add appends further subscribers. Emit calls them in
// registration order.
type Subscribers[T any] struct {
	mu      sync.RWMutex
	ids     []uint64
	fns     map[uint64]func(T)
	next    uint64
	primary uint64
	name    string
}

// NewSubscribers returns an empty registry. name labels panic logs.
func NewSubscribers[T any](name string) *Subscribers[T] {
	return &Subscribers[T]{fns: make(map[uint64]func(T)), name: name}
}

// Set replaces the primary callback, keeping its position. nil clears it.
func (s *Subscribers[T]) Set(fn func(T)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case fn == nil && s.primary != 0:
		s.removeLocked(s.primary)
		s.primary = 0
	case fn != nil && s.primary != 0:
		s.fns[s.primary] = fn
	case fn != nil:
		s.primary = s.addLocked(fn)
	}
}

// Add registers fn after the existing subscribers and returns its remover.
func (s *Subscribers[T]) Add(fn func(T)) (cancel func()) {
	s.mu.Lock()
	id := s.addLocked(fn)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		s.removeLocked(id)
		s.mu.Unlock()
	}
}

// Len returns the number of registered callbacks.
func (s *Subscribers[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}

// Emit calls every subscriber in registration order on the calling
// goroutine. A panicking subscriber is logged and skipped.
func (s *Subscribers[T]) Emit(v T) {
	s.mu.RLock()
	fns := make([]func(T), 0, len(s.ids))
	for _, id := range s.ids {
		fns = append(fns, s.fns[id])
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		s.call(fn, v)
	}
}

func (s *Subscribers[T]) call(fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			GetLogger().Error("Callback panicked", "callback", s.name, "panic", r)
		}
	}()
	fn(v)
}

func (s *Subscribers[T]) addLocked(fn func(T)) uint64 {
	s.next++
	s.fns[s.next] = fn
	s.ids = append(s.ids, s.next)
	return s.next
}

func (s *Subscribers[T]) removeLocked(id uint64) {
	if _, ok := s.fns[id]; !ok {
		return
	}
	delete(s.fns, id)
	for i, v := range s.ids {
		if v == id {
			s.ids = append(s.ids[:i:i], s.ids[i+1:]...)
			break
		}
	}
}
