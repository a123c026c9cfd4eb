/*
Copyright 2025 querykit Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package signal implements the engine's reactive Signal Layer (spec
// §4.2): single-value cells with batched notification and
// active/inactive lifecycle hooks.
//
// The spec describes a single-threaded, microtask-batched runtime. Go
// has neither a single event loop nor a microtask queue, so batching is
// reproduced with a Scheduler: a Set call marks its Signal dirty and
// asks the Scheduler to flush on its own goroutine once the current
// burst of synchronous Set calls has settled. This preserves the two
// ordering guarantees the spec requires — listener order within a
// signal equals registration order, and signal order within a flush
// equals first-dirtied order — without requiring callers to manage any
// of it.
package signal

import "sync"

// listenerEntry pairs a listener with the token used to unsubscribe it.
type listenerEntry[T comparable] struct {
	id uint64
	fn func(T)
}

// Signal is a single-value reactive cell. T is constrained to
// comparable so Set's same-reference fast path can use plain ==; in
// practice T is always a pointer (e.g. *querystore.Entry) or other
// reference-like comparable value, matching the spec's "same
// (same-reference) to current value" wording. The zero value is not
// usable; construct with New.
type Signal[T comparable] struct {
	sched *Scheduler

	mu        sync.Mutex
	value     T
	listeners []listenerEntry[T]
	nextID    uint64

	onActive   func()
	onInactive func()

	dirty      bool
	pendingVal T
}

// Option configures a Signal at construction time.
type Option[T comparable] func(*Signal[T])

// OnActive registers the hook fired when the signal transitions from 0
// to 1 listeners.
func OnActive[T comparable](fn func()) Option[T] {
	return func(s *Signal[T]) { s.onActive = fn }
}

// OnInactive registers the hook fired when the signal transitions from
// 1 to 0 listeners.
func OnInactive[T comparable](fn func()) Option[T] {
	return func(s *Signal[T]) { s.onInactive = fn }
}

// New creates a Signal seeded with initial, batched through sched.
func New[T comparable](sched *Scheduler, initial T, opts ...Option[T]) *Signal[T] {
	s := &Signal[T]{sched: sched, value: initial}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the current value.
func (s *Signal[T]) Get() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Set stores v, a no-op if v is identical (same reference, for pointer
// and interface-boxed types) to the current value. Otherwise the new
// value is queued and a flush is scheduled; the actual listener
// notification happens on the Scheduler's flush, batching any number of
// Set calls in the same synchronous burst into one notification per
// listener.
func (s *Signal[T]) Set(v T) {
	s.mu.Lock()
	if same(s.value, v) {
		s.mu.Unlock()
		return
	}
	s.pendingVal = v
	alreadyDirty := s.dirty
	s.dirty = true
	s.mu.Unlock()

	if !alreadyDirty {
		s.sched.markDirty(s)
	}
}

// flush is invoked by the Scheduler with the lock released between
// enqueue and call; it commits the pending value and notifies listeners
// in registration order, delivering the final (not intermediate) value.
func (s *Signal[T]) flush() {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return
	}
	v := s.pendingVal
	s.value = v
	s.dirty = false
	listeners := make([]listenerEntry[T], len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, l := range listeners {
		l.fn(v)
	}
}

// Subscribe registers listener and returns an unsubscribe func.
// Attaching the first listener fires onActive; detaching the last
// fires onInactive.
func (s *Signal[T]) Subscribe(listener func(T)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	wasEmpty := len(s.listeners) == 0
	s.listeners = append(s.listeners, listenerEntry[T]{id: id, fn: listener})
	onActive := s.onActive
	s.mu.Unlock()

	if wasEmpty && onActive != nil {
		onActive()
	}

	var once sync.Once
	return func() {
		once.Do(func() { s.unsubscribe(id) })
	}
}

func (s *Signal[T]) unsubscribe(id uint64) {
	s.mu.Lock()
	for i, l := range s.listeners {
		if l.id == id {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			break
		}
	}
	becameEmpty := len(s.listeners) == 0
	onInactive := s.onInactive
	s.mu.Unlock()

	if becameEmpty && onInactive != nil {
		onInactive()
	}
}

// IsWatched reports whether the signal has at least one listener.
func (s *Signal[T]) IsWatched() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners) > 0
}

// same reports identity for Set's fast path (spec: "if v is identical
// (same-reference) to current value, no-op"). T is comparable, so for
// the pointer types Signal is used with in this engine this is exactly
// reference-identity comparison.
func same[T comparable](a, b T) bool {
	return a == b
}
