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

package signal

import "sync"

// flushable is the type-erased side of Signal[T] the Scheduler needs to
// drive a flush without itself being generic over T.
type flushable interface {
	flush()
}

// Scheduler coalesces Set calls into batched flushes, the Go stand-in
// for the spec's microtask-batched notification. Every Signal created
// against the same Scheduler that goes dirty within the same burst of
// synchronous work is flushed together, in the order each was first
// marked dirty (spec §4.2, §5 "Batching").
//
// Scheduler has no direct analogue in the teacher; it plays the role
// the JS runtime's microtask queue plays implicitly, made explicit the
// way Go programs always make implicit runtime behavior explicit.
type Scheduler struct {
	mu        sync.Mutex
	dirty     []flushable
	dirtySet  map[flushable]struct{}
	scheduled bool

	// Sync, when true, flushes synchronously on the calling goroutine
	// instead of dispatching to a new one. Tests use this so assertions
	// immediately following a Set observe the flushed value without a
	// synchronization point.
	Sync bool
}

// NewScheduler constructs an asynchronous (goroutine-flushing)
// Scheduler, the production default.
func NewScheduler() *Scheduler {
	return &Scheduler{dirtySet: make(map[flushable]struct{})}
}

// NewSyncScheduler constructs a Scheduler that flushes inline. Useful
// in tests that want deterministic, immediately-observable flushes.
func NewSyncScheduler() *Scheduler {
	return &Scheduler{dirtySet: make(map[flushable]struct{}), Sync: true}
}

func (s *Scheduler) markDirty(f flushable) {
	s.mu.Lock()
	if _, ok := s.dirtySet[f]; !ok {
		s.dirtySet[f] = struct{}{}
		s.dirty = append(s.dirty, f)
	}
	shouldSchedule := !s.scheduled
	if shouldSchedule {
		s.scheduled = true
	}
	sync := s.Sync
	s.mu.Unlock()

	if !shouldSchedule {
		return
	}
	if sync {
		s.flush()
		return
	}
	go s.flush()
}

// flush drains the dirty set, in first-dirtied order, and flushes each
// signal exactly once. A listener that calls Set synchronously during
// its own notification marks its signal dirty again; flush keeps
// draining until the set is empty, which is how the spec's "may permit
// nested flush cycles but must not spin" is honored: convergent chains
// terminate because each round only processes what's dirty *now*.
func (s *Scheduler) flush() {
	for {
		s.mu.Lock()
		if len(s.dirty) == 0 {
			s.scheduled = false
			s.mu.Unlock()
			return
		}
		batch := s.dirty
		s.dirty = nil
		s.dirtySet = make(map[flushable]struct{})
		s.mu.Unlock()

		for _, f := range batch {
			f.flush()
		}
	}
}

// Flush blocks until all currently pending (and any newly produced by
// their own notification) flushes have run. It is a no-op when nothing
// is scheduled. Primarily for tests driving an async Scheduler without
// sleeping.
func (s *Scheduler) Flush() {
	s.flush()
}
