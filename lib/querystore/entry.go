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

package querystore

import (
	"time"

	"github.com/brainewave/querykit/lib/queryhash"
)

// Status is a cache entry's lifecycle state (spec §3 Cache Entry).
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// FetchDirection carries pagination context (spec §3, §4.7).
type FetchDirection string

const (
	DirectionIdle     FetchDirection = "idle"
	DirectionInitial  FetchDirection = "initial"
	DirectionNext     FetchDirection = "next"
	DirectionPrevious FetchDirection = "previous"
)

// Entry is one cache entry, spec §3's Cache Entry table. Entries are
// treated as immutable once published to a Signal: every commit builds
// a new *Entry rather than mutating a shared one, which is what lets
// Signal's same-reference fast path and the observer's field-wise
// memoization both work correctly.
type Entry struct {
	Data           any
	Status         Status
	Err            error
	IsFetching     bool
	FetchDirection FetchDirection
	Timestamp      time.Time
	StaleTime      time.Duration
	CacheTime      time.Duration
	Key            queryhash.Identifier
	Tags           map[string]struct{}
	IsInvalidated  bool
	// Promise optionally holds an in-flight handle for suspense-style
	// integration (spec §3); the core only threads it through, never
	// interprets it.
	Promise any
}

// Clone returns a shallow copy of e, the basis for every "commit a new
// entry with these fields changed" step the spec describes (§4.5
// step 2, for example).
func (e *Entry) Clone() *Entry {
	if e == nil {
		return &Entry{Tags: map[string]struct{}{}}
	}
	cp := *e
	cp.Tags = make(map[string]struct{}, len(e.Tags))
	for t := range e.Tags {
		cp.Tags[t] = struct{}{}
	}
	return &cp
}

// IsStale implements spec §3/§8 property 4's staleness algebra:
// isStale = isInvalidated OR (now - timestamp) > staleTime. A zero
// Timestamp (never committed) is always stale.
func (e *Entry) IsStale(now time.Time) bool {
	if e == nil {
		return true
	}
	if e.IsInvalidated {
		return true
	}
	if e.Timestamp.IsZero() {
		return true
	}
	return now.Sub(e.Timestamp) > e.StaleTime
}

// mergeTags returns the union of existing (if any) with extra.
func mergeTags(existing map[string]struct{}, extra []string) map[string]struct{} {
	out := make(map[string]struct{}, len(existing)+len(extra))
	for t := range existing {
		out[t] = struct{}{}
	}
	for _, t := range extra {
		out[t] = struct{}{}
	}
	return out
}
