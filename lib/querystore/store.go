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

// Package querystore implements the engine's Query Storage (spec
// §4.3): the mapping from hashed key to signal-wrapped cache entry,
// bounded by an active-preserving LRU, indexed by tag and by a
// hashed-path-element prefix trie, with per-key GC timers.
package querystore

import (
	"container/list"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/brainewave/querykit/lib/queryhash"
	"github.com/brainewave/querykit/lib/signal"
)

// Config configures a Store. Zero value is valid; CheckAndSetDefaults
// fills in production defaults, the teacher's config-validation idiom.
type Config struct {
	// MaxSize bounds the number of entries before LRU eviction kicks
	// in (spec §4.3 "LRU eviction"). Zero means unbounded.
	MaxSize int
	Clock   clockwork.Clock
	Sched   *signal.Scheduler
	Logger  *logrus.Entry
}

// CheckAndSetDefaults validates cfg and fills in defaults, in place.
func (c *Config) CheckAndSetDefaults() error {
	if c.MaxSize < 0 {
		return trace.BadParameter("querystore: MaxSize must be >= 0, got %d", c.MaxSize)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Sched == nil {
		c.Sched = signal.NewScheduler()
	}
	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logrus.StandardLogger()).WithField("component", "querystore")
	}
	return nil
}

// Store is the shared cache map described by spec §4.3. A Store owns
// every Signal and GC timer it hands out; observers only ever hold a
// weak (subscribe/unsubscribe) relationship to them.
type Store struct {
	cfg Config

	mu       sync.Mutex
	signals  map[string]*signal.Signal[*Entry]
	lruElems map[string]*list.Element
	lru      *list.List // front = least recently used, back = most recently used
	tags     map[string]map[string]struct{}
	trie     *trie
	gcTimers map[string]clockwork.Timer
}

// New constructs a Store from cfg, applying defaults.
func New(cfg Config) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Store{
		cfg:      cfg,
		signals:  make(map[string]*signal.Signal[*Entry]),
		lruElems: make(map[string]*list.Element),
		lru:      list.New(),
		tags:     make(map[string]map[string]struct{}),
		trie:     newTrie(),
		gcTimers: make(map[string]clockwork.Timer),
	}, nil
}

// Get returns the signal for hash without creating it.
func (s *Store) Get(hash string) (*signal.Signal[*Entry], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.signals[hash]
	return sig, ok
}

// GetOrCreate returns the signal for hash, creating a pending
// placeholder entry (data undefined) if autoCreate is true and none
// exists yet (spec §4.3, invariant "an entry's signal is created
// lazily on first observation or first commit").
func (s *Store) GetOrCreate(hash string, key queryhash.Identifier, autoCreate bool) *signal.Signal[*Entry] {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sig, ok := s.signals[hash]; ok {
		return sig
	}
	if !autoCreate {
		return nil
	}

	sig := s.newSignalLocked(hash)
	s.signals[hash] = sig
	s.touchLRULocked(hash)
	s.armInitialGCLocked(hash, sig)

	placeholder := &Entry{
		Status: StatusPending,
		Key:    key,
		Tags:   map[string]struct{}{},
	}
	sig.Set(placeholder)
	_ = s.trie.insert(key.Key, hash)
	return sig
}

// newSignalLocked wires the onActive/onInactive lifecycle hooks that
// drive GC arming/cancellation (spec §4.3 "GC policy").
func (s *Store) newSignalLocked(hash string) *signal.Signal[*Entry] {
	return signal.New[*Entry](s.cfg.Sched, nil,
		signal.OnActive[*Entry](func() { s.cancelGC(hash) }),
		signal.OnInactive[*Entry](func() { s.armGC(hash) }),
	)
}

// armInitialGCLocked arms a GC timer for a freshly created, not-yet-
// observed entry, per spec §4.3: "Unobserved entries created without
// yet being subscribed also arm an initial GC timer of cacheTime."
func (s *Store) armInitialGCLocked(hash string, sig *signal.Signal[*Entry]) {
	if sig.IsWatched() {
		return
	}
	s.armGCLocked(hash, DefaultCacheTime)
}

// DefaultCacheTime is used to arm the initial GC timer before any
// entry has been committed (and thus before any real CacheTime is
// known). The first Set call re-arms with the entry's actual
// CacheTime.
const DefaultCacheTime = 5 * time.Minute

// Set writes entry under hash (whose originating identifier is key),
// updating the tag index and prefix trie and refreshing LRU position.
// If this pushes the store over capacity, the oldest unwatched entry
// is evicted (spec §4.3 "LRU eviction": never an actively-watched
// one).
func (s *Store) Set(hash string, key queryhash.Identifier, entry *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.Key = key

	sig, existed := s.signals[hash]
	var oldEntry *Entry
	if existed {
		oldEntry = sig.Get()
	} else {
		sig = s.newSignalLocked(hash)
		s.signals[hash] = sig
	}

	if oldEntry != nil {
		s.removeTagsLocked(hash, oldEntry.Tags)
		_ = s.trie.remove(oldEntry.Key.Key, hash)
	}
	s.insertTagsLocked(hash, entry.Tags)
	_ = s.trie.insert(key.Key, hash)

	sig.Set(entry)
	s.touchLRULocked(hash)
	s.evictIfOverCapacityLocked()

	if !sig.IsWatched() {
		s.armGCLocked(hash, entry.CacheTime)
	}
}

// Delete removes hash from every index and cancels its GC timer (spec
// §4.3).
func (s *Store) Delete(hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteLocked(hash)
}

func (s *Store) deleteLocked(hash string) {
	sig, ok := s.signals[hash]
	if !ok {
		return
	}
	if entry := sig.Get(); entry != nil {
		s.removeTagsLocked(hash, entry.Tags)
		_ = s.trie.remove(entry.Key.Key, hash)
	}
	s.cancelGCLocked(hash)
	if elem, ok := s.lruElems[hash]; ok {
		s.lru.Remove(elem)
		delete(s.lruElems, hash)
	}
	delete(s.signals, hash)
}

// Clear drops every entry and index, as for QueryClient.clear().
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for hash := range s.signals {
		s.deleteLocked(hash)
	}
}

// GetAll returns every currently live entry.
func (s *Store) GetAll() []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Entry, 0, len(s.signals))
	for _, sig := range s.signals {
		if e := sig.Get(); e != nil {
			out = append(out, e)
		}
	}
	return out
}

// GetSnapshot returns a copy of the live hash->entry map (spec §4.3
// "getSnapshot (returns the live map for iteration)"). The map itself
// is a copy; the *Entry values are the live, immutable-once-published
// entries.
func (s *Store) GetSnapshot() map[string]*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*Entry, len(s.signals))
	for hash, sig := range s.signals {
		out[hash] = sig.Get()
	}
	return out
}

// KeysByTag returns every hashed key currently tagged with tag.
func (s *Store) KeysByTag(tag string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.tags[tag]
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

// MatchingPrefix returns every hashed key whose originating Identifier
// has keyParts as a prefix (spec §4.3 "Prefix Trie"; §8 property 6).
func (s *Store) MatchingPrefix(keyParts []any) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, err := s.trie.getMatchingKeys(keyParts)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out, nil
}

func (s *Store) insertTagsLocked(hash string, tags map[string]struct{}) {
	for tag := range tags {
		set, ok := s.tags[tag]
		if !ok {
			set = make(map[string]struct{})
			s.tags[tag] = set
		}
		set[hash] = struct{}{}
	}
}

func (s *Store) removeTagsLocked(hash string, tags map[string]struct{}) {
	for tag := range tags {
		set, ok := s.tags[tag]
		if !ok {
			continue
		}
		delete(set, hash)
		if len(set) == 0 {
			delete(s.tags, tag)
		}
	}
}

func (s *Store) touchLRULocked(hash string) {
	if elem, ok := s.lruElems[hash]; ok {
		s.lru.MoveToBack(elem)
		return
	}
	s.lruElems[hash] = s.lru.PushBack(hash)
}

// evictIfOverCapacityLocked implements spec §4.3's eviction walk: from
// least to most recently used, delete the first entry whose signal is
// not watched. Watched entries are never evicted (§8 property 7); if
// none are evictable the store is left over capacity rather than
// evicting something live.
func (s *Store) evictIfOverCapacityLocked() {
	if s.cfg.MaxSize <= 0 || len(s.signals) <= s.cfg.MaxSize {
		return
	}
	for elem := s.lru.Front(); elem != nil; elem = elem.Next() {
		hash := elem.Value.(string)
		sig, ok := s.signals[hash]
		if !ok {
			continue
		}
		if sig.IsWatched() {
			continue
		}
		s.deleteLocked(hash)
		return
	}
}

func (s *Store) armGC(hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.signals[hash]
	if !ok {
		return
	}
	entry := sig.Get()
	cacheTime := DefaultCacheTime
	if entry != nil {
		cacheTime = entry.CacheTime
	}
	s.armGCLocked(hash, cacheTime)
}

func (s *Store) armGCLocked(hash string, cacheTime time.Duration) {
	s.cancelGCLocked(hash)
	s.gcTimers[hash] = s.cfg.Clock.AfterFunc(cacheTime, func() {
		s.handleGCExpiry(hash)
	})
}

func (s *Store) cancelGC(hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelGCLocked(hash)
}

func (s *Store) cancelGCLocked(hash string) {
	if t, ok := s.gcTimers[hash]; ok {
		t.Stop()
		delete(s.gcTimers, hash)
	}
}

// handleGCExpiry deletes hash once its cacheTime has elapsed while
// unobserved (spec §4.3, §8 property 8). It re-checks watched status
// under the lock to guard the race where a new observer attached
// between timer fire and lock acquisition.
func (s *Store) handleGCExpiry(hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.signals[hash]
	if !ok {
		return
	}
	if sig.IsWatched() {
		return
	}
	delete(s.gcTimers, hash)
	s.deleteLocked(hash)
}
