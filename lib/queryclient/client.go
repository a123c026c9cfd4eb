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

// Package queryclient implements the engine's Query Client facade
// (spec §4.5): it orchestrates the Query Storage and Remote Executor,
// exposes the fetch/set/invalidate/tag/restore surface, fans lifecycle
// events out to plugins, and feeds observers.
package queryclient

import (
	"context"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/brainewave/querykit/lib/executor"
	"github.com/brainewave/querykit/lib/qerrors"
	"github.com/brainewave/querykit/lib/queryhash"
	"github.com/brainewave/querykit/lib/querystore"
	"github.com/brainewave/querykit/lib/signal"
)

// Schema validates a fetched payload (spec §6 "Schema validator").
// Parse returns the (possibly transformed) value or an error.
type Schema interface {
	Parse(v any) (any, error)
}

// SchemaFunc adapts a plain func to Schema.
type SchemaFunc func(v any) (any, error)

func (f SchemaFunc) Parse(v any) (any, error) { return f(v) }

// DefaultStaleTime and DefaultCacheTime seed SetOptions/FetchOptions
// when the caller leaves them zero.
const (
	DefaultStaleTime = 0 * time.Second
	DefaultCacheTime = 5 * time.Minute
)

// defaultHasherSize bounds the Client's identifier-hash memoization
// cache (spec §4.1's Hasher, see lib/queryhash) when Config.HasherSize
// is left zero.
const defaultHasherSize = 512

// Config configures a Client.
type Config struct {
	Store         *querystore.Store
	Executor      *executor.Executor
	Clock         clockwork.Clock
	Logger        *logrus.Entry
	DefaultSchema Schema
	// HasherSize bounds the Hasher's memoization cache; zero means
	// defaultHasherSize.
	HasherSize int
}

func (c *Config) checkAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("queryclient: Store is required")
	}
	if c.Executor == nil {
		return trace.BadParameter("queryclient: Executor is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logrus.StandardLogger()).WithField("component", "queryclient")
	}
	if c.HasherSize <= 0 {
		c.HasherSize = defaultHasherSize
	}
	return nil
}

// Client is the facade described by spec §4.5.
type Client struct {
	cfg     Config
	plugins []Plugin
	hasher  *queryhash.Hasher
}

// New constructs a Client over an already-built Store and Executor
// (both are typically shared with a set of Query Observers).
func New(cfg Config) (*Client, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Client{cfg: cfg, hasher: queryhash.NewHasher(cfg.HasherSize)}, nil
}

// Use registers plugin; hooks fan out in registration order (spec
// §4.5, §9).
func (c *Client) Use(p Plugin) {
	c.plugins = append(c.plugins, p)
}

// hashOf is the single choke point translating an Identifier to its
// hashed key, so every facade method raises the same classified error
// on overly deep identifiers. It goes through the Client's Hasher so a
// caller that repeatedly passes back the same Identifier value (the
// common case: an Observer re-fetching its own stored QueryKey on
// every poll) skips re-canonicalizing it.
func (c *Client) hashOf(id queryhash.Identifier) (string, error) {
	h, err := c.hasher.Hash(id)
	if err != nil {
		return "", qerrors.New(qerrors.SelectorError, err, "", 0)
	}
	return h, nil
}

// Get returns the current data for id, and whether an entry exists at
// all (an entry can exist with Data == nil as a pending placeholder).
func (c *Client) Get(id queryhash.Identifier) (any, bool, error) {
	hash, err := c.hashOf(id)
	if err != nil {
		return nil, false, err
	}
	sig, ok := c.cfg.Store.Get(hash)
	if !ok {
		return nil, false, nil
	}
	entry := sig.Get()
	return entry.Data, true, nil
}

// Now returns the client's clock's current time. Observers use this
// instead of carrying their own clock, so staleness derivation always
// agrees with the clock the store itself uses for GC.
func (c *Client) Now() time.Time {
	return c.cfg.Clock.Now()
}

// GetEntry returns the full current entry for id (status, error,
// isFetching, and so on), the basis an observer derives its result
// view from.
func (c *Client) GetEntry(id queryhash.Identifier) (*querystore.Entry, bool, error) {
	hash, err := c.hashOf(id)
	if err != nil {
		return nil, false, err
	}
	sig, ok := c.cfg.Store.Get(hash)
	if !ok {
		return nil, false, nil
	}
	return sig.Get(), true, nil
}

// FetchRaw runs fn through the shared Remote Executor's
// dedup/retry/backoff machinery without touching storage. It is the
// primitive the Infinite Observer builds its page-merging logic on top
// of (spec §4.7), since per-page fetches need custom commit logic the
// single-value Fetch pipeline doesn't provide.
func (c *Client) FetchRaw(ctx context.Context, hash string, fn func(context.Context) (any, error), opts executor.Options) (any, error) {
	return executor.Fetch(ctx, c.cfg.Executor, hash, fn, opts)
}

// Has reports whether id currently has a live entry.
func (c *Client) Has(id queryhash.Identifier) (bool, error) {
	hash, err := c.hashOf(id)
	if err != nil {
		return false, err
	}
	_, ok := c.cfg.Store.Get(hash)
	return ok, nil
}

// IsStale implements spec §8 property 4's staleness algebra for id.
// A missing entry is considered stale.
func (c *Client) IsStale(id queryhash.Identifier) (bool, error) {
	hash, err := c.hashOf(id)
	if err != nil {
		return false, err
	}
	sig, ok := c.cfg.Store.Get(hash)
	if !ok {
		return true, nil
	}
	return sig.Get().IsStale(c.cfg.Clock.Now()), nil
}

// SetOptions configures a direct Set call.
type SetOptions struct {
	StaleTime time.Duration
	CacheTime time.Duration
	Tags      []string
}

// Set writes data directly into the cache (no transport involved),
// spec §4.5 `set(id, data, {staleTime?, cacheTime?, tags?})`.
func (c *Client) Set(id queryhash.Identifier, data any, opts SetOptions) error {
	hash, err := c.hashOf(id)
	if err != nil {
		return err
	}
	cacheTime := opts.CacheTime
	if cacheTime <= 0 {
		cacheTime = DefaultCacheTime
	}
	entry := &querystore.Entry{
		Data:           data,
		Status:         querystore.StatusSuccess,
		FetchDirection: querystore.DirectionIdle,
		Timestamp:      c.cfg.Clock.Now(),
		StaleTime:      opts.StaleTime,
		CacheTime:      cacheTime,
		Tags:           tagSet(opts.Tags),
	}
	c.commit(hash, id, entry)
	return nil
}

// Remove deletes id's entry entirely (spec §4.5 `remove(id)`).
func (c *Client) Remove(id queryhash.Identifier) error {
	hash, err := c.hashOf(id)
	if err != nil {
		return err
	}
	c.cfg.Store.Delete(hash)
	return nil
}

// Clear drops every entry (spec §4.5 `clear()`).
func (c *Client) Clear() {
	c.cfg.Store.Clear()
}

// GetSignal returns (auto-creating) the shared Signal backing id (spec
// §4.5 `getSignal(id)`), the attachment point Query Observers subscribe
// to.
func (c *Client) GetSignal(id queryhash.Identifier) (*signal.Signal[*querystore.Entry], error) {
	hash, err := c.hashOf(id)
	if err != nil {
		return nil, err
	}
	return c.cfg.Store.GetOrCreate(hash, id, true), nil
}

// Snapshot returns the live hash->entry map (spec §4.5 `snapshot()`).
func (c *Client) Snapshot() map[string]*querystore.Entry {
	return c.cfg.Store.GetSnapshot()
}

// Restore writes a fully-specified entry verbatim, used by hydration
// (spec §4.5 `restore(id, entry)`, §6 "Hydration format").
func (c *Client) Restore(id queryhash.Identifier, entry *querystore.Entry) error {
	hash, err := c.hashOf(id)
	if err != nil {
		return err
	}
	c.commit(hash, id, entry)
	return nil
}

// Invalidate marks id and every descendant in the Prefix Trie as
// invalidated (spec §4.5 `invalidate(id)`, §8 property 6). It never
// falls back to string-prefix matching.
func (c *Client) Invalidate(id queryhash.Identifier) error {
	hash, err := c.hashOf(id)
	if err != nil {
		return err
	}
	matches, mErr := c.cfg.Store.MatchingPrefix(id.Key)
	if mErr != nil {
		return qerrors.New(qerrors.SelectorError, mErr, hash, 0)
	}
	for _, matchHash := range matches {
		c.markInvalidated(matchHash)
	}
	c.emitInvalidate(hash)
	return nil
}

// InvalidateTags marks every entry carrying any of tags as invalidated
// (spec §4.5 `invalidateTags(tags)`).
func (c *Client) InvalidateTags(tags []string) {
	seen := make(map[string]struct{})
	for _, tag := range tags {
		for _, hash := range c.cfg.Store.KeysByTag(tag) {
			if _, ok := seen[hash]; ok {
				continue
			}
			seen[hash] = struct{}{}
			c.markInvalidated(hash)
		}
	}
	for hash := range seen {
		c.emitInvalidate(hash)
	}
}

// InvalidateAll marks every live entry as invalidated (spec §4.5
// `invalidateAll()`).
func (c *Client) InvalidateAll() {
	for _, entry := range c.cfg.Store.GetAll() {
		hash, err := c.hashOf(entry.Key)
		if err != nil {
			continue
		}
		c.markInvalidated(hash)
		c.emitInvalidate(hash)
	}
}

// markInvalidated sets IsInvalidated on hash's current entry without
// disturbing anything else: soft invalidation preserves last-known-good
// data (spec §9 open question, "newer" lineage).
func (c *Client) markInvalidated(hash string) {
	sig, ok := c.cfg.Store.Get(hash)
	if !ok {
		return
	}
	current := sig.Get()
	updated := current.Clone()
	updated.IsInvalidated = true
	c.commit(hash, current.Key, updated)
}

// commit is the single choke point for writing an entry through the
// Store and fanning QueryUpdated out to plugins.
func (c *Client) commit(hash string, id queryhash.Identifier, entry *querystore.Entry) {
	c.cfg.Store.Set(hash, id, entry)
	c.emitQueryUpdated(hash, entry.Data)
}

func tagSet(tags []string) map[string]struct{} {
	out := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		out[t] = struct{}{}
	}
	return out
}
