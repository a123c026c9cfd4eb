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

package queryclient

import (
	"context"
	"time"

	"github.com/brainewave/querykit/lib/executor"
	"github.com/brainewave/querykit/lib/qerrors"
	"github.com/brainewave/querykit/lib/queryhash"
	"github.com/brainewave/querykit/lib/querystore"
)

// FetchOptions configures one Fetch call (spec §4.5 `fetch(id, fn,
// options)`).
type FetchOptions struct {
	StaleTime      time.Duration
	CacheTime      time.Duration
	Tags           []string
	Schema         Schema
	Retry          any
	RetryDelay     func(attempt int) time.Duration
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	FetchDirection querystore.FetchDirection
}

// Fetch runs the full fetch pipeline of spec §4.5 step 5: obtain (or
// lazily create) id's signal, commit a transitional "fetching" entry,
// notify FetchStartHook, delegate to the Remote Executor for
// deduplicated retrying transport, then commit either a success entry
// (optionally schema-validated) or an error entry — with cancellation
// handled as a silent revert rather than an observer-visible error
// (spec §7, "Cancellation ... never surfaced as an observer error").
//
// Fetch is a free function, not a Client method, because Go forbids
// generic methods: T must be chosen at the call site.
func Fetch[T any](ctx context.Context, c *Client, id queryhash.Identifier, fn func(context.Context) (T, error), opts FetchOptions) (T, error) {
	var zero T

	hash, err := c.hashOf(id)
	if err != nil {
		return zero, err
	}

	sig := c.cfg.Store.GetOrCreate(hash, id, true)
	previous := sig.Get()

	cacheTime := opts.CacheTime
	if cacheTime <= 0 {
		cacheTime = DefaultCacheTime
	}
	direction := opts.FetchDirection
	if direction == "" {
		direction = querystore.DirectionInitial
	}

	fetching := previous.Clone()
	fetching.IsFetching = true
	fetching.FetchDirection = direction
	fetching.Key = id
	if opts.Tags != nil {
		fetching.Tags = mergeTagSets(fetching.Tags, opts.Tags)
	}
	c.commit(hash, id, fetching)
	c.emitFetchStart(hash)

	wrapped := func(ctx context.Context) (T, error) {
		return fn(ctx)
	}
	result, fetchErr := executor.Fetch(ctx, c.cfg.Executor, hash, wrapped, executor.Options{
		Retry:      opts.Retry,
		RetryDelay: opts.RetryDelay,
		BaseDelay:  opts.BaseDelay,
		MaxDelay:   opts.MaxDelay,
	})

	if fetchErr != nil {
		if qerrors.IsCancelled(fetchErr) {
			// Revert to the pre-fetch entry, only clearing the transitional
			// isFetching flag: cancellation must never overwrite last-known
			// data or surface as an observer error (spec §7).
			reverted := previous.Clone()
			reverted.IsFetching = false
			c.commit(hash, id, reverted)
			return zero, fetchErr
		}

		failed := fetching.Clone()
		failed.IsFetching = false
		failed.Status = querystore.StatusError
		failed.Err = fetchErr
		failed.Timestamp = c.cfg.Clock.Now()
		c.commit(hash, id, failed)
		c.emitFetchError(hash, fetchErr)
		return zero, fetchErr
	}

	var data any = result
	schema := opts.Schema
	if schema == nil {
		schema = c.cfg.DefaultSchema
	}
	if schema != nil {
		parsed, parseErr := schema.Parse(data)
		if parseErr != nil {
			wrapped := qerrors.New(qerrors.ParseError, parseErr, hash, 0)
			failed := fetching.Clone()
			failed.IsFetching = false
			failed.Status = querystore.StatusError
			failed.Err = wrapped
			// Unlike a transport failure, a schema-validation failure
			// clears Data: the transport response existed but was never
			// a valid value of this query's type, so there is nothing
			// trustworthy left to serve (spec §4.5 step 5 / §7).
			failed.Data = nil
			failed.Timestamp = c.cfg.Clock.Now()
			c.commit(hash, id, failed)
			c.emitFetchError(hash, wrapped)
			return zero, wrapped
		}
		data = parsed
	}

	success := fetching.Clone()
	success.IsFetching = false
	success.Status = querystore.StatusSuccess
	success.Err = nil
	success.Data = data
	success.IsInvalidated = false
	success.Timestamp = c.cfg.Clock.Now()
	success.StaleTime = opts.StaleTime
	success.CacheTime = cacheTime
	c.commit(hash, id, success)
	c.emitFetchSuccess(hash, data)

	typed, ok := data.(T)
	if !ok {
		// The schema transformed the payload into a type other than T;
		// the cache entry still holds the transformed value, but the
		// caller's generic return must reflect what actually came back.
		return zero, qerrors.New(qerrors.ParseError, nil, hash, 0)
	}
	return typed, nil
}

func mergeTagSets(existing map[string]struct{}, extra []string) map[string]struct{} {
	out := make(map[string]struct{}, len(existing)+len(extra))
	for t := range existing {
		out[t] = struct{}{}
	}
	for _, t := range extra {
		out[t] = struct{}{}
	}
	return out
}
