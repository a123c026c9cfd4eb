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

// Package executor implements the engine's Remote Executor (spec
// §4.4): a per-key deduplicated async executor with retry, backoff,
// jitter, and external cancellation.
package executor

import (
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/brainewave/querykit/lib/qerrors"
	"github.com/brainewave/querykit/lib/retry"
)

// retainWindow is how long a resolved execution stays in the dedup
// table so a caller arriving moments after resolution still attaches to
// it instead of issuing a fresh call (spec §4.4 "Deduplication").
const retainWindow = 100 * time.Millisecond

// staleAfter and sweepInterval implement spec §4.4's "Periodic
// hygiene": every 30s, drop dedup entries older than 60s, a defense
// against leaks when a caller's wait was dropped without tearing down
// cleanly.
const (
	staleAfter    = 60 * time.Second
	sweepInterval = 30 * time.Second
)

// Options configures one Fetch call's retry behavior (spec §4.4).
type Options struct {
	// Retry is spec §4.4's retry union: bool (true=3, false=0) or an
	// int attempt count. nil defaults to 3, matching ResolveAttempts.
	Retry any
	// RetryDelay overrides the computed exponential-backoff schedule
	// entirely, spec's "or the caller-supplied function/number".
	RetryDelay func(attempt int) time.Duration
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// execution is one deduplicated in-flight (or briefly-retained
// resolved) unit of work for a single hashed key.
type execution struct {
	done      chan struct{}
	val       any
	err       error
	startedAt time.Time
}

// Config configures an Executor.
type Config struct {
	Clock  clockwork.Clock
	Logger *logrus.Entry
}

func (c *Config) checkAndSetDefaults() {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logrus.StandardLogger()).WithField("component", "executor")
	}
}

// Executor is the shared dedup table plus retry loop described by spec
// §4.4. The zero value is not usable; construct with New.
type Executor struct {
	cfg Config

	mu       sync.Mutex
	inflight map[string]*execution
}

// New constructs an Executor.
func New(cfg Config) *Executor {
	cfg.checkAndSetDefaults()
	return &Executor{cfg: cfg, inflight: make(map[string]*execution)}
}

// RunHygiene runs the periodic sweep (spec §4.4) until ctx is done. Run
// it in its own goroutine alongside the Executor's lifetime.
func (ex *Executor) RunHygiene(ctx context.Context) {
	ticker := ex.cfg.Clock.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			ex.sweepStale()
		}
	}
}

func (ex *Executor) sweepStale() {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	cutoff := ex.cfg.Clock.Now().Add(-staleAfter)
	for hash, e := range ex.inflight {
		if e.startedAt.Before(cutoff) {
			ex.cfg.Logger.WithField("hash", hash).Warn("dropping stale deduplication entry")
			delete(ex.inflight, hash)
		}
	}
}

// IsInFlight reports whether hash currently has a live (or
// briefly-retained) execution, the basis of spec §8 property 3
// ("at-most-one-in-flight").
func (ex *Executor) IsInFlight(hash string) bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	_, ok := ex.inflight[hash]
	return ok
}

// fetch is the type-erased core: deduplicate on hash, run fn with
// retry/backoff/jitter/cancellation, and fan the result out to every
// concurrent caller for this hash.
func (ex *Executor) fetch(ctx context.Context, hash string, fn func(context.Context) (any, error), opts Options) (any, error) {
	ex.mu.Lock()
	if e, ok := ex.inflight[hash]; ok {
		ex.mu.Unlock()
		return wait(ctx, e)
	}
	e := &execution{done: make(chan struct{}), startedAt: ex.cfg.Clock.Now()}
	ex.inflight[hash] = e
	ex.mu.Unlock()

	// run is driven by a context detached from the initiating caller:
	// the shared execution and its retry/backoff wait must survive that
	// caller aborting its own wait, since other callers may be
	// deduplicated onto the same execution (spec §4.4, §8 properties
	// 2-3). Only wait below consults a per-caller ctx.
	go ex.run(context.Background(), hash, e, fn, opts)
	return wait(ctx, e)
}

// wait blocks for e to resolve or ctx to be cancelled. Concurrent
// waiters each use their own ctx: one caller cancelling only stops that
// caller's wait (spec: per-caller AbortSignal), it does not tear down
// the shared execution other callers are still waiting on.
func wait(ctx context.Context, e *execution) (any, error) {
	select {
	case <-e.done:
		return e.val, e.err
	case <-ctx.Done():
		return nil, qerrors.New(qerrors.Cancelled, trace.Wrap(ctx.Err()), "", 0)
	}
}

// run drives fn through the retry/backoff/jitter schedule, honoring
// ctx cancellation both mid-call and mid-wait (spec §4.4 "Retry").
func (ex *Executor) run(ctx context.Context, hash string, e *execution, fn func(context.Context) (any, error), opts Options) {
	attempts := retry.ResolveAttempts(opts.Retry)
	policy := retry.Policy{
		Attempts:  attempts,
		BaseDelay: opts.BaseDelay,
		MaxDelay:  opts.MaxDelay,
		Delay:     opts.RetryDelay,
	}

	var val any
	var err error
	attempt := 0
	for {
		val, err = fn(ctx)
		if err == nil {
			break
		}
		if qerrors.IsCancelled(err) {
			break
		}
		if !qerrors.IsRetryable(err) {
			break
		}
		if attempt >= attempts {
			break
		}
		attempt++
		if waitErr := retry.Wait(ctx, ex.cfg.Clock, policy.DelayFor(attempt)); waitErr != nil {
			err = waitErr
			break
		}
		ex.cfg.Logger.WithFields(logrus.Fields{"hash": hash, "attempt": attempt}).Debug("retrying query fetch")
	}

	e.val, e.err = val, err
	close(e.done)
	ex.finish(hash, e, err)
}

// finish retires e from the dedup table: immediately on failure, after
// retainWindow on success (spec §4.4 "Deduplication").
func (ex *Executor) finish(hash string, e *execution, err error) {
	if err != nil {
		ex.mu.Lock()
		if cur, ok := ex.inflight[hash]; ok && cur == e {
			delete(ex.inflight, hash)
		}
		ex.mu.Unlock()
		return
	}

	ex.cfg.Clock.AfterFunc(retainWindow, func() {
		ex.mu.Lock()
		if cur, ok := ex.inflight[hash]; ok && cur == e {
			delete(ex.inflight, hash)
		}
		ex.mu.Unlock()
	})
}

// Fetch is the generic, type-safe entry point: spec §4.4's
// fetch(hash, fn, options) -> promise<T>.
func Fetch[T any](ctx context.Context, ex *Executor, hash string, fn func(context.Context) (T, error), opts Options) (T, error) {
	wrapped := func(ctx context.Context) (any, error) {
		return fn(ctx)
	}
	v, err := ex.fetch(ctx, hash, wrapped, opts)
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}
