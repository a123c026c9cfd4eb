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

package queryobserver

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/brainewave/querykit/lib/qerrors"
	"github.com/brainewave/querykit/lib/queryclient"
	"github.com/brainewave/querykit/lib/queryhash"
	"github.com/brainewave/querykit/lib/querystore"
	"github.com/brainewave/querykit/lib/signal"
)

// Options binds one caller's declarative query configuration (spec
// §4.6).
type Options struct {
	QueryKey             queryhash.Identifier
	QueryFn              func(ctx context.Context) (any, error)
	StaleTime            time.Duration
	CacheTime            time.Duration
	Enabled              *bool
	RefetchOnWindowFocus bool
	RefetchOnReconnect   bool
	RefetchInterval      time.Duration
	Retry                any
	RetryDelay           func(attempt int) time.Duration
	Schema               queryclient.Schema
	Select               func(data any) any
	Tags                 []string
}

// enabled defaults true: an absent Enabled pointer means "run
// normally", matching every other declarative query library's
// default.
func (o Options) enabled() bool {
	if o.Enabled == nil {
		return true
	}
	return *o.Enabled
}

// Result is the derived view an Observer publishes (spec §4.6).
type Result struct {
	Data       any
	Status     querystore.Status
	Err        error
	IsFetching bool
	IsStale    bool
	IsLoading  bool
	IsError    bool
	IsSuccess  bool
}

// equalResult reports field-wise equality, the basis of spec §4.6's
// "return the same object reference when every field is equal"
// memoization.
func equalResult(a, b *Result) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return a.Status == b.Status &&
		a.IsFetching == b.IsFetching &&
		a.IsStale == b.IsStale &&
		a.IsLoading == b.IsLoading &&
		a.IsError == b.IsError &&
		a.IsSuccess == b.IsSuccess &&
		valuesEqual(a.Data, b.Data) &&
		valuesEqual(a.Err, b.Err)
}

// valuesEqual compares two interface values, treating an uncomparable
// dynamic type (e.g. a slice tucked into a Data field) as unequal
// rather than letting == panic.
func valuesEqual(a, b any) (eq bool) {
	defer func() {
		if recover() != nil {
			eq = false
		}
	}()
	return a == b
}

// Observer is the Query Observer of spec §4.6: it binds one caller's
// Options to the shared entry signal for QueryKey and republishes a
// derived, memoized Result.
type Observer struct {
	cfg    Config
	client *queryclient.Client

	mu            sync.Mutex
	opts          Options
	hash          string
	entrySig      *signal.Signal[*querystore.Entry]
	resultSig     *signal.Signal[*Result]
	unsubEntry    func()
	unsubFocus    func()
	unsubNetwork  func()
	intervalTick  clockwork.Ticker
	intervalDone  chan struct{}
	cancel        context.CancelFunc

	lastSelectEntry *querystore.Entry
	lastSelectOut   any
}

// New constructs an Observer. It does nothing observable until the
// first call to Subscribe (spec §4.6 "On first subscriber").
func New(client *queryclient.Client, cfg Config, opts Options) (*Observer, error) {
	cfg.checkAndSetDefaults()
	hash, err := queryhash.Hash(opts.QueryKey)
	if err != nil {
		return nil, qerrors.New(qerrors.SelectorError, err, "", 0)
	}

	o := &Observer{cfg: cfg, client: client, opts: opts, hash: hash}
	o.resultSig = signal.New[*Result](cfg.Sched, nil,
		signal.OnActive[*Result](o.attach),
		signal.OnInactive[*Result](o.detach),
	)
	return o, nil
}

// Subscribe registers fn to be called with every new derived Result.
// Attaching the first subscriber arms the observer's lifecycle
// (listener attachment, focus/online hooks, interval, checkAndFetch);
// the returned unsubscribe tears all of it down once the last
// subscriber detaches.
func (o *Observer) Subscribe(fn func(*Result)) func() {
	return o.resultSig.Subscribe(fn)
}

// Result returns the most recently published Result, or nil before
// any subscriber has ever attached.
func (o *Observer) Result() *Result {
	return o.resultSig.Get()
}

// Refetch invalidates the query then fetches unconditionally (spec
// §4.6 "refetch").
func (o *Observer) Refetch() {
	_ = o.client.Invalidate(o.opts.QueryKey)
	o.fetch(querystore.DirectionInitial)
}

// SetOptions rebinds the observer to new Options (spec §4.6
// "setOptions"): a changed hashed key re-attaches to the new signal
// and checks-and-fetches; enabled transitioning false->true
// checks-and-fetches; a changed RefetchInterval is rearmed.
func (o *Observer) SetOptions(next Options) error {
	hash, err := queryhash.Hash(next.QueryKey)
	if err != nil {
		return qerrors.New(qerrors.SelectorError, err, "", 0)
	}

	o.mu.Lock()
	prev := o.opts
	prevHash := o.hash
	watched := o.resultSig.IsWatched()
	o.opts = next
	o.hash = hash
	o.mu.Unlock()

	if !watched {
		return nil
	}

	if hash != prevHash {
		o.rebind(next)
	} else if !prev.enabled() && next.enabled() {
		o.checkAndFetch()
	}

	if next.RefetchInterval != prev.RefetchInterval {
		o.resetInterval()
	}
	return nil
}

// attach implements spec §4.6's "On first subscriber" lifecycle step.
func (o *Observer) attach() {
	sig, err := o.client.GetSignal(o.opts.QueryKey)
	if err != nil {
		o.cfg.Logger.WithError(err).Error("observer failed to attach: invalid query key")
		return
	}

	o.mu.Lock()
	o.entrySig = sig
	opts := o.opts
	o.mu.Unlock()

	o.unsubEntry = sig.Subscribe(o.publish)
	o.publish(sig.Get())

	if opts.RefetchOnWindowFocus {
		o.unsubFocus = o.cfg.Focus.OnFocus(o.onFocus)
	}
	if opts.RefetchOnReconnect {
		o.unsubNetwork = o.cfg.Network.OnOnline(o.onOnline)
	}
	if opts.RefetchInterval > 0 {
		o.armInterval(opts.RefetchInterval)
	}
	o.checkAndFetch()
}

// detach implements spec §4.6's "On last unsubscribe" lifecycle step:
// detach all hooks, cancel the interval, abort any in-flight fetch,
// and release entry observation (which arms storage GC via the
// underlying Signal's onInactive hook).
func (o *Observer) detach() {
	o.mu.Lock()
	cancel := o.cancel
	o.cancel = nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	if o.unsubEntry != nil {
		o.unsubEntry()
		o.unsubEntry = nil
	}
	if o.unsubFocus != nil {
		o.unsubFocus()
		o.unsubFocus = nil
	}
	if o.unsubNetwork != nil {
		o.unsubNetwork()
		o.unsubNetwork = nil
	}
	o.stopInterval()
}

func (o *Observer) rebind(next Options) {
	if o.unsubEntry != nil {
		o.unsubEntry()
		o.unsubEntry = nil
	}
	sig, err := o.client.GetSignal(next.QueryKey)
	if err != nil {
		o.cfg.Logger.WithError(err).Error("observer failed to rebind: invalid query key")
		return
	}
	o.mu.Lock()
	o.entrySig = sig
	o.mu.Unlock()

	o.unsubEntry = sig.Subscribe(o.publish)
	o.publish(sig.Get())
	o.checkAndFetch()
}

func (o *Observer) armInterval(d time.Duration) {
	ticker := o.cfg.Clock.NewTicker(d)
	done := make(chan struct{})
	o.mu.Lock()
	o.intervalTick = ticker
	o.intervalDone = done
	o.mu.Unlock()

	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.Chan():
				o.onIntervalTick()
			}
		}
	}()
}

func (o *Observer) stopInterval() {
	o.mu.Lock()
	ticker := o.intervalTick
	done := o.intervalDone
	o.intervalTick = nil
	o.intervalDone = nil
	o.mu.Unlock()

	if ticker != nil {
		ticker.Stop()
	}
	if done != nil {
		close(done)
	}
}

func (o *Observer) resetInterval() {
	o.stopInterval()
	o.mu.Lock()
	interval := o.opts.RefetchInterval
	o.mu.Unlock()
	if interval > 0 {
		o.armInterval(interval)
	}
}

func (o *Observer) onIntervalTick() {
	entry, _, err := o.client.GetEntry(o.opts.QueryKey)
	if err != nil || (entry != nil && entry.IsFetching) {
		return
	}
	o.fetch(querystore.DirectionInitial)
}

func (o *Observer) onFocus() {
	if !o.opts.RefetchOnWindowFocus {
		return
	}
	o.backgroundFetchIfStale()
}

func (o *Observer) onOnline() {
	if !o.opts.RefetchOnReconnect {
		return
	}
	o.backgroundFetchIfStale()
}

func (o *Observer) backgroundFetchIfStale() {
	if !o.opts.enabled() {
		return
	}
	entry, _, err := o.client.GetEntry(o.opts.QueryKey)
	if err != nil {
		return
	}
	if entry != nil && entry.IsFetching {
		return
	}
	if entry == nil || entry.IsStale(o.client.Now()) {
		o.fetch(querystore.DirectionInitial)
	}
}

// checkAndFetch implements spec §4.6: if disabled, no-op; if loading
// (no data observed yet) and not already fetching and not already in
// error, fetch; else if stale and not already fetching and not already
// in error, fetch.
func (o *Observer) checkAndFetch() {
	if !o.opts.enabled() {
		return
	}
	entry, _, err := o.client.GetEntry(o.opts.QueryKey)
	if err != nil {
		return
	}

	var isLoading, isFetching, isErrorStatus, isStale bool
	if entry == nil {
		isLoading, isStale = true, true
	} else {
		isLoading = entry.Data == nil
		isFetching = entry.IsFetching
		isErrorStatus = entry.Status == querystore.StatusError
		isStale = entry.IsStale(o.client.Now())
	}

	if isFetching || isErrorStatus {
		return
	}
	if isLoading || isStale {
		o.fetch(querystore.DirectionInitial)
	}
}

// fetch aborts any previous in-flight fetch via its own controller
// (spec §5 "Observer teardown aborts its current fetch") and starts a
// new one.
func (o *Observer) fetch(direction querystore.FetchDirection) {
	o.mu.Lock()
	if o.cancel != nil {
		o.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	opts := o.opts
	o.mu.Unlock()

	go func() {
		_, _ = queryclient.Fetch(ctx, o.client, opts.QueryKey, opts.QueryFn, queryclient.FetchOptions{
			StaleTime:      opts.StaleTime,
			CacheTime:      opts.CacheTime,
			Tags:           opts.Tags,
			Schema:         opts.Schema,
			Retry:          opts.Retry,
			RetryDelay:     opts.RetryDelay,
			FetchDirection: direction,
		})
	}()
}

func (o *Observer) publish(entry *querystore.Entry) {
	result := o.deriveResult(entry)
	if equalResult(o.resultSig.Get(), result) {
		return
	}
	o.resultSig.Set(result)
}

func (o *Observer) deriveResult(entry *querystore.Entry) *Result {
	if entry == nil {
		return &Result{IsLoading: true, IsStale: true}
	}
	data := entry.Data
	if o.opts.Select != nil {
		data = o.selectData(entry)
	}
	return &Result{
		Data:       data,
		Status:     entry.Status,
		Err:        entry.Err,
		IsFetching: entry.IsFetching,
		IsStale:    entry.IsStale(o.client.Now()),
		IsLoading:  entry.Data == nil,
		IsError:    entry.Status == querystore.StatusError,
		IsSuccess:  entry.Status == querystore.StatusSuccess,
	}
}

// selectData memoizes opts.Select's output by source-entry reference
// identity (spec §4.6 "memoize its output by source-entry reference
// identity").
func (o *Observer) selectData(entry *querystore.Entry) any {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastSelectEntry == entry {
		return o.lastSelectOut
	}
	out := o.opts.Select(entry.Data)
	o.lastSelectEntry = entry
	o.lastSelectOut = out
	return out
}
