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

	"github.com/gravitational/trace"

	"github.com/brainewave/querykit/lib/executor"
	"github.com/brainewave/querykit/lib/qerrors"
	"github.com/brainewave/querykit/lib/queryclient"
	"github.com/brainewave/querykit/lib/queryhash"
	"github.com/brainewave/querykit/lib/querystore"
)

// InfiniteData is the cache entry payload an Infinite Observer stores:
// the fetched pages in order, alongside the page parameter that
// produced each one (spec §4.7).
type InfiniteData struct {
	Pages      []any
	PageParams []any
}

// InfiniteOptions binds one caller's paginated query configuration
// (spec §4.7).
type InfiniteOptions struct {
	QueryKey             queryhash.Identifier
	QueryFn              func(ctx context.Context, pageParam any) (any, error)
	InitialPageParam     any
	GetNextPageParam     func(lastPage any, allPages []any) (param any, ok bool)
	GetPreviousPageParam func(firstPage any, allPages []any) (param any, ok bool)
	StaleTime            time.Duration
	CacheTime            time.Duration
	Enabled              *bool
	Retry                any
	RetryDelay           func(attempt int) time.Duration
	Tags                 []string
}

func (o InfiniteOptions) enabled() bool {
	if o.Enabled == nil {
		return true
	}
	return *o.Enabled
}

// InfiniteResult is the derived view an InfiniteObserver publishes.
type InfiniteResult struct {
	Data                 *InfiniteData
	Status               querystore.Status
	Err                  error
	IsFetching           bool
	IsFetchingNextPage   bool
	IsFetchingPreviousPage bool
	HasNextPage          bool
	HasPreviousPage      bool
	IsStale              bool
	IsLoading            bool
	IsError              bool
	IsSuccess            bool
}

// InfiniteObserver is the Infinite Observer of spec §4.7: like
// Observer, but the cache entry stores an ordered page sequence and
// fetches are driven through FetchNextPage/FetchPreviousPage instead
// of a single queryFn invocation.
type InfiniteObserver struct {
	cfg    Config
	client *queryclient.Client
	opts   InfiniteOptions
	hash   string

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewInfinite constructs an InfiniteObserver bound to opts.
func NewInfinite(client *queryclient.Client, cfg Config, opts InfiniteOptions) (*InfiniteObserver, error) {
	cfg.checkAndSetDefaults()
	hash, err := queryhash.Hash(opts.QueryKey)
	if err != nil {
		return nil, qerrors.New(qerrors.SelectorError, err, "", 0)
	}
	return &InfiniteObserver{cfg: cfg, client: client, opts: opts, hash: hash}, nil
}

func entryData(entry *querystore.Entry) (*InfiniteData, bool) {
	if entry == nil || entry.Data == nil {
		return nil, false
	}
	data, ok := entry.Data.(InfiniteData)
	if !ok {
		return nil, false
	}
	return &data, true
}

// Result derives the current InfiniteResult from the live entry.
func (o *InfiniteObserver) Result() InfiniteResult {
	entry, _, _ := o.client.GetEntry(o.opts.QueryKey)
	return o.deriveResult(entry)
}

func (o *InfiniteObserver) deriveResult(entry *querystore.Entry) InfiniteResult {
	data, ok := entryData(entry)
	if !ok || entry == nil {
		return InfiniteResult{IsLoading: true, IsStale: true}
	}

	hasNext := false
	if o.opts.GetNextPageParam != nil && len(data.Pages) > 0 {
		_, hasNext = o.opts.GetNextPageParam(data.Pages[len(data.Pages)-1], data.Pages)
	}
	hasPrev := false
	if o.opts.GetPreviousPageParam != nil && len(data.Pages) > 0 {
		_, hasPrev = o.opts.GetPreviousPageParam(data.Pages[0], data.Pages)
	}

	return InfiniteResult{
		Data:                   data,
		Status:                 entry.Status,
		Err:                    entry.Err,
		IsFetching:             entry.IsFetching,
		IsFetchingNextPage:     entry.IsFetching && entry.FetchDirection == querystore.DirectionNext,
		IsFetchingPreviousPage: entry.IsFetching && entry.FetchDirection == querystore.DirectionPrevious,
		HasNextPage:            hasNext,
		HasPreviousPage:        hasPrev,
		IsStale:                entry.IsStale(o.client.Now()),
		IsLoading:              false,
		IsError:                entry.Status == querystore.StatusError,
		IsSuccess:              entry.Status == querystore.StatusSuccess,
	}
}

// FetchFirstPage performs the initial fetch if the entry is still
// unloaded (spec §4.7, the initial-load analogue of checkAndFetch).
func (o *InfiniteObserver) FetchFirstPage(ctx context.Context) error {
	if !o.opts.enabled() {
		return nil
	}
	entry, ok, err := o.client.GetEntry(o.opts.QueryKey)
	if err != nil {
		return err
	}
	if ok {
		if _, hasData := entryData(entry); hasData {
			return nil
		}
	}

	o.setFetching(querystore.DirectionInitial)
	page, err := o.fetchOnePage(ctx, o.opts.InitialPageParam)
	if err != nil {
		o.commitError(err)
		return err
	}
	data := InfiniteData{Pages: []any{page}, PageParams: []any{o.opts.InitialPageParam}}
	o.commitSuccess(data, querystore.DirectionInitial)
	return nil
}

// FetchNextPage fetches and appends the next page, driven by
// GetNextPageParam (spec §4.7 "fetchNextPage").
func (o *InfiniteObserver) FetchNextPage(ctx context.Context) error {
	entry, ok, err := o.client.GetEntry(o.opts.QueryKey)
	if err != nil {
		return err
	}
	data, hasData := entryData(entry)
	if !ok || !hasData || len(data.Pages) == 0 {
		return trace.BadParameter("queryobserver: fetchNextPage requires an existing first page")
	}
	param, has := o.opts.GetNextPageParam(data.Pages[len(data.Pages)-1], data.Pages)
	if !has {
		return nil
	}

	o.setFetching(querystore.DirectionNext)
	page, err := o.fetchOnePage(ctx, param)
	if err != nil {
		o.commitError(err)
		return err
	}
	next := InfiniteData{
		Pages:      append(append([]any{}, data.Pages...), page),
		PageParams: append(append([]any{}, data.PageParams...), param),
	}
	o.commitSuccess(next, querystore.DirectionNext)
	return nil
}

// FetchPreviousPage fetches and prepends the previous page, driven by
// GetPreviousPageParam (spec §4.7 "fetchPreviousPage").
func (o *InfiniteObserver) FetchPreviousPage(ctx context.Context) error {
	entry, ok, err := o.client.GetEntry(o.opts.QueryKey)
	if err != nil {
		return err
	}
	data, hasData := entryData(entry)
	if !ok || !hasData || len(data.Pages) == 0 {
		return trace.BadParameter("queryobserver: fetchPreviousPage requires an existing first page")
	}
	param, has := o.opts.GetPreviousPageParam(data.Pages[0], data.Pages)
	if !has {
		return nil
	}

	o.setFetching(querystore.DirectionPrevious)
	page, err := o.fetchOnePage(ctx, param)
	if err != nil {
		o.commitError(err)
		return err
	}
	prev := InfiniteData{
		Pages:      append([]any{page}, data.Pages...),
		PageParams: append([]any{param}, data.PageParams...),
	}
	o.commitSuccess(prev, querystore.DirectionPrevious)
	return nil
}

// BackgroundRefetch re-fetches only the first page and merges it into
// the existing page list (spec §4.7 "Background refetch re-fetches
// only the first page and merges it into existing pages").
func (o *InfiniteObserver) BackgroundRefetch(ctx context.Context) error {
	entry, ok, err := o.client.GetEntry(o.opts.QueryKey)
	if err != nil {
		return err
	}
	data, hasData := entryData(entry)
	if !ok || !hasData || len(data.PageParams) == 0 {
		return o.FetchFirstPage(ctx)
	}

	o.setFetching(querystore.DirectionInitial)
	page, err := o.fetchOnePage(ctx, data.PageParams[0])
	if err != nil {
		o.commitError(err)
		return err
	}
	merged := InfiniteData{
		Pages:      append([]any{page}, data.Pages[1:]...),
		PageParams: data.PageParams,
	}
	o.commitSuccess(merged, querystore.DirectionInitial)
	return nil
}

// Refetch replays every known page param in order (spec §4.7
// "explicit refetch replays all page params in order").
func (o *InfiniteObserver) Refetch(ctx context.Context) error {
	_ = o.client.Invalidate(o.opts.QueryKey)

	params := []any{o.opts.InitialPageParam}
	if entry, ok, err := o.client.GetEntry(o.opts.QueryKey); err == nil && ok {
		if data, hasData := entryData(entry); hasData && len(data.PageParams) > 0 {
			params = data.PageParams
		}
	}

	o.setFetching(querystore.DirectionInitial)
	pages := make([]any, 0, len(params))
	for _, p := range params {
		page, err := o.fetchOnePage(ctx, p)
		if err != nil {
			o.commitError(err)
			return err
		}
		pages = append(pages, page)
	}
	o.commitSuccess(InfiniteData{Pages: pages, PageParams: params}, querystore.DirectionInitial)
	return nil
}

// fetchOnePage aborts any fetch this observer previously started (one
// pagination request in flight at a time) and runs fn through the
// shared Remote Executor, deduplicated by query hash plus page param.
func (o *InfiniteObserver) fetchOnePage(ctx context.Context, pageParam any) (any, error) {
	o.mu.Lock()
	if o.cancel != nil {
		o.cancel()
	}
	pageCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.mu.Unlock()

	paramHash, err := queryhash.HashElement(pageParam)
	if err != nil {
		return nil, qerrors.New(qerrors.SelectorError, err, o.hash, 0)
	}

	return o.client.FetchRaw(pageCtx, o.hash+":page:"+paramHash, func(ctx context.Context) (any, error) {
		return o.opts.QueryFn(ctx, pageParam)
	}, executor.Options{
		Retry:      o.opts.Retry,
		RetryDelay: o.opts.RetryDelay,
	})
}

func (o *InfiniteObserver) setFetching(direction querystore.FetchDirection) {
	entry, ok, _ := o.client.GetEntry(o.opts.QueryKey)
	fetching := entry.Clone()
	if !ok {
		fetching.Key = o.opts.QueryKey
	}
	fetching.IsFetching = true
	fetching.FetchDirection = direction
	if o.opts.Tags != nil {
		fetching.Tags = mergeTags(fetching.Tags, o.opts.Tags)
	}
	_ = o.client.Restore(o.opts.QueryKey, fetching)
}

func (o *InfiniteObserver) commitSuccess(data InfiniteData, direction querystore.FetchDirection) {
	entry, ok, _ := o.client.GetEntry(o.opts.QueryKey)
	e := entry.Clone()
	if !ok {
		e.Key = o.opts.QueryKey
	}
	cacheTime := o.opts.CacheTime
	if cacheTime <= 0 {
		cacheTime = queryclient.DefaultCacheTime
	}
	e.Data = data
	e.Status = querystore.StatusSuccess
	e.Err = nil
	e.IsFetching = false
	e.FetchDirection = direction
	e.IsInvalidated = false
	e.Timestamp = o.client.Now()
	e.StaleTime = o.opts.StaleTime
	e.CacheTime = cacheTime
	if o.opts.Tags != nil {
		e.Tags = mergeTags(e.Tags, o.opts.Tags)
	}
	_ = o.client.Restore(o.opts.QueryKey, e)
}

func (o *InfiniteObserver) commitError(fetchErr error) {
	if qerrors.IsCancelled(fetchErr) {
		entry, ok, _ := o.client.GetEntry(o.opts.QueryKey)
		if ok {
			reverted := entry.Clone()
			reverted.IsFetching = false
			_ = o.client.Restore(o.opts.QueryKey, reverted)
		}
		return
	}

	entry, ok, _ := o.client.GetEntry(o.opts.QueryKey)
	e := entry.Clone()
	if !ok {
		e.Key = o.opts.QueryKey
	}
	e.Status = querystore.StatusError
	e.Err = fetchErr
	e.IsFetching = false
	e.Timestamp = o.client.Now()
	_ = o.client.Restore(o.opts.QueryKey, e)
}

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
