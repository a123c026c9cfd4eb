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

package mutation

import (
	"context"

	"github.com/google/uuid"

	"github.com/brainewave/querykit/lib/qerrors"
	"github.com/brainewave/querykit/lib/queryclient"
	"github.com/brainewave/querykit/lib/queryhash"
	"github.com/brainewave/querykit/lib/signal"
)

// OptimisticConfig describes an optimistic update applied synchronously
// before the mutation function runs (spec §4.8 step 2).
type OptimisticConfig struct {
	QueryKey queryhash.Identifier
	// Update computes the optimistic value from the mutation's
	// variables and the query's current data.
	Update func(variables any, current any) any
}

// Options configures one Mutation Observer (spec §4.8 "Mutation
// Observer").
type Options struct {
	MutationFn      func(ctx context.Context, variables any) (any, error)
	MutationKey     queryhash.Identifier
	OnMutate        func(variables any) (mutationContext any, err error)
	OnSuccess       func(data, variables, mutationContext any)
	OnError         func(err error, variables, mutationContext any)
	OnSettled       func(data any, err error, variables, mutationContext any)
	InvalidatesTags []string
	Optimistic      *OptimisticConfig
}

// Observer is the Mutation Observer of spec §4.8: a per-hook object
// whose own signal reflects its most recent execution's state. Two
// Observers sharing a mutation key have fully independent result
// state; only Cache.IsMutating aggregates across them.
type Observer struct {
	cfg    Config
	cache  *Cache
	client *queryclient.Client
	opts   Options

	mutationKeyHash string
	resultSig       *signal.Signal[*State]
}

// New constructs an Observer bound to opts, sharing cache's global
// execution index and client's query storage for optimistic updates
// and tag invalidation.
func New(client *queryclient.Client, cache *Cache, cfg Config, opts Options) (*Observer, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, err
	}

	var keyHash string
	if len(opts.MutationKey.Key) > 0 || opts.MutationKey.Params != nil {
		h, err := queryhash.Hash(opts.MutationKey)
		if err != nil {
			return nil, qerrors.New(qerrors.SelectorError, err, "", 0)
		}
		keyHash = h
	}

	return &Observer{
		cfg:             cfg,
		cache:           cache,
		client:          client,
		opts:            opts,
		mutationKeyHash: keyHash,
		resultSig:       signal.New[*State](cfg.Sched, &State{Status: StatusIdle}),
	}, nil
}

// Subscribe registers fn to be called with every new State this
// observer's executions publish.
func (o *Observer) Subscribe(fn func(*State)) func() {
	return o.resultSig.Subscribe(fn)
}

// Result returns the most recently published State.
func (o *Observer) Result() *State {
	return o.resultSig.Get()
}

// Mutate runs the full pipeline of spec §4.8 step list: register a new
// execution, apply an optimistic update, set pending state, call
// onMutate, call MutationFn, and on success or failure commit the
// final state, fan lifecycle callbacks out, and invalidate tags —
// rolling back the optimistic update on failure.
func (o *Observer) Mutate(ctx context.Context, variables any) (any, error) {
	executionID := uuid.NewString()
	execSig := o.cache.Register(executionID, o.mutationKeyHash)

	var snapshot any
	var hadSnapshot bool
	if o.opts.Optimistic != nil {
		snapshot, hadSnapshot, _ = o.client.Get(o.opts.Optimistic.QueryKey)
		updated := o.opts.Optimistic.Update(variables, snapshot)
		_ = o.client.Set(o.opts.Optimistic.QueryKey, updated, queryclient.SetOptions{})
	}

	now := o.cfg.Clock.Now()
	pending := &State{Status: StatusPending, Variables: variables, SubmittedAt: now}
	execSig.Set(pending)
	o.resultSig.Set(pending)

	var mutContext any
	if o.opts.OnMutate != nil {
		mc, err := o.opts.OnMutate(variables)
		if err == nil {
			mutContext = mc
			pending = &State{Status: StatusPending, Variables: variables, SubmittedAt: now, Context: mutContext}
			execSig.Set(pending)
			o.resultSig.Set(pending)
		}
	}

	data, err := o.opts.MutationFn(ctx, variables)

	if err != nil {
		if o.opts.Optimistic != nil {
			o.rollback(hadSnapshot, snapshot)
		}
		failed := &State{Status: StatusError, Err: err, Variables: variables, Context: mutContext, SubmittedAt: now}
		execSig.Set(failed)
		o.resultSig.Set(failed)
		if o.opts.OnError != nil {
			o.opts.OnError(err, variables, mutContext)
		}
		if o.opts.OnSettled != nil {
			o.opts.OnSettled(nil, err, variables, mutContext)
		}
		return nil, err
	}

	success := &State{Status: StatusSuccess, Data: data, Variables: variables, Context: mutContext, SubmittedAt: now}
	execSig.Set(success)
	o.resultSig.Set(success)

	if o.opts.OnSuccess != nil {
		o.opts.OnSuccess(data, variables, mutContext)
	}
	if len(o.opts.InvalidatesTags) > 0 {
		o.client.InvalidateTags(o.opts.InvalidatesTags)
	}
	if o.opts.Optimistic != nil {
		_ = o.client.Invalidate(o.opts.Optimistic.QueryKey)
	}
	if o.opts.OnSettled != nil {
		o.opts.OnSettled(data, nil, variables, mutContext)
	}
	return data, nil
}

// rollback restores the query's pre-optimistic-update snapshot, or
// removes the entry entirely if there was nothing there before (spec
// §4.8 step 7 "write the snapshot back").
func (o *Observer) rollback(hadSnapshot bool, snapshot any) {
	if hadSnapshot {
		_ = o.client.Set(o.opts.Optimistic.QueryKey, snapshot, queryclient.SetOptions{})
		return
	}
	_ = o.client.Remove(o.opts.Optimistic.QueryKey)
}
