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
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/brainewave/querykit/lib/executor"
	"github.com/brainewave/querykit/lib/queryclient"
	"github.com/brainewave/querykit/lib/queryhash"
	"github.com/brainewave/querykit/lib/querystore"
	"github.com/brainewave/querykit/lib/signal"
)

func newTestClient(t *testing.T, clock clockwork.Clock) *queryclient.Client {
	t.Helper()
	store, err := querystore.New(querystore.Config{Clock: clock, Sched: signal.NewSyncScheduler()})
	require.NoError(t, err)
	ex := executor.New(executor.Config{Clock: clock})
	c, err := queryclient.New(queryclient.Config{Store: store, Executor: ex, Clock: clock})
	require.NoError(t, err)
	return c
}

func TestObserverFetchesOnFirstSubscribe(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := newTestClient(t, clock)

	var calls int32
	obs, err := New(c, Config{Clock: clock, Sched: signal.NewSyncScheduler()}, Options{
		QueryKey: queryhash.Of("users", 1),
		QueryFn: func(ctx context.Context) (any, error) {
			atomic.AddInt32(&calls, 1)
			return "alice", nil
		},
	})
	require.NoError(t, err)

	results := make(chan *Result, 8)
	unsub := obs.Subscribe(func(r *Result) { results <- r })
	defer unsub()

	require.Eventually(t, func() bool {
		r := obs.Result()
		return r != nil && r.IsSuccess && r.Data == "alice"
	}, time.Second, time.Millisecond)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestObserverDisabledNeverFetches(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := newTestClient(t, clock)

	var calls int32
	disabled := false
	obs, err := New(c, Config{Clock: clock, Sched: signal.NewSyncScheduler()}, Options{
		QueryKey: queryhash.Of("users", 1),
		QueryFn: func(ctx context.Context) (any, error) {
			atomic.AddInt32(&calls, 1)
			return "alice", nil
		},
		Enabled: &disabled,
	})
	require.NoError(t, err)

	unsub := obs.Subscribe(func(*Result) {})
	defer unsub()

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestObserverSelectMemoizesBySourceEntryIdentity(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := newTestClient(t, clock)
	id := queryhash.Of("users", 1)
	require.NoError(t, c.Set(id, map[string]any{"name": "alice"}, queryclient.SetOptions{}))

	var selectCalls int32
	obs, err := New(c, Config{Clock: clock, Sched: signal.NewSyncScheduler()}, Options{
		QueryKey: id,
		QueryFn:  func(ctx context.Context) (any, error) { return nil, nil },
		Select: func(data any) any {
			atomic.AddInt32(&selectCalls, 1)
			m := data.(map[string]any)
			return m["name"]
		},
	})
	require.NoError(t, err)

	unsub := obs.Subscribe(func(*Result) {})
	defer unsub()

	first := obs.Result()
	require.Equal(t, "alice", first.Data)

	second := obs.Result()
	require.Same(t, first, second, "unchanged entry must republish the identical Result pointer")
	require.Equal(t, int32(1), atomic.LoadInt32(&selectCalls), "select must not re-run for the same source entry")
}

func TestObserverRefetchInvalidatesThenFetches(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := newTestClient(t, clock)
	id := queryhash.Of("users", 1)

	var calls int32
	obs, err := New(c, Config{Clock: clock, Sched: signal.NewSyncScheduler()}, Options{
		QueryKey: id,
		QueryFn: func(ctx context.Context) (any, error) {
			n := atomic.AddInt32(&calls, 1)
			return n, nil
		},
	})
	require.NoError(t, err)

	unsub := obs.Subscribe(func(*Result) {})
	defer unsub()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, time.Millisecond)

	obs.Refetch()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 2 }, time.Second, time.Millisecond)
}

func TestObserverSetOptionsRebindsOnKeyChange(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := newTestClient(t, clock)
	idA := queryhash.Of("a")
	idB := queryhash.Of("b")

	obs, err := New(c, Config{Clock: clock, Sched: signal.NewSyncScheduler()}, Options{
		QueryKey: idA,
		QueryFn:  func(ctx context.Context) (any, error) { return "A", nil },
	})
	require.NoError(t, err)

	unsub := obs.Subscribe(func(*Result) {})
	defer unsub()

	require.Eventually(t, func() bool {
		r := obs.Result()
		return r != nil && r.Data == "A"
	}, time.Second, time.Millisecond)

	require.NoError(t, obs.SetOptions(Options{
		QueryKey: idB,
		QueryFn:  func(ctx context.Context) (any, error) { return "B", nil },
	}))

	require.Eventually(t, func() bool {
		r := obs.Result()
		return r != nil && r.Data == "B"
	}, time.Second, time.Millisecond)
}
