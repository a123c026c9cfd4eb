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

package executor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/brainewave/querykit/lib/qerrors"
)

func TestDeduplicationSingleInvocation(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ex := New(Config{Clock: clock})

	var calls int32
	fn := func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(5 * time.Millisecond)
		return 42, nil
	}

	results := make(chan int, 2)
	for i := 0; i < 2; i++ {
		go func() {
			v, err := Fetch(context.Background(), ex, "x", fn, Options{})
			require.NoError(t, err)
			results <- v
		}()
	}

	require.Equal(t, 42, <-results)
	require.Equal(t, 42, <-results)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestAtMostOneInFlightPerKey(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ex := New(Config{Clock: clock})

	block := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_, _ = Fetch(context.Background(), ex, "x", func(ctx context.Context) (int, error) {
			<-block
			return 1, nil
		}, Options{})
		close(done)
	}()

	require.Eventually(t, func() bool { return ex.IsInFlight("x") }, time.Second, time.Millisecond)
	close(block)
	<-done
}

func TestRetryThenSuccess(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ex := New(Config{Clock: clock})

	var calls int32
	fn := func(ctx context.Context) (string, error) {
		n := atomic.AddInt32(&calls, 1)
		if n < 2 {
			return "", qerrors.New(qerrors.ServerError, nil, "q", 0)
		}
		return "ok", nil
	}

	resultCh := make(chan struct {
		v   string
		err error
	}, 1)
	go func() {
		v, err := Fetch(context.Background(), ex, "q", fn, Options{
			Retry:     2,
			BaseDelay: 10 * time.Millisecond,
		})
		resultCh <- struct {
			v   string
			err error
		}{v, err}
	}()

	clock.BlockUntil(1)
	// The 10ms first-retry delay carries +-25% jitter, so advance past
	// its 12.5ms upper bound.
	clock.Advance(13 * time.Millisecond)

	res := <-resultCh
	require.NoError(t, res.err)
	require.Equal(t, "ok", res.v)
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestNonRetryableShortCircuits(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ex := New(Config{Clock: clock})

	var calls int32
	fn := func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, qerrors.New(qerrors.NotFound, nil, "q", 0)
	}

	_, err := Fetch(context.Background(), ex, "q", fn, Options{Retry: 5, BaseDelay: time.Millisecond})
	require.Error(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestAbortDuringWaitDoesNotConsumeAttempt(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ex := New(Config{Clock: clock})

	var calls int32
	fn := func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, qerrors.New(qerrors.ServerError, nil, "q", 0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	resultCh := make(chan error, 1)
	go func() {
		_, err := Fetch(ctx, ex, "q", fn, Options{Retry: 5, BaseDelay: time.Minute})
		resultCh <- err
	}()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, time.Millisecond)
	clock.BlockUntil(1)
	cancel()

	err := <-resultCh
	require.True(t, qerrors.IsCancelled(err))
	require.Equal(t, int32(1), atomic.LoadInt32(&calls), "aborted wait must not trigger another attempt")
}

func TestInitiatorCancellationDoesNotAffectOtherWaiters(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ex := New(Config{Clock: clock})

	var calls int32
	release := make(chan struct{})
	fn := func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return 9, nil
	}

	initiatorCtx, cancelInitiator := context.WithCancel(context.Background())
	initiatorErrCh := make(chan error, 1)
	go func() {
		_, err := Fetch(initiatorCtx, ex, "shared", fn, Options{})
		initiatorErrCh <- err
	}()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, time.Millisecond)

	secondResultCh := make(chan struct {
		v   int
		err error
	}, 1)
	go func() {
		v, err := Fetch(context.Background(), ex, "shared", fn, Options{})
		secondResultCh <- struct {
			v   int
			err error
		}{v, err}
	}()

	// Let the second caller's wait actually start before the initiator
	// cancels, so it is genuinely deduplicated onto the same execution.
	require.Eventually(t, func() bool { return ex.IsInFlight("shared") }, time.Second, time.Millisecond)
	cancelInitiator()

	initiatorErr := <-initiatorErrCh
	require.True(t, qerrors.IsCancelled(initiatorErr), "the cancelling caller must see its own cancellation")

	close(release)
	second := <-secondResultCh
	require.NoError(t, second.err, "a sibling waiter must still receive the real result")
	require.Equal(t, 9, second.v)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls), "the shared execution must not have been aborted or restarted")
}

func TestDedupRetainWindowCoalescesLateArrival(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ex := New(Config{Clock: clock})

	var calls int32
	fn := func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 7, nil
	}

	v, err := Fetch(context.Background(), ex, "x", fn, Options{})
	require.NoError(t, err)
	require.Equal(t, 7, v)

	require.True(t, ex.IsInFlight("x"), "resolved execution must be briefly retained")

	clock.Advance(100 * time.Millisecond)
	require.Eventually(t, func() bool { return !ex.IsInFlight("x") }, time.Second, time.Millisecond)
}

func TestHygieneSweepDropsStaleEntries(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ex := New(Config{Clock: clock})

	block := make(chan struct{})
	go func() {
		_, _ = Fetch(context.Background(), ex, "x", func(ctx context.Context) (int, error) {
			<-block
			return 1, nil
		}, Options{})
	}()
	require.Eventually(t, func() bool { return ex.IsInFlight("x") }, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ex.RunHygiene(ctx)
	clock.BlockUntil(1)

	clock.Advance(61 * time.Second)
	require.Eventually(t, func() bool { return !ex.IsInFlight("x") }, time.Second, time.Millisecond)
	close(block)
}
