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
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/brainewave/querykit/lib/executor"
	"github.com/brainewave/querykit/lib/queryhash"
	"github.com/brainewave/querykit/lib/querystore"
	"github.com/brainewave/querykit/lib/signal"
)

func newTestClient(t *testing.T, clock clockwork.Clock) *Client {
	t.Helper()
	if clock == nil {
		clock = clockwork.NewFakeClock()
	}
	store, err := querystore.New(querystore.Config{Clock: clock, Sched: signal.NewSyncScheduler()})
	require.NoError(t, err)
	ex := executor.New(executor.Config{Clock: clock})
	c, err := New(Config{Store: store, Executor: ex, Clock: clock})
	require.NoError(t, err)
	return c
}

func TestSetAndGetRoundTrip(t *testing.T) {
	c := newTestClient(t, nil)
	id := queryhash.Of("users", 1)

	require.NoError(t, c.Set(id, "alice", SetOptions{}))

	data, ok, err := c.Get(id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "alice", data)
}

func TestHasAndRemove(t *testing.T) {
	c := newTestClient(t, nil)
	id := queryhash.Of("users", 1)

	has, err := c.Has(id)
	require.NoError(t, err)
	require.False(t, has)

	require.NoError(t, c.Set(id, "alice", SetOptions{}))
	has, err = c.Has(id)
	require.NoError(t, err)
	require.True(t, has)

	require.NoError(t, c.Remove(id))
	has, err = c.Has(id)
	require.NoError(t, err)
	require.False(t, has)
}

func TestIsStaleMissingEntry(t *testing.T) {
	c := newTestClient(t, nil)
	stale, err := c.IsStale(queryhash.Of("nope"))
	require.NoError(t, err)
	require.True(t, stale)
}

func TestInvalidateMarksDescendantsOnly(t *testing.T) {
	c := newTestClient(t, nil)
	user := queryhash.Of("user")
	users := queryhash.Of("users")
	userChild := queryhash.Of("user", 1)

	require.NoError(t, c.Set(user, "U", SetOptions{}))
	require.NoError(t, c.Set(users, "Us", SetOptions{}))
	require.NoError(t, c.Set(userChild, "U1", SetOptions{}))

	require.NoError(t, c.Invalidate(user))

	staleUser, _ := c.IsStale(user)
	staleChild, _ := c.IsStale(userChild)
	staleUsers, _ := c.IsStale(users)
	require.True(t, staleUser)
	require.True(t, staleChild)
	require.False(t, staleUsers, "['user'] must not invalidate ['users']")
}

func TestInvalidateTagsAffectsOnlyTagged(t *testing.T) {
	c := newTestClient(t, nil)
	a := queryhash.Of("a")
	b := queryhash.Of("b")

	require.NoError(t, c.Set(a, "A", SetOptions{Tags: []string{"groupA"}}))
	require.NoError(t, c.Set(b, "B", SetOptions{Tags: []string{"groupB"}}))

	c.InvalidateTags([]string{"groupA"})

	staleA, _ := c.IsStale(a)
	staleB, _ := c.IsStale(b)
	require.True(t, staleA)
	require.False(t, staleB)
}

func TestInvalidateAllMarksEverything(t *testing.T) {
	c := newTestClient(t, nil)
	a := queryhash.Of("a")
	b := queryhash.Of("b")
	require.NoError(t, c.Set(a, "A", SetOptions{}))
	require.NoError(t, c.Set(b, "B", SetOptions{}))

	c.InvalidateAll()

	staleA, _ := c.IsStale(a)
	staleB, _ := c.IsStale(b)
	require.True(t, staleA)
	require.True(t, staleB)
}

func TestGetSignalAutoCreatesPlaceholder(t *testing.T) {
	c := newTestClient(t, nil)
	sig, err := c.GetSignal(queryhash.Of("users", 1))
	require.NoError(t, err)
	require.Equal(t, querystore.StatusPending, sig.Get().Status)
}

func TestClearRemovesEverything(t *testing.T) {
	c := newTestClient(t, nil)
	id := queryhash.Of("a")
	require.NoError(t, c.Set(id, "A", SetOptions{}))
	c.Clear()
	has, err := c.Has(id)
	require.NoError(t, err)
	require.False(t, has)
}

type recordingPlugin struct {
	name      string
	updated   []string
	invalidat []string
}

func (p *recordingPlugin) Name() string { return p.name }
func (p *recordingPlugin) OnQueryUpdated(hash string, data any) {
	p.updated = append(p.updated, hash)
}
func (p *recordingPlugin) OnInvalidate(hash string) {
	p.invalidat = append(p.invalidat, hash)
}

func TestPluginFanOutOnSetAndInvalidate(t *testing.T) {
	c := newTestClient(t, nil)
	p := &recordingPlugin{name: "recorder"}
	c.Use(p)

	id := queryhash.Of("a")
	require.NoError(t, c.Set(id, "A", SetOptions{}))
	require.NoError(t, c.Invalidate(id))

	require.NotEmpty(t, p.updated)
	require.NotEmpty(t, p.invalidat)
}

type panickyPlugin struct{}

func (panickyPlugin) Name() string                         { return "panicky" }
func (panickyPlugin) OnQueryUpdated(hash string, data any) { panic("boom") }

func TestPluginPanicDoesNotAbortCommit(t *testing.T) {
	c := newTestClient(t, nil)
	c.Use(panickyPlugin{})

	id := queryhash.Of("a")
	require.NoError(t, c.Set(id, "A", SetOptions{}))

	data, ok, err := c.Get(id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "A", data)
}
