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

	"github.com/stretchr/testify/require"

	"github.com/brainewave/querykit/lib/queryhash"
)

func TestDehydrateSkipsEntriesWithoutData(t *testing.T) {
	c := newTestClient(t, nil)
	withData := queryhash.Of("a")
	require.NoError(t, c.Set(withData, "A", SetOptions{}))

	// A pending placeholder with no committed data.
	_, err := c.GetSignal(queryhash.Of("b"))
	require.NoError(t, err)

	h := Dehydrate(c)
	require.Len(t, h.Queries, 1)
	require.Equal(t, "A", h.Queries[0].State.Data)
}

func TestHydrateRestoresByteIdenticalState(t *testing.T) {
	src := newTestClient(t, nil)
	id := queryhash.Of("a")
	require.NoError(t, src.Set(id, "A", SetOptions{Tags: []string{"t"}}))

	h := Dehydrate(src)

	dst := newTestClient(t, nil)
	dst.Hydrate(h)

	data, ok, err := dst.Get(id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "A", data)
}
