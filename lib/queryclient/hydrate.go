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

import "github.com/brainewave/querykit/lib/querystore"

// HydratedQuery is one entry in a Hydration payload (spec §6
// "Hydration format").
type HydratedQuery struct {
	QueryHash string
	State     *querystore.Entry
}

// Hydration is the serializable snapshot produced by Dehydrate and
// consumed by Hydrate (spec §6).
type Hydration struct {
	Queries []HydratedQuery
}

// Dehydrate snapshots every entry that has defined data, skipping
// pending placeholders and pure errors with no prior data (spec §6:
// "only queries with defined data are dehydrated").
func Dehydrate(c *Client) Hydration {
	snapshot := c.cfg.Store.GetSnapshot()
	h := Hydration{Queries: make([]HydratedQuery, 0, len(snapshot))}
	for hash, entry := range snapshot {
		if entry == nil || entry.Data == nil {
			continue
		}
		h.Queries = append(h.Queries, HydratedQuery{QueryHash: hash, State: entry.Clone()})
	}
	return h
}

// Hydrate writes every query in h verbatim into the Store under its
// dehydrated hash, reinstating byte-identical state (spec §6). Unlike
// Restore it does not notify QueryUpdated hooks.
func (c *Client) Hydrate(h Hydration) {
	for _, q := range h.Queries {
		c.cfg.Store.Set(q.QueryHash, q.State.Key, q.State.Clone())
	}
}
