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

// Plugin is the capability object spec §6/§9 describes: plugins carry
// an enumerated set of *optional* lifecycle hooks. Rather than one fat
// interface every plugin must fully implement, each hook is its own
// small interface; a plugin implements whichever it cares about and the
// Client fans out by asserting each hook interface in turn, the
// idiomatic Go analogue of duck-typed optional methods (the same
// pattern io.Closer / io.ReaderAt optional-interface checks use).
type Plugin interface {
	// Name identifies the plugin for logging.
	Name() string
}

// FetchStartHook is called when a fetch begins, before the transport
// function runs.
type FetchStartHook interface {
	OnFetchStart(queryHash string)
}

// FetchSuccessHook is called after a fetch commits a successful entry.
type FetchSuccessHook interface {
	OnFetchSuccess(queryHash string, data any)
}

// FetchErrorHook is called after a fetch commits an error entry.
// Cancelled fetches do not invoke this hook (spec §7).
type FetchErrorHook interface {
	OnFetchError(queryHash string, err error)
}

// InvalidateHook is called once per Invalidate call, with the hash of
// the identifier passed; InvalidateTags and InvalidateAll call it once
// per affected entry.
type InvalidateHook interface {
	OnInvalidate(queryHash string)
}

// QueryUpdatedHook is called whenever a query's entry is committed,
// regardless of cause (fetch, set, restore, invalidation).
type QueryUpdatedHook interface {
	OnQueryUpdated(queryHash string, data any)
}

func (c *Client) emitFetchStart(hash string) {
	for _, p := range c.plugins {
		if h, ok := p.(FetchStartHook); ok {
			c.safeCall(p.Name(), func() { h.OnFetchStart(hash) })
		}
	}
}

func (c *Client) emitFetchSuccess(hash string, data any) {
	for _, p := range c.plugins {
		if h, ok := p.(FetchSuccessHook); ok {
			c.safeCall(p.Name(), func() { h.OnFetchSuccess(hash, data) })
		}
	}
}

func (c *Client) emitFetchError(hash string, err error) {
	for _, p := range c.plugins {
		if h, ok := p.(FetchErrorHook); ok {
			c.safeCall(p.Name(), func() { h.OnFetchError(hash, err) })
		}
	}
}

func (c *Client) emitInvalidate(hash string) {
	for _, p := range c.plugins {
		if h, ok := p.(InvalidateHook); ok {
			c.safeCall(p.Name(), func() { h.OnInvalidate(hash) })
		}
	}
}

func (c *Client) emitQueryUpdated(hash string, data any) {
	for _, p := range c.plugins {
		if h, ok := p.(QueryUpdatedHook); ok {
			c.safeCall(p.Name(), func() { h.OnQueryUpdated(hash, data) })
		}
	}
}

// safeCall isolates a single hook invocation: a panicking or otherwise
// misbehaving plugin is logged and must never abort the fetch pipeline
// (spec §6 "Hook failures are logged, never fatal").
func (c *Client) safeCall(pluginName string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.cfg.Logger.WithFields(map[string]any{
				"plugin": pluginName,
				"panic":  r,
			}).Error("plugin hook panicked")
		}
	}()
	fn()
}
