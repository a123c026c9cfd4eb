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

// Package queryobserver implements the Query Observer and Infinite
// Observer (spec §4.6, §4.7): per-subscriber derived result views bound
// to a shared Query Client, with stale-while-revalidate fetch policy,
// focus/reconnect refetch hooks, and interval polling.
package queryobserver

import (
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/brainewave/querykit/lib/signal"
)

// FocusSource notifies subscribers when the host regains focus (spec
// §4.6 "refetchOnWindowFocus"). The engine core has no notion of a
// window; this is the seam a host environment wires real focus
// tracking into.
type FocusSource interface {
	OnFocus(fn func()) (unsubscribe func())
}

// NetworkSource notifies subscribers when connectivity is restored
// (spec §4.6 "refetchOnReconnect").
type NetworkSource interface {
	OnOnline(fn func()) (unsubscribe func())
}

// NoopFocusSource never fires. It is the default absent a host
// environment that tracks window focus.
type NoopFocusSource struct{}

func (NoopFocusSource) OnFocus(func()) func() { return func() {} }

// NoopNetworkSource never fires. It is the default absent a host
// environment that monitors connectivity.
type NoopNetworkSource struct{}

func (NoopNetworkSource) OnOnline(func()) func() { return func() {} }

// Config configures every Observer sharing it.
type Config struct {
	Clock   clockwork.Clock
	Sched   *signal.Scheduler
	Logger  *logrus.Entry
	Focus   FocusSource
	Network NetworkSource
}

func (c *Config) checkAndSetDefaults() {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Sched == nil {
		c.Sched = signal.NewScheduler()
	}
	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logrus.StandardLogger()).WithField("component", "queryobserver")
	}
	if c.Focus == nil {
		c.Focus = NoopFocusSource{}
	}
	if c.Network == nil {
		c.Network = NoopNetworkSource{}
	}
}
