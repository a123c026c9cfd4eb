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

// Package mutation implements the engine's Mutation Cache and Mutation
// Observer (spec §4.8): a per-execution state machine with optimistic
// apply/rollback, execution identifiers minted via google/uuid, and
// tag-based post-success invalidation.
package mutation

import (
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/brainewave/querykit/lib/signal"
)

// Status is a mutation execution's lifecycle state (spec §3 "Mutation
// State").
type Status string

const (
	StatusIdle    Status = "idle"
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// State is one mutation execution's state (spec §3). Every execution
// owns a unique identifier and never shares state with another, even
// across executions sharing a mutation key.
type State struct {
	Status      Status
	Data        any
	Err         error
	Variables   any
	Context     any
	SubmittedAt time.Time
}

// Config configures a Cache.
type Config struct {
	Clock  clockwork.Clock
	Sched  *signal.Scheduler
	Logger *logrus.Entry
}

func (c *Config) checkAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Sched == nil {
		c.Sched = signal.NewScheduler()
	}
	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logrus.StandardLogger()).WithField("component", "mutation")
	}
	return nil
}

// Cache is the global execution-id -> state-signal map described by
// spec §4.8, plus the secondary hashed-mutation-key -> execution-id
// index isMutating scopes against.
type Cache struct {
	cfg Config

	mu         sync.Mutex
	executions map[string]*signal.Signal[*State]
	byKey      map[string]map[string]struct{}
}

// New constructs a Cache.
func New(cfg Config) (*Cache, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Cache{
		cfg:        cfg,
		executions: make(map[string]*signal.Signal[*State]),
		byKey:      make(map[string]map[string]struct{}),
	}, nil
}

// Register creates a fresh, idle state signal for executionID and
// indexes it under mutationKeyHash (skipped when empty, the "no
// mutation key" case).
func (c *Cache) Register(executionID, mutationKeyHash string) *signal.Signal[*State] {
	c.mu.Lock()
	defer c.mu.Unlock()

	sig := signal.New[*State](c.cfg.Sched, &State{Status: StatusIdle})
	c.executions[executionID] = sig
	if mutationKeyHash != "" {
		set, ok := c.byKey[mutationKeyHash]
		if !ok {
			set = make(map[string]struct{})
			c.byKey[mutationKeyHash] = set
		}
		set[executionID] = struct{}{}
	}
	return sig
}

// IsMutating counts executions in pending status, either globally
// (mutationKeyHash nil) or scoped to one mutation key (spec §4.8
// "isMutating({mutationKey?})").
func (c *Cache) IsMutating(mutationKeyHash *string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	if mutationKeyHash == nil {
		for _, sig := range c.executions {
			if sig.Get().Status == StatusPending {
				count++
			}
		}
		return count
	}

	for id := range c.byKey[*mutationKeyHash] {
		if sig, ok := c.executions[id]; ok && sig.Get().Status == StatusPending {
			count++
		}
	}
	return count
}
