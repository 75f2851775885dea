/*
Copyright 2024 Blnk Finance Authors.

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

package orchestrator

import (
	"context"
	"time"

	"github.com/mdmflow/orchestrator/database"
	"github.com/mdmflow/orchestrator/internal/cache"
	redlock "github.com/mdmflow/orchestrator/internal/lock"
)

// specialProjectDepartment short-circuits allocation to a single default
// agent regardless of matrix/BAU configuration (§4.6).
const specialProjectDepartment = "SPECIAL PROJECT"

const roundRobinCacheTTL = 24 * time.Hour

// Allocator picks exactly one agent for an approved request: matrix-filtered
// least-loaded-with-round-robin-tiebreak first, BAU work-allocation rules as
// fallback, a configured default agent if both come up empty (C6, §4.6).
type Allocator struct {
	Store        database.IDataSource
	Cache        cache.Cache
	Locker       *redlock.Manager
	DefaultAgent string
}

// Allocate returns the agent name a request of this shape should be
// assigned to. Never returns an empty string — the default agent is the
// allocation of last resort.
func (a *Allocator) Allocate(ctx context.Context, businessUnit, department, requestType string) (string, error) {
	if department == specialProjectDepartment {
		return a.DefaultAgent, nil
	}

	agent, err := a.allocateFromMatrix(ctx, businessUnit, department, requestType)
	if err != nil {
		return "", err
	}
	if agent != "" {
		return agent, nil
	}

	agent, err = a.allocateFromWorkAllocation(ctx, businessUnit, department, requestType)
	if err != nil {
		return "", err
	}
	if agent != "" {
		return agent, nil
	}

	return a.DefaultAgent, nil
}

// allocateFromMatrix implements the primary path: matrix membership,
// filtered to free agents, least-loaded, round-robin tiebreak.
func (a *Allocator) allocateFromMatrix(ctx context.Context, businessUnit, department, requestType string) (string, error) {
	names, err := a.Store.LookupDistributionMatrix(ctx, businessUnit, requestType, department)
	if err != nil || len(names) == 0 {
		return "", err
	}

	agents, err := a.Store.ListAgents(ctx, names)
	if err != nil {
		return "", err
	}

	var free []string
	min := int64(-1)
	for _, ag := range agents {
		if !ag.Active || !ag.Free {
			continue
		}
		if min < 0 || ag.WorkloadSeconds < min {
			min = ag.WorkloadSeconds
		}
	}
	for _, ag := range agents {
		if ag.Active && ag.Free && ag.WorkloadSeconds == min {
			free = append(free, ag.Name)
		}
	}

	if len(free) == 0 {
		return "", nil
	}
	if len(free) == 1 {
		return free[0], nil
	}
	return a.pickRoundRobin(ctx, "rr:matrix:"+requestType, requestType, free)
}

// allocateFromWorkAllocation implements the BAU fallback: iterate
// primary/backup candidate groups in order, return the least-loaded
// candidate in the first group with at least one free member.
func (a *Allocator) allocateFromWorkAllocation(ctx context.Context, businessUnit, department, requestType string) (string, error) {
	rule, err := a.Store.LookupWorkAllocation(ctx, businessUnit, requestType, department)
	if err != nil || rule == nil {
		return "", err
	}

	for _, group := range rule.Groups() {
		if len(group) == 0 {
			continue
		}
		agents, err := a.Store.ListAgents(ctx, group)
		if err != nil {
			return "", err
		}

		var best string
		var bestLoad int64 = -1
		for _, ag := range agents {
			if !ag.Active || !ag.Free {
				continue
			}
			if bestLoad < 0 || ag.WorkloadSeconds < bestLoad {
				best, bestLoad = ag.Name, ag.WorkloadSeconds
			}
		}
		if best != "" {
			return best, nil
		}
	}
	return "", nil
}

// lockPriority resolves the configured priority weight for requestType
// (§4.1/§4.3: priority-scaled backoff), falling back to 1 — a short backoff,
// since the curve's base and cap grow with the number — when no weight is configured or
// the lookup itself fails, so a config-table outage degrades allocation
// fairness rather than blocking it.
func (a *Allocator) lockPriority(ctx context.Context, requestType string) int {
	weight, err := a.Store.LookupPriorityWeight(ctx, requestType)
	if err != nil || weight <= 0 {
		return 1
	}
	return weight
}

// pickRoundRobin returns candidates[cursor % len(candidates)] and advances
// the shared cursor for key by one, serialized by LockManager so concurrent
// allocations over the same tied set never repeat an index (§4.6, I-free of
// randomness: fairness must hold over long runs without coordination).
func (a *Allocator) pickRoundRobin(ctx context.Context, key, requestType string, candidates []string) (string, error) {
	advance := func(ctx context.Context) (int, error) {
		var cursor int
		if a.Cache != nil {
			_ = a.Cache.Get(ctx, key, &cursor)
		}
		next := cursor + 1
		if a.Cache != nil {
			_ = a.Cache.Set(ctx, key, next, roundRobinCacheTTL)
		}
		return cursor, nil
	}

	var cursor int
	var err error
	if a.Locker == nil {
		cursor, err = advance(ctx)
	} else {
		cursor, err = redlock.WithKeyLock(ctx, a.Locker, key, "roundRobin", a.lockPriority(ctx, requestType), 2*time.Second,
			func(ctx context.Context, beat redlock.Beat) (int, error) {
				return advance(ctx)
			})
	}
	if err != nil {
		return "", err
	}
	return candidates[cursor%len(candidates)], nil
}
