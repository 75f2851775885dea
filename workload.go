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
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mdmflow/orchestrator/database"
	"github.com/mdmflow/orchestrator/internal/cache"
	redlock "github.com/mdmflow/orchestrator/internal/lock"
	"github.com/mdmflow/orchestrator/model"
)

// WorkloadCounter wraps the agent repository's workload adjustment with the
// non-negative clamp invariant (I4) already enforced at the storage layer,
// and exists as its own type so callers depend on a narrow capability
// instead of the whole IDataSource.
type WorkloadCounter struct {
	Store database.IDataSource
}

// Add applies deltaSeconds to agent's workload (positive on assignment,
// negative on completion) and returns the post-adjust value, clamped at
// zero.
func (w *WorkloadCounter) Add(ctx context.Context, agent string, deltaSeconds int64) (int64, error) {
	return w.Store.AdjustAgentWorkload(ctx, agent, deltaSeconds)
}

// requestNumberCacheTTL bounds how long the in-memory cursor can drift from
// Postgres before a cold read re-syncs from the persisted tracker.
const requestNumberCacheTTL = 10 * time.Minute

// RequestNumberGenerator reconciles three possible sources of truth for the
// next counter value — the persisted tracker table, an in-memory cache, and
// (only when persistence itself fails) the wall clock — and advances all of
// them together (C7, §4.7).
type RequestNumberGenerator struct {
	Store  database.IDataSource
	Cache  cache.Cache
	Locker *redlock.Manager
}

func requestNumberCacheKey(businessUnit string) string {
	return fmt.Sprintf("reqnum:cursor:%s", businessUnit)
}

// Next returns the formatted request number for businessUnit/abbr and
// advances the underlying counter by one.
func (g *RequestNumberGenerator) Next(ctx context.Context, abbr, businessUnit string) (string, error) {
	lockKey := "reqnum:" + businessUnit
	if g.Locker == nil {
		counter, err := g.advance(ctx, businessUnit)
		if err != nil {
			return "", err
		}
		return model.FormatRequestNumber(abbr, businessUnit, counter), nil
	}

	priority := 1
	if weight, err := g.Store.LookupPriorityWeight(ctx, abbr); err == nil && weight > 0 {
		priority = weight
	}
	counter, err := redlock.WithKeyLock(ctx, g.Locker, lockKey, "nextRequestNumber", priority, 5*time.Second,
		func(ctx context.Context, beat redlock.Beat) (int, error) {
			return g.advance(ctx, businessUnit)
		})
	if err != nil {
		return "", err
	}
	return model.FormatRequestNumber(abbr, businessUnit, counter), nil
}

// advance reconciles the persisted counter against the cached cursor,
// taking whichever is higher as authoritative before incrementing — this is
// what keeps the sequence monotonic even if the cache warmed from a stale
// replica or the previous writer crashed mid-write. On a persistence
// failure it falls back to a wall-clock-derived counter so the caller still
// gets a usable, if non-sequential, number rather than an error (§4.7).
func (g *RequestNumberGenerator) advance(ctx context.Context, businessUnit string) (int, error) {
	persisted, err := g.Store.PeekRequestCounter(ctx, businessUnit)
	if err != nil {
		logrus.WithError(err).WithField("business_unit", businessUnit).Warn("peek request counter failed, continuing with cache only")
	}

	cached := 0
	if g.Cache != nil {
		_ = g.Cache.Get(ctx, requestNumberCacheKey(businessUnit), &cached)
	}

	baseline := persisted
	if cached > baseline {
		baseline = cached
	}

	next, err := g.Store.NextRequestCounter(ctx, businessUnit)
	diverged := false
	if err != nil {
		logrus.WithError(err).WithField("business_unit", businessUnit).Error("persist request counter failed, falling back to wall clock")
		next = int(time.Now().UnixNano()/int64(time.Millisecond)) % 100000
		if next <= baseline {
			next = baseline + 1
		}
		diverged = true
	} else if next <= baseline {
		// The persisted value regressed relative to the cache (e.g. a
		// restore from an older backup); skip ahead instead of reissuing a
		// number already handed out.
		next = baseline + 1
		diverged = true
	}

	// NextRequestCounter only ever bumps the DB row by one. Whenever the
	// cache-reconciled value above diverges from that blind increment, the
	// DB row is left lagging behind what this call is about to hand out —
	// write next back so the persisted tracker, not just the cache, is
	// "advanced to this value" (§4.7). Without this, a cache loss (restart,
	// or the TTL above expiring) before the DB catches up would let
	// NextRequestCounter reissue a number already returned from the cache.
	if diverged {
		if err := g.Store.SetRequestCounter(ctx, businessUnit, next); err != nil {
			logrus.WithError(err).WithField("business_unit", businessUnit).Error("persist reconciled request counter failed")
		}
	}

	if g.Cache != nil {
		_ = g.Cache.Set(ctx, requestNumberCacheKey(businessUnit), next, requestNumberCacheTTL)
	}
	return next, nil
}
