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

// Package redlock implements the engine's distributed, key-granular lease
// lock: heartbeat, takeover-on-staleness, and single-writer enforcement per
// key.
package redlock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/mdmflow/orchestrator/model"
)

var tracer = otel.Tracer("redlock")

// ErrAcquireTimeout is returned by Acquire when maxWait elapses without the
// key becoming available. Callers treat this as a transient failure.
var ErrAcquireTimeout = errors.New("redlock: acquire timed out")

const (
	// DefaultLeaseMS is the lease duration (LEASE_MS) a fresh acquire or a
	// heartbeat extends the record by.
	DefaultLeaseMS = 300_000
	// DefaultStaleThresholdMS bounds how long a holder may go without
	// heartbeating before another caller may take the lock over.
	DefaultStaleThresholdMS = 8_000
	// cacheCushionMS pads the underlying Redis key TTL past the lease so a
	// heartbeat has room to land before the key itself expires.
	cacheCushionMS = 10_000
)

// record is the value stored at a lock key.
type record struct {
	HolderID     string `json:"holderId"`
	Operation    string `json:"operation"`
	Priority     int    `json:"priority"`
	AcquiredAtMS int64  `json:"acquiredAt"`
	LastBeatMS   int64  `json:"lastHeartbeat"`
	ExpiresAtMS  int64  `json:"expiresAt"`
}

// Handle is returned by Acquire and consumed by Release/Heartbeat.
type Handle struct {
	HolderID  string
	Key       string
	ExpiresAt time.Time
}

// Manager is the process-wide lock service. A single Manager is meant to be
// shared by every caller in the process; it carries no per-key state beyond
// the Redis connection.
type Manager struct {
	client         redis.UniversalClient
	leaseMS        int64
	staleThreshold int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithLease overrides the default 300s lease duration.
func WithLease(d time.Duration) Option {
	return func(m *Manager) { m.leaseMS = d.Milliseconds() }
}

// WithStaleThreshold overrides the default 8s staleness window.
func WithStaleThreshold(d time.Duration) Option {
	return func(m *Manager) { m.staleThreshold = d.Milliseconds() }
}

// NewManager builds a Manager over the given Redis client.
func NewManager(client redis.UniversalClient, opts ...Option) *Manager {
	m := &Manager{
		client:         client,
		leaseMS:        DefaultLeaseMS,
		staleThreshold: DefaultStaleThresholdMS,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// acquireScript performs the acquire/takeover compare-and-swap atomically:
// absent -> write fresh record; present-but-dead (expired or stale) ->
// takeover; present-and-live -> refuse. Running this as a single Lua script
// plays the role of a process-wide guard lock without a second round trip:
// Redis executes the script single-threaded, so the read-then-write is
// already atomic.
const acquireScript = `
local existing = redis.call('GET', KEYS[1])
local now = tonumber(ARGV[3])
local stale = tonumber(ARGV[4])
if not existing then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return 1
end
local rec = cjson.decode(existing)
if rec.expiresAt <= now or (now - rec.lastHeartbeat) > stale then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return 2
end
return 0
`

const heartbeatScript = `
local existing = redis.call('GET', KEYS[1])
if not existing then
	return 0
end
local rec = cjson.decode(existing)
if rec.holderId ~= ARGV[1] then
	return 0
end
rec.lastHeartbeat = tonumber(ARGV[2])
rec.expiresAt = tonumber(ARGV[2]) + tonumber(ARGV[3])
redis.call('SET', KEYS[1], cjson.encode(rec), 'PX', ARGV[4])
return 1
`

const releaseScript = `
local existing = redis.call('GET', KEYS[1])
if not existing then
	return 1
end
local rec = cjson.decode(existing)
if rec.holderId ~= ARGV[1] then
	return 0
end
redis.call('DEL', KEYS[1])
return 1
`

// backoffForPriority returns an exponential-backoff policy whose base and cap
// scale with priority: lower numeric priority retries faster.
func backoffForPriority(priority int) backoff.BackOff {
	base := time.Duration(20+priority*20) * time.Millisecond
	maxInterval := time.Duration(200+priority*300) * time.Millisecond
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = maxInterval
	b.Multiplier = 1.8
	b.RandomizationFactor = 0.3
	return b
}

// Acquire blocks up to maxWait trying to obtain the lease for key. On
// success it returns a Handle; on timeout it returns (nil, ErrAcquireTimeout)
// — the caller's cue to retry at a higher level.
func (m *Manager) Acquire(ctx context.Context, key, operation string, priority int, maxWait time.Duration) (*Handle, error) {
	ctx, span := tracer.Start(ctx, "redlock.Acquire")
	defer span.End()

	deadline := time.Now().Add(maxWait)
	holderID := model.GenerateUUIDWithSuffix("lock")
	bo := backoffForPriority(priority)

	for {
		now := time.Now()
		rec := record{
			HolderID:     holderID,
			Operation:    operation,
			Priority:     priority,
			AcquiredAtMS: now.UnixMilli(),
			LastBeatMS:   now.UnixMilli(),
			ExpiresAtMS:  now.UnixMilli() + m.leaseMS,
		}
		payload, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("redlock: marshal record: %w", err)
		}

		result, err := m.client.Eval(ctx, acquireScript, []string{key},
			string(payload), m.leaseMS+cacheCushionMS, now.UnixMilli(), m.staleThreshold).Result()
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("redlock: acquire %s: %w", key, err)
		}

		if code, ok := result.(int64); ok && (code == 1 || code == 2) {
			return &Handle{HolderID: holderID, Key: key, ExpiresAt: time.UnixMilli(rec.ExpiresAtMS)}, nil
		}

		if time.Now().After(deadline) {
			return nil, ErrAcquireTimeout
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return nil, ErrAcquireTimeout
		}
		jitter := time.Duration(rand.Int63n(int64(wait)/2 + 1))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait + jitter):
		}
	}
}

// Release removes the lock record iff the stored holderId still matches the
// handle's. Idempotent: calling it twice, or after the lease already expired
// and was taken over by someone else, is a harmless no-op.
func (m *Manager) Release(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	_, err := m.client.Eval(ctx, releaseScript, []string{h.Key}, h.HolderID).Result()
	if err != nil {
		return fmt.Errorf("redlock: release %s: %w", h.Key, err)
	}
	return nil
}

// Heartbeat extends lastHeartbeat/expiresAt by the lease duration iff the
// handle still owns the record. Returns false if the record is gone or owned
// by another holder (it was taken over after a missed heartbeat window).
func (m *Manager) Heartbeat(ctx context.Context, h *Handle) (bool, error) {
	if h == nil {
		return false, nil
	}
	now := time.Now()
	result, err := m.client.Eval(ctx, heartbeatScript, []string{h.Key},
		h.HolderID, now.UnixMilli(), m.leaseMS, m.leaseMS+cacheCushionMS).Result()
	if err != nil {
		return false, fmt.Errorf("redlock: heartbeat %s: %w", h.Key, err)
	}
	ok, _ := result.(int64)
	if ok == 1 {
		h.ExpiresAt = now.Add(time.Duration(m.leaseMS) * time.Millisecond)
		return true, nil
	}
	return false, nil
}

// Beat is the callback exposed to a WithKeyLock/WithRowLock critical section
// so long-running work can keep its lease alive past half the lease
// duration.
type Beat func(ctx context.Context) (bool, error)

// WithKeyLock acquires key, runs fn with a Beat callback in scope, and
// guarantees Release on every exit path, including when fn panics.
func WithKeyLock[T any](ctx context.Context, m *Manager, key, operation string, priority int, maxWait time.Duration, fn func(ctx context.Context, beat Beat) (T, error)) (T, error) {
	ctx, span := tracer.Start(ctx, "redlock.WithKeyLock")
	defer span.End()

	var zero T
	handle, err := m.Acquire(ctx, key, operation, priority, maxWait)
	if err != nil {
		span.RecordError(err)
		return zero, err
	}
	defer func() {
		_ = m.Release(context.WithoutCancel(ctx), handle)
	}()

	beat := func(beatCtx context.Context) (bool, error) {
		return m.Heartbeat(beatCtx, handle)
	}
	return fn(ctx, beat)
}

// WithRowLock composes a key as row:<table>:<rowId> and delegates to
// WithKeyLock.
func WithRowLock[T any](ctx context.Context, m *Manager, table string, rowID string, operation string, priority int, maxWait time.Duration, fn func(ctx context.Context, beat Beat) (T, error)) (T, error) {
	key := fmt.Sprintf("row:%s:%s", table, rowID)
	return WithKeyLock(ctx, m, key, operation, priority, maxWait, fn)
}
