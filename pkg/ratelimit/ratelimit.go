// Package ratelimit bounds per-actor request rates with a token bucket.
// The memory store serves a single instance; the Redis store shares one
// bucket per actor across replicas.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limit is the per-actor budget: sustained requests per minute with a
// burst allowance.
type Limit struct {
	PerMinute int
	Burst     int
}

// rps converts the sustained budget to tokens per second.
func (l Limit) rps() rate.Limit {
	r := rate.Limit(float64(l.PerMinute) / 60.0)
	if r <= 0 {
		r = 1
	}
	return r
}

// Store answers whether an actor may spend cost tokens right now.
type Store interface {
	Allow(ctx context.Context, actorID string, cost int) (bool, error)
}

// memoryBucket pairs a limiter with its last use so idle actors can be
// evicted.
type memoryBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Memory keeps one token bucket per actor in process.
type Memory struct {
	limit Limit
	clock func() time.Time

	mu      sync.Mutex
	buckets map[string]*memoryBucket
}

// NewMemory creates an in-process store with the given per-actor limit.
func NewMemory(limit Limit) *Memory {
	if limit.Burst <= 0 {
		limit.Burst = 1
	}
	return &Memory{
		limit:   limit,
		clock:   time.Now,
		buckets: make(map[string]*memoryBucket),
	}
}

// WithClock overrides the clock for deterministic tests.
func (m *Memory) WithClock(clock func() time.Time) *Memory {
	m.clock = clock
	return m
}

func (m *Memory) Allow(_ context.Context, actorID string, cost int) (bool, error) {
	if cost <= 0 {
		cost = 1
	}
	now := m.clock()

	m.mu.Lock()
	b, ok := m.buckets[actorID]
	if !ok {
		b = &memoryBucket{limiter: rate.NewLimiter(m.limit.rps(), m.limit.Burst)}
		m.buckets[actorID] = b
	}
	b.lastSeen = now
	m.mu.Unlock()

	return b.limiter.AllowN(now, cost), nil
}

// Sweep drops buckets idle since before the cutoff and returns how many
// were removed. The maintenance scheduler calls it periodically.
func (m *Memory) Sweep(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for actor, b := range m.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(m.buckets, actor)
			removed++
		}
	}
	return removed
}
