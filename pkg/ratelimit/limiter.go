// Package ratelimit counts authentication attempts per device over a
// rolling window. Only admitted attempts are recorded, so at most limit
// attempts fall inside any window of the configured length.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type Limiter interface {
	Allow(ctx context.Context, key string, limit int) Decision
}

// InMemoryLimiter keeps a timestamp log per key.
type InMemoryLimiter struct {
	mu     sync.Mutex
	window time.Duration
	items  map[string][]time.Time
	Now    func() time.Time
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{
		window: window,
		items:  make(map[string][]time.Time),
		Now:    time.Now,
	}
}

func (l *InMemoryLimiter) Allow(ctx context.Context, key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := l.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleanup(now)
	log := l.items[key]
	if len(log) >= limit {
		return Decision{
			Allowed:   false,
			Count:     len(log),
			Limit:     limit,
			Remaining: 0,
			ResetAt:   log[0].Add(l.window),
		}
	}
	log = append(log, now)
	l.items[key] = log
	return Decision{
		Allowed:   true,
		Count:     len(log),
		Limit:     limit,
		Remaining: limit - len(log),
		ResetAt:   log[0].Add(l.window),
	}
}

// cleanup drops timestamps at or beyond one window old.
func (l *InMemoryLimiter) cleanup(now time.Time) {
	for k, log := range l.items {
		i := 0
		for i < len(log) && now.Sub(log[i]) >= l.window {
			i++
		}
		if i == len(log) {
			delete(l.items, k)
			continue
		}
		if i > 0 {
			l.items[k] = append([]time.Time(nil), log[i:]...)
		}
	}
}
