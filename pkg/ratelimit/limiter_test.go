package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *stepClock {
	return &stepClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func limiters(t *testing.T, clock *stepClock) map[string]Limiter {
	mem := NewInMemory(time.Minute)
	mem.Now = clock.Now

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	rl := NewRedis(client, time.Minute)
	rl.Now = clock.Now
	return map[string]Limiter{"memory": mem, "redis": rl}
}

func TestSixthAttemptWithinWindowDenied(t *testing.T) {
	for name, l := range limiters(t, newClock()) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 1; i <= 5; i++ {
				d := l.Allow(ctx, "D1", 5)
				if !d.Allowed || d.Count != i || d.Remaining != 5-i {
					t.Fatalf("attempt %d: unexpected decision %+v", i, d)
				}
			}
			sixth := l.Allow(ctx, "D1", 5)
			if sixth.Allowed || sixth.Remaining != 0 {
				t.Fatalf("expected 6th attempt denied, got %+v", sixth)
			}
			if other := l.Allow(ctx, "D2", 5); !other.Allowed {
				t.Fatalf("other devices must not be affected, got %+v", other)
			}
		})
	}
}

func TestWindowSlides(t *testing.T) {
	clock := newClock()
	for name, l := range limiters(t, clock) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := "slide-" + name
			first := l.Allow(ctx, key, 2)
			clock.Advance(30 * time.Second)
			l.Allow(ctx, key, 2)
			if d := l.Allow(ctx, key, 2); d.Allowed {
				t.Fatalf("expected deny with two attempts in window, got %+v", d)
			}
			if want := first.ResetAt; !want.Equal(clock.Now().Add(30 * time.Second)) {
				t.Fatalf("unexpected reset %s", want)
			}
			// First attempt leaves the window; the second is still inside.
			clock.Advance(30 * time.Second)
			if d := l.Allow(ctx, key, 2); !d.Allowed || d.Count != 2 {
				t.Fatalf("expected one slot freed, got %+v", d)
			}
			if d := l.Allow(ctx, key, 2); d.Allowed {
				t.Fatalf("expected deny again, got %+v", d)
			}
		})
	}
}

func TestDeniedAttemptsAreNotRecorded(t *testing.T) {
	clock := newClock()
	for name, l := range limiters(t, clock) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := "flood-" + name
			l.Allow(ctx, key, 1)
			for i := 0; i < 10; i++ {
				clock.Advance(time.Second)
				l.Allow(ctx, key, 1)
			}
			clock.Advance(50 * time.Second)
			if d := l.Allow(ctx, key, 1); !d.Allowed {
				t.Fatalf("expected admission one window after last admitted attempt, got %+v", d)
			}
		})
	}
}

func TestConcurrentAllowNeverExceedsLimit(t *testing.T) {
	for name, l := range limiters(t, newClock()) {
		t.Run(name, func(t *testing.T) {
			var mu sync.Mutex
			admitted := 0
			var wg sync.WaitGroup
			for i := 0; i < 40; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if l.Allow(context.Background(), "burst", 5).Allowed {
						mu.Lock()
						admitted++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			if admitted != 5 {
				t.Fatalf("expected exactly 5 admitted, got %d", admitted)
			}
		})
	}
}

func TestInMemoryLimiterLimitFloor(t *testing.T) {
	limiter := NewInMemory(0)
	if limiter.window != time.Minute {
		t.Fatalf("expected default window, got %s", limiter.window)
	}
	decision := limiter.Allow(context.Background(), "k", 0)
	if !decision.Allowed || decision.Limit != 1 {
		t.Fatalf("expected fallback limit=1 and allowed decision, got %+v", decision)
	}
}

func TestRedisLimiterFallbacks(t *testing.T) {
	t.Run("client_nil_uses_memory", func(t *testing.T) {
		lim := NewRedis(nil, 0)
		if lim.Window != time.Minute || lim.Prefix != "rl:" {
			t.Fatalf("unexpected defaults %+v", lim)
		}
		if d := lim.Allow(context.Background(), "k", 1); !d.Allowed {
			t.Fatalf("expected memory fallback admit, got %+v", d)
		}
		if d := lim.Allow(context.Background(), "k", 1); d.Allowed {
			t.Fatalf("expected memory fallback deny, got %+v", d)
		}
	})

	t.Run("no_fallback_fails_closed", func(t *testing.T) {
		lim := &RedisLimiter{Window: time.Second, Prefix: "rl:", Now: time.Now}
		if d := lim.Allow(context.Background(), "k", 3); d.Allowed {
			t.Fatalf("expected fail-closed decision, got %+v", d)
		}
	})

	t.Run("redis_error_uses_fallback", func(t *testing.T) {
		client := redis.NewClient(&redis.Options{
			Addr:         "127.0.0.1:1",
			DialTimeout:  5 * time.Millisecond,
			ReadTimeout:  5 * time.Millisecond,
			WriteTimeout: 5 * time.Millisecond,
			MaxRetries:   0,
		})
		defer client.Close()
		lim := NewRedis(client, time.Minute)
		if d := lim.Allow(context.Background(), "k", 2); !d.Allowed || d.Count != 1 {
			t.Fatalf("expected fallback admit, got %+v", d)
		}
	})
}
