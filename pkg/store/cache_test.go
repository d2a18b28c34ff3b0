package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryCacheSetNXAndDel(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	ok, err := c.SetNX(ctx, "k1", "v1", time.Second)
	if err != nil || !ok {
		t.Fatalf("expected first setnx to succeed, ok=%v err=%v", ok, err)
	}
	ok, err = c.SetNX(ctx, "k1", "v2", time.Second)
	if err != nil || ok {
		t.Fatalf("expected second setnx to fail, ok=%v err=%v", ok, err)
	}
	if err := c.Del(ctx, "k1", "missing"); err != nil {
		t.Fatalf("del error: %v", err)
	}
	ok, err = c.SetNX(ctx, "k1", "v3", time.Second)
	if err != nil || !ok {
		t.Fatalf("expected setnx after del to succeed, ok=%v err=%v", ok, err)
	}
}

func TestMemoryCacheExpiryWithClock(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewMemoryCache().WithClock(func() time.Time { return now })
	ctx := context.Background()

	if err := c.Set(ctx, "k2", "v2", time.Minute); err != nil {
		t.Fatalf("set error: %v", err)
	}
	if err := c.Set(ctx, "forever", "v", 0); err != nil {
		t.Fatalf("set error: %v", err)
	}
	got, err := c.Get(ctx, "k2")
	if err != nil || got != "v2" {
		t.Fatalf("expected v2, got %q err=%v", got, err)
	}
	now = now.Add(time.Minute + time.Millisecond)
	if _, err := c.Get(ctx, "k2"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected miss after ttl, got %v", err)
	}
	if v, err := c.Get(ctx, "forever"); err != nil || v != "v" {
		t.Fatalf("expected zero-ttl entry to persist, got %q err=%v", v, err)
	}
}

func TestRedisCachePrefixAndMiss(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	c := NewCache(ctx, client, "qg:")
	if _, ok := c.(*RedisCache); !ok {
		t.Fatalf("expected RedisCache, got %T", c)
	}
	if err := c.Set(ctx, "dev:D1", "payload", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if !mr.Exists("qg:dev:D1") {
		t.Fatal("expected prefixed key in redis")
	}
	ok, err := c.SetNX(ctx, "dev:D1", "other", time.Minute)
	if err != nil || ok {
		t.Fatalf("expected setnx conflict, ok=%v err=%v", ok, err)
	}
	if err := c.Del(ctx, "dev:D1"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if _, err := c.Get(ctx, "dev:D1"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected miss, got %v", err)
	}
}

func TestNewCacheFallsBackToMemory(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()

	if _, ok := NewCache(ctx, nil, "").(*MemoryCache); !ok {
		t.Fatal("expected MemoryCache fallback for nil redis client")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:1",
		DialTimeout:  5 * time.Millisecond,
		ReadTimeout:  5 * time.Millisecond,
		WriteTimeout: 5 * time.Millisecond,
		MaxRetries:   0,
	})
	defer client.Close()
	if _, ok := NewCache(ctx, client, "").(*MemoryCache); !ok {
		t.Fatal("expected MemoryCache fallback for unreachable redis")
	}
}
