package nonce

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"quadgate/pkg/models"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testChallenge(id, device string, ttl time.Duration) models.Challenge {
	return models.Challenge{
		ChallengeID: id,
		Kind:        models.KindCrypto,
		DeviceID:    device,
		Nonce:       "bm9uY2U",
		IssuedAt:    t0,
		ExpiresAt:   t0.Add(ttl),
	}
}

func newRedisLedger(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return NewRedis(client, "qg:", time.Minute), mr
}

func ledgers(t *testing.T) map[string]Ledger {
	r, _ := newRedisLedger(t)
	return map[string]Ledger{"memory": NewMemory(), "redis": r}
}

func TestConsumeOnlyOnce(t *testing.T) {
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := l.Issue(ctx, testChallenge("c1", "D1", time.Minute)); err != nil {
				t.Fatalf("issue: %v", err)
			}
			c, err := l.Consume(ctx, "c1", t0.Add(time.Second))
			if err != nil {
				t.Fatalf("first consume: %v", err)
			}
			if !c.Consumed || c.State != models.StateAwaitingResponse || c.DeviceID != "D1" {
				t.Fatalf("unexpected consumed challenge %+v", c)
			}
			if _, err := l.Consume(ctx, "c1", t0.Add(2*time.Second)); !errors.Is(err, models.ErrChallengeAlreadyConsumed) {
				t.Fatalf("expected already consumed, got %v", err)
			}
			if _, err := l.Consume(ctx, "missing", t0); !errors.Is(err, models.ErrChallengeNotFound) {
				t.Fatalf("expected not found, got %v", err)
			}
		})
	}
}

func TestConsumeExpiryBoundary(t *testing.T) {
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_ = l.Issue(ctx, testChallenge("edge", "D1", time.Minute))
			if _, err := l.Consume(ctx, "edge", t0.Add(time.Minute)); err != nil {
				t.Fatalf("consume exactly at deadline should pass, got %v", err)
			}
			_ = l.Issue(ctx, testChallenge("late", "D1", time.Minute))
			c, err := l.Consume(ctx, "late", t0.Add(time.Minute+time.Millisecond))
			if !errors.Is(err, models.ErrChallengeExpired) {
				t.Fatalf("expected expired, got %v", err)
			}
			if c.State != models.StateExpired {
				t.Fatalf("expected expired state, got %s", c.State)
			}
			if _, err := l.Consume(ctx, "late", t0); !errors.Is(err, models.ErrChallengeAlreadyConsumed) {
				t.Fatalf("expired challenge must stay burned, got %v", err)
			}
		})
	}
}

func TestConcurrentConsumeSingleWinner(t *testing.T) {
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_ = l.Issue(ctx, testChallenge("race", "D1", time.Minute))
			var wins, replays int32
			var wg sync.WaitGroup
			for i := 0; i < 32; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := l.Consume(ctx, "race", t0.Add(time.Second))
					switch {
					case err == nil:
						atomic.AddInt32(&wins, 1)
					case errors.Is(err, models.ErrChallengeAlreadyConsumed):
						atomic.AddInt32(&replays, 1)
					}
				}()
			}
			wg.Wait()
			if wins != 1 || replays != 31 {
				t.Fatalf("expected 1 win / 31 replays, got %d / %d", wins, replays)
			}
		})
	}
}

func TestResolveTransitions(t *testing.T) {
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_ = l.Issue(ctx, testChallenge("r1", "D1", time.Minute))
			if err := l.Resolve(ctx, "r1", models.StateVerified); !errors.Is(err, models.ErrInvalidTransition) {
				t.Fatalf("issued -> verified must be rejected, got %v", err)
			}
			if _, err := l.Consume(ctx, "r1", t0); err != nil {
				t.Fatalf("consume: %v", err)
			}
			if err := l.Resolve(ctx, "r1", models.StateVerified); err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if err := l.Resolve(ctx, "r1", models.StateFailed); !errors.Is(err, models.ErrInvalidTransition) {
				t.Fatalf("terminal state must not change, got %v", err)
			}
			if err := l.Resolve(ctx, "nope", models.StateFailed); !errors.Is(err, models.ErrChallengeNotFound) {
				t.Fatalf("expected not found, got %v", err)
			}
		})
	}
}

func TestPurgeDevice(t *testing.T) {
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_ = l.Issue(ctx, testChallenge("a", "D1", time.Minute))
			_ = l.Issue(ctx, testChallenge("b", "D1", time.Minute))
			_ = l.Issue(ctx, testChallenge("c", "D2", time.Minute))
			n, err := l.PurgeDevice(ctx, "D1")
			if err != nil || n != 2 {
				t.Fatalf("expected 2 purged, got %d err=%v", n, err)
			}
			if _, err := l.Consume(ctx, "a", t0); !errors.Is(err, models.ErrChallengeNotFound) {
				t.Fatalf("expected purged challenge to be gone, got %v", err)
			}
			if _, err := l.Consume(ctx, "c", t0); err != nil {
				t.Fatalf("other device challenge must survive, got %v", err)
			}
		})
	}
}

func TestIssueRejectsDuplicateID(t *testing.T) {
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := l.Issue(ctx, testChallenge("dup", "D1", time.Minute)); err != nil {
				t.Fatalf("issue: %v", err)
			}
			if err := l.Issue(ctx, testChallenge("dup", "D2", time.Minute)); err == nil {
				t.Fatal("expected duplicate issue error")
			}
		})
	}
}

func TestMemorySweep(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.Issue(ctx, testChallenge("old", "D1", time.Second))
	_ = m.Issue(ctx, testChallenge("new", "D1", time.Hour))
	n, err := m.Sweep(ctx, t0.Add(time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("expected 1 swept, got %d err=%v", n, err)
	}
	if _, ok := m.Get("old"); ok {
		t.Fatal("expected old challenge swept")
	}
	if _, ok := m.Get("new"); !ok {
		t.Fatal("expected live challenge kept")
	}
}

func TestRedisKeysExpireOnTheirOwn(t *testing.T) {
	r, mr := newRedisLedger(t)
	ctx := context.Background()
	c := testChallenge("ttl", "D1", time.Minute)
	c.IssuedAt = time.Now()
	c.ExpiresAt = c.IssuedAt.Add(time.Minute)
	if err := r.Issue(ctx, c); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if ttl := mr.TTL("qg:challenge:ttl"); ttl <= 0 {
		t.Fatalf("expected ttl on challenge key, got %s", ttl)
	}
	mr.FastForward(3 * time.Minute)
	if _, err := r.Consume(ctx, "ttl", time.Now()); !errors.Is(err, models.ErrChallengeNotFound) {
		t.Fatalf("expected key expiry to remove challenge, got %v", err)
	}
}

func TestRandomTokenLength(t *testing.T) {
	id, err := NewID()
	if err != nil {
		t.Fatalf("new id: %v", err)
	}
	if len(id) != 22 {
		t.Fatalf("expected 22 url-safe chars for 16 bytes, got %d", len(id))
	}
	other, _ := NewID()
	if other == id {
		t.Fatal("expected distinct ids")
	}
}

type countingLedger struct {
	*Memory
	sweeps int32
}

func (c *countingLedger) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	atomic.AddInt32(&c.sweeps, 1)
	return c.Memory.Sweep(ctx, cutoff)
}

func TestRunSweeperStopsOnCancel(t *testing.T) {
	l := &countingLedger{Memory: NewMemory()}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunSweeper(ctx, l, 5*time.Millisecond, time.Minute, nil)
		close(done)
	}()
	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&l.sweeps) < 2 {
		select {
		case <-deadline:
			t.Fatal("sweeper did not tick")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
