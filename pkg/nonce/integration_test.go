//go:build integration

package nonce

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"quadgate/pkg/models"
)

// Run with: go test -tags=integration -timeout 120s ./pkg/nonce/...
func TestPostgresLedgerWithRealPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()
	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("quadgate"),
		postgres.WithUsername("quadgate"),
		postgres.WithPassword("quadgate"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("failed to terminate postgres container: %v", err)
		}
	}()
	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer pool.Close()
	if _, err := pool.Exec(ctx, `
		CREATE TABLE challenges (
			challenge_id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			device_id TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			nonce TEXT NOT NULL DEFAULT '',
			prompt_id TEXT NOT NULL DEFAULT '',
			difficulty TEXT NOT NULL DEFAULT '',
			issued_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			consumed BOOLEAN NOT NULL DEFAULT FALSE,
			state TEXT NOT NULL
		)`); err != nil {
		t.Fatalf("create table: %v", err)
	}

	l := NewPostgres(pool)
	if err := l.Issue(ctx, testChallenge("race", "D1", time.Minute)); err != nil {
		t.Fatalf("issue: %v", err)
	}
	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Consume(ctx, "race", t0.Add(time.Second)); err == nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected a single winner, got %d", wins)
	}
	if err := l.Resolve(ctx, "race", models.StateVerified); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	_ = l.Issue(ctx, testChallenge("late", "D1", time.Minute))
	if _, err := l.Consume(ctx, "late", t0.Add(time.Minute+time.Millisecond)); !errors.Is(err, models.ErrChallengeExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
	n, err := l.PurgeDevice(ctx, "D1")
	if err != nil || n != 2 {
		t.Fatalf("expected 2 purged, got %d err=%v", n, err)
	}
}
