//go:build integration

package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"log"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"quadgate/pkg/audit"
	"quadgate/pkg/models"
	"quadgate/pkg/nonce"
	"quadgate/pkg/registry"
)

// Run with: go test -tags=integration -timeout 120s ./cmd/migrator/...
func TestRunMigrationsWithRealPostgres(t *testing.T) {
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
		t.Fatalf("failed to get connection string: %v", err)
	}
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer pool.Close()

	noLog := func(string, ...any) {}
	if err := runMigrations(ctx, pool, "../../migrations", nil, nil, noLog); err != nil {
		t.Fatalf("runMigrations failed: %v", err)
	}
	var count int
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM schema_migrations WHERE checksum <> ''`).Scan(&count); err != nil || count != 3 {
		t.Fatalf("expected 3 recorded migrations, got %d err=%v", count, err)
	}
	if err := runMigrations(ctx, pool, "../../migrations", nil, nil, noLog); err != nil {
		t.Fatalf("second runMigrations failed: %v", err)
	}

	t.Run("devices", func(t *testing.T) {
		pub, _, _ := ed25519.GenerateKey(rand.Reader)
		store := registry.NewPostgresStore(pool)
		d := models.Device{
			DeviceID:     "dev-1",
			PublicKey:    pub,
			Label:        "laptop",
			RegisteredAt: time.Now().UTC().Truncate(time.Microsecond),
			SealedTOTP:   []byte("sealed"),
		}
		if err := store.Insert(ctx, d); err != nil {
			t.Fatalf("insert: %v", err)
		}
		if err := store.Insert(ctx, d); !errors.Is(err, models.ErrAlreadyRegistered) {
			t.Fatalf("expected ALREADY_REGISTERED on duplicate, got %v", err)
		}
		got, err := store.Get(ctx, "dev-1")
		if err != nil || !got.PublicKey.Equal(pub) || got.Label != "laptop" {
			t.Fatalf("unexpected device %+v err=%v", got, err)
		}
		short := d
		short.DeviceID = "dev-short"
		short.PublicKey = pub[:16]
		if err := store.Insert(ctx, short); err == nil {
			t.Fatal("expected public key length check to reject a 16-byte key")
		}
	})

	t.Run("challenges", func(t *testing.T) {
		ledger := nonce.NewPostgres(pool)
		now := time.Now().UTC()
		c := models.Challenge{
			ChallengeID: "ch-1",
			Kind:        models.KindCrypto,
			DeviceID:    "dev-1",
			Nonce:       "n-1",
			IssuedAt:    now,
			ExpiresAt:   now.Add(time.Minute),
			State:       models.StateIssued,
		}
		if err := ledger.Issue(ctx, c); err != nil {
			t.Fatalf("issue: %v", err)
		}
		if _, err := ledger.Consume(ctx, "ch-1", now); err != nil {
			t.Fatalf("consume: %v", err)
		}
		if _, err := ledger.Consume(ctx, "ch-1", now); !errors.Is(err, models.ErrChallengeAlreadyConsumed) {
			t.Fatalf("expected replay rejection, got %v", err)
		}
	})

	t.Run("audit", func(t *testing.T) {
		w := &audit.Writer{DB: pool}
		rec := audit.Record{
			DecisionID:   "d-1",
			DeviceIDHash: "abc",
			Outcome:      string(models.OutcomeDeny),
			Reasons:      []string{models.ReasonInsufficientGates},
			GateResults:  json.RawMessage(`[]`),
			CreatedAt:    time.Now().UTC().Truncate(time.Microsecond),
		}
		if err := w.Append(ctx, rec); err != nil {
			t.Fatalf("append: %v", err)
		}
		got, err := w.Get(ctx, "d-1")
		if err != nil || got.Outcome != rec.Outcome || len(got.Reasons) != 1 {
			t.Fatalf("unexpected audit record %+v err=%v", got, err)
		}
		if _, err := w.Get(ctx, "missing"); !errors.Is(err, audit.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}
