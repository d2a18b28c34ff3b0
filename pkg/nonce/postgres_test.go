package nonce

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"quadgate/pkg/models"
)

type scriptedRow struct {
	values []any
	err    error
}

type fakeLedgerDB struct {
	rows    []scriptedRow
	queries []string
	execTag pgconn.CommandTag
	execErr error
	execSQL []string
}

func (f *fakeLedgerDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execSQL = append(f.execSQL, sql)
	return f.execTag, f.execErr
}

func (f *fakeLedgerDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	f.queries = append(f.queries, sql)
	if len(f.rows) == 0 {
		return &fakeLedgerRow{err: errors.New("unexpected query")}
	}
	next := f.rows[0]
	f.rows = f.rows[1:]
	return &fakeLedgerRow{values: next.values, err: next.err}
}

type fakeLedgerRow struct {
	values []any
	err    error
}

func (r *fakeLedgerRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("scan arity mismatch: got=%d want=%d", len(dest), len(r.values))
	}
	for i := range dest {
		switch d := dest[i].(type) {
		case *string:
			*d = r.values[i].(string)
		case *bool:
			*d = r.values[i].(bool)
		case *time.Time:
			*d = r.values[i].(time.Time)
		default:
			return fmt.Errorf("unsupported scan dest %T", dest[i])
		}
	}
	return nil
}

func challengeRow(state string) []any {
	return []any{"c1", "crypto", "D1", "", "bm9uY2U", "", "", t0, t0.Add(time.Minute), true, state}
}

func TestPostgresConsumeOutcomes(t *testing.T) {
	ctx := context.Background()

	db := &fakeLedgerDB{rows: []scriptedRow{{values: challengeRow("awaiting_response")}}}
	c, err := NewPostgres(db).Consume(ctx, "c1", t0)
	if err != nil || c.State != models.StateAwaitingResponse || c.Kind != models.KindCrypto {
		t.Fatalf("unexpected consume result %+v err=%v", c, err)
	}
	if !strings.Contains(db.queries[0], "NOT consumed") {
		t.Fatalf("consume must be conditional on consumed flag: %s", db.queries[0])
	}

	db = &fakeLedgerDB{rows: []scriptedRow{{values: challengeRow("expired")}}}
	if _, err := NewPostgres(db).Consume(ctx, "c1", t0.Add(time.Hour)); !errors.Is(err, models.ErrChallengeExpired) {
		t.Fatalf("expected expired, got %v", err)
	}

	db = &fakeLedgerDB{rows: []scriptedRow{{err: pgx.ErrNoRows}, {values: []any{true}}}}
	if _, err := NewPostgres(db).Consume(ctx, "c1", t0); !errors.Is(err, models.ErrChallengeAlreadyConsumed) {
		t.Fatalf("expected already consumed, got %v", err)
	}

	db = &fakeLedgerDB{rows: []scriptedRow{{err: pgx.ErrNoRows}, {err: pgx.ErrNoRows}}}
	if _, err := NewPostgres(db).Consume(ctx, "c1", t0); !errors.Is(err, models.ErrChallengeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	db = &fakeLedgerDB{rows: []scriptedRow{{err: errors.New("conn reset")}}}
	if _, err := NewPostgres(db).Consume(ctx, "c1", t0); err == nil || models.ReasonCode(err) != models.ReasonInternal {
		t.Fatalf("expected internal error, got %v", err)
	}
}

func TestPostgresResolveAndPurge(t *testing.T) {
	ctx := context.Background()
	db := &fakeLedgerDB{
		rows:    []scriptedRow{{values: []any{"awaiting_response"}}},
		execTag: pgconn.NewCommandTag("UPDATE 1"),
	}
	if err := NewPostgres(db).Resolve(ctx, "c1", models.StateVerified); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	db = &fakeLedgerDB{rows: []scriptedRow{{values: []any{"verified"}}}}
	if err := NewPostgres(db).Resolve(ctx, "c1", models.StateFailed); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	db = &fakeLedgerDB{rows: []scriptedRow{{values: []any{"awaiting_response"}}}, execTag: pgconn.NewCommandTag("UPDATE 0")}
	if err := NewPostgres(db).Resolve(ctx, "c1", models.StateFailed); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected lost update to be reported, got %v", err)
	}

	db = &fakeLedgerDB{execTag: pgconn.NewCommandTag("DELETE 3")}
	n, err := NewPostgres(db).PurgeDevice(ctx, "D1")
	if err != nil || n != 3 {
		t.Fatalf("expected 3 purged, got %d err=%v", n, err)
	}
	n, err = NewPostgres(db).Sweep(ctx, t0)
	if err != nil || n != 3 {
		t.Fatalf("expected 3 swept, got %d err=%v", n, err)
	}
	db.execErr = errors.New("boom")
	if _, err := NewPostgres(db).Sweep(ctx, t0); err == nil {
		t.Fatal("expected sweep error")
	}
	if err := NewPostgres(db).Issue(ctx, testChallenge("x", "D1", time.Minute)); err == nil {
		t.Fatal("expected issue error")
	}
}
