package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeAuditDB struct {
	execErr   error
	rowErr    error
	rowValues []any
	execArgs  []any
	queryArgs []any
}

func (f *fakeAuditDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	_ = ctx
	_ = sql
	f.execArgs = append([]any(nil), args...)
	return pgconn.NewCommandTag("INSERT 0 1"), f.execErr
}

func (f *fakeAuditDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	_ = ctx
	_ = sql
	f.queryArgs = append([]any(nil), args...)
	return &fakeAuditRow{values: f.rowValues, err: f.rowErr}
}

type fakeAuditRow struct {
	values []any
	err    error
}

func (r *fakeAuditRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("scan arity mismatch: got=%d want=%d", len(dest), len(r.values))
	}
	for i := range dest {
		if err := assignAuditScan(dest[i], r.values[i]); err != nil {
			return err
		}
	}
	return nil
}

func assignAuditScan(dest any, val any) error {
	switch d := dest.(type) {
	case *string:
		v, ok := val.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", val)
		}
		*d = v
		return nil
	case *json.RawMessage:
		switch v := val.(type) {
		case json.RawMessage:
			*d = append((*d)[:0], v...)
		case []byte:
			*d = append((*d)[:0], v...)
		case string:
			*d = json.RawMessage(v)
		default:
			return fmt.Errorf("expected json raw, got %T", val)
		}
		return nil
	case *time.Time:
		v, ok := val.(time.Time)
		if !ok {
			return fmt.Errorf("expected time.Time, got %T", val)
		}
		*d = v
		return nil
	default:
		return fmt.Errorf("unsupported scan dest %T", dest)
	}
}

func rawArgString(v any) string {
	switch t := v.(type) {
	case json.RawMessage:
		return string(t)
	case []byte:
		return string(t)
	case string:
		return t
	default:
		return fmt.Sprint(v)
	}
}

func TestWriterAppendAndGet(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	gates := json.RawMessage(`[{"gate":"Q1","attempted":true,"success":true,"confidence":100}]`)
	db := &fakeAuditDB{
		rowValues: []any{"d-1", "hash-1", "allow", json.RawMessage(`["FAST_PATH"]`), gates, now},
	}
	w := &Writer{DB: db}

	rec := Record{
		DecisionID:   "d-1",
		DeviceIDHash: "hash-1",
		Outcome:      "allow",
		Reasons:      []string{"FAST_PATH"},
		GateResults:  gates,
		CreatedAt:    now,
	}
	if err := w.Append(context.Background(), rec); err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(db.execArgs) != 6 {
		t.Fatalf("expected 6 exec args, got %d", len(db.execArgs))
	}
	if got := rawArgString(db.execArgs[3]); got != `["FAST_PATH"]` {
		t.Fatalf("unexpected reasons arg: %s", got)
	}

	got, err := w.Get(context.Background(), "d-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.DecisionID != "d-1" || got.Outcome != "allow" || len(got.Reasons) != 1 || got.Reasons[0] != "FAST_PATH" {
		t.Fatalf("unexpected get record: %+v", got)
	}
	if len(db.queryArgs) != 1 || db.queryArgs[0] != "d-1" {
		t.Fatalf("unexpected query args %v", db.queryArgs)
	}
}

func TestWriterErrors(t *testing.T) {
	db := &fakeAuditDB{execErr: errors.New("exec failed")}
	w := &Writer{DB: db}
	if err := w.Append(context.Background(), Record{DecisionID: "d-1"}); err == nil {
		t.Fatal("expected append error")
	}
	db.rowErr = pgx.ErrNoRows
	if _, err := w.Get(context.Background(), "d-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	db.rowErr = errors.New("conn reset")
	if _, err := w.Get(context.Background(), "d-1"); err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected raw error, got %v", err)
	}
	db.rowErr = nil
	db.rowValues = []any{"d-1", "h", "deny", json.RawMessage(`{bad`), json.RawMessage(`[]`), time.Now()}
	if _, err := w.Get(context.Background(), "d-1"); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestMemorySinkEvictsOldest(t *testing.T) {
	m := NewMemory(2)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := m.Append(ctx, Record{DecisionID: id}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := m.Get(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected oldest evicted, got %v", err)
	}
	if rec, err := m.Get(ctx, "c"); err != nil || rec.DecisionID != "c" {
		t.Fatalf("unexpected %+v %v", rec, err)
	}
}
