// Package audit persists one record per authentication decision. Device
// ids and challenge or session identifiers are stored as salted hashes.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"quadgate/pkg/models"
)

var ErrNotFound = errors.New("audit record not found")

type Sink interface {
	Append(ctx context.Context, rec Record) error
	Get(ctx context.Context, decisionID string) (Record, error)
}

type Record struct {
	DecisionID   string          `json:"decision_id"`
	DeviceIDHash string          `json:"device_id_hash"`
	Outcome      string          `json:"outcome"`
	Reasons      []string        `json:"reasons"`
	GateResults  json.RawMessage `json:"gate_results"`
	CreatedAt    time.Time       `json:"created_at"`
}

// FromDecision builds the redacted record for d.
func FromDecision(d models.Decision, deviceID string, salt []byte) (Record, error) {
	gates, err := json.Marshal(redactGateResults(d.GateResults, salt))
	if err != nil {
		return Record{}, fmt.Errorf("audit: encode gate results: %w", err)
	}
	reasons := d.Reasons
	if reasons == nil {
		reasons = []string{}
	}
	return Record{
		DecisionID:   d.DecisionID,
		DeviceIDHash: hashString(deviceID, salt),
		Outcome:      string(d.Outcome),
		Reasons:      reasons,
		GateResults:  gates,
		CreatedAt:    d.DecidedAt,
	}, nil
}

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Writer stores records in the audit_records table.
type Writer struct {
	DB auditDB
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	reasons, err := json.Marshal(rec.Reasons)
	if err != nil {
		return err
	}
	_, err = w.DB.Exec(ctx, `
		INSERT INTO audit_records
		(decision_id, device_id_hash, outcome, reasons, gate_results, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, rec.DecisionID, rec.DeviceIDHash, rec.Outcome, json.RawMessage(reasons), rec.GateResults, rec.CreatedAt)
	return err
}

func (w *Writer) Get(ctx context.Context, decisionID string) (Record, error) {
	var (
		rec     Record
		reasons json.RawMessage
	)
	row := w.DB.QueryRow(ctx, `
		SELECT decision_id, device_id_hash, outcome, reasons, gate_results, created_at
		FROM audit_records WHERE decision_id=$1
	`, decisionID)
	if err := row.Scan(&rec.DecisionID, &rec.DeviceIDHash, &rec.Outcome, &reasons, &rec.GateResults, &rec.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	if len(reasons) > 0 {
		if err := json.Unmarshal(reasons, &rec.Reasons); err != nil {
			return Record{}, fmt.Errorf("audit: decode reasons: %w", err)
		}
	}
	return rec, nil
}

// Memory keeps the most recent records in process.
type Memory struct {
	mu    sync.Mutex
	max   int
	order []string
	recs  map[string]Record
}

func NewMemory(max int) *Memory {
	if max <= 0 {
		max = 10000
	}
	return &Memory{max: max, recs: map[string]Record{}}
}

func (m *Memory) Append(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[rec.DecisionID]; !ok {
		m.order = append(m.order, rec.DecisionID)
	}
	m.recs[rec.DecisionID] = rec
	for len(m.order) > m.max {
		delete(m.recs, m.order[0])
		m.order = m.order[1:]
	}
	return nil
}

func (m *Memory) Get(ctx context.Context, decisionID string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[decisionID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}
