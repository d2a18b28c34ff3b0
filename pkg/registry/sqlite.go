package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	// Pure-Go SQLite driver; registers "sqlite".
	_ "modernc.org/sqlite"

	"quadgate/pkg/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS devices (
	device_id     TEXT PRIMARY KEY,
	public_key    BLOB NOT NULL,
	label         TEXT NOT NULL DEFAULT '',
	sealed_totp   BLOB NOT NULL,
	registered_at TEXT NOT NULL
)`

// SQLiteStore is the single-node durable backend.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path. Use ":memory:" in tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	log.Printf("registry: opening sqlite database at %s", path)
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared across calls.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Insert(ctx context.Context, d models.Device) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (device_id, public_key, label, sealed_totp, registered_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO NOTHING
	`, d.DeviceID, []byte(d.PublicKey), d.Label, d.SealedTOTP, d.RegisteredAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert device: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return models.ErrAlreadyRegistered
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, deviceID string) (models.Device, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT device_id, public_key, label, sealed_totp, registered_at
		FROM devices WHERE device_id = ?
	`, deviceID)
	d, err := scanSQLiteDevice(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Device{}, models.ErrUnknownDevice
	}
	if err != nil {
		return models.Device{}, fmt.Errorf("get device: %w", err)
	}
	return d, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, deviceID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return models.ErrUnknownDevice
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]models.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, public_key, label, sealed_totp, registered_at
		FROM devices ORDER BY device_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()
	out := []models.Device{}
	for rows.Next() {
		d, err := scanSQLiteDevice(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate device rows: %w", err)
	}
	return out, nil
}

func scanSQLiteDevice(scan func(dest ...any) error) (models.Device, error) {
	var (
		d          models.Device
		pub        []byte
		registered string
	)
	if err := scan(&d.DeviceID, &pub, &d.Label, &d.SealedTOTP, &registered); err != nil {
		return models.Device{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, registered)
	if err != nil {
		return models.Device{}, fmt.Errorf("parse registered_at: %w", err)
	}
	d.PublicKey = pub
	d.RegisteredAt = t
	return d, nil
}
