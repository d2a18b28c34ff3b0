package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"quadgate/pkg/models"
)

type registryDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const pgUniqueViolation = "23505"

// PostgresStore keeps devices in the devices table (migrations/001_devices.sql).
type PostgresStore struct {
	DB registryDB
}

func NewPostgresStore(db registryDB) *PostgresStore {
	return &PostgresStore{DB: db}
}

func (p *PostgresStore) Insert(ctx context.Context, d models.Device) error {
	_, err := p.DB.Exec(ctx, `
		INSERT INTO devices (device_id, public_key, label, sealed_totp, registered_at)
		VALUES ($1,$2,$3,$4,$5)
	`, d.DeviceID, []byte(d.PublicKey), d.Label, d.SealedTOTP, d.RegisteredAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return models.ErrAlreadyRegistered
		}
		return fmt.Errorf("insert device: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, deviceID string) (models.Device, error) {
	var d models.Device
	var pub []byte
	err := p.DB.QueryRow(ctx, `
		SELECT device_id, public_key, label, sealed_totp, registered_at
		FROM devices WHERE device_id=$1
	`, deviceID).Scan(&d.DeviceID, &pub, &d.Label, &d.SealedTOTP, &d.RegisteredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Device{}, models.ErrUnknownDevice
	}
	if err != nil {
		return models.Device{}, fmt.Errorf("get device: %w", err)
	}
	d.PublicKey = pub
	return d, nil
}

func (p *PostgresStore) Delete(ctx context.Context, deviceID string) error {
	tag, err := p.DB.Exec(ctx, `DELETE FROM devices WHERE device_id=$1`, deviceID)
	if err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrUnknownDevice
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context) ([]models.Device, error) {
	rows, err := p.DB.Query(ctx, `
		SELECT device_id, public_key, label, sealed_totp, registered_at
		FROM devices ORDER BY device_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()
	out := []models.Device{}
	for rows.Next() {
		var d models.Device
		var pub []byte
		if err := rows.Scan(&d.DeviceID, &pub, &d.Label, &d.SealedTOTP, &d.RegisteredAt); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		d.PublicKey = pub
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices: %w", err)
	}
	return out, nil
}
