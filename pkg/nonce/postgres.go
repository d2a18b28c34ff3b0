package nonce

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"quadgate/pkg/models"
)

type ledgerDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres keeps challenges in the challenges table
// (migrations/002_challenges.sql). Consume is a conditional UPDATE so only
// one caller can observe consumed=false.
type Postgres struct {
	DB ledgerDB
}

func NewPostgres(db ledgerDB) *Postgres {
	return &Postgres{DB: db}
}

const challengeColumns = `challenge_id, kind, device_id, session_id, nonce, prompt_id, difficulty, issued_at, expires_at, consumed, state`

func (p *Postgres) Issue(ctx context.Context, c models.Challenge) error {
	_, err := p.DB.Exec(ctx, `
		INSERT INTO challenges (`+challengeColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,FALSE,$10)
	`, c.ChallengeID, string(c.Kind), c.DeviceID, c.SessionID, c.Nonce, c.PromptID, string(c.Difficulty), c.IssuedAt, c.ExpiresAt, string(models.StateIssued))
	if err != nil {
		return fmt.Errorf("nonce: issue: %w", err)
	}
	return nil
}

func (p *Postgres) Consume(ctx context.Context, challengeID string, now time.Time) (models.Challenge, error) {
	row := p.DB.QueryRow(ctx, `
		UPDATE challenges
		SET consumed = TRUE,
		    state = CASE WHEN expires_at < $2 THEN 'expired' ELSE 'awaiting_response' END
		WHERE challenge_id = $1 AND NOT consumed
		RETURNING `+challengeColumns, challengeID, now)
	c, err := scanChallenge(row)
	if errors.Is(err, pgx.ErrNoRows) {
		var consumed bool
		lookupErr := p.DB.QueryRow(ctx, `SELECT consumed FROM challenges WHERE challenge_id = $1`, challengeID).Scan(&consumed)
		if errors.Is(lookupErr, pgx.ErrNoRows) {
			return models.Challenge{}, models.ErrChallengeNotFound
		}
		if lookupErr != nil {
			return models.Challenge{}, fmt.Errorf("nonce: consume lookup: %w", lookupErr)
		}
		return models.Challenge{ChallengeID: challengeID, Consumed: true}, models.ErrChallengeAlreadyConsumed
	}
	if err != nil {
		return models.Challenge{}, fmt.Errorf("nonce: consume: %w", err)
	}
	if c.State == models.StateExpired {
		return c, models.ErrChallengeExpired
	}
	return c, nil
}

func (p *Postgres) Resolve(ctx context.Context, challengeID string, state models.ChallengeState) error {
	var cur string
	err := p.DB.QueryRow(ctx, `SELECT state FROM challenges WHERE challenge_id = $1`, challengeID).Scan(&cur)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrChallengeNotFound
	}
	if err != nil {
		return fmt.Errorf("nonce: resolve: %w", err)
	}
	next, err := models.Transition(models.ChallengeState(cur), state)
	if err != nil {
		return fmt.Errorf("nonce: resolve %s -> %s: %w", cur, state, err)
	}
	tag, err := p.DB.Exec(ctx, `UPDATE challenges SET state = $2 WHERE challenge_id = $1 AND state = $3`, challengeID, string(next), cur)
	if err != nil {
		return fmt.Errorf("nonce: resolve: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("nonce: resolve: %w", models.ErrInvalidTransition)
	}
	return nil
}

func (p *Postgres) PurgeDevice(ctx context.Context, deviceID string) (int, error) {
	tag, err := p.DB.Exec(ctx, `DELETE FROM challenges WHERE device_id = $1`, deviceID)
	if err != nil {
		return 0, fmt.Errorf("nonce: purge: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *Postgres) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := p.DB.Exec(ctx, `DELETE FROM challenges WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("nonce: sweep: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanChallenge(row pgx.Row) (models.Challenge, error) {
	var (
		c                       models.Challenge
		kind, difficulty, state string
	)
	err := row.Scan(&c.ChallengeID, &kind, &c.DeviceID, &c.SessionID, &c.Nonce, &c.PromptID, &difficulty, &c.IssuedAt, &c.ExpiresAt, &c.Consumed, &state)
	if err != nil {
		return models.Challenge{}, err
	}
	c.Kind = models.ChallengeKind(kind)
	c.Difficulty = models.Difficulty(difficulty)
	c.State = models.ChallengeState(state)
	return c, nil
}
