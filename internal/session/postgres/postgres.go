package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/rotacap/rotacap-service/internal/session"
)

// Store implements session.Store backed by Postgres.
type Store struct {
	db *sql.DB
}

// New opens a Postgres-backed session store using the provided DSN.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS challenge_sessions (
	session_token TEXT PRIMARY KEY,
	credential_id BIGINT NOT NULL,
	account_id BIGINT NOT NULL,
	target_rotation_x DOUBLE PRECISION NOT NULL,
	target_rotation_y DOUBLE PRECISION NOT NULL,
	target_rotation_z DOUBLE PRECISION NOT NULL,
	client_ip TEXT NOT NULL DEFAULT '',
	user_agent TEXT NOT NULL DEFAULT '',
	attempts INTEGER NOT NULL DEFAULT 0,
	is_verified BOOLEAN NOT NULL DEFAULT FALSE,
	error_degrees DOUBLE PRECISION,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	verified_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_challenge_sessions_expires ON challenge_sessions(expires_at);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create persists a new session.
func (s *Store) Create(ctx context.Context, ch *session.Challenge) error {
	if ch.Token == "" {
		return errors.New("session requires token")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO challenge_sessions(
	session_token, credential_id, account_id,
	target_rotation_x, target_rotation_y, target_rotation_z,
	client_ip, user_agent, attempts, is_verified, created_at, expires_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, 0, FALSE, $9, $10)`,
		ch.Token, ch.CredentialID, ch.AccountID,
		ch.Target.X, ch.Target.Y, ch.Target.Z,
		ch.ClientMeta.IP, ch.ClientMeta.UserAgent,
		ch.CreatedAt.UTC(), ch.ExpiresAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetByToken returns the session, or nil when unknown.
func (s *Store) GetByToken(ctx context.Context, token string) (*session.Challenge, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT session_token, credential_id, account_id,
	target_rotation_x, target_rotation_y, target_rotation_z,
	client_ip, user_agent, attempts, is_verified, error_degrees,
	created_at, expires_at, verified_at
FROM challenge_sessions WHERE session_token = $1 LIMIT 1`, token)

	var ch session.Challenge
	var errDeg sql.NullFloat64
	var verifiedAt sql.NullTime
	err := row.Scan(
		&ch.Token, &ch.CredentialID, &ch.AccountID,
		&ch.Target.X, &ch.Target.Y, &ch.Target.Z,
		&ch.ClientMeta.IP, &ch.ClientMeta.UserAgent,
		&ch.Attempts, &ch.Verified, &errDeg,
		&ch.CreatedAt, &ch.ExpiresAt, &verifiedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if errDeg.Valid {
		v := errDeg.Float64
		ch.ErrorDegrees = &v
	}
	if verifiedAt.Valid {
		t := verifiedAt.Time
		ch.VerifiedAt = &t
	}
	return &ch, nil
}

// RecordAttempt applies one verify outcome behind the terminal-state guard.
// The returned attempt count comes from the row after the increment, so a
// concurrent writer's increment is never misattributed to this caller.
func (s *Store) RecordAttempt(ctx context.Context, token string, attempt session.Attempt, maxAttempts int) (int, bool, error) {
	var verifiedAt any
	if attempt.Verified {
		verifiedAt = attempt.At.UTC()
	}
	var attempts int
	err := s.db.QueryRowContext(ctx, `
UPDATE challenge_sessions
SET attempts = attempts + 1,
	is_verified = $1,
	error_degrees = $2,
	verified_at = $3
WHERE session_token = $4 AND is_verified = FALSE AND attempts < $5
RETURNING attempts`,
		attempt.Verified, attempt.ErrorDegrees, verifiedAt, token, maxAttempts).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("record attempt: %w", err)
	}
	return attempts, true, nil
}

// DeleteExpired reclaims rows past their expiry.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM challenge_sessions WHERE expires_at < $1`, now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
