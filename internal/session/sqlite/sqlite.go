package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rotacap/rotacap-service/internal/session"
)

// Store implements session.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite session store at the supplied path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	// SQLite allows one writer at a time; a single pooled connection keeps
	// concurrent attempt writes queued instead of failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)
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
	credential_id INTEGER NOT NULL,
	account_id INTEGER NOT NULL,
	target_rotation_x REAL NOT NULL,
	target_rotation_y REAL NOT NULL,
	target_rotation_z REAL NOT NULL,
	client_ip TEXT NOT NULL DEFAULT '',
	user_agent TEXT NOT NULL DEFAULT '',
	attempts INTEGER NOT NULL DEFAULT 0,
	is_verified INTEGER NOT NULL DEFAULT 0,
	error_degrees REAL,
	created_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP NOT NULL,
	verified_at TIMESTAMP
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
VALUES(?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?)`,
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
FROM challenge_sessions WHERE session_token = ? LIMIT 1`, token)
	return scanChallenge(row)
}

func scanChallenge(row *sql.Row) (*session.Challenge, error) {
	var ch session.Challenge
	var verified int
	var errDeg sql.NullFloat64
	var verifiedAt sql.NullTime
	err := row.Scan(
		&ch.Token, &ch.CredentialID, &ch.AccountID,
		&ch.Target.X, &ch.Target.Y, &ch.Target.Z,
		&ch.ClientMeta.IP, &ch.ClientMeta.UserAgent,
		&ch.Attempts, &verified, &errDeg,
		&ch.CreatedAt, &ch.ExpiresAt, &verifiedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ch.Verified = verified != 0
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
	is_verified = ?,
	error_degrees = ?,
	verified_at = ?
WHERE session_token = ? AND is_verified = 0 AND attempts < ?
RETURNING attempts`,
		boolToInt(attempt.Verified), attempt.ErrorDegrees, verifiedAt, token, maxAttempts).Scan(&attempts)
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
	res, err := s.db.ExecContext(ctx, `DELETE FROM challenge_sessions WHERE expires_at < ?`, now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
