package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/rotacap/rotacap-service/internal/keystore"
)

// Store implements keystore.Store backed by Postgres.
type Store struct {
	db *sql.DB
}

// New opens a Postgres-backed key store using the provided DSN.
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
CREATE TABLE IF NOT EXISTS accounts (
	id BIGSERIAL PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	api_calls_limit BIGINT NOT NULL DEFAULT 1000,
	api_calls_used BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS api_keys (
	id BIGSERIAL PRIMARY KEY,
	account_id BIGINT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	name TEXT NOT NULL DEFAULT '',
	key_hash TEXT NOT NULL UNIQUE,
	key_prefix TEXT NOT NULL,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	last_used_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_api_keys_account ON api_keys(account_id);
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

// LookupByHash returns the credential matching the digest, or nil.
func (s *Store) LookupByHash(ctx context.Context, keyHash string) (*keystore.Credential, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, account_id, name, key_hash, key_prefix, is_active, last_used_at, created_at
FROM api_keys WHERE key_hash = $1 LIMIT 1`, keyHash)
	var c keystore.Credential
	var lastUsed sql.NullTime
	if err := row.Scan(&c.ID, &c.AccountID, &c.Name, &c.KeyHash, &c.KeyPrefix, &c.Active, &lastUsed, &c.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		c.LastUsedAt = &t
	}
	return &c, nil
}

// GetAccount fetches quota fields for the account.
func (s *Store) GetAccount(ctx context.Context, id int64) (*keystore.Account, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, email, api_calls_limit, api_calls_used, created_at
FROM accounts WHERE id = $1 LIMIT 1`, id)
	var a keystore.Account
	if err := row.Scan(&a.ID, &a.Email, &a.APICallsLimit, &a.APICallsUsed, &a.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, keystore.ErrAccountNotFound
		}
		return nil, err
	}
	return &a, nil
}

// ReserveCall increments the used counter iff quota remains.
func (s *Store) ReserveCall(ctx context.Context, accountID int64) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE accounts SET api_calls_used = api_calls_used + 1
WHERE id = $1 AND api_calls_used < api_calls_limit`, accountID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return err
	}
	return keystore.ErrQuotaExceeded
}

// TouchLastUsed stamps the credential's last use.
func (s *Store) TouchLastUsed(ctx context.Context, credentialID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = $1 WHERE id = $2`, at.UTC(), credentialID)
	return err
}

// EnsureAccount returns the account with the email, creating it if absent.
func (s *Store) EnsureAccount(ctx context.Context, email string, callLimit int64) (*keystore.Account, error) {
	var a keystore.Account
	err := s.db.QueryRowContext(ctx, `
INSERT INTO accounts(email, api_calls_limit) VALUES($1, $2)
ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
RETURNING id, email, api_calls_limit, api_calls_used, created_at`,
		email, callLimit).Scan(&a.ID, &a.Email, &a.APICallsLimit, &a.APICallsUsed, &a.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("ensure account: %w", err)
	}
	return &a, nil
}

// CreateKey mints a credential and returns the raw secret once.
func (s *Store) CreateKey(ctx context.Context, accountID int64, name string) (*keystore.Credential, string, error) {
	raw, hash, prefix, err := keystore.GenerateKey()
	if err != nil {
		return nil, "", err
	}
	var c keystore.Credential
	var lastUsed sql.NullTime
	err = s.db.QueryRowContext(ctx, `
INSERT INTO api_keys(account_id, name, key_hash, key_prefix)
VALUES($1, $2, $3, $4)
RETURNING id, account_id, name, key_hash, key_prefix, is_active, last_used_at, created_at`,
		accountID, name, hash, prefix).Scan(
		&c.ID, &c.AccountID, &c.Name, &c.KeyHash, &c.KeyPrefix, &c.Active, &lastUsed, &c.CreatedAt)
	if err != nil {
		return nil, "", fmt.Errorf("create api key: %w", err)
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		c.LastUsedAt = &t
	}
	return &c, raw, nil
}
