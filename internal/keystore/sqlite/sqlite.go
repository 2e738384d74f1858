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

	"github.com/rotacap/rotacap-service/internal/keystore"
)

// Store implements keystore.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite key store at the supplied path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create keystore directory: %w", err)
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
	// concurrent reservations queued instead of failing with SQLITE_BUSY.
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
CREATE TABLE IF NOT EXISTS accounts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	email TEXT NOT NULL UNIQUE,
	api_calls_limit INTEGER NOT NULL DEFAULT 1000,
	api_calls_used INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS api_keys (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	name TEXT NOT NULL DEFAULT '',
	key_hash TEXT NOT NULL UNIQUE,
	key_prefix TEXT NOT NULL,
	is_active INTEGER NOT NULL DEFAULT 1,
	last_used_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
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
FROM api_keys WHERE key_hash = ? LIMIT 1`, keyHash)
	var c keystore.Credential
	var active int
	var lastUsed sql.NullTime
	if err := row.Scan(&c.ID, &c.AccountID, &c.Name, &c.KeyHash, &c.KeyPrefix, &active, &lastUsed, &c.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	c.Active = active != 0
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
FROM accounts WHERE id = ? LIMIT 1`, id)
	var a keystore.Account
	if err := row.Scan(&a.ID, &a.Email, &a.APICallsLimit, &a.APICallsUsed, &a.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, keystore.ErrAccountNotFound
		}
		return nil, err
	}
	return &a, nil
}

// ReserveCall increments the used counter iff quota remains. The check and
// increment are one statement, so concurrent reservations cannot overshoot.
func (s *Store) ReserveCall(ctx context.Context, accountID int64) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE accounts SET api_calls_used = api_calls_used + 1
WHERE id = ? AND api_calls_used < api_calls_limit`, accountID)
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
	_, err := s.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = ? WHERE id = ?`, at.UTC(), credentialID)
	return err
}

// EnsureAccount returns the account with the email, creating it if absent.
func (s *Store) EnsureAccount(ctx context.Context, email string, callLimit int64) (*keystore.Account, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, email, api_calls_limit, api_calls_used, created_at
FROM accounts WHERE email = ? LIMIT 1`, email)
	var a keystore.Account
	err := row.Scan(&a.ID, &a.Email, &a.APICallsLimit, &a.APICallsUsed, &a.CreatedAt)
	if err == nil {
		return &a, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO accounts(email, api_calls_limit) VALUES(?, ?)`, email, callLimit)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &keystore.Account{
		ID:            id,
		Email:         email,
		APICallsLimit: callLimit,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// CreateKey mints a credential and returns the raw secret once.
func (s *Store) CreateKey(ctx context.Context, accountID int64, name string) (*keystore.Credential, string, error) {
	raw, hash, prefix, err := keystore.GenerateKey()
	if err != nil {
		return nil, "", err
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO api_keys(account_id, name, key_hash, key_prefix) VALUES(?, ?, ?, ?)`,
		accountID, name, hash, prefix)
	if err != nil {
		return nil, "", fmt.Errorf("create api key: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, "", err
	}
	return &keystore.Credential{
		ID:        id,
		AccountID: accountID,
		Name:      name,
		KeyHash:   hash,
		KeyPrefix: prefix,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}, raw, nil
}
