// Package keystore persists accounts and their API credentials. The
// challenge service consumes it for credential lookup, quota reservation,
// and last-used bookkeeping; key creation itself belongs to the dashboard
// and is exposed here only for provisioning and tests.
package keystore

import (
	"context"
	"errors"
	"time"
)

// Account holds the per-customer call quota.
type Account struct {
	ID            int64
	Email         string
	APICallsLimit int64
	APICallsUsed  int64
	CreatedAt     time.Time
}

// Credential is a stored API key. The raw secret is never persisted; only
// its SHA-256 digest and a short display prefix survive creation.
type Credential struct {
	ID         int64
	AccountID  int64
	Name       string
	KeyHash    string
	KeyPrefix  string
	Active     bool
	LastUsedAt *time.Time
	CreatedAt  time.Time
}

// ErrQuotaExceeded is returned by ReserveCall when the account has no
// quota left. The counter is not incremented in that case.
var ErrQuotaExceeded = errors.New("api call limit exceeded")

// ErrAccountNotFound is returned when an account id resolves to nothing.
var ErrAccountNotFound = errors.New("account not found")

// Store persists accounts and credentials across SQLite/Postgres backends.
type Store interface {
	// LookupByHash returns the credential matching the key digest, or
	// (nil, nil) when absent. Inactive credentials are still returned so
	// the caller can distinguish revoked from unknown in logs.
	LookupByHash(ctx context.Context, keyHash string) (*Credential, error)

	// GetAccount fetches quota fields for an account.
	GetAccount(ctx context.Context, id int64) (*Account, error)

	// ReserveCall atomically increments the account's used counter iff it
	// is still below the limit. The check and the increment are a single
	// conditional update so two concurrent calls cannot both take the
	// last unit.
	ReserveCall(ctx context.Context, accountID int64) error

	// TouchLastUsed records when the credential last created a session.
	TouchLastUsed(ctx context.Context, credentialID int64, at time.Time) error

	// EnsureAccount returns the account with the given email, creating it
	// with the supplied quota limit when missing.
	EnsureAccount(ctx context.Context, email string, callLimit int64) (*Account, error)

	// CreateKey mints a credential for the account and returns it along
	// with the raw secret, which is shown exactly once.
	CreateKey(ctx context.Context, accountID int64, name string) (*Credential, string, error)

	Close() error
}
