// Package session persists challenge sessions: the hidden target
// orientation keyed by an opaque token, attempt bookkeeping, and the
// single-write-on-verify semantics the orchestrator relies on.
package session

import (
	"context"
	"time"

	"github.com/rotacap/rotacap-service/internal/geometry"
)

// ClientMeta is audit-only request metadata captured at creation.
type ClientMeta struct {
	IP        string
	UserAgent string
}

// Challenge is a stored challenge session. The token is the only external
// reference to it and must come from a cryptographically secure source.
type Challenge struct {
	Token        string
	CredentialID int64
	AccountID    int64
	Target       geometry.EulerAngles
	ClientMeta   ClientMeta
	Attempts     int
	Verified     bool
	ErrorDegrees *float64
	CreatedAt    time.Time
	ExpiresAt    time.Time
	VerifiedAt   *time.Time
}

// Expired reports whether the session is past its validity window.
func (c *Challenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// Attempt is the outcome of a single verify call to be persisted.
type Attempt struct {
	Verified     bool
	ErrorDegrees float64
	At           time.Time
}

// Store persists challenge sessions. Implementations must make
// RecordAttempt a single atomic conditional write: the update applies only
// while the session is unverified and below the attempt cap, so concurrent
// verify calls cannot both claim a terminal transition.
type Store interface {
	// Create persists a new session. The token must be unused.
	Create(ctx context.Context, ch *Challenge) error

	// GetByToken returns the session, or (nil, nil) when the token is
	// unknown.
	GetByToken(ctx context.Context, token string) (*Challenge, error)

	// RecordAttempt increments the attempt counter and stores the scoring
	// outcome, guarded on `NOT verified AND attempts < maxAttempts`. On
	// success it returns the attempt count as incremented by the store;
	// callers must use that, not their pre-write read, since a concurrent
	// write may have advanced the counter in between. It returns applied ==
	// false when the guard fails, i.e. the session reached a terminal state
	// between the caller's read and this write.
	RecordAttempt(ctx context.Context, token string, attempt Attempt, maxAttempts int) (attempts int, applied bool, err error)

	// DeleteExpired reclaims sessions whose expiry is in the past.
	// Expiry is still enforced at read time; this only frees storage.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)

	Close() error
}
