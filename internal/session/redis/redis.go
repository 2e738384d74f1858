// Package redis provides a Redis-backed session store for deployments that
// want session state off the relational database. Records carry a native
// TTL; the attempt guard runs as a Lua script so the read-check-write is
// atomic on the server.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rotacap/rotacap-service/internal/geometry"
	"github.com/rotacap/rotacap-service/internal/session"
)

const keyPrefix = "rotacap:session:"

// Expired sessions must still be readable so verify can answer 410 rather
// than 404; the key lives this long past its logical expiry before Redis
// reclaims it.
const reclaimGrace = 24 * time.Hour

// recordAttempt applies the same conditional write the SQL stores use:
// only while unverified and below the attempt cap. It returns the attempt
// count after the increment, or 0 when the guard rejects the write.
var recordAttempt = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return 0 end
local s = cjson.decode(raw)
if s.is_verified or s.attempts >= tonumber(ARGV[1]) then return 0 end
s.attempts = s.attempts + 1
if ARGV[2] == '1' then
	s.is_verified = true
	s.verified_at = ARGV[4]
else
	s.is_verified = false
end
s.error_degrees = tonumber(ARGV[3])
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
	redis.call('SET', KEYS[1], cjson.encode(s), 'PX', ttl)
else
	redis.call('SET', KEYS[1], cjson.encode(s))
end
return s.attempts
`)

// Store implements session.Store backed by Redis.
type Store struct {
	client redis.UniversalClient
}

// New wraps an existing Redis client.
func New(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

// Open connects to Redis at the given address and verifies the connection.
func Open(ctx context.Context, addr, password string, db int) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &Store{client: client}, nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

type record struct {
	CredentialID int64   `json:"credential_id"`
	AccountID    int64   `json:"account_id"`
	TargetX      float64 `json:"target_x"`
	TargetY      float64 `json:"target_y"`
	TargetZ      float64 `json:"target_z"`
	ClientIP     string  `json:"client_ip"`
	UserAgent    string  `json:"user_agent"`
	Attempts     int     `json:"attempts"`
	Verified     bool    `json:"is_verified"`
	ErrorDegrees *float64 `json:"error_degrees,omitempty"`
	CreatedAt    string  `json:"created_at"`
	ExpiresAt    string  `json:"expires_at"`
	VerifiedAt   string  `json:"verified_at,omitempty"`
}

// Create persists a new session with a TTL covering the grace window.
func (s *Store) Create(ctx context.Context, ch *session.Challenge) error {
	if ch.Token == "" {
		return fmt.Errorf("session requires token")
	}
	rec := record{
		CredentialID: ch.CredentialID,
		AccountID:    ch.AccountID,
		TargetX:      ch.Target.X,
		TargetY:      ch.Target.Y,
		TargetZ:      ch.Target.Z,
		ClientIP:     ch.ClientMeta.IP,
		UserAgent:    ch.ClientMeta.UserAgent,
		CreatedAt:    ch.CreatedAt.UTC().Format(time.RFC3339Nano),
		ExpiresAt:    ch.ExpiresAt.UTC().Format(time.RFC3339Nano),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ttl := time.Until(ch.ExpiresAt) + reclaimGrace
	ok, err := s.client.SetNX(ctx, keyPrefix+ch.Token, raw, ttl).Result()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if !ok {
		return fmt.Errorf("session token already exists")
	}
	return nil
}

// GetByToken returns the session, or nil when unknown.
func (s *Store) GetByToken(ctx context.Context, token string) (*session.Challenge, error) {
	raw, err := s.client.Get(ctx, keyPrefix+token).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	ch := &session.Challenge{
		Token:        token,
		CredentialID: rec.CredentialID,
		AccountID:    rec.AccountID,
		Target:       geometry.EulerAngles{X: rec.TargetX, Y: rec.TargetY, Z: rec.TargetZ},
		ClientMeta:   session.ClientMeta{IP: rec.ClientIP, UserAgent: rec.UserAgent},
		Attempts:     rec.Attempts,
		Verified:     rec.Verified,
		ErrorDegrees: rec.ErrorDegrees,
	}
	if ch.CreatedAt, err = time.Parse(time.RFC3339Nano, rec.CreatedAt); err != nil {
		return nil, fmt.Errorf("decode created_at: %w", err)
	}
	if ch.ExpiresAt, err = time.Parse(time.RFC3339Nano, rec.ExpiresAt); err != nil {
		return nil, fmt.Errorf("decode expires_at: %w", err)
	}
	if rec.VerifiedAt != "" {
		t, err := time.Parse(time.RFC3339Nano, rec.VerifiedAt)
		if err != nil {
			return nil, fmt.Errorf("decode verified_at: %w", err)
		}
		ch.VerifiedAt = &t
	}
	return ch, nil
}

// RecordAttempt applies one verify outcome behind the terminal-state guard.
// The script reports the attempt count after its own increment, keeping
// concurrent callers' counts distinct.
func (s *Store) RecordAttempt(ctx context.Context, token string, attempt session.Attempt, maxAttempts int) (int, bool, error) {
	verified := "0"
	if attempt.Verified {
		verified = "1"
	}
	attempts, err := recordAttempt.Run(ctx, s.client,
		[]string{keyPrefix + token},
		maxAttempts, verified, attempt.ErrorDegrees,
		attempt.At.UTC().Format(time.RFC3339Nano),
	).Int()
	if err != nil {
		return 0, false, fmt.Errorf("record attempt: %w", err)
	}
	return attempts, attempts > 0, nil
}

// DeleteExpired is a no-op: Redis reclaims keys via their TTL.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}
