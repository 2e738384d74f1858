// Package ratelimit throttles challenge traffic per API credential and per
// client IP using token buckets with a pluggable storage backend.
package ratelimit

import (
	"context"
)

// Store is the rate limit storage backend. MemoryStore covers single-instance
// deployments; RedisStore shares buckets across replicas.
type Store interface {
	// AllowCredential checks whether a request charged to the credential
	// should pass.
	AllowCredential(ctx context.Context, credentialID int64, capacity, refillRate float64) (allowed bool, remaining float64, err error)

	// AllowIP checks whether a request from the client IP should pass.
	AllowIP(ctx context.Context, ip string, capacity, refillRate float64) (allowed bool, remaining float64, err error)

	// ResetCredential restores the credential's bucket to full capacity.
	ResetCredential(ctx context.Context, credentialID int64) error

	// ResetIP restores the IP's bucket to full capacity.
	ResetIP(ctx context.Context, ip string) error

	// CredentialRemaining returns remaining tokens for a credential.
	CredentialRemaining(ctx context.Context, credentialID int64, capacity, refillRate float64) (float64, error)

	// IPRemaining returns remaining tokens for a client IP.
	IPRemaining(ctx context.Context, ip string, capacity, refillRate float64) (float64, error)

	// Close releases resources.
	Close() error
}

// Limiter enforces the credential and IP limits against a Store.
type Limiter struct {
	store Store

	credentialCapacity   float64
	credentialRefillRate float64
	ipCapacity           float64
	ipRefillRate         float64
}

// Config holds limiter settings.
type Config struct {
	// Storage backend (optional, defaults to MemoryStore).
	Store Store

	// Per-credential limits: widgets embedding the same API key share these.
	CredentialRequestsPerSecond float64
	CredentialBurstSize         float64

	// Per-IP limits: a single end user solving challenges.
	IPRequestsPerSecond float64
	IPBurstSize         float64
}

// DefaultConfig returns production defaults: credentials get room for many
// concurrent end users, individual IPs get human-scale rates.
func DefaultConfig() Config {
	return Config{
		CredentialRequestsPerSecond: 50,
		CredentialBurstSize:         100,

		IPRequestsPerSecond: 5,
		IPBurstSize:         20,
	}
}

// NewLimiter creates a limiter, filling unset fields from DefaultConfig.
func NewLimiter(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.CredentialRequestsPerSecond <= 0 {
		cfg.CredentialRequestsPerSecond = def.CredentialRequestsPerSecond
	}
	if cfg.CredentialBurstSize <= 0 {
		cfg.CredentialBurstSize = def.CredentialBurstSize
	}
	if cfg.IPRequestsPerSecond <= 0 {
		cfg.IPRequestsPerSecond = def.IPRequestsPerSecond
	}
	if cfg.IPBurstSize <= 0 {
		cfg.IPBurstSize = def.IPBurstSize
	}

	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}

	return &Limiter{
		store:                store,
		credentialCapacity:   cfg.CredentialBurstSize,
		credentialRefillRate: cfg.CredentialRequestsPerSecond,
		ipCapacity:           cfg.IPBurstSize,
		ipRefillRate:         cfg.IPRequestsPerSecond,
	}
}

// AllowCredential checks the credential's bucket. Unknown (zero) credential
// IDs and store errors both fail open.
func (l *Limiter) AllowCredential(ctx context.Context, credentialID int64) bool {
	if credentialID == 0 {
		return true
	}

	allowed, _, err := l.store.AllowCredential(ctx, credentialID, l.credentialCapacity, l.credentialRefillRate)
	if err != nil {
		return true
	}
	return allowed
}

// AllowIP checks the client IP's bucket. Empty IPs and store errors fail open.
func (l *Limiter) AllowIP(ctx context.Context, ip string) bool {
	if ip == "" {
		return true
	}

	allowed, _, err := l.store.AllowIP(ctx, ip, l.ipCapacity, l.ipRefillRate)
	if err != nil {
		return true
	}
	return allowed
}

// CredentialRemaining returns the tokens left for the credential.
func (l *Limiter) CredentialRemaining(credentialID int64) float64 {
	if credentialID == 0 {
		return l.credentialCapacity
	}

	remaining, err := l.store.CredentialRemaining(context.Background(), credentialID, l.credentialCapacity, l.credentialRefillRate)
	if err != nil {
		return l.credentialCapacity
	}
	return remaining
}

// IPRemaining returns the tokens left for the client IP.
func (l *Limiter) IPRemaining(ip string) float64 {
	if ip == "" {
		return l.ipCapacity
	}

	remaining, err := l.store.IPRemaining(context.Background(), ip, l.ipCapacity, l.ipRefillRate)
	if err != nil {
		return l.ipCapacity
	}
	return remaining
}

// IPCapacity returns the configured burst size for client IPs.
func (l *Limiter) IPCapacity() float64 {
	return l.ipCapacity
}

// IPRefillRate returns the sustained per-IP rate.
func (l *Limiter) IPRefillRate() float64 {
	return l.ipRefillRate
}

// ResetCredential restores the credential's bucket.
func (l *Limiter) ResetCredential(credentialID int64) error {
	return l.store.ResetCredential(context.Background(), credentialID)
}

// ResetIP restores the IP's bucket.
func (l *Limiter) ResetIP(ip string) error {
	return l.store.ResetIP(context.Background(), ip)
}

// Close releases the storage backend.
func (l *Limiter) Close() error {
	return l.store.Close()
}
