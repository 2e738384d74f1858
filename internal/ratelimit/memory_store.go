package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps token buckets in process memory. Suitable for a single
// instance; replicated deployments should use RedisStore.
type MemoryStore struct {
	credentialBuckets map[int64]*TokenBucket
	ipBuckets         map[string]*TokenBucket
	mu                sync.RWMutex

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
}

// NewMemoryStore creates an in-memory store with the default cleanup cadence.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithCleanup(5 * time.Minute)
}

// NewMemoryStoreWithCleanup creates an in-memory store with a custom cleanup
// interval. Zero or negative disables cleanup.
func NewMemoryStoreWithCleanup(cleanupInterval time.Duration) *MemoryStore {
	s := &MemoryStore{
		credentialBuckets: make(map[int64]*TokenBucket),
		ipBuckets:         make(map[string]*TokenBucket),
		cleanupInterval:   cleanupInterval,
		stopCleanup:       make(chan struct{}),
	}

	go s.cleanupLoop()

	return s
}

// AllowCredential checks and consumes from the credential's bucket.
func (s *MemoryStore) AllowCredential(ctx context.Context, credentialID int64, capacity, refillRate float64) (bool, float64, error) {
	bucket := s.getCredentialBucket(credentialID, capacity, refillRate)
	allowed := bucket.Allow()
	return allowed, bucket.Remaining(), nil
}

// AllowIP checks and consumes from the client IP's bucket.
func (s *MemoryStore) AllowIP(ctx context.Context, ip string, capacity, refillRate float64) (bool, float64, error) {
	bucket := s.getIPBucket(ip, capacity, refillRate)
	allowed := bucket.Allow()
	return allowed, bucket.Remaining(), nil
}

// ResetCredential restores the credential's bucket to capacity.
func (s *MemoryStore) ResetCredential(ctx context.Context, credentialID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if bucket, exists := s.credentialBuckets[credentialID]; exists {
		bucket.Reset()
	}
	return nil
}

// ResetIP restores the IP's bucket to capacity.
func (s *MemoryStore) ResetIP(ctx context.Context, ip string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if bucket, exists := s.ipBuckets[ip]; exists {
		bucket.Reset()
	}
	return nil
}

// CredentialRemaining returns remaining tokens for a credential.
func (s *MemoryStore) CredentialRemaining(ctx context.Context, credentialID int64, capacity, refillRate float64) (float64, error) {
	return s.getCredentialBucket(credentialID, capacity, refillRate).Remaining(), nil
}

// IPRemaining returns remaining tokens for a client IP.
func (s *MemoryStore) IPRemaining(ctx context.Context, ip string, capacity, refillRate float64) (float64, error) {
	return s.getIPBucket(ip, capacity, refillRate).Remaining(), nil
}

// Close stops background cleanup.
func (s *MemoryStore) Close() error {
	close(s.stopCleanup)
	return nil
}

func (s *MemoryStore) getCredentialBucket(credentialID int64, capacity, refillRate float64) *TokenBucket {
	s.mu.RLock()
	bucket, exists := s.credentialBuckets[credentialID]
	s.mu.RUnlock()

	if exists {
		return bucket
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check after acquiring the write lock.
	if bucket, exists = s.credentialBuckets[credentialID]; exists {
		return bucket
	}

	bucket = NewTokenBucket(capacity, refillRate)
	s.credentialBuckets[credentialID] = bucket
	return bucket
}

func (s *MemoryStore) getIPBucket(ip string, capacity, refillRate float64) *TokenBucket {
	s.mu.RLock()
	bucket, exists := s.ipBuckets[ip]
	s.mu.RUnlock()

	if exists {
		return bucket
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if bucket, exists = s.ipBuckets[ip]; exists {
		return bucket
	}

	bucket = NewTokenBucket(capacity, refillRate)
	s.ipBuckets[ip] = bucket
	return bucket
}

func (s *MemoryStore) cleanupLoop() {
	if s.cleanupInterval <= 0 {
		return
	}

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup drops buckets that have refilled, i.e. idle clients. The 95%
// threshold tolerates a refill racing the sweep.
func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for credentialID, bucket := range s.credentialBuckets {
		if bucket.Remaining() >= bucket.capacity*0.95 {
			delete(s.credentialBuckets, credentialID)
		}
	}

	for ip, bucket := range s.ipBuckets {
		if bucket.Remaining() >= bucket.capacity*0.95 {
			delete(s.ipBuckets, ip)
		}
	}
}

// StoreStats reports live bucket counts.
type StoreStats struct {
	ActiveCredentialBuckets int
	ActiveIPBuckets         int
}

// GetStats returns current bucket counts.
func (s *MemoryStore) GetStats() StoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return StoreStats{
		ActiveCredentialBuckets: len(s.credentialBuckets),
		ActiveIPBuckets:         len(s.ipBuckets),
	}
}
