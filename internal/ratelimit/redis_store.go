package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	credentialKeyPrefix = "rotacap:ratelimit:cred:"
	ipKeyPrefix         = "rotacap:ratelimit:ip:"
)

// tokenBucketScript runs the refill-check-consume cycle atomically on the
// Redis side. Bucket state is a hash {tokens, last_refill}; timestamps are
// float seconds supplied by the caller so all replicas share one clock source.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local tokens = capacity
local last_refill = now

local bucket = redis.call('HMGET', key, 'tokens', 'last_refill')
if bucket[1] then
	tokens = tonumber(bucket[1])
	last_refill = tonumber(bucket[2]) or now
end

local elapsed = now - last_refill
if elapsed > 0 then
	tokens = math.min(capacity, tokens + elapsed * refill_rate)
end

local allowed = 0
if tokens >= cost then
	tokens = tokens - cost
	allowed = 1
end

redis.call('HSET', key, 'tokens', tokens, 'last_refill', now)
redis.call('EXPIRE', key, 3600)

return {allowed, tostring(tokens)}
`)

// RedisStore shares token buckets across replicas via Redis. All bucket
// mutations go through a Lua script so concurrent instances cannot
// double-spend tokens.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// OpenRedisStore connects to Redis and verifies the connection.
func OpenRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// AllowCredential checks and consumes from the credential's shared bucket.
func (s *RedisStore) AllowCredential(ctx context.Context, credentialID int64, capacity, refillRate float64) (bool, float64, error) {
	return s.allow(ctx, fmt.Sprintf("%s%d", credentialKeyPrefix, credentialID), capacity, refillRate)
}

// AllowIP checks and consumes from the client IP's shared bucket.
func (s *RedisStore) AllowIP(ctx context.Context, ip string, capacity, refillRate float64) (bool, float64, error) {
	return s.allow(ctx, ipKeyPrefix+ip, capacity, refillRate)
}

func (s *RedisStore) allow(ctx context.Context, key string, capacity, refillRate float64) (bool, float64, error) {
	now := float64(time.Now().UnixNano()) / float64(time.Second)
	res, err := tokenBucketScript.Run(ctx, s.client, []string{key}, capacity, refillRate, now, 1).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("run token bucket script: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("unexpected script reply of length %d", len(res))
	}

	allowed, _ := res[0].(int64)
	var remaining float64
	if str, ok := res[1].(string); ok {
		fmt.Sscanf(str, "%g", &remaining)
	}
	return allowed == 1, remaining, nil
}

// ResetCredential drops the credential's bucket so it refills to capacity.
func (s *RedisStore) ResetCredential(ctx context.Context, credentialID int64) error {
	return s.client.Del(ctx, fmt.Sprintf("%s%d", credentialKeyPrefix, credentialID)).Err()
}

// ResetIP drops the IP's bucket so it refills to capacity.
func (s *RedisStore) ResetIP(ctx context.Context, ip string) error {
	return s.client.Del(ctx, ipKeyPrefix+ip).Err()
}

// CredentialRemaining peeks at the credential's bucket without consuming.
func (s *RedisStore) CredentialRemaining(ctx context.Context, credentialID int64, capacity, refillRate float64) (float64, error) {
	return s.remaining(ctx, fmt.Sprintf("%s%d", credentialKeyPrefix, credentialID), capacity, refillRate)
}

// IPRemaining peeks at the IP's bucket without consuming.
func (s *RedisStore) IPRemaining(ctx context.Context, ip string, capacity, refillRate float64) (float64, error) {
	return s.remaining(ctx, ipKeyPrefix+ip, capacity, refillRate)
}

func (s *RedisStore) remaining(ctx context.Context, key string, capacity, refillRate float64) (float64, error) {
	now := float64(time.Now().UnixNano()) / float64(time.Second)
	res, err := tokenBucketScript.Run(ctx, s.client, []string{key}, capacity, refillRate, now, 0).Slice()
	if err != nil {
		return 0, fmt.Errorf("run token bucket script: %w", err)
	}
	if len(res) != 2 {
		return 0, fmt.Errorf("unexpected script reply of length %d", len(res))
	}
	var remaining float64
	if str, ok := res[1].(string); ok {
		fmt.Sscanf(str, "%g", &remaining)
	}
	return remaining, nil
}

// Close releases the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
