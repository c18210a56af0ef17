package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "idempotency:"

// RedisRepository stores idempotency keys in Redis so cached responses are
// shared across API replicas. Records expire through the key TTL.
type RedisRepository struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisRepository creates a Redis-backed repository. A non-positive ttl uses DefaultExpiry.
func NewRedisRepository(client *redis.Client, ttl time.Duration) *RedisRepository {
	if ttl <= 0 {
		ttl = DefaultExpiry
	}
	return &RedisRepository{client: client, ttl: ttl}
}

// Get retrieves an idempotency key for the user.
func (r *RedisRepository) Get(ctx context.Context, userID, key string) (*Record, error) {
	raw, err := r.client.Get(ctx, redisKeyPrefix+scopedKey(userID, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get idempotency key: %w", err)
	}

	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("decode idempotency key: %w", err)
	}
	return &record, nil
}

// Store saves a new idempotency key with SET NX so concurrent replicas cannot overwrite each other.
func (r *RedisRepository) Store(ctx context.Context, record *Record) error {
	if err := ValidateKey(record.Key); err != nil {
		return err
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}

	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode idempotency key: %w", err)
	}

	ok, err := r.client.SetNX(ctx, redisKeyPrefix+scopedKey(record.UserID, record.Key), raw, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis store idempotency key: %w", err)
	}
	if !ok {
		return ErrKeyExists
	}
	return nil
}

// DeleteOlderThan is a no-op: Redis expires records through their TTL.
func (r *RedisRepository) DeleteOlderThan(context.Context, time.Duration) (int64, error) {
	return 0, nil
}
