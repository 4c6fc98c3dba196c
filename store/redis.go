package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisStore keeps values in redis or keydb under a common prefix, without expiry.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (rs *RedisStore) key(key string) (string, error) {
	if !validKey(key) {
		return "", fmt.Errorf("[RedisStore] : %w: %q", ErrInvalidKey, key)
	}

	return rs.prefix + key, nil
}

func (rs *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	fullKey, err := rs.key(key)
	if err != nil {
		return nil, err
	}

	data, err := rs.rdb.Get(ctx, fullKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("[RedisStore.Get] : %w", err)
	}

	return data, nil
}

// Set relies on SET replacing the value in one step.
func (rs *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	fullKey, err := rs.key(key)
	if err != nil {
		return err
	}

	if err := rs.rdb.Set(ctx, fullKey, value, 0).Err(); err != nil {
		return fmt.Errorf("[RedisStore.Set] : %w", err)
	}

	return nil
}

func (rs *RedisStore) Ping(ctx context.Context) error {
	pong, err := rs.rdb.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("[RedisStore.Ping] : %w", err)
	}

	if pong != "PONG" {
		return fmt.Errorf("[RedisStore.Ping] : redis did not respond PONG to ping")
	}

	return nil
}
