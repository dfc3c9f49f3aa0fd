// Package redisstore implements the Redis Store backend. Update uses WATCH/MULTI
// optimistic locking so concurrent rate-limit and audit writers do not lose each
// other's changes; a conflicting transaction is retried a bounded number of times.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/logwarden/logwarden/internal/config"
	"github.com/logwarden/logwarden/internal/storage"
)

const maxUpdateAttempts = 8

func init() {
	storage.Register("redis", func(cfg *config.Config) (storage.Store, error) {
		return New(context.Background(), &cfg.Store.Redis)
	})
}

// Store is a Store backed by plain Redis string keys
type Store struct {
	client *redis.Client
	prefix string
}

// New connects to Redis and verifies the connection
func New(ctx context.Context, cfg *config.RedisConfig) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	return NewFromClient(client, cfg.KeyPrefix), nil
}

// NewFromClient wraps an existing client
func NewFromClient(client *redis.Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

// Client exposes the underlying client so other Redis consumers (the ingress
// throttle) can share the connection pool.
func (s *Store) Client() *redis.Client {
	return s.client
}

// Close closes the underlying client
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping verifies the server is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) key(k string) string {
	return s.prefix + k
}

// Get returns the value stored under key
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, true, nil
}

// Put stores value under key without expiry
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Update applies fn inside a WATCH transaction, retrying when another client
// modified the key between the read and the write.
func (s *Store) Update(ctx context.Context, key string, fn storage.UpdateFunc) error {
	return s.UpdateWithTTL(ctx, key, 0, fn)
}

// UpdateWithTTL is Update with the key set to expire after ttl. Redis drops the
// key itself, so no sweep is needed.
func (s *Store) UpdateWithTTL(ctx context.Context, key string, ttl time.Duration, fn storage.UpdateFunc) error {
	k := s.key(key)

	txf := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, k).Bytes()
		found := true
		if errors.Is(err, redis.Nil) {
			found, err = false, nil
		}
		if err != nil {
			return err
		}

		next, err := fn(cur, found)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, next, ttl)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, k)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return fmt.Errorf("redis update %s: %w", key, err)
	}
	return fmt.Errorf("redis update %s: %w", key, storage.ErrConflict)
}
