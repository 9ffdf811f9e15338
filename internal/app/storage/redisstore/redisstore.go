// Package redisstore backs the rate-window and nonce stores with Redis,
// using its native atomic primitives (INCR with TTL, SETNX) rather than
// client-side read-modify-write.
package redisstore

import (
	"context"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/tokenlab-io/marketplace/internal/app/storage"
)

// Store implements storage.WindowStore and storage.NonceStore on Redis.
type Store struct {
	client *redis.Client
}

var _ storage.WindowStore = (*Store)(nil)
var _ storage.NonceStore = (*Store)(nil)

// New creates a store from a Redis URL (redis://host:port/db).
func New(redisURL string) (*Store, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &Store{client: redis.NewClient(opt)}, nil
}

// NewWithClient wraps an existing client; used by tests.
func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Incr atomically increments the counter for key, attaching the window TTL on
// first touch.
func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		s.client.Expire(ctx, key, ttl)
	}
	return count, nil
}

// ConsumeNonce marks a (caller, nonce) pair as used with SETNX, so at most
// one of any number of concurrent calls for the same pair succeeds. Nonces
// never expire: a replayed authorization stays invalid.
func (s *Store) ConsumeNonce(ctx context.Context, callerAddress, nonce string) (bool, error) {
	key := "nonce:" + strings.ToLower(callerAddress) + ":" + nonce
	return s.client.SetNX(ctx, key, 1, 0).Result()
}

// Ping verifies connectivity at startup.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}
