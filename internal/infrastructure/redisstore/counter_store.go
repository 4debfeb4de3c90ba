package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// CounterStore implements ports.CounterStore on Redis. INCR gives the
// linearized per-key count the rate limiter needs; the window TTL is set
// only when the key has none so all processes share one window.
type CounterStore struct {
	client redis.UniversalClient
}

// NewCounterStore creates a Redis-backed counter store.
func NewCounterStore(client redis.UniversalClient) *CounterStore {
	return &CounterStore{client: client}
}

// Incr atomically increments the counter for key, starting a window of the
// given length when none is active, and returns the post-increment count
// plus the remaining window TTL.
func (s *CounterStore) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window)
	ttl := pipe.PTTL(ctx, key)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("failed to increment counter: %w", err)
	}

	remaining := ttl.Val()
	if remaining < 0 {
		// PTTL returns a negative duration for keys without expiry; treat
		// it as a full fresh window.
		remaining = window
	}
	return incr.Val(), remaining, nil
}
