package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RefreshLock implements ports.RefreshLock with SET NX PX. The TTL bounds
// the hold time if a process dies mid-refresh.
type RefreshLock struct {
	client redis.UniversalClient
}

// NewRefreshLock creates a Redis-backed refresh lock.
func NewRefreshLock(client redis.UniversalClient) *RefreshLock {
	return &RefreshLock{client: client}
}

// Acquire attempts to take the lock for key. It returns false without
// blocking when another holder has it.
func (l *RefreshLock) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, "refreshlock:"+key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire refresh lock: %w", err)
	}
	return ok, nil
}

// Release drops the lock for key.
func (l *RefreshLock) Release(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, "refreshlock:"+key).Err(); err != nil {
		return fmt.Errorf("failed to release refresh lock: %w", err)
	}
	return nil
}
