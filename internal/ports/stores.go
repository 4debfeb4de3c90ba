package ports

import (
	"context"
	"time"
)

// CounterStore is the distributed counter behind the rate limiter. Incr
// must be atomic across processes: it increments the counter for key,
// starting a new window of the given length when none is active, and
// returns the post-increment count plus the remaining window TTL.
type CounterStore interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)
}

// RefreshLock serializes token refreshes across process instances.
// Acquire returns false without blocking when another holder has the key.
type RefreshLock interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// EncryptionService encrypts tokens before storage and decrypts them after
// retrieval.
type EncryptionService interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}
