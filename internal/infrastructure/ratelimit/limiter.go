package ratelimit

import (
	"context"
	"sync"
	"time"

	"steeple-core-chms-sync-layer/internal/domain"
	"steeple-core-chms-sync-layer/internal/ports"

	"github.com/rs/zerolog"
)

// stagger spreads a burst of delayed requests instead of releasing them all
// at the same instant.
const stagger = 50 * time.Millisecond

// serverState is rate feedback reported by the source in response headers.
// While fresh it takes precedence over the local window model.
type serverState struct {
	remaining int64
	resetAt   time.Time
}

// Limiter decides, per bucket, whether a request may proceed now or must be
// delayed. The counter lives in a distributed store so every process racing
// for the same quota sees the same count. Acquire increments the counter on
// every call regardless of outcome, so callers must call it exactly once
// per attempted request.
type Limiter struct {
	store  ports.CounterStore
	logger zerolog.Logger

	mu      sync.RWMutex
	buckets map[string]domain.RateLimitBucket
	server  map[string]serverState

	onDelay func(bucket string, delay time.Duration)
	now     func() time.Time
}

// NewLimiter creates a rate limiter backed by the given counter store.
func NewLimiter(store ports.CounterStore, logger zerolog.Logger) *Limiter {
	return &Limiter{
		store:   store,
		logger:  logger,
		buckets: make(map[string]domain.RateLimitBucket),
		server:  make(map[string]serverState),
		now:     time.Now,
	}
}

// SetDelayObserver installs a callback invoked with every delay Wait
// imposes.
func (l *Limiter) SetDelayObserver(fn func(bucket string, delay time.Duration)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onDelay = fn
}

// RegisterBucket registers (or re-registers) a limiting policy for a route
// class.
func (l *Limiter) RegisterBucket(bucket domain.RateLimitBucket) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets[bucket.Key] = bucket
}

// Observe records server-reported quota feedback for a bucket. While the
// reset horizon has not passed, this feedback is authoritative over the
// local model.
func (l *Limiter) Observe(bucketKey string, remaining int64, resetAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.server[bucketKey] = serverState{
		remaining: remaining,
		resetAt:   l.now().Add(resetAfter),
	}
}

// Acquire consumes one request slot from the bucket. It never fails: when
// the counter store is unreachable the request is allowed with a warning,
// and the worst outcome otherwise is a large RetryAfter.
func (l *Limiter) Acquire(ctx context.Context, bucketKey string) domain.RateLimitDecision {
	l.mu.RLock()
	bucket, ok := l.buckets[bucketKey]
	l.mu.RUnlock()
	if !ok {
		l.logger.Warn().Str("bucket", bucketKey).Msg("Acquire on unregistered bucket, allowing")
		return domain.RateLimitDecision{Allowed: true}
	}

	count, ttl, err := l.store.Incr(ctx, "ratelimit:"+bucket.Key, bucket.Window)
	if err != nil {
		l.logger.Warn().Err(err).Str("bucket", bucket.Key).Msg("Counter store unavailable, allowing request")
		return domain.RateLimitDecision{Allowed: true}
	}

	if decision, ok := l.serverDecision(bucket, count); ok {
		return decision
	}
	return l.localDecision(bucket, count, ttl)
}

// serverDecision applies fresh server-reported quota, if any.
func (l *Limiter) serverDecision(bucket domain.RateLimitBucket, count int64) (domain.RateLimitDecision, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.server[bucket.Key]
	if !ok {
		return domain.RateLimitDecision{}, false
	}
	now := l.now()
	if !now.Before(state.resetAt) {
		delete(l.server, bucket.Key)
		return domain.RateLimitDecision{}, false
	}
	if state.remaining > 0 {
		state.remaining--
		l.server[bucket.Key] = state
		return domain.RateLimitDecision{Allowed: true, Count: count}, true
	}
	delay := state.resetAt.Sub(now) + time.Duration(count%bucket.Limit)*stagger
	return domain.RateLimitDecision{Allowed: false, RetryAfter: delay, Count: count}, true
}

// localDecision is the fallback fixed-window model with per-request
// stagger, used when the source gives no quota feedback.
func (l *Limiter) localDecision(bucket domain.RateLimitBucket, count int64, ttl time.Duration) domain.RateLimitDecision {
	perRequest := ceilDiv(bucket.Window, bucket.Limit)

	elapsed := time.Duration(count)*perRequest - ttl
	if elapsed < 0 {
		elapsed = 0
	}

	// Requests belonging to windows that have already fully elapsed no
	// longer count against the quota.
	completed := int64(elapsed/bucket.Window) * bucket.Limit
	outstanding := count - completed
	if outstanding <= bucket.Limit {
		return domain.RateLimitDecision{Allowed: true, Count: count}
	}

	remainingWindows := (outstanding - 1) / bucket.Limit
	delay := time.Duration(remainingWindows)*bucket.Window -
		elapsed%bucket.Window +
		time.Duration(count%bucket.Limit)*stagger

	l.logger.Debug().
		Str("bucket", bucket.Key).
		Int64("count", count).
		Dur("retryAfter", delay).
		Msg("Rate limit delay computed")

	return domain.RateLimitDecision{Allowed: false, RetryAfter: delay, Count: count}
}

// Wait acquires a slot and sleeps out the computed delay, honoring ctx.
func (l *Limiter) Wait(ctx context.Context, bucketKey string) error {
	decision := l.Acquire(ctx, bucketKey)
	if decision.Allowed {
		return nil
	}

	l.mu.RLock()
	onDelay := l.onDelay
	l.mu.RUnlock()
	if onDelay != nil {
		onDelay(bucketKey, decision.RetryAfter)
	}

	timer := time.NewTimer(decision.RetryAfter)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func ceilDiv(window time.Duration, limit int64) time.Duration {
	return (window + time.Duration(limit) - 1) / time.Duration(limit)
}
