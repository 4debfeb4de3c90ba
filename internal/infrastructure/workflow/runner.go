package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	maxAttempts    = 3
	initialBackoff = time.Second
)

// Runner is the minimal in-process executor for the registered workflow
// contracts: idempotency-key dedupe of concurrent executions plus bounded
// backoff on retryable outcomes. Dedupe against already-completed runs
// belongs to a durable executor; a production deployment hands the same
// definitions to one, and replays stay safe at the data level because the
// workflows only upsert and mark-consumed.
type Runner struct {
	registry *Registry
	logger   zerolog.Logger

	mu       sync.Mutex
	inflight map[string]*execution
}

type execution struct {
	done chan struct{}
	err  error
}

// NewRunner creates a runner over the registry.
func NewRunner(registry *Registry, logger zerolog.Logger) *Runner {
	return &Runner{
		registry: registry,
		logger:   logger,
		inflight: make(map[string]*execution),
	}
}

// Execute runs the named workflow with the payload. Concurrent calls that
// derive the same idempotency key share one execution and its result.
func (r *Runner) Execute(ctx context.Context, name string, payload Payload) error {
	def, ok := r.registry.Lookup(name)
	if !ok {
		return fmt.Errorf("unknown workflow %q", name)
	}
	key := def.IdempotencyKey(payload)

	r.mu.Lock()
	if exec, running := r.inflight[key]; running {
		r.mu.Unlock()
		r.logger.Debug().Str("workflow", name).Str("key", key).Msg("Joining execution already in flight")
		select {
		case <-exec.done:
			return exec.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	exec := &execution{done: make(chan struct{})}
	r.inflight[key] = exec
	r.mu.Unlock()

	exec.err = r.attempt(ctx, def, payload, key)

	r.mu.Lock()
	delete(r.inflight, key)
	r.mu.Unlock()
	close(exec.done)

	return exec.err
}

func (r *Runner) attempt(ctx context.Context, def Definition, payload Payload, key string) error {
	backoff := initialBackoff
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := def.Run(ctx, payload)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if def.Classify(err) == OutcomeFatal {
			r.logger.Error().
				Err(err).
				Str("workflow", def.Name).
				Str("key", key).
				Msg("Workflow failed fatally")
			return err
		}

		r.logger.Warn().
			Err(err).
			Str("workflow", def.Name).
			Str("key", key).
			Int("attempt", attempt).
			Msg("Workflow attempt failed, will retry")

		if attempt == maxAttempts {
			break
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}

	return fmt.Errorf("workflow %q exhausted %d attempts: %w", def.Name, maxAttempts, lastErr)
}
