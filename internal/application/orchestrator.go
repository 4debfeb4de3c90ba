package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	"steeple-core-chms-sync-layer/internal/domain"
	"steeple-core-chms-sync-layer/internal/ports"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// PagerFactory builds a page sequence over one entity collection.
type PagerFactory func(client ports.SourceClient, accessToken domain.RedactedString, entityType string) ports.Pager

// Orchestrator composes the token manager, the paginated fetcher, and the
// reconciler into the pull and push workflows. Each run is an independently
// schedulable unit of work; parallelism across (adapter, org) pairs is
// bounded by the caller's worker pool, while pages within one pull run are
// fetched strictly in sequence because each page's request depends on the
// previous page's cursor.
type Orchestrator struct {
	adapters   *AdapterRegistry
	tokens     ports.TokenSource
	reconciler *Reconciler
	runs       ports.RunRepository
	feed       ports.MutationFeed
	links      ports.LinkRepository
	newPager   PagerFactory
	metrics    Metrics
	logger     zerolog.Logger
	now        func() time.Time

	mu      sync.RWMutex
	clients map[string]ports.SourceClient
}

// NewOrchestrator creates the sync orchestrator.
func NewOrchestrator(
	adapters *AdapterRegistry,
	tokens ports.TokenSource,
	reconciler *Reconciler,
	runs ports.RunRepository,
	feed ports.MutationFeed,
	links ports.LinkRepository,
	newPager PagerFactory,
	metrics Metrics,
	logger zerolog.Logger,
) *Orchestrator {
	if metrics == nil {
		metrics = NopMetrics()
	}
	return &Orchestrator{
		adapters:   adapters,
		tokens:     tokens,
		reconciler: reconciler,
		runs:       runs,
		feed:       feed,
		links:      links,
		newPager:   newPager,
		metrics:    metrics,
		logger:     logger,
		now:        time.Now,
		clients:    make(map[string]ports.SourceClient),
	}
}

// RegisterClient binds a source client to an adapter name.
func (o *Orchestrator) RegisterClient(adapterName string, client ports.SourceClient) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.clients[adapterName] = client
}

func (o *Orchestrator) client(adapterName string) ports.SourceClient {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.clients[adapterName]
}

// PullIdempotencyKey derives the construction key for a pull run: the same
// adapter and credential within the same hour window is the same run.
func PullIdempotencyKey(adapter, tokenKey string, t time.Time) string {
	return fmt.Sprintf("pull:%s:%s:%s", adapter, tokenKey, t.UTC().Format("2006-01-02T15"))
}

// PushIdempotencyKey derives the construction key for a push run from its
// mutation batch ID.
func PushIdempotencyKey(batchID string) string {
	return "push:" + batchID
}

// RunPull executes one pull pass: token, paginated fetch, per-page
// reconciliation, and, only after every page of every collection landed,
// deletion detection. Any unrecoverable page error fails the run without
// tombstoning; a retry restarts pagination from the beginning because
// offsets are not stable across long-running failures.
func (o *Orchestrator) RunPull(ctx context.Context, adapterName, tokenKey string) (*domain.SyncRun, error) {
	adapter := o.adapters.Get(adapterName)
	if adapter == nil {
		return nil, fmt.Errorf("unknown adapter %q", adapterName)
	}
	client := o.client(adapterName)
	if client == nil {
		return nil, fmt.Errorf("no source client registered for adapter %q", adapterName)
	}

	startedAt := o.now()
	run := &domain.SyncRun{
		ID:             uuid.NewString(),
		Adapter:        adapterName,
		Workflow:       domain.WorkflowPull,
		IdempotencyKey: PullIdempotencyKey(adapterName, tokenKey, startedAt),
		Status:         domain.RunStarted,
		StartedAt:      startedAt,
	}
	if err := o.runs.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	if err := o.pull(ctx, run, adapter, client, tokenKey); err != nil {
		o.finishRun(ctx, run, domain.RunFailed, err)
		return run, err
	}
	o.finishRun(ctx, run, domain.RunCompleted, nil)
	return run, nil
}

func (o *Orchestrator) pull(ctx context.Context, run *domain.SyncRun, adapter *Adapter, client ports.SourceClient, tokenKey string) error {
	accessToken, err := o.tokens.AccessToken(ctx, tokenKey)
	if err != nil {
		return fmt.Errorf("failed to acquire access token: %w", err)
	}

	o.updateStatus(ctx, run, domain.RunFetching)

	// One external-ID set per pass so a duplicate across pages is still a
	// conflict.
	seen := make(map[string]bool)

	for _, entityType := range adapter.EntityTypes {
		pager := o.newPager(client, accessToken, entityType)
		for {
			if err := ctx.Err(); err != nil {
				return err
			}

			page, err := pager.Next(ctx)
			if err != nil {
				return fmt.Errorf("failed to fetch page of %s: %w", entityType, err)
			}
			if page == nil {
				break
			}
			run.PagesFetched++
			o.metrics.PageFetched(adapter.Name)

			entities, skipped := o.reconciler.EntityShapes(adapter, entityType, page.Records)
			run.RecordsSkipped += skipped

			result, err := o.reconciler.ReconcilePage(ctx, adapter.Name, entities, seen)
			if err != nil {
				return fmt.Errorf("failed to reconcile page of %s: %w", entityType, err)
			}
			run.RecordsSeen += result.Seen
			run.RecordsSkipped += result.Skipped
			run.LinksCreated += result.Created
			run.LinksUpdated += result.Updated
			o.metrics.RecordsReconciled(adapter.Name, entityType, result.Seen)
		}
	}

	o.updateStatus(ctx, run, domain.RunReconciling)

	// Deletion detection is a completion-only operation: it runs only once
	// the full paginated sequence succeeded, and only for adapters whose
	// listings are complete.
	if adapter.FullListing {
		for _, entityType := range adapter.EntityTypes {
			tombstoned, err := o.reconciler.DetectDeletions(ctx, adapter.Name, entityType, run.StartedAt)
			if err != nil {
				return fmt.Errorf("failed to detect deletions for %s: %w", entityType, err)
			}
			run.LinksTombstoned += len(tombstoned)
			o.metrics.Tombstones(adapter.Name, entityType, len(tombstoned))
		}
	} else {
		o.logger.Debug().
			Str("adapter", adapter.Name).
			Msg("Adapter does not guarantee full listings, skipping deletion detection")
	}
	return nil
}

// pushBatchSize bounds how many mutations one push run consumes.
const pushBatchSize = 100

// PushFromFeed reads the next batch of unpushed mutations from the change
// feed and runs a push workflow over it under the given batch ID. It
// returns nil run when the feed is empty.
func (o *Orchestrator) PushFromFeed(ctx context.Context, adapterName, tokenKey, batchID string) (*domain.SyncRun, error) {
	mutations, _, err := o.feed.MutationsSince(ctx, 0, pushBatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read mutation feed: %w", err)
	}
	if len(mutations) == 0 {
		return nil, nil
	}
	return o.RunPush(ctx, adapterName, tokenKey, batchID, mutations)
}

// RunPush executes one push pass over a mutation batch: filter out
// mutations that originated from the target adapter (echo suppression),
// then propagate the rest outward. One failing mutation never blocks the
// batch, but any failure marks the run Failed for visibility.
func (o *Orchestrator) RunPush(ctx context.Context, adapterName, tokenKey, batchID string, mutations []*domain.Mutation) (*domain.SyncRun, error) {
	adapter := o.adapters.Get(adapterName)
	if adapter == nil {
		return nil, fmt.Errorf("unknown adapter %q", adapterName)
	}
	client := o.client(adapterName)
	if client == nil {
		return nil, fmt.Errorf("no source client registered for adapter %q", adapterName)
	}

	run := &domain.SyncRun{
		ID:             uuid.NewString(),
		Adapter:        adapterName,
		Workflow:       domain.WorkflowPush,
		IdempotencyKey: PushIdempotencyKey(batchID),
		Status:         domain.RunStarted,
		StartedAt:      o.now(),
	}
	if err := o.runs.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	o.updateStatus(ctx, run, domain.RunFiltering)

	// Echo suppression: a change that arrived from this adapter must never
	// be sent back to it. Suppressing is consuming: a filtered mutation is
	// marked pushed like a sent one, otherwise echoes pile up at the head
	// of the feed and starve newer mutations out of every batch.
	outgoing := make([]*domain.Mutation, 0, len(mutations))
	for _, m := range mutations {
		if m.OriginAdapter == adapterName {
			run.MutationsFiltered++
			if err := o.feed.MarkPushed(ctx, m.ID); err != nil {
				o.logger.Warn().Err(err).Str("mutationId", m.ID).Msg("Failed to mark suppressed mutation consumed")
			}
			continue
		}
		outgoing = append(outgoing, m)
	}

	if len(outgoing) == 0 {
		o.finishRun(ctx, run, domain.RunCompleted, nil)
		return run, nil
	}

	accessToken, err := o.tokens.AccessToken(ctx, tokenKey)
	if err != nil {
		err = fmt.Errorf("failed to acquire access token: %w", err)
		o.finishRun(ctx, run, domain.RunFailed, err)
		return run, err
	}

	o.updateStatus(ctx, run, domain.RunSending)

	for _, m := range outgoing {
		if err := ctx.Err(); err != nil {
			o.finishRun(ctx, run, domain.RunFailed, err)
			return run, err
		}

		if err := o.pushMutation(ctx, adapter, client, accessToken, m); err != nil {
			o.logger.Warn().
				Err(err).
				Str("adapter", adapterName).
				Str("mutationId", m.ID).
				Str("table", m.Table).
				Str("op", string(m.Op)).
				Msg("Mutation push failed, continuing with batch")
			run.MutationsFailed++
			o.metrics.MutationPushed(adapterName, "failed")
			continue
		}

		if err := o.feed.MarkPushed(ctx, m.ID); err != nil {
			o.logger.Warn().Err(err).Str("mutationId", m.ID).Msg("Failed to mark mutation pushed")
		}
		run.MutationsSent++
		o.metrics.MutationPushed(adapterName, "sent")
	}

	if run.MutationsFailed > 0 {
		err := fmt.Errorf("%d of %d mutations failed", run.MutationsFailed, len(outgoing))
		o.finishRun(ctx, run, domain.RunFailed, err)
		return run, err
	}
	o.finishRun(ctx, run, domain.RunCompleted, nil)
	return run, nil
}

// pushMutation maps one local change onto the source's write operation.
func (o *Orchestrator) pushMutation(ctx context.Context, adapter *Adapter, client ports.SourceClient, accessToken domain.RedactedString, m *domain.Mutation) error {
	entityType := m.Table

	link, err := o.links.GetLinkByInternalID(ctx, adapter.Name, m.PrimaryKey)
	if err != nil {
		return fmt.Errorf("failed to look up link: %w", err)
	}

	switch m.Op {
	case domain.MutationInsert:
		externalID, err := client.CreateRecord(ctx, accessToken, entityType, m.Values)
		if err != nil {
			return err
		}
		_, err = o.links.UpsertLink(ctx, &domain.ExternalLink{
			InternalID: m.PrimaryKey,
			ExternalID: externalID,
			Adapter:    adapter.Name,
			EntityType: entityType,
			LastSeenAt: o.now(),
		})
		if err != nil {
			return fmt.Errorf("failed to link created record: %w", err)
		}
		return nil

	case domain.MutationUpdate:
		if link == nil || link.Deleted() {
			// Never synced outward yet: an update becomes a create.
			externalID, err := client.CreateRecord(ctx, accessToken, entityType, m.Values)
			if err != nil {
				return err
			}
			_, err = o.links.UpsertLink(ctx, &domain.ExternalLink{
				InternalID: m.PrimaryKey,
				ExternalID: externalID,
				Adapter:    adapter.Name,
				EntityType: entityType,
				LastSeenAt: o.now(),
			})
			if err != nil {
				return fmt.Errorf("failed to link created record: %w", err)
			}
			return nil
		}
		return client.UpdateRecord(ctx, accessToken, entityType, link.ExternalID, m.Values)

	case domain.MutationDelete:
		if link == nil || link.Deleted() {
			return nil
		}
		if err := client.DeleteRecord(ctx, accessToken, entityType, link.ExternalID); err != nil {
			return err
		}
		now := o.now()
		link.DeletedAt = &now
		if _, err := o.links.UpsertLink(ctx, link); err != nil {
			return fmt.Errorf("failed to tombstone link: %w", err)
		}
		return nil

	default:
		return domain.NewSyncError(domain.ErrValidation, adapter.Name, entityType,
			fmt.Errorf("unknown mutation op %q", m.Op))
	}
}

func (o *Orchestrator) updateStatus(ctx context.Context, run *domain.SyncRun, status domain.RunStatus) {
	run.Status = status
	if err := o.runs.UpdateRun(ctx, run); err != nil {
		o.logger.Warn().Err(err).Str("runId", run.ID).Msg("Failed to persist run status")
	}
}

func (o *Orchestrator) finishRun(ctx context.Context, run *domain.SyncRun, status domain.RunStatus, cause error) {
	run.Status = status
	finished := o.now()
	run.FinishedAt = &finished
	if cause != nil {
		run.Error = cause.Error()
	}

	// Persist the terminal state even when the run's own context is gone.
	if err := o.runs.UpdateRun(context.WithoutCancel(ctx), run); err != nil {
		o.logger.Error().Err(err).Str("runId", run.ID).Msg("Failed to persist terminal run state")
	}
	o.metrics.RunFinished(run.Adapter, string(run.Workflow), string(status))

	evt := o.logger.Info()
	if status == domain.RunFailed {
		evt = o.logger.Error().Err(cause)
	}
	evt.
		Str("runId", run.ID).
		Str("adapter", run.Adapter).
		Str("workflow", string(run.Workflow)).
		Str("status", string(status)).
		Int("pages", run.PagesFetched).
		Int("records", run.RecordsSeen).
		Int("tombstoned", run.LinksTombstoned).
		Int("sent", run.MutationsSent).
		Msg("Sync run finished")
}
