package ports

import (
	"context"
	"time"

	"steeple-core-chms-sync-layer/internal/domain"
)

// LinkRepository defines the interface for external-link persistence.
// Implementations must upsert atomically on the (adapter, entityType,
// externalId) unique key so concurrent pulls for the same record serialize.
type LinkRepository interface {
	// UpsertLink inserts or updates a link by its external identity and
	// returns the stored row.
	UpsertLink(ctx context.Context, link *domain.ExternalLink) (*domain.ExternalLink, error)

	// GetLinkByExternalID retrieves a link by (adapter, entityType,
	// externalID). Returns nil when no link exists.
	GetLinkByExternalID(ctx context.Context, adapter, entityType, externalID string) (*domain.ExternalLink, error)

	// GetLinkByInternalID retrieves the link an internal entity has for one
	// adapter. Returns nil when no link exists.
	GetLinkByInternalID(ctx context.Context, adapter, internalID string) (*domain.ExternalLink, error)

	// ListActiveLinks returns all non-tombstoned links for an adapter and
	// entity type.
	ListActiveLinks(ctx context.Context, adapter, entityType string) ([]*domain.ExternalLink, error)

	// MarkDeletedBefore tombstones every active link for (adapter,
	// entityType) whose lastSeenAt is before cutoff and returns the links
	// it tombstoned. Links are never hard-deleted.
	MarkDeletedBefore(ctx context.Context, adapter, entityType string, cutoff time.Time) ([]*domain.ExternalLink, error)
}

// TokenRepository defines the interface for token-state persistence.
type TokenRepository interface {
	// GetTokenState loads the state for a token key. Returns nil when the
	// key has never been granted.
	GetTokenState(ctx context.Context, tokenKey string) (*domain.TokenState, error)

	// SaveTokenState persists the state, replacing any previous state for
	// the same token key.
	SaveTokenState(ctx context.Context, state *domain.TokenState) error
}

// EntityStore creates and updates internally-owned entities. Internal ID
// generation is the store's responsibility.
type EntityStore interface {
	CreateEntity(ctx context.Context, entityType string, shape map[string]any) (string, error)
	UpdateEntity(ctx context.Context, entityType, internalID string, shape map[string]any) error
	SoftDeleteEntity(ctx context.Context, entityType, internalID string) error
}

// MutationFeed reads the internal store's change feed.
type MutationFeed interface {
	// MutationsSince returns up to limit unpushed mutations after the
	// watermark, plus the new watermark.
	MutationsSince(ctx context.Context, watermark int64, limit int) ([]*domain.Mutation, int64, error)

	// MarkPushed records that a mutation was propagated outward.
	MarkPushed(ctx context.Context, mutationID string) error
}

// RunRepository persists sync-run status for operator visibility.
type RunRepository interface {
	CreateRun(ctx context.Context, run *domain.SyncRun) error
	UpdateRun(ctx context.Context, run *domain.SyncRun) error
	GetRun(ctx context.Context, id string) (*domain.SyncRun, error)
	ListRuns(ctx context.Context, adapter string, limit int) ([]*domain.SyncRun, error)
}
