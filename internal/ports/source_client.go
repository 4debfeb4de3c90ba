package ports

import (
	"context"

	"steeple-core-chms-sync-layer/internal/domain"
)

// SourcePage is one page of records from the source system's listing
// endpoint. NextOffset is nil on the final page.
type SourcePage struct {
	Records    []map[string]any
	NextOffset *int
}

// SourceClient is the HTTP face of the source system. Implementations are
// responsible for rate-limit gating and auth headers; callers only supply
// the access token and the entity type.
type SourceClient interface {
	// ListPage fetches one page of the collection for entityType starting
	// at offset.
	ListPage(ctx context.Context, accessToken domain.RedactedString, entityType string, offset int) (*SourcePage, error)

	// CreateRecord creates a record at the source and returns its external ID.
	CreateRecord(ctx context.Context, accessToken domain.RedactedString, entityType string, attributes map[string]any) (string, error)

	// UpdateRecord updates an existing record at the source.
	UpdateRecord(ctx context.Context, accessToken domain.RedactedString, entityType, externalID string, attributes map[string]any) error

	// DeleteRecord deletes a record at the source.
	DeleteRecord(ctx context.Context, accessToken domain.RedactedString, entityType, externalID string) error
}

// TokenSource supplies a valid access token for a credential key,
// refreshing it when needed.
type TokenSource interface {
	AccessToken(ctx context.Context, tokenKey string) (domain.RedactedString, error)
}

// Pager is a lazy, restartable sequence of pages. Next returns (nil, nil)
// once the sequence is exhausted; Reset restarts it from the beginning.
type Pager interface {
	Next(ctx context.Context) (*SourcePage, error)
	Reset()
}
