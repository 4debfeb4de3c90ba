package chms

import (
	"context"

	"steeple-core-chms-sync-layer/internal/domain"
	"steeple-core-chms-sync-layer/internal/ports"
)

// Pager turns the source's single-page list call into a lazy, restartable
// sequence of pages. Each Next call issues exactly one request with the
// current offset and advances to the cursor the response carries; the
// sequence terminates when a page arrives without a next cursor. Pages are
// consumed one at a time, so memory stays proportional to the page size
// rather than the total record count.
type Pager struct {
	client      ports.SourceClient
	accessToken domain.RedactedString
	entityType  string

	offset int
	done   bool
}

// NewPager creates a pager over entityType starting at offset 0.
func NewPager(client ports.SourceClient, accessToken domain.RedactedString, entityType string) *Pager {
	return &Pager{
		client:      client,
		accessToken: accessToken,
		entityType:  entityType,
	}
}

// Next fetches the next page. It returns (nil, nil) once the sequence is
// exhausted.
func (p *Pager) Next(ctx context.Context) (*ports.SourcePage, error) {
	if p.done {
		return nil, nil
	}

	page, err := p.client.ListPage(ctx, p.accessToken, p.entityType, p.offset)
	if err != nil {
		return nil, err
	}

	if page.NextOffset == nil {
		p.done = true
	} else {
		p.offset = *page.NextOffset
	}
	return page, nil
}

// Reset restarts the sequence from offset 0. Offsets are not guaranteed
// stable across long-running failures, so retries go back to the beginning
// rather than resuming mid-sequence.
func (p *Pager) Reset() {
	p.offset = 0
	p.done = false
}
