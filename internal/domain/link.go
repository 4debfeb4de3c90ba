package domain

import "time"

// ExternalLink maps a source-system entity ID to an internally-owned entity ID.
// One internal entity may be linked to several adapters, but at most once per
// adapter, and an external ID maps to exactly one internal entity.
type ExternalLink struct {
	InternalID string     `json:"internal_id"`
	ExternalID string     `json:"external_id"`
	Adapter    string     `json:"adapter"`
	EntityType string     `json:"entity_type"`
	LastSeenAt time.Time  `json:"last_seen_at"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Deleted reports whether the link has been tombstoned.
func (l *ExternalLink) Deleted() bool {
	return l.DeletedAt != nil
}

// EntityData is the transient projection of one external record: the raw
// attributes as the source sent them plus the decoded internal shape. It is
// consumed immediately by reconciliation and never persisted as its own row.
type EntityData struct {
	ExternalID string
	EntityType string
	Attributes map[string]any
	Shape      map[string]any
}
