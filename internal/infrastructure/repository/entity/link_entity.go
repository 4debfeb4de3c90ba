package entity

import (
	"time"

	"steeple-core-chms-sync-layer/internal/domain"
)

// MongoLinkDoc represents an external link in MongoDB.
type MongoLinkDoc struct {
	InternalID string     `bson:"internalId"`
	ExternalID string     `bson:"externalId"`
	Adapter    string     `bson:"adapter"`
	EntityType string     `bson:"entityType"`
	LastSeenAt time.Time  `bson:"lastSeenAt"`
	DeletedAt  *time.Time `bson:"deletedAt,omitempty"`
	CreatedAt  time.Time  `bson:"createdAt"`
	UpdatedAt  time.Time  `bson:"updatedAt"`
}

// ToDomain converts the MongoDB document to a domain entity.
func (d *MongoLinkDoc) ToDomain() *domain.ExternalLink {
	return &domain.ExternalLink{
		InternalID: d.InternalID,
		ExternalID: d.ExternalID,
		Adapter:    d.Adapter,
		EntityType: d.EntityType,
		LastSeenAt: d.LastSeenAt,
		DeletedAt:  d.DeletedAt,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}
}

// MongoLinkDocFromDomain converts a domain entity to a MongoDB document.
func MongoLinkDocFromDomain(link *domain.ExternalLink) *MongoLinkDoc {
	return &MongoLinkDoc{
		InternalID: link.InternalID,
		ExternalID: link.ExternalID,
		Adapter:    link.Adapter,
		EntityType: link.EntityType,
		LastSeenAt: link.LastSeenAt,
		DeletedAt:  link.DeletedAt,
		CreatedAt:  link.CreatedAt,
		UpdatedAt:  link.UpdatedAt,
	}
}
