package repository

import (
	"context"
	"fmt"
	"time"

	"steeple-core-chms-sync-layer/internal/domain"
	"steeple-core-chms-sync-layer/internal/infrastructure/repository/entity"
	"steeple-core-chms-sync-layer/internal/ports"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoLinkRepository implements LinkRepository using MongoDB. The two
// unique compound indexes enforce the link invariants and serialize
// concurrent upserts for the same external identity, so racing pulls
// cannot create duplicate links.
type MongoLinkRepository struct {
	collection *mongo.Collection
}

// NewMongoLinkRepository creates a new MongoDB link repository.
func NewMongoLinkRepository(db *mongo.Database) ports.LinkRepository {
	collection := db.Collection("external_links")

	_, _ = collection.Indexes().CreateMany(context.Background(), []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "adapter", Value: 1},
				{Key: "entityType", Value: 1},
				{Key: "externalId", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{
				{Key: "adapter", Value: 1},
				{Key: "entityType", Value: 1},
				{Key: "internalId", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
	})

	return &MongoLinkRepository{collection: collection}
}

// UpsertLink inserts or updates a link by (adapter, entityType, externalId)
// and returns the stored row. A reappearing record clears any tombstone.
func (r *MongoLinkRepository) UpsertLink(ctx context.Context, link *domain.ExternalLink) (*domain.ExternalLink, error) {
	now := time.Now()
	filter := bson.M{
		"adapter":    link.Adapter,
		"entityType": link.EntityType,
		"externalId": link.ExternalID,
	}

	set := bson.M{
		"internalId": link.InternalID,
		"lastSeenAt": link.LastSeenAt,
		"updatedAt":  now,
	}
	update := bson.M{
		"$set":         set,
		"$setOnInsert": bson.M{"createdAt": now},
	}
	if link.DeletedAt != nil {
		set["deletedAt"] = link.DeletedAt
	} else {
		update["$unset"] = bson.M{"deletedAt": ""}
	}

	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var doc entity.MongoLinkDoc
	if err := r.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to upsert link: %w", err)
	}
	return doc.ToDomain(), nil
}

// GetLinkByExternalID retrieves a link by its external identity.
func (r *MongoLinkRepository) GetLinkByExternalID(ctx context.Context, adapter, entityType, externalID string) (*domain.ExternalLink, error) {
	var doc entity.MongoLinkDoc
	filter := bson.M{
		"adapter":    adapter,
		"entityType": entityType,
		"externalId": externalID,
	}

	err := r.collection.FindOne(ctx, filter).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get link: %w", err)
	}
	return doc.ToDomain(), nil
}

// GetLinkByInternalID retrieves the link an internal entity has for one
// adapter.
func (r *MongoLinkRepository) GetLinkByInternalID(ctx context.Context, adapter, internalID string) (*domain.ExternalLink, error) {
	var doc entity.MongoLinkDoc
	filter := bson.M{
		"adapter":    adapter,
		"internalId": internalID,
	}

	err := r.collection.FindOne(ctx, filter).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get link: %w", err)
	}
	return doc.ToDomain(), nil
}

// ListActiveLinks returns all non-tombstoned links for an adapter and
// entity type.
func (r *MongoLinkRepository) ListActiveLinks(ctx context.Context, adapter, entityType string) ([]*domain.ExternalLink, error) {
	filter := bson.M{
		"adapter":    adapter,
		"entityType": entityType,
		"deletedAt":  bson.M{"$exists": false},
	}

	cursor, err := r.collection.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}
	defer cursor.Close(ctx)

	var links []*domain.ExternalLink
	for cursor.Next(ctx) {
		var doc entity.MongoLinkDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode link: %w", err)
		}
		links = append(links, doc.ToDomain())
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor error: %w", err)
	}
	return links, nil
}

// MarkDeletedBefore tombstones every active link for (adapter, entityType)
// whose lastSeenAt is before cutoff and returns them. Links are never
// hard-deleted; the tombstones are the audit trail of what was once synced.
// Each tombstone is claimed with a per-document FindOneAndUpdate that
// re-checks the staleness conditions, so a link refreshed by a concurrent
// reconcile after the snapshot is neither tombstoned nor reported.
func (r *MongoLinkRepository) MarkDeletedBefore(ctx context.Context, adapter, entityType string, cutoff time.Time) ([]*domain.ExternalLink, error) {
	filter := bson.M{
		"adapter":    adapter,
		"entityType": entityType,
		"lastSeenAt": bson.M{"$lt": cutoff},
		"deletedAt":  bson.M{"$exists": false},
	}

	cursor, err := r.collection.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to find stale links: %w", err)
	}
	defer cursor.Close(ctx)

	var candidates []string
	for cursor.Next(ctx) {
		var doc entity.MongoLinkDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode link: %w", err)
		}
		candidates = append(candidates, doc.ExternalID)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor error: %w", err)
	}

	now := time.Now()
	var tombstoned []*domain.ExternalLink
	for _, externalID := range candidates {
		claim := bson.M{
			"adapter":    adapter,
			"entityType": entityType,
			"externalId": externalID,
			"lastSeenAt": bson.M{"$lt": cutoff},
			"deletedAt":  bson.M{"$exists": false},
		}
		update := bson.M{"$set": bson.M{"deletedAt": now, "updatedAt": now}}

		var doc entity.MongoLinkDoc
		err := r.collection.FindOneAndUpdate(ctx, claim, update,
			options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
		if err == mongo.ErrNoDocuments {
			// Refreshed or tombstoned by someone else since the snapshot.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to tombstone link: %w", err)
		}
		tombstoned = append(tombstoned, doc.ToDomain())
	}
	if len(tombstoned) == 0 {
		return nil, nil
	}
	return tombstoned, nil
}
