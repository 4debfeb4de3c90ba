package repository

import (
	"context"
	"fmt"
	"time"

	"steeple-core-chms-sync-layer/internal/ports"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// MongoEntityStore implements EntityStore over one entities collection.
// Internal IDs are generated here; the reconciler never invents them.
type MongoEntityStore struct {
	collection *mongo.Collection
}

// NewMongoEntityStore creates a new MongoDB entity store.
func NewMongoEntityStore(db *mongo.Database) ports.EntityStore {
	return &MongoEntityStore{collection: db.Collection("entities")}
}

// CreateEntity creates an internal entity with a generated ID.
func (s *MongoEntityStore) CreateEntity(ctx context.Context, entityType string, shape map[string]any) (string, error) {
	now := time.Now()
	internalID := uuid.NewString()

	doc := bson.M{
		"_id":        internalID,
		"entityType": entityType,
		"attributes": shape,
		"createdAt":  now,
		"updatedAt":  now,
	}
	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		return "", fmt.Errorf("failed to create entity: %w", err)
	}
	return internalID, nil
}

// UpdateEntity replaces the entity's attributes. It also clears any
// soft-delete marker: an update means the record is live at the source
// again, so a tombstoned entity is restored alongside its link.
func (s *MongoEntityStore) UpdateEntity(ctx context.Context, entityType, internalID string, shape map[string]any) error {
	filter := bson.M{"_id": internalID, "entityType": entityType}
	update := bson.M{
		"$set": bson.M{
			"attributes": shape,
			"updatedAt":  time.Now(),
		},
		"$unset": bson.M{"deletedAt": ""},
	}

	result, err := s.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("failed to update entity: %w", err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("entity %s/%s not found", entityType, internalID)
	}
	return nil
}

// SoftDeleteEntity marks the entity deleted without removing the row.
func (s *MongoEntityStore) SoftDeleteEntity(ctx context.Context, entityType, internalID string) error {
	filter := bson.M{"_id": internalID, "entityType": entityType}
	update := bson.M{"$set": bson.M{
		"deletedAt": time.Now(),
		"updatedAt": time.Now(),
	}}

	if _, err := s.collection.UpdateOne(ctx, filter, update); err != nil {
		return fmt.Errorf("failed to soft-delete entity: %w", err)
	}
	return nil
}
