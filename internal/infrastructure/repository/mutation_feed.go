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

// MongoMutationFeed implements MutationFeed over the internal store's
// change-feed collection.
type MongoMutationFeed struct {
	collection *mongo.Collection
}

// NewMongoMutationFeed creates a new MongoDB mutation feed.
func NewMongoMutationFeed(db *mongo.Database) ports.MutationFeed {
	return &MongoMutationFeed{collection: db.Collection("mutations")}
}

// MutationsSince returns up to limit unpushed mutations after the
// watermark, in sequence order, plus the new watermark.
func (f *MongoMutationFeed) MutationsSince(ctx context.Context, watermark int64, limit int) ([]*domain.Mutation, int64, error) {
	filter := bson.M{
		"sequence": bson.M{"$gt": watermark},
		"pushedAt": bson.M{"$exists": false},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "sequence", Value: 1}}).
		SetLimit(int64(limit))

	cursor, err := f.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, watermark, fmt.Errorf("failed to read mutation feed: %w", err)
	}
	defer cursor.Close(ctx)

	var mutations []*domain.Mutation
	newWatermark := watermark
	for cursor.Next(ctx) {
		var doc entity.MongoMutationDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, watermark, fmt.Errorf("failed to decode mutation: %w", err)
		}
		m := doc.ToDomain()
		mutations = append(mutations, m)
		if m.Sequence > newWatermark {
			newWatermark = m.Sequence
		}
	}
	if err := cursor.Err(); err != nil {
		return nil, watermark, fmt.Errorf("cursor error: %w", err)
	}
	return mutations, newWatermark, nil
}

// MarkPushed records that a mutation was propagated outward.
func (f *MongoMutationFeed) MarkPushed(ctx context.Context, mutationID string) error {
	update := bson.M{"$set": bson.M{"pushedAt": time.Now()}}
	if _, err := f.collection.UpdateByID(ctx, mutationID, update); err != nil {
		return fmt.Errorf("failed to mark mutation pushed: %w", err)
	}
	return nil
}
