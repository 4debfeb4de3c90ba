package repository

import (
	"context"
	"fmt"

	"steeple-core-chms-sync-layer/internal/domain"
	"steeple-core-chms-sync-layer/internal/infrastructure/repository/entity"
	"steeple-core-chms-sync-layer/internal/ports"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoRunRepository implements RunRepository using MongoDB.
type MongoRunRepository struct {
	collection *mongo.Collection
}

// NewMongoRunRepository creates a new MongoDB run repository.
func NewMongoRunRepository(db *mongo.Database) ports.RunRepository {
	return &MongoRunRepository{collection: db.Collection("sync_runs")}
}

// CreateRun inserts a new run row.
func (r *MongoRunRepository) CreateRun(ctx context.Context, run *domain.SyncRun) error {
	doc := entity.MongoRunDocFromDomain(run)
	if _, err := r.collection.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// UpdateRun replaces the run row.
func (r *MongoRunRepository) UpdateRun(ctx context.Context, run *domain.SyncRun) error {
	doc := entity.MongoRunDocFromDomain(run)
	if _, err := r.collection.ReplaceOne(ctx, bson.M{"_id": run.ID}, doc); err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (r *MongoRunRepository) GetRun(ctx context.Context, id string) (*domain.SyncRun, error) {
	var doc entity.MongoRunDoc
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return doc.ToDomain(), nil
}

// ListRuns returns the most recent runs, optionally filtered by adapter.
func (r *MongoRunRepository) ListRuns(ctx context.Context, adapter string, limit int) ([]*domain.SyncRun, error) {
	filter := bson.M{}
	if adapter != "" {
		filter["adapter"] = adapter
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "startedAt", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer cursor.Close(ctx)

	var runs []*domain.SyncRun
	for cursor.Next(ctx) {
		var doc entity.MongoRunDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode run: %w", err)
		}
		runs = append(runs, doc.ToDomain())
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor error: %w", err)
	}
	return runs, nil
}
