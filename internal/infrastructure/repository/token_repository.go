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

// MongoTokenRepository implements TokenRepository using MongoDB.
type MongoTokenRepository struct {
	collection *mongo.Collection
}

// NewMongoTokenRepository creates a new MongoDB token repository.
func NewMongoTokenRepository(db *mongo.Database) ports.TokenRepository {
	collection := db.Collection("token_states")

	_, _ = collection.Indexes().CreateOne(context.Background(), mongo.IndexModel{
		Keys:    bson.D{{Key: "tokenKey", Value: 1}},
		Options: options.Index().SetUnique(true),
	})

	return &MongoTokenRepository{collection: collection}
}

// GetTokenState loads the state for a token key.
func (r *MongoTokenRepository) GetTokenState(ctx context.Context, tokenKey string) (*domain.TokenState, error) {
	var doc entity.MongoTokenDoc
	filter := bson.M{"tokenKey": tokenKey}

	err := r.collection.FindOne(ctx, filter).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token state: %w", err)
	}
	return doc.ToDomain(), nil
}

// SaveTokenState persists the state, replacing any previous state for the
// same token key.
func (r *MongoTokenRepository) SaveTokenState(ctx context.Context, state *domain.TokenState) error {
	doc := entity.MongoTokenDocFromDomain(state)
	doc.UpdatedAt = time.Now()

	opts := options.Replace().SetUpsert(true)
	filter := bson.M{"tokenKey": state.TokenKey}

	if _, err := r.collection.ReplaceOne(ctx, filter, doc, opts); err != nil {
		return fmt.Errorf("failed to save token state: %w", err)
	}
	return nil
}
