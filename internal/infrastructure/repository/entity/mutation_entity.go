package entity

import (
	"time"

	"steeple-core-chms-sync-layer/internal/domain"
)

// MongoMutationDoc represents a change-feed row in MongoDB.
type MongoMutationDoc struct {
	ID            string         `bson:"_id"`
	Sequence      int64          `bson:"sequence"`
	Table         string         `bson:"table"`
	Op            string         `bson:"op"`
	PrimaryKey    string         `bson:"primaryKey"`
	Values        map[string]any `bson:"values"`
	OriginAdapter string         `bson:"originAdapter,omitempty"`
	CreatedAt     time.Time      `bson:"createdAt"`
	PushedAt      *time.Time     `bson:"pushedAt,omitempty"`
}

// ToDomain converts the MongoDB document to a domain entity.
func (d *MongoMutationDoc) ToDomain() *domain.Mutation {
	return &domain.Mutation{
		ID:            d.ID,
		Sequence:      d.Sequence,
		Table:         d.Table,
		Op:            domain.MutationOp(d.Op),
		PrimaryKey:    d.PrimaryKey,
		Values:        d.Values,
		OriginAdapter: d.OriginAdapter,
		CreatedAt:     d.CreatedAt,
		PushedAt:      d.PushedAt,
	}
}

// MongoMutationDocFromDomain converts a domain entity to a MongoDB document.
func MongoMutationDocFromDomain(m *domain.Mutation) *MongoMutationDoc {
	return &MongoMutationDoc{
		ID:            m.ID,
		Sequence:      m.Sequence,
		Table:         m.Table,
		Op:            string(m.Op),
		PrimaryKey:    m.PrimaryKey,
		Values:        m.Values,
		OriginAdapter: m.OriginAdapter,
		CreatedAt:     m.CreatedAt,
		PushedAt:      m.PushedAt,
	}
}
