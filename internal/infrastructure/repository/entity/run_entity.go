package entity

import (
	"time"

	"steeple-core-chms-sync-layer/internal/domain"
)

// MongoRunDoc represents a sync run in MongoDB.
type MongoRunDoc struct {
	ID             string     `bson:"_id"`
	Adapter        string     `bson:"adapter"`
	Workflow       string     `bson:"workflow"`
	IdempotencyKey string     `bson:"idempotencyKey"`
	Status         string     `bson:"status"`
	StartedAt      time.Time  `bson:"startedAt"`
	FinishedAt     *time.Time `bson:"finishedAt,omitempty"`
	Error          string     `bson:"error,omitempty"`

	PagesFetched      int `bson:"pagesFetched"`
	RecordsSeen       int `bson:"recordsSeen"`
	RecordsSkipped    int `bson:"recordsSkipped"`
	LinksCreated      int `bson:"linksCreated"`
	LinksUpdated      int `bson:"linksUpdated"`
	LinksTombstoned   int `bson:"linksTombstoned"`
	MutationsSent     int `bson:"mutationsSent"`
	MutationsFiltered int `bson:"mutationsFiltered"`
	MutationsFailed   int `bson:"mutationsFailed"`
}

// ToDomain converts the MongoDB document to a domain entity.
func (d *MongoRunDoc) ToDomain() *domain.SyncRun {
	return &domain.SyncRun{
		ID:             d.ID,
		Adapter:        d.Adapter,
		Workflow:       domain.WorkflowKind(d.Workflow),
		IdempotencyKey: d.IdempotencyKey,
		Status:         domain.RunStatus(d.Status),
		StartedAt:      d.StartedAt,
		FinishedAt:     d.FinishedAt,
		Error:          d.Error,

		PagesFetched:      d.PagesFetched,
		RecordsSeen:       d.RecordsSeen,
		RecordsSkipped:    d.RecordsSkipped,
		LinksCreated:      d.LinksCreated,
		LinksUpdated:      d.LinksUpdated,
		LinksTombstoned:   d.LinksTombstoned,
		MutationsSent:     d.MutationsSent,
		MutationsFiltered: d.MutationsFiltered,
		MutationsFailed:   d.MutationsFailed,
	}
}

// MongoRunDocFromDomain converts a domain entity to a MongoDB document.
func MongoRunDocFromDomain(run *domain.SyncRun) *MongoRunDoc {
	return &MongoRunDoc{
		ID:             run.ID,
		Adapter:        run.Adapter,
		Workflow:       string(run.Workflow),
		IdempotencyKey: run.IdempotencyKey,
		Status:         string(run.Status),
		StartedAt:      run.StartedAt,
		FinishedAt:     run.FinishedAt,
		Error:          run.Error,

		PagesFetched:      run.PagesFetched,
		RecordsSeen:       run.RecordsSeen,
		RecordsSkipped:    run.RecordsSkipped,
		LinksCreated:      run.LinksCreated,
		LinksUpdated:      run.LinksUpdated,
		LinksTombstoned:   run.LinksTombstoned,
		MutationsSent:     run.MutationsSent,
		MutationsFiltered: run.MutationsFiltered,
		MutationsFailed:   run.MutationsFailed,
	}
}
