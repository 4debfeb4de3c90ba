package domain

import "time"

// WorkflowKind names one of the two sync workflows.
type WorkflowKind string

const (
	WorkflowPull WorkflowKind = "pull"
	WorkflowPush WorkflowKind = "push"
)

// RunStatus is the state a sync run is in. Pull runs move
// Started → Fetching → Reconciling → Completed|Failed; push runs move
// Started → Filtering → Sending → Completed|Failed.
type RunStatus string

const (
	RunStarted     RunStatus = "started"
	RunFetching    RunStatus = "fetching"
	RunReconciling RunStatus = "reconciling"
	RunFiltering   RunStatus = "filtering"
	RunSending     RunStatus = "sending"
	RunCompleted   RunStatus = "completed"
	RunFailed      RunStatus = "failed"
)

// Terminal reports whether the status is an end state.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// SyncRun is the operator-visible record of one pull or push attempt.
type SyncRun struct {
	ID             string       `json:"id"`
	Adapter        string       `json:"adapter"`
	Workflow       WorkflowKind `json:"workflow"`
	IdempotencyKey string       `json:"idempotency_key"`
	Status         RunStatus    `json:"status"`
	StartedAt      time.Time    `json:"started_at"`
	FinishedAt     *time.Time   `json:"finished_at,omitempty"`
	Error          string       `json:"error,omitempty"`

	PagesFetched      int `json:"pages_fetched"`
	RecordsSeen       int `json:"records_seen"`
	RecordsSkipped    int `json:"records_skipped"`
	LinksCreated      int `json:"links_created"`
	LinksUpdated      int `json:"links_updated"`
	LinksTombstoned   int `json:"links_tombstoned"`
	MutationsSent     int `json:"mutations_sent"`
	MutationsFiltered int `json:"mutations_filtered"`
	MutationsFailed   int `json:"mutations_failed"`
}
