package domain

import "time"

// MutationOp is the kind of local change a Mutation records.
type MutationOp string

const (
	MutationInsert MutationOp = "insert"
	MutationUpdate MutationOp = "update"
	MutationDelete MutationOp = "delete"
)

// Mutation is one local change produced by the internal store's change feed
// and consumed by the push workflow. OriginAdapter is set when the mutation
// was itself caused by a pull from that adapter; the push workflow uses it
// to suppress echo loops.
type Mutation struct {
	ID            string         `json:"id"`
	Sequence      int64          `json:"sequence"`
	Table         string         `json:"table"`
	Op            MutationOp     `json:"op"`
	PrimaryKey    string         `json:"primary_key"`
	Values        map[string]any `json:"values"`
	OriginAdapter string         `json:"origin_adapter,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	PushedAt      *time.Time     `json:"pushed_at,omitempty"`
}
