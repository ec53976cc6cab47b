package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Op is the kind of write a mutation performs against the remote store.
type Op string

const (
	OpPut    Op = "put"    // full document replace
	OpMerge  Op = "merge"  // partial update, untouched fields keep remote values
	OpDelete Op = "delete" // document removal
)

// MutationStatus tracks a mutation through the local queue.
type MutationStatus string

const (
	MutationStatusPending    MutationStatus = "pending"
	MutationStatusInflight   MutationStatus = "inflight"
	MutationStatusApplied    MutationStatus = "applied"
	MutationStatusFailed     MutationStatus = "failed"     // transient failure, due for retry at NextRetryAt
	MutationStatusConflicted MutationStatus = "conflicted" // parked for manual resolution
	MutationStatusDead       MutationStatus = "dead"       // retries exhausted or fatal error
	MutationStatusSuperseded MutationStatus = "superseded" // dropped, remote version won the conflict
)

// Mutation is a queued local write awaiting replay against the remote store.
//
// Mutations for the same (Collection, DocID) pair replay in enqueue order:
// a later mutation is never claimed while an earlier one is still unsettled.
type Mutation struct {
	ID           uuid.UUID       `db:"id"`
	Collection   string          `db:"collection"`
	DocID        string          `db:"doc_id"`
	Op           Op              `db:"op"`
	Payload      json.RawMessage `db:"payload"`
	BaseRevision string          `db:"base_revision"`
	Status       MutationStatus  `db:"status"`
	Attempts     int             `db:"attempts"`
	LastError    string          `db:"last_error"`
	NextRetryAt  time.Time       `db:"next_retry_at"`
	CreatedAt    time.Time       `db:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at"`
}

// NewMutation creates a pending mutation for enqueueing.
func NewMutation(collection, docID string, op Op, payload json.RawMessage, baseRevision string) *Mutation {
	now := time.Now().UTC()
	return &Mutation{
		ID:           uuid.New(),
		Collection:   collection,
		DocID:        docID,
		Op:           op,
		Payload:      payload,
		BaseRevision: baseRevision,
		Status:       MutationStatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Settled reports whether the mutation has left the replay queue for good.
func (m *Mutation) Settled() bool {
	switch m.Status {
	case MutationStatusApplied, MutationStatusDead, MutationStatusSuperseded:
		return true
	}
	return false
}
