package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Resolution describes how a revision conflict was settled.
type Resolution string

const (
	ResolutionOurs   Resolution = "ours"   // local payload rebased onto the remote revision
	ResolutionTheirs Resolution = "theirs" // remote version kept, mutation superseded
	ResolutionMerged Resolution = "merged" // field-level merge of both versions
	ResolutionManual Resolution = "manual" // parked for operator resolution
)

// Conflict records a revision mismatch between a queued mutation and the
// remote document at replay time.
type Conflict struct {
	ID             uuid.UUID       `db:"id"`
	MutationID     uuid.UUID       `db:"mutation_id"`
	Collection     string          `db:"collection"`
	DocID          string          `db:"doc_id"`
	OursPayload    json.RawMessage `db:"ours_payload"`
	OursRevision   string          `db:"ours_revision"`
	TheirsPayload  json.RawMessage `db:"theirs_payload"`
	TheirsRevision string          `db:"theirs_revision"`
	Resolution     Resolution      `db:"resolution"`
	Resolved       bool            `db:"resolved"`
	CreatedAt      time.Time       `db:"created_at"`
}

// NewConflict captures the two sides of a revision mismatch at replay time.
func NewConflict(m *Mutation, theirsPayload json.RawMessage, theirsRevision string) *Conflict {
	return &Conflict{
		ID:             uuid.New(),
		MutationID:     m.ID,
		Collection:     m.Collection,
		DocID:          m.DocID,
		OursPayload:    m.Payload,
		OursRevision:   m.BaseRevision,
		TheirsPayload:  theirsPayload,
		TheirsRevision: theirsRevision,
		CreatedAt:      time.Now().UTC(),
	}
}
