package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/haivt/syncq/internal/core/domain"
)

var (
	// ErrCheckpointNotFound is returned when a checkpoint doesn't exist.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
)

// MutationRepository handles the durable local write queue.
type MutationRepository interface {
	// Enqueue adds a pending mutation.
	Enqueue(ctx context.Context, m *domain.Mutation) error

	// Get retrieves a mutation by ID.
	Get(ctx context.Context, id uuid.UUID) (*domain.Mutation, error)

	// ClaimDue atomically claims up to limit due mutations for a collection,
	// marking them inflight. A mutation is due when pending, or failed with
	// NextRetryAt in the past. A mutation is never claimed while an earlier
	// mutation for the same document is unsettled.
	ClaimDue(ctx context.Context, collection string, limit int) ([]*domain.Mutation, error)

	// MarkApplied settles a mutation as successfully replayed.
	MarkApplied(ctx context.Context, id uuid.UUID) error

	// MarkFailed records a transient failure and schedules the next retry.
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, nextRetryAt time.Time) error

	// MarkConflicted parks a mutation for manual conflict resolution.
	MarkConflicted(ctx context.Context, id uuid.UUID, errMsg string) error

	// MarkDead settles a mutation whose retries are exhausted or whose error is fatal.
	MarkDead(ctx context.Context, id uuid.UUID, errMsg string) error

	// MarkSuperseded settles a mutation dropped in favor of the remote version.
	MarkSuperseded(ctx context.Context, id uuid.UUID, reason string) error

	// Rewrite rebases a mutation onto a new remote revision and returns it to
	// pending so the next cycle replays it immediately.
	Rewrite(ctx context.Context, id uuid.UUID, payload json.RawMessage, baseRevision string) error

	// ReclaimStuck returns inflight mutations older than the cutoff to pending.
	ReclaimStuck(ctx context.Context, collection string, olderThan time.Time) (int, error)

	// Requeue returns dead or conflicted mutations to pending with a fresh
	// attempt budget. Returns the number of requeued mutations.
	Requeue(ctx context.Context, collection string, statuses []domain.MutationStatus) (int, error)

	// CountByStatus returns the number of mutations in a status.
	CountByStatus(ctx context.Context, collection string, status domain.MutationStatus) (int, error)

	// OldestPendingAge returns the age of the oldest unsettled mutation,
	// or zero when the queue is empty.
	OldestPendingAge(ctx context.Context, collection string) (time.Duration, error)
}

// DocumentRepository handles the local cache of remote documents.
type DocumentRepository interface {
	// Upsert saves a document, replacing any previous revision.
	Upsert(ctx context.Context, doc *domain.Document) error

	// Get retrieves a cached document.
	Get(ctx context.Context, collection, docID string) (*domain.Document, error)

	// Delete removes a cached document.
	Delete(ctx context.Context, collection, docID string) error
}

// CheckpointRepository handles per-collection replay checkpoints.
type CheckpointRepository interface {
	// Get retrieves the checkpoint for a collection.
	Get(ctx context.Context, collection string) (*domain.Checkpoint, error)

	// Save saves/updates the checkpoint.
	Save(ctx context.Context, cp *domain.Checkpoint) error

	// Bump increments the applied counter and records the apply time.
	Bump(ctx context.Context, collection string, appliedAt time.Time) error

	// UpdateState updates the checkpoint state.
	UpdateState(ctx context.Context, collection string, state domain.CheckpointState) error
}

// ConflictRepository handles the conflict journal.
type ConflictRepository interface {
	// Record stores a conflict occurrence.
	Record(ctx context.Context, c *domain.Conflict) error

	// ListOpen retrieves unresolved conflicts for a collection.
	ListOpen(ctx context.Context, collection string) ([]*domain.Conflict, error)

	// MarkResolved records the resolution outcome for a conflict.
	MarkResolved(ctx context.Context, id uuid.UUID, resolution domain.Resolution) error
}
