package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/haivt/syncq/internal/core/domain"
	"github.com/haivt/syncq/internal/infra/storage"
)

// CheckpointRepo implements storage.CheckpointRepository over PostgreSQL.
type CheckpointRepo struct {
	db *sqlx.DB
}

func NewCheckpointRepo(db *DB) *CheckpointRepo { return &CheckpointRepo{db: db.DB} }

func (r *CheckpointRepo) Get(ctx context.Context, collection string) (*domain.Checkpoint, error) {
	var row struct {
		Collection    string       `db:"collection"`
		AppliedCount  uint64       `db:"applied_count"`
		LastAppliedAt sql.NullTime `db:"last_applied_at"`
		State         string       `db:"state"`
		UpdatedAt     time.Time    `db:"updated_at"`
	}
	err := r.db.GetContext(ctx, &row,
		`SELECT collection, applied_count, last_applied_at, state, updated_at FROM checkpoints WHERE collection = $1`,
		collection)
	if err == sql.ErrNoRows {
		return nil, storage.ErrCheckpointNotFound
	}
	if err != nil {
		return nil, err
	}

	cp := &domain.Checkpoint{
		Collection:   row.Collection,
		AppliedCount: row.AppliedCount,
		State:        domain.CheckpointState(row.State),
		UpdatedAt:    row.UpdatedAt,
	}
	if row.LastAppliedAt.Valid {
		cp.LastAppliedAt = row.LastAppliedAt.Time
	}
	return cp, nil
}

func (r *CheckpointRepo) Save(ctx context.Context, cp *domain.Checkpoint) error {
	var lastAppliedAt sql.NullTime
	if !cp.LastAppliedAt.IsZero() {
		lastAppliedAt = sql.NullTime{Time: cp.LastAppliedAt, Valid: true}
	}

	query := `
		INSERT INTO checkpoints (collection, applied_count, last_applied_at, state, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (collection)
		DO UPDATE SET applied_count = EXCLUDED.applied_count, state = EXCLUDED.state, updated_at = NOW()
	`
	_, err := r.db.ExecContext(ctx, query, cp.Collection, cp.AppliedCount, lastAppliedAt, cp.State)
	return err
}

func (r *CheckpointRepo) Bump(ctx context.Context, collection string, appliedAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE checkpoints SET applied_count = applied_count + 1, last_applied_at = $2, updated_at = NOW() WHERE collection = $1`,
		collection, appliedAt)
	return err
}

func (r *CheckpointRepo) UpdateState(ctx context.Context, collection string, state domain.CheckpointState) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE checkpoints SET state = $2, updated_at = NOW() WHERE collection = $1`, collection, state)
	return err
}
