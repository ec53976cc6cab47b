package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/haivt/syncq/internal/core/domain"
)

// MutationRepo implements storage.MutationRepository over PostgreSQL.
type MutationRepo struct {
	db *sqlx.DB
}

func NewMutationRepo(db *DB) *MutationRepo { return &MutationRepo{db: db.DB} }

func (r *MutationRepo) Enqueue(ctx context.Context, m *domain.Mutation) error {
	query := `
		INSERT INTO mutations (id, collection, doc_id, op, payload, base_revision, status, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', 0, NOW(), NOW())
	`
	_, err := r.db.ExecContext(ctx, query, m.ID, m.Collection, m.DocID, m.Op, []byte(m.Payload), m.BaseRevision)
	return err
}

func (r *MutationRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Mutation, error) {
	var m mutationRow
	err := r.db.GetContext(ctx, &m, `SELECT * FROM mutations WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m.toDomain(), nil
}

// ClaimDue claims the oldest due mutations in a single statement so that
// concurrent claimers never double-process. The NOT EXISTS clause keeps
// per-document ordering: a mutation stays unclaimable while an earlier one
// for the same document is unsettled.
func (r *MutationRepo) ClaimDue(ctx context.Context, collection string, limit int) ([]*domain.Mutation, error) {
	query := `
		UPDATE mutations SET status = 'inflight', updated_at = NOW()
		WHERE id IN (
			SELECT m.id FROM mutations m
			WHERE m.collection = $1
			  AND (m.status = 'pending' OR (m.status = 'failed' AND m.next_retry_at <= NOW()))
			  AND NOT EXISTS (
				SELECT 1 FROM mutations prev
				WHERE prev.collection = m.collection
				  AND prev.doc_id = m.doc_id
				  AND prev.created_at < m.created_at
				  AND prev.status NOT IN ('applied', 'dead', 'superseded')
			  )
			ORDER BY m.created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING *
	`
	var rows []mutationRow
	if err := r.db.SelectContext(ctx, &rows, query, collection, limit); err != nil {
		return nil, fmt.Errorf("claim due mutations: %w", err)
	}

	result := make([]*domain.Mutation, 0, len(rows))
	for i := range rows {
		result = append(result, rows[i].toDomain())
	}
	return result, nil
}

func (r *MutationRepo) MarkApplied(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE mutations SET status = 'applied', last_error = '', updated_at = NOW() WHERE id = $1`, id)
	return err
}

func (r *MutationRepo) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, nextRetryAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE mutations SET status = 'failed', attempts = attempts + 1, last_error = $2, next_retry_at = $3, updated_at = NOW() WHERE id = $1`,
		id, errMsg, nextRetryAt)
	return err
}

func (r *MutationRepo) MarkConflicted(ctx context.Context, id uuid.UUID, errMsg string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE mutations SET status = 'conflicted', last_error = $2, updated_at = NOW() WHERE id = $1`, id, errMsg)
	return err
}

func (r *MutationRepo) MarkDead(ctx context.Context, id uuid.UUID, errMsg string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE mutations SET status = 'dead', last_error = $2, updated_at = NOW() WHERE id = $1`, id, errMsg)
	return err
}

func (r *MutationRepo) MarkSuperseded(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE mutations SET status = 'superseded', last_error = $2, updated_at = NOW() WHERE id = $1`, id, reason)
	return err
}

func (r *MutationRepo) Rewrite(ctx context.Context, id uuid.UUID, payload json.RawMessage, baseRevision string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE mutations SET status = 'pending', payload = $2, base_revision = $3, next_retry_at = NULL, updated_at = NOW() WHERE id = $1`,
		id, []byte(payload), baseRevision)
	return err
}

func (r *MutationRepo) ReclaimStuck(ctx context.Context, collection string, olderThan time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE mutations SET status = 'pending', updated_at = NOW() WHERE collection = $1 AND status = 'inflight' AND updated_at < $2`,
		collection, olderThan)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *MutationRepo) Requeue(ctx context.Context, collection string, statuses []domain.MutationStatus) (int, error) {
	ss := make([]string, 0, len(statuses))
	for _, s := range statuses {
		ss = append(ss, string(s))
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE mutations SET status = 'pending', attempts = 0, next_retry_at = NULL, updated_at = NOW() WHERE collection = $1 AND status = ANY($2)`,
		collection, pq.Array(ss))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *MutationRepo) CountByStatus(ctx context.Context, collection string, status domain.MutationStatus) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count,
		`SELECT count(*) FROM mutations WHERE collection = $1 AND status = $2`, collection, status)
	return count, err
}

func (r *MutationRepo) OldestPendingAge(ctx context.Context, collection string) (time.Duration, error) {
	var createdAt sql.NullTime
	err := r.db.GetContext(ctx, &createdAt,
		`SELECT min(created_at) FROM mutations WHERE collection = $1 AND status NOT IN ('applied', 'dead', 'superseded')`,
		collection)
	if err != nil {
		return 0, err
	}
	if !createdAt.Valid {
		return 0, nil
	}
	return time.Since(createdAt.Time), nil
}

// mutationRow maps the mutations table; nullable columns live here so the
// domain type stays free of sql.Null wrappers.
type mutationRow struct {
	ID           uuid.UUID      `db:"id"`
	Collection   string         `db:"collection"`
	DocID        string         `db:"doc_id"`
	Op           string         `db:"op"`
	Payload      []byte         `db:"payload"`
	BaseRevision string         `db:"base_revision"`
	Status       string         `db:"status"`
	Attempts     int            `db:"attempts"`
	LastError    sql.NullString `db:"last_error"`
	NextRetryAt  sql.NullTime   `db:"next_retry_at"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

func (row *mutationRow) toDomain() *domain.Mutation {
	m := &domain.Mutation{
		ID:           row.ID,
		Collection:   row.Collection,
		DocID:        row.DocID,
		Op:           domain.Op(row.Op),
		Payload:      json.RawMessage(row.Payload),
		BaseRevision: row.BaseRevision,
		Status:       domain.MutationStatus(row.Status),
		Attempts:     row.Attempts,
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
	}
	if row.LastError.Valid {
		m.LastError = row.LastError.String
	}
	if row.NextRetryAt.Valid {
		m.NextRetryAt = row.NextRetryAt.Time
	}
	return m
}
