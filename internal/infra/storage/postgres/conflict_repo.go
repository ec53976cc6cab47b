package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/haivt/syncq/internal/core/domain"
)

// ConflictRepo implements storage.ConflictRepository over PostgreSQL.
type ConflictRepo struct {
	db *sqlx.DB
}

func NewConflictRepo(db *DB) *ConflictRepo { return &ConflictRepo{db: db.DB} }

func (r *ConflictRepo) Record(ctx context.Context, c *domain.Conflict) error {
	query := `
		INSERT INTO conflicts (id, mutation_id, collection, doc_id, ours_payload, ours_revision, theirs_payload, theirs_revision, resolution, resolved, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
	`
	_, err := r.db.ExecContext(ctx, query,
		c.ID, c.MutationID, c.Collection, c.DocID,
		[]byte(c.OursPayload), c.OursRevision,
		[]byte(c.TheirsPayload), c.TheirsRevision,
		c.Resolution, c.Resolved)
	return err
}

func (r *ConflictRepo) ListOpen(ctx context.Context, collection string) ([]*domain.Conflict, error) {
	var rows []conflictRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT * FROM conflicts WHERE collection = $1 AND resolved = FALSE ORDER BY created_at ASC`,
		collection)
	if err != nil {
		return nil, err
	}

	result := make([]*domain.Conflict, 0, len(rows))
	for i := range rows {
		result = append(result, rows[i].toDomain())
	}
	return result, nil
}

func (r *ConflictRepo) MarkResolved(ctx context.Context, id uuid.UUID, resolution domain.Resolution) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE conflicts SET resolved = TRUE, resolution = $2 WHERE id = $1`, id, resolution)
	return err
}

type conflictRow struct {
	ID             uuid.UUID `db:"id"`
	MutationID     uuid.UUID `db:"mutation_id"`
	Collection     string    `db:"collection"`
	DocID          string    `db:"doc_id"`
	OursPayload    []byte    `db:"ours_payload"`
	OursRevision   string    `db:"ours_revision"`
	TheirsPayload  []byte    `db:"theirs_payload"`
	TheirsRevision string    `db:"theirs_revision"`
	Resolution     string    `db:"resolution"`
	Resolved       bool      `db:"resolved"`
	CreatedAt      time.Time `db:"created_at"`
}

func (row *conflictRow) toDomain() *domain.Conflict {
	return &domain.Conflict{
		ID:             row.ID,
		MutationID:     row.MutationID,
		Collection:     row.Collection,
		DocID:          row.DocID,
		OursPayload:    json.RawMessage(row.OursPayload),
		OursRevision:   row.OursRevision,
		TheirsPayload:  json.RawMessage(row.TheirsPayload),
		TheirsRevision: row.TheirsRevision,
		Resolution:     domain.Resolution(row.Resolution),
		Resolved:       row.Resolved,
		CreatedAt:      row.CreatedAt,
	}
}
