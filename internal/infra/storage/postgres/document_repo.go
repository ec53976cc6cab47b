package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/haivt/syncq/internal/core/domain"
)

// DocumentRepo implements storage.DocumentRepository over PostgreSQL.
type DocumentRepo struct {
	db *sqlx.DB
}

func NewDocumentRepo(db *DB) *DocumentRepo { return &DocumentRepo{db: db.DB} }

func (r *DocumentRepo) Upsert(ctx context.Context, doc *domain.Document) error {
	query := `
		INSERT INTO documents (collection, doc_id, revision, data, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (collection, doc_id)
		DO UPDATE SET revision = EXCLUDED.revision, data = EXCLUDED.data, updated_at = EXCLUDED.updated_at
	`
	updatedAt := doc.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, query, doc.Collection, doc.DocID, doc.Revision, []byte(doc.Data), updatedAt)
	return err
}

func (r *DocumentRepo) Get(ctx context.Context, collection, docID string) (*domain.Document, error) {
	var row struct {
		Collection string    `db:"collection"`
		DocID      string    `db:"doc_id"`
		Revision   string    `db:"revision"`
		Data       []byte    `db:"data"`
		UpdatedAt  time.Time `db:"updated_at"`
	}
	err := r.db.GetContext(ctx, &row,
		`SELECT collection, doc_id, revision, data, updated_at FROM documents WHERE collection = $1 AND doc_id = $2`,
		collection, docID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &domain.Document{
		Collection: row.Collection,
		DocID:      row.DocID,
		Revision:   row.Revision,
		Data:       json.RawMessage(row.Data),
		UpdatedAt:  row.UpdatedAt,
	}, nil
}

func (r *DocumentRepo) Delete(ctx context.Context, collection, docID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = $1 AND doc_id = $2`, collection, docID)
	return err
}
