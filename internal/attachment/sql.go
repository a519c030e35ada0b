package attachment

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/turnloop/conductor/internal/apperrors"
	"github.com/turnloop/conductor/internal/storage"
	v1 "github.com/turnloop/conductor/pkg/api/v1"
)

// SQLStore is an Attachment Store backed by the shared sqlite/postgres
// pool. Dedup is enforced by using the content hash as the primary key:
// Put is an INSERT ... ON CONFLICT DO NOTHING followed by a read-back.
type SQLStore struct {
	db *storage.DB
}

// NewSQLStore wraps db as an Attachment Store.
func NewSQLStore(db *storage.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Put(ctx context.Context, name, contentType string, content []byte, summary string) (v1.Attachment, error) {
	hash := contentHash(content)

	var q string
	if s.db.Driver == "postgres" {
		q = `INSERT INTO attachments (id, name, content_type, content, summary, doc_id)
			VALUES ($1,$2,$3,$4,$5,$6) ON CONFLICT (id) DO NOTHING`
	} else {
		q = `INSERT OR IGNORE INTO attachments (id, name, content_type, content, summary, doc_id)
			VALUES (?,?,?,?,?,?)`
	}

	_, err := s.db.ExecContext(ctx, q, hash, name, contentType, content, summary, hash)
	if err != nil {
		return v1.Attachment{}, fmt.Errorf("attachment: put: %w", err)
	}

	return s.Get(ctx, hash)
}

func (s *SQLStore) Get(ctx context.Context, id string) (v1.Attachment, error) {
	q := `SELECT id, name, content_type, content, summary, doc_id FROM attachments WHERE id = ?`
	if s.db.Driver == "postgres" {
		q = `SELECT id, name, content_type, content, summary, doc_id FROM attachments WHERE id = $1`
	}

	var att v1.Attachment
	var summary, docID sql.NullString
	err := s.db.QueryRowContext(ctx, q, id).Scan(&att.ID, &att.Name, &att.ContentType, &att.Content, &summary, &docID)
	if err != nil {
		if err == sql.ErrNoRows {
			return v1.Attachment{}, apperrors.ErrNotFound
		}
		return v1.Attachment{}, fmt.Errorf("attachment: get: %w", err)
	}
	att.Summary = summary.String
	att.DocID = docID.String
	return att, nil
}
