package documents

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PGRepo implements DocumentsRepo using Postgres.
type PGRepo struct {
	DB *sql.DB
}

const documentColumns = `id, session_id, file_name, mime_type, sniffed_type, size_bytes, storage_provider, storage_key, created_at, released_at`

// ReplacePending releases the session's pending document and inserts doc in
// one transaction.
func (r *PGRepo) ReplacePending(ctx context.Context, doc Document) (err error) {
	const release = `
UPDATE documents
SET released_at = $2
WHERE session_id = $1 AND released_at IS NULL`

	const insert = `
INSERT INTO documents (
    id,
    session_id,
    file_name,
    mime_type,
    sniffed_type,
    size_bytes,
    storage_provider,
    storage_key,
    created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	storageProvider := doc.StorageProvider
	if storageProvider == "" {
		storageProvider = "local"
	}
	var sniffed sql.NullString
	if doc.SniffedType != "" {
		sniffed = sql.NullString{String: doc.SniffedType, Valid: true}
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, release, doc.SessionID, doc.CreatedAt); err != nil {
		return fmt.Errorf("release pending: %w", err)
	}
	if _, err = tx.ExecContext(
		ctx,
		insert,
		doc.ID,
		doc.SessionID,
		doc.FileName,
		doc.MimeType,
		sniffed,
		doc.SizeBytes,
		storageProvider,
		doc.StorageKey,
		doc.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetPending returns the latest unreleased document for a session.
func (r *PGRepo) GetPending(ctx context.Context, sessionID string) (Document, error) {
	query := `
SELECT ` + documentColumns + `
FROM documents
WHERE session_id = $1 AND released_at IS NULL
ORDER BY created_at DESC
LIMIT 1`
	return scanDocument(r.DB.QueryRowContext(ctx, query, sessionID))
}

// GetByID fetches a document by ID for a session.
func (r *PGRepo) GetByID(ctx context.Context, sessionID, documentID string) (Document, error) {
	query := `
SELECT ` + documentColumns + `
FROM documents
WHERE session_id = $1 AND id = $2
LIMIT 1`
	return scanDocument(r.DB.QueryRowContext(ctx, query, sessionID, documentID))
}

// Release marks one pending document as released.
func (r *PGRepo) Release(ctx context.Context, sessionID, documentID string, at time.Time) error {
	const query = `
UPDATE documents
SET released_at = $3
WHERE session_id = $1 AND id = $2 AND released_at IS NULL`
	res, err := r.DB.ExecContext(ctx, query, sessionID, documentID, at)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleasePending releases every pending document for a session.
func (r *PGRepo) ReleasePending(ctx context.Context, sessionID string, at time.Time) (int64, error) {
	const query = `
UPDATE documents
SET released_at = $2
WHERE session_id = $1 AND released_at IS NULL`
	res, err := r.DB.ExecContext(ctx, query, sessionID, at)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Restore makes a released document pending again, unless another document
// is already pending for the session.
func (r *PGRepo) Restore(ctx context.Context, sessionID, documentID string) error {
	const query = `
UPDATE documents
SET released_at = NULL
WHERE session_id = $1 AND id = $2 AND released_at IS NOT NULL
  AND NOT EXISTS (
    SELECT 1 FROM documents WHERE session_id = $1 AND released_at IS NULL
  )`
	res, err := r.DB.ExecContext(ctx, query, sessionID, documentID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanDocument(row *sql.Row) (Document, error) {
	var doc Document
	var sniffed sql.NullString
	var storageProvider sql.NullString
	var releasedAt sql.NullTime
	err := row.Scan(
		&doc.ID,
		&doc.SessionID,
		&doc.FileName,
		&doc.MimeType,
		&sniffed,
		&doc.SizeBytes,
		&storageProvider,
		&doc.StorageKey,
		&doc.CreatedAt,
		&releasedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Document{}, ErrNotFound
		}
		return Document{}, err
	}
	if sniffed.Valid {
		doc.SniffedType = sniffed.String
	}
	if storageProvider.Valid {
		doc.StorageProvider = storageProvider.String
	}
	if releasedAt.Valid {
		doc.ReleasedAt = &releasedAt.Time
	}
	return doc, nil
}

var _ DocumentsRepo = (*PGRepo)(nil)
