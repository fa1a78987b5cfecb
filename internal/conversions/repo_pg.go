package conversions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"himan-converter/internal/inspect"
)

// PGRepo implements Repo using Postgres.
type PGRepo struct {
	DB *sql.DB
}

const conversionColumns = `id, session_id, document_id, phase, original_name, converted_name, recipient, result_token, source_pages, source_width, source_height, created_at, sending_at, succeeded_at, discarded_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *PGRepo) Create(ctx context.Context, conv Conversion) error {
	const query = `
INSERT INTO conversions (
    id,
    session_id,
    document_id,
    phase,
    original_name,
    converted_name,
    recipient,
    created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.DB.ExecContext(
		ctx,
		query,
		conv.ID,
		conv.SessionID,
		conv.DocumentID,
		string(conv.Phase),
		conv.OriginalName,
		conv.ConvertedName,
		conv.Recipient,
		conv.CreatedAt,
	)
	return err
}

func (r *PGRepo) GetByID(ctx context.Context, id string) (Conversion, error) {
	query := `
SELECT ` + conversionColumns + `
FROM conversions
WHERE id = $1
LIMIT 1`
	return scanConversion(r.DB.QueryRowContext(ctx, query, id))
}

func (r *PGRepo) GetActive(ctx context.Context, sessionID string) (Conversion, error) {
	query := `
SELECT ` + conversionColumns + `
FROM conversions
WHERE session_id = $1 AND discarded_at IS NULL
ORDER BY created_at DESC
LIMIT 1`
	return scanConversion(r.DB.QueryRowContext(ctx, query, sessionID))
}

func (r *PGRepo) Advance(ctx context.Context, id string, from, to Phase, at time.Time) error {
	const query = `
UPDATE conversions
SET phase = $3,
    sending_at = CASE WHEN $3 = 'sending_result' THEN $4 ELSE sending_at END
WHERE id = $1 AND phase = $2`
	res, err := r.DB.ExecContext(ctx, query, id, string(from), string(to), at)
	if err != nil {
		return err
	}
	return r.requireUpdated(ctx, res, id)
}

func (r *PGRepo) SetSource(ctx context.Context, id string, info inspect.Info) error {
	const query = `
UPDATE conversions
SET source_pages = $2,
    source_width = $3,
    source_height = $4
WHERE id = $1`
	res, err := r.DB.ExecContext(ctx, query, id, nullInt(info.Pages), nullInt(info.Width), nullInt(info.Height))
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

func (r *PGRepo) Complete(ctx context.Context, id, resultToken string, at time.Time) (Conversion, error) {
	query := `
UPDATE conversions
SET phase = 'succeeded',
    result_token = $2,
    succeeded_at = $3
WHERE id = $1 AND phase IN ('converting', 'sending_result')
RETURNING ` + conversionColumns
	conv, err := scanConversion(r.DB.QueryRowContext(ctx, query, id, resultToken, at))
	if errors.Is(err, ErrNotFound) {
		if _, getErr := r.GetByID(ctx, id); getErr == nil {
			return Conversion{}, ErrStalePhase
		}
	}
	return conv, err
}

func (r *PGRepo) Discard(ctx context.Context, sessionID string, at time.Time) ([]Conversion, error) {
	query := `
UPDATE conversions
SET discarded_at = $2
WHERE session_id = $1 AND discarded_at IS NULL
RETURNING ` + conversionColumns
	rows, err := r.DB.QueryContext(ctx, query, sessionID, at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Conversion
	for rows.Next() {
		conv, err := scanConversion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

func (r *PGRepo) requireUpdated(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := r.GetByID(ctx, id); err != nil {
		return err
	}
	return ErrStalePhase
}

func scanConversion(row rowScanner) (Conversion, error) {
	var conv Conversion
	var phase string
	var resultToken sql.NullString
	var pages, width, height sql.NullInt64
	var sendingAt, succeededAt, discardedAt sql.NullTime
	err := row.Scan(
		&conv.ID,
		&conv.SessionID,
		&conv.DocumentID,
		&phase,
		&conv.OriginalName,
		&conv.ConvertedName,
		&conv.Recipient,
		&resultToken,
		&pages,
		&width,
		&height,
		&conv.CreatedAt,
		&sendingAt,
		&succeededAt,
		&discardedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversion{}, ErrNotFound
		}
		return Conversion{}, fmt.Errorf("scan conversion: %w", err)
	}
	conv.Phase = Phase(phase)
	conv.ResultToken = resultToken.String
	conv.SourcePages = int(pages.Int64)
	conv.SourceWidth = int(width.Int64)
	conv.SourceHeight = int(height.Int64)
	if sendingAt.Valid {
		conv.SendingAt = &sendingAt.Time
	}
	if succeededAt.Valid {
		conv.SucceededAt = &succeededAt.Time
	}
	if discardedAt.Valid {
		conv.DiscardedAt = &discardedAt.Time
	}
	return conv, nil
}

func nullInt(v int) sql.NullInt64 {
	if v <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(v), Valid: true}
}

var _ Repo = (*PGRepo)(nil)
