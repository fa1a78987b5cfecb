package documents

import (
	"context"
	"time"
)

// DocumentsRepo defines persistence operations for documents.
type DocumentsRepo interface {
	// ReplacePending releases any pending document of the session and
	// stores doc as the new pending one.
	ReplacePending(ctx context.Context, doc Document) error
	GetPending(ctx context.Context, sessionID string) (Document, error)
	GetByID(ctx context.Context, sessionID, documentID string) (Document, error)
	// Release marks one pending document as released. It returns ErrNotFound
	// when the document is unknown or already released.
	Release(ctx context.Context, sessionID, documentID string, at time.Time) error
	// ReleasePending releases whatever is pending for the session.
	ReleasePending(ctx context.Context, sessionID string, at time.Time) (int64, error)
	// Restore makes a released document pending again. It returns
	// ErrNotFound when the document is unknown or another document is
	// already pending.
	Restore(ctx context.Context, sessionID, documentID string) error
}
