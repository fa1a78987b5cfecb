package conversions

import (
	"context"
	"time"

	"himan-converter/internal/inspect"
)

// Repo defines persistence operations for conversions.
type Repo interface {
	Create(ctx context.Context, conv Conversion) error
	GetByID(ctx context.Context, id string) (Conversion, error)
	// GetActive returns the newest conversion of the session that has not
	// been discarded.
	GetActive(ctx context.Context, sessionID string) (Conversion, error)
	// Advance moves a conversion from one phase to the next. It returns
	// ErrStalePhase when the stored phase is not from.
	Advance(ctx context.Context, id string, from, to Phase, at time.Time) error
	SetSource(ctx context.Context, id string, info inspect.Info) error
	// Complete records the result and moves converting or sending_result
	// to succeeded.
	Complete(ctx context.Context, id, resultToken string, at time.Time) (Conversion, error)
	// Discard hides every active conversion of the session and returns them.
	Discard(ctx context.Context, sessionID string, at time.Time) ([]Conversion, error)
}
