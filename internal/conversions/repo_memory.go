package conversions

import (
	"context"
	"sync"
	"time"

	"himan-converter/internal/inspect"
)

// MemoryRepo is an in-memory implementation of Repo.
type MemoryRepo struct {
	mu        sync.RWMutex
	byID      map[string]*Conversion
	bySession map[string][]string // sessionID -> conversion ids, oldest first
}

// NewMemoryRepo constructs a MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		byID:      make(map[string]*Conversion),
		bySession: make(map[string][]string),
	}
}

func (r *MemoryRepo) Create(ctx context.Context, conv Conversion) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := conv
	r.byID[conv.ID] = &stored
	r.bySession[conv.SessionID] = append(r.bySession[conv.SessionID], conv.ID)
	return nil
}

func (r *MemoryRepo) GetByID(ctx context.Context, id string) (Conversion, error) {
	if err := ctx.Err(); err != nil {
		return Conversion{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	conv, ok := r.byID[id]
	if !ok {
		return Conversion{}, ErrNotFound
	}
	return *conv, nil
}

func (r *MemoryRepo) GetActive(ctx context.Context, sessionID string) (Conversion, error) {
	if err := ctx.Err(); err != nil {
		return Conversion{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.bySession[sessionID]
	for i := len(ids) - 1; i >= 0; i-- {
		conv := r.byID[ids[i]]
		if conv.DiscardedAt == nil {
			return *conv, nil
		}
	}
	return Conversion{}, ErrNotFound
}

func (r *MemoryRepo) Advance(ctx context.Context, id string, from, to Phase, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	if conv.Phase != from {
		return ErrStalePhase
	}
	conv.Phase = to
	if to == PhaseSendingResult {
		conv.SendingAt = &at
	}
	return nil
}

func (r *MemoryRepo) SetSource(ctx context.Context, id string, info inspect.Info) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	conv.SourcePages = info.Pages
	conv.SourceWidth = info.Width
	conv.SourceHeight = info.Height
	return nil
}

func (r *MemoryRepo) Complete(ctx context.Context, id, resultToken string, at time.Time) (Conversion, error) {
	if err := ctx.Err(); err != nil {
		return Conversion{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.byID[id]
	if !ok {
		return Conversion{}, ErrNotFound
	}
	if conv.Phase != PhaseSendingResult && conv.Phase != PhaseConverting {
		return Conversion{}, ErrStalePhase
	}
	conv.Phase = PhaseSucceeded
	conv.ResultToken = resultToken
	conv.SucceededAt = &at
	return *conv, nil
}

func (r *MemoryRepo) Discard(ctx context.Context, sessionID string, at time.Time) ([]Conversion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Conversion
	for _, id := range r.bySession[sessionID] {
		conv := r.byID[id]
		if conv.DiscardedAt == nil {
			conv.DiscardedAt = &at
			out = append(out, *conv)
		}
	}
	return out, nil
}

var _ Repo = (*MemoryRepo)(nil)
