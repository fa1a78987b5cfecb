package documents

import (
	"context"
	"sync"
	"time"
)

// MemoryRepo is an in-memory implementation of DocumentsRepo.
type MemoryRepo struct {
	mu   sync.RWMutex
	data map[string][]Document // sessionID -> documents, oldest first
}

// NewMemoryRepo constructs a MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		data: make(map[string][]Document),
	}
}

// ReplacePending releases the current selection and appends doc.
func (r *MemoryRepo) ReplacePending(ctx context.Context, doc Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	docs := r.data[doc.SessionID]
	at := doc.CreatedAt
	for i := range docs {
		if docs[i].ReleasedAt == nil {
			docs[i].ReleasedAt = &at
		}
	}
	doc.ReleasedAt = nil
	r.data[doc.SessionID] = append(docs, doc)
	return nil
}

// GetPending returns the pending document for a session.
func (r *MemoryRepo) GetPending(ctx context.Context, sessionID string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	docs := r.data[sessionID]
	for i := len(docs) - 1; i >= 0; i-- {
		if docs[i].ReleasedAt == nil {
			return docs[i], nil
		}
	}
	return Document{}, ErrNotFound
}

// GetByID returns a document by ID for a session.
func (r *MemoryRepo) GetByID(ctx context.Context, sessionID, documentID string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	docs := r.data[sessionID]
	for i := range docs {
		if docs[i].ID == documentID {
			return docs[i], nil
		}
	}
	return Document{}, ErrNotFound
}

// Release marks a pending document as released.
func (r *MemoryRepo) Release(ctx context.Context, sessionID, documentID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	docs := r.data[sessionID]
	for i := range docs {
		if docs[i].ID == documentID {
			if docs[i].ReleasedAt != nil {
				return ErrNotFound
			}
			docs[i].ReleasedAt = &at
			return nil
		}
	}
	return ErrNotFound
}

// ReleasePending releases every pending document for a session.
func (r *MemoryRepo) ReleasePending(ctx context.Context, sessionID string, at time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	docs := r.data[sessionID]
	for i := range docs {
		if docs[i].ReleasedAt == nil {
			docs[i].ReleasedAt = &at
			n++
		}
	}
	return n, nil
}

// Restore makes a released document pending again.
func (r *MemoryRepo) Restore(ctx context.Context, sessionID, documentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	docs := r.data[sessionID]
	target := -1
	for i := range docs {
		if docs[i].ReleasedAt == nil {
			return ErrNotFound
		}
		if docs[i].ID == documentID {
			target = i
		}
	}
	if target < 0 {
		return ErrNotFound
	}
	docs[target].ReleasedAt = nil
	return nil
}

var _ DocumentsRepo = (*MemoryRepo)(nil)
