package documents

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"himan-converter/internal/shared/metrics"
	"himan-converter/internal/shared/storage/object"
	"himan-converter/internal/shared/telemetry"
	"himan-converter/internal/shared/util"
	"himan-converter/internal/uploads"
)

// Service contains business logic for the pending selection of a session.
type Service struct {
	Store           object.ObjectStore
	Repo            DocumentsRepo
	StorageProvider string
	Now             func() time.Time
}

// Select validates the declared type, stores the bytes and makes the new
// document the session's pending selection.
func (s *Service) Select(ctx context.Context, sessionID, fileName, mimeType string, r io.Reader) (Document, error) {
	if strings.TrimSpace(sessionID) == "" {
		return Document{}, fmt.Errorf("%w: session id required", ErrInvalidInput)
	}
	fileName = baseName(fileName)
	if fileName == "" {
		return Document{}, fmt.Errorf("%w: file name required", ErrInvalidInput)
	}
	if err := uploads.ValidateMIME(mimeType); err != nil {
		metrics.IncUploadRejected()
		telemetry.Warn("selection.rejected", map[string]any{
			"session_id": sessionID,
			"mime_type":  mimeType,
			"file_name":  fileName,
		})
		return Document{}, err
	}

	storageKey, size, sniffed, err := s.Store.Save(ctx, sessionID, fileName, r)
	if err != nil {
		if errors.Is(err, util.ErrInvalidFileName) {
			return Document{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return Document{}, fmt.Errorf("save selection: %w", err)
	}

	doc := Document{
		ID:              uuid.NewString(),
		SessionID:       sessionID,
		FileName:        fileName,
		MimeType:        uploads.NormalizeMIME(mimeType),
		SniffedType:     sniffed,
		SizeBytes:       size,
		StorageProvider: s.storageProvider(),
		StorageKey:      storageKey,
		CreatedAt:       s.now(),
	}

	prev, prevErr := s.Repo.GetPending(ctx, sessionID)
	if err := s.Repo.ReplacePending(ctx, doc); err != nil {
		if delErr := s.Store.Delete(ctx, storageKey); delErr != nil {
			telemetry.Warn("selection.cleanup_failed", map[string]any{
				"session_id": sessionID,
				"error":      delErr,
			})
		}
		return Document{}, fmt.Errorf("record selection: %w", err)
	}

	if prevErr == nil && prev.ID != doc.ID {
		s.deleteObject(ctx, prev)
	}

	metrics.IncUploadAccepted()
	return doc, nil
}

// Current returns the pending selection of a session.
func (s *Service) Current(ctx context.Context, sessionID string) (Document, error) {
	if strings.TrimSpace(sessionID) == "" {
		return Document{}, fmt.Errorf("%w: session id required", ErrInvalidInput)
	}
	return s.Repo.GetPending(ctx, sessionID)
}

// Clear drops the pending selection. Clearing an empty selection succeeds.
func (s *Service) Clear(ctx context.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("%w: session id required", ErrInvalidInput)
	}
	prev, prevErr := s.Repo.GetPending(ctx, sessionID)
	if _, err := s.Repo.ReleasePending(ctx, sessionID, s.now()); err != nil {
		return err
	}
	if prevErr == nil {
		s.deleteObject(ctx, prev)
	}
	return nil
}

// Claim takes the pending selection for a conversion. Only one caller can
// claim a given document.
func (s *Service) Claim(ctx context.Context, sessionID string) (Document, error) {
	doc, err := s.Current(ctx, sessionID)
	if err != nil {
		return Document{}, err
	}
	if err := s.Repo.Release(ctx, sessionID, doc.ID, s.now()); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// Restore puts a claimed document back as the pending selection. It fails
// with ErrNotFound when another file was selected in the meantime.
func (s *Service) Restore(ctx context.Context, doc Document) error {
	return s.Repo.Restore(ctx, doc.SessionID, doc.ID)
}

// Purge deletes the stored bytes of a released document.
func (s *Service) Purge(ctx context.Context, sessionID, documentID string) error {
	doc, err := s.Get(ctx, sessionID, documentID)
	if err != nil {
		return err
	}
	if doc.Pending() {
		return fmt.Errorf("%w: document is still selected", ErrInvalidInput)
	}
	return s.Store.Delete(ctx, doc.StorageKey)
}

// Get returns a document of the session, released or not.
func (s *Service) Get(ctx context.Context, sessionID, documentID string) (Document, error) {
	if strings.TrimSpace(sessionID) == "" || strings.TrimSpace(documentID) == "" {
		return Document{}, fmt.Errorf("%w: session id and document id required", ErrInvalidInput)
	}
	doc, err := s.Repo.GetByID(ctx, sessionID, documentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Document{}, ErrNotFound
		}
		return Document{}, err
	}
	return doc, nil
}

func (s *Service) deleteObject(ctx context.Context, doc Document) {
	if err := s.Store.Delete(ctx, doc.StorageKey); err != nil {
		telemetry.Warn("selection.cleanup_failed", map[string]any{
			"session_id":  doc.SessionID,
			"document_id": doc.ID,
			"error":       err,
		})
	}
}

func (s *Service) storageProvider() string {
	if s.StorageProvider == "" {
		return "local"
	}
	return s.StorageProvider
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// baseName keeps the last path element of a client supplied name.
func baseName(name string) string {
	name = strings.TrimSpace(name)
	if idx := strings.LastIndexAny(name, `/\`); idx >= 0 {
		name = name[idx+1:]
	}
	return strings.TrimSpace(name)
}
