package conversions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"himan-converter/internal/documents"
	"himan-converter/internal/inspect"
	"himan-converter/internal/links"
	"himan-converter/internal/outbox"
	"himan-converter/internal/shared/metrics"
	"himan-converter/internal/shared/storage/object"
	"himan-converter/internal/shared/telemetry"
)

const (
	DefaultRecipient = "vdses.ngo@gmail.com"

	resultPathPrefix = "/api/v1/results/"
	minSignedURLTTL  = time.Minute

	stepAttempts        = 4
	defaultRetryBackoff = 100 * time.Millisecond
	cleanupTimeout      = 10 * time.Second
)

// Selections is the pending-file side of a session.
type Selections interface {
	Current(ctx context.Context, sessionID string) (documents.Document, error)
	Claim(ctx context.Context, sessionID string) (documents.Document, error)
	Clear(ctx context.Context, sessionID string) error
	Restore(ctx context.Context, doc documents.Document) error
	Purge(ctx context.Context, sessionID, documentID string) error
}

// Service runs the simulated conversion pipeline and owns session state.
type Service struct {
	Repo         Repo
	Selections   Selections
	Store        object.ObjectStore
	Links        *links.Registry
	Outbox       outbox.Outbox
	Recipient    string
	Extension    string
	ConvertDelay time.Duration
	SendDelay    time.Duration
	RetryBackoff time.Duration
	Now          func() time.Time

	submitMu sync.Mutex
	inflight sync.WaitGroup
}

// View is the state of a session as the client renders it.
type View struct {
	SessionID    string                       `json:"sessionId"`
	Phase        Phase                        `json:"phase"`
	ConversionID string                       `json:"conversionId,omitempty"`
	Selection    *documents.SelectionResponse `json:"selection,omitempty"`
	Result       *GeneratedResult             `json:"result,omitempty"`
}

// Download is either an open result stream or a URL to redirect to.
type Download struct {
	Link        links.Link
	Body        io.ReadCloser
	RedirectURL string
}

// IsIdle reports whether the session has no active conversion.
func (s *Service) IsIdle(ctx context.Context, sessionID string) (bool, error) {
	_, err := s.Repo.GetActive(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

// State returns the session's view state.
func (s *Service) State(ctx context.Context, sessionID string) (View, error) {
	if strings.TrimSpace(sessionID) == "" {
		return View{}, fmt.Errorf("%w: session id required", ErrInvalidInput)
	}
	view := View{SessionID: sessionID, Phase: PhaseIdle}

	doc, err := s.Selections.Current(ctx, sessionID)
	switch {
	case err == nil:
		sel := documents.ToResponse(doc)
		view.Selection = &sel
	case !errors.Is(err, documents.ErrNotFound):
		return View{}, err
	}

	conv, err := s.Repo.GetActive(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return view, nil
	}
	if err != nil {
		return View{}, err
	}
	view.Phase = conv.Phase
	view.ConversionID = conv.ID
	if conv.Phase == PhaseSucceeded {
		view.Result = s.result(conv)
	}
	return view, nil
}

// Submit starts the pipeline for the session's pending selection. It
// returns as soon as the conversion is recorded.
func (s *Service) Submit(ctx context.Context, sessionID string) (Conversion, error) {
	if strings.TrimSpace(sessionID) == "" {
		return Conversion{}, fmt.Errorf("%w: session id required", ErrInvalidInput)
	}

	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	idle, err := s.IsIdle(ctx, sessionID)
	if err != nil {
		return Conversion{}, err
	}
	if !idle {
		return Conversion{}, ErrNotIdle
	}

	doc, err := s.Selections.Claim(ctx, sessionID)
	if err != nil {
		if errors.Is(err, documents.ErrNotFound) {
			return Conversion{}, ErrNoSelection
		}
		return Conversion{}, fmt.Errorf("claim selection: %w", err)
	}

	conv := Conversion{
		ID:            uuid.NewString(),
		SessionID:     sessionID,
		DocumentID:    doc.ID,
		Phase:         PhaseConverting,
		OriginalName:  doc.FileName,
		ConvertedName: ConvertedName(doc.FileName, s.Extension),
		Recipient:     s.recipient(),
		CreatedAt:     s.now(),
	}
	if err := s.Repo.Create(ctx, conv); err != nil {
		if restoreErr := s.Selections.Restore(context.WithoutCancel(ctx), doc); restoreErr != nil {
			telemetry.Warn("selection.restore_failed", map[string]any{
				"request_id":  requestIDFromContext(ctx),
				"session_id":  sessionID,
				"document_id": doc.ID,
				"error":       restoreErr,
			})
		}
		return Conversion{}, fmt.Errorf("create conversion: %w", err)
	}

	metrics.IncConversionStarted()
	s.logStatus(ctx, conv, PhaseIdle, PhaseConverting)

	s.inflight.Add(1)
	go s.run(backgroundWithRequestID(ctx), conv, doc)

	return conv, nil
}

// Get returns a conversion owned by the session.
func (s *Service) Get(ctx context.Context, sessionID, conversionID string) (Conversion, error) {
	if strings.TrimSpace(conversionID) == "" {
		return Conversion{}, fmt.Errorf("%w: conversion id required", ErrInvalidInput)
	}
	conv, err := s.Repo.GetByID(ctx, conversionID)
	if err != nil {
		return Conversion{}, err
	}
	if conv.SessionID != sessionID {
		return Conversion{}, ErrNotFound
	}
	return conv, nil
}

// Result returns the generated result of a succeeded conversion, or nil.
func (s *Service) Result(conv Conversion) *GeneratedResult {
	if conv.Phase != PhaseSucceeded || conv.Discarded() {
		return nil
	}
	return s.result(conv)
}

// Reset returns the session to idle. The active conversion is discarded,
// its result link revoked and the pending selection dropped. A pipeline
// still running keeps going but is no longer visible.
func (s *Service) Reset(ctx context.Context, sessionID string) (View, error) {
	if strings.TrimSpace(sessionID) == "" {
		return View{}, fmt.Errorf("%w: session id required", ErrInvalidInput)
	}

	discarded, err := s.Repo.Discard(ctx, sessionID, s.now())
	if err != nil {
		return View{}, fmt.Errorf("discard conversions: %w", err)
	}
	for _, conv := range discarded {
		if conv.ResultToken != "" && s.Links != nil {
			s.Links.Revoke(conv.ResultToken)
		}
		if err := s.Selections.Purge(ctx, sessionID, conv.DocumentID); err != nil {
			s.logStepError(ctx, conv, "purge", err)
		}
		s.logStatus(ctx, conv, conv.Phase, PhaseIdle)
	}

	if err := s.Selections.Clear(ctx, sessionID); err != nil {
		return View{}, fmt.Errorf("clear selection: %w", err)
	}

	metrics.IncReset()
	return View{SessionID: sessionID, Phase: PhaseIdle}, nil
}

// Download resolves a result token. When the stored bytes cannot be opened
// and the store can sign URLs, a redirect URL is returned instead.
func (s *Service) Download(ctx context.Context, token string) (Download, error) {
	link, err := s.Links.Resolve(token)
	if err != nil {
		return Download{}, err
	}

	body, openErr := s.Store.Open(ctx, link.StorageKey)
	if openErr == nil {
		return Download{Link: link, Body: body}, nil
	}

	fields := map[string]any{
		"request_id":    requestIDFromContext(ctx),
		"session_id":    link.SessionID,
		"conversion_id": link.ConversionID,
		"error":         openErr,
	}
	if signer, ok := s.Store.(object.URLSigner); ok {
		ttl := link.ExpiresAt.Sub(s.now())
		if ttl < minSignedURLTTL {
			ttl = minSignedURLTTL
		}
		url, signErr := signer.SignedURL(ctx, link.StorageKey, link.DownloadName, ttl)
		if signErr == nil {
			telemetry.Warn("result.download_fallback", fields)
			return Download{Link: link, RedirectURL: url}, nil
		}
		fields["sign_error"] = signErr
	}
	telemetry.Error("result.download_failed", fields)
	return Download{}, fmt.Errorf("%w: %v", ErrDownloadFailed, openErr)
}

// ExpireResult deletes the stored bytes behind a link the registry dropped
// on expiry.
func (s *Service) ExpireResult(link links.Link) {
	if s.Store == nil || link.StorageKey == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := s.Store.Delete(ctx, link.StorageKey); err != nil {
		telemetry.Warn("result.cleanup_failed", map[string]any{
			"session_id":    link.SessionID,
			"conversion_id": link.ConversionID,
			"error":         err,
		})
	}
}

// Wait blocks until every started pipeline has finished or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) run(ctx context.Context, conv Conversion, doc documents.Document) {
	defer s.inflight.Done()
	defer func() {
		if r := recover(); r != nil {
			telemetry.Error("conversion.panic", map[string]any{
				"request_id":    requestIDFromContext(ctx),
				"session_id":    conv.SessionID,
				"conversion_id": conv.ID,
				"error":         fmt.Sprint(r),
			})
		}
	}()
	startedAt := s.now()

	s.inspectSource(ctx, conv, doc)
	sleep(s.convertDelay())

	// Complete also accepts a conversion stuck in converting, so a failed
	// advance does not keep the session busy.
	phase := PhaseConverting
	err := s.retry(ctx, conv, "advance", func() error {
		return s.Repo.Advance(ctx, conv.ID, PhaseConverting, PhaseSendingResult, s.now())
	})
	if err != nil {
		s.logStepError(ctx, conv, "advance", err)
	} else {
		phase = PhaseSendingResult
		s.logStatus(ctx, conv, PhaseConverting, PhaseSendingResult)
	}

	s.dispatch(ctx, conv)
	sleep(s.sendDelay())

	s.complete(ctx, conv, doc, phase, startedAt)
}

// retry runs a repository step until it succeeds, hits a permanent error or
// runs out of attempts.
func (s *Service) retry(ctx context.Context, conv Conversion, step string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= stepAttempts; attempt++ {
		err = fn()
		if err == nil || errors.Is(err, ErrStalePhase) || errors.Is(err, ErrNotFound) {
			return err
		}
		if attempt == stepAttempts {
			break
		}
		telemetry.Warn("conversion.step_retry", map[string]any{
			"request_id":    requestIDFromContext(ctx),
			"session_id":    conv.SessionID,
			"conversion_id": conv.ID,
			"step":          step,
			"attempt":       attempt,
			"error":         err,
		})
		sleep(s.retryBackoff() * time.Duration(attempt))
	}
	return err
}

func (s *Service) inspectSource(ctx context.Context, conv Conversion, doc documents.Document) {
	if s.Store == nil {
		return
	}
	info, err := inspect.Source(ctx, s.Store, doc.StorageKey, doc.MimeType)
	if err != nil {
		s.logStepError(ctx, conv, "inspect", err)
		return
	}
	if err := s.Repo.SetSource(ctx, conv.ID, info); err != nil {
		s.logStepError(ctx, conv, "inspect", err)
	}
}

func (s *Service) dispatch(ctx context.Context, conv Conversion) {
	if s.Outbox == nil {
		return
	}
	notice := outbox.NewNotice(conv.ID, conv.Recipient, conv.ConvertedName, requestIDFromContext(ctx), s.now())
	if err := s.Outbox.Dispatch(ctx, notice); err != nil {
		s.logStepError(ctx, conv, "dispatch", err)
	}
}

func (s *Service) complete(ctx context.Context, conv Conversion, doc documents.Document, from Phase, startedAt time.Time) {
	var token string
	if s.Links != nil {
		link, err := s.Links.Mint(links.Link{
			StorageKey:   doc.StorageKey,
			DownloadName: conv.ConvertedName,
			MimeType:     doc.MimeType,
			SessionID:    conv.SessionID,
			ConversionID: conv.ID,
		})
		if err != nil {
			s.logStepError(ctx, conv, "mint", err)
		} else {
			token = link.Token
		}
	}

	var done Conversion
	err := s.retry(ctx, conv, "complete", func() error {
		var err error
		done, err = s.Repo.Complete(ctx, conv.ID, token, s.now())
		return err
	})
	if err != nil {
		s.logStepError(ctx, conv, "complete", err)
		if token != "" {
			s.Links.Revoke(token)
		}
		return
	}
	if done.Discarded() && token != "" {
		s.Links.Revoke(token)
	}

	metrics.IncConversionSucceeded()
	metrics.ObservePipelineDuration(s.now().Sub(startedAt))
	s.logStatus(ctx, conv, from, PhaseSucceeded)
}

func (s *Service) result(conv Conversion) *GeneratedResult {
	res := &GeneratedResult{
		OriginalName:  conv.OriginalName,
		ConvertedName: conv.ConvertedName,
		Recipient:     conv.Recipient,
		SourcePages:   conv.SourcePages,
		SourceWidth:   conv.SourceWidth,
		SourceHeight:  conv.SourceHeight,
	}
	if conv.ResultToken != "" {
		res.ResultURL = resultPathPrefix + conv.ResultToken
		if s.Links != nil {
			if link, err := s.Links.Resolve(conv.ResultToken); err == nil {
				res.ExpiresAt = link.ExpiresAt.Format(time.RFC3339)
			}
		}
	}
	return res
}

func (s *Service) logStatus(ctx context.Context, conv Conversion, from, to Phase) {
	telemetry.Info("conversion.status", map[string]any{
		"request_id":        requestIDFromContext(ctx),
		"session_id":        conv.SessionID,
		"document_id":       conv.DocumentID,
		"conversion_id":     conv.ID,
		"status":            string(to),
		"status_transition": transition(from, to),
	})
}

func (s *Service) logStepError(ctx context.Context, conv Conversion, step string, err error) {
	telemetry.Warn("conversion.step_failed", map[string]any{
		"request_id":    requestIDFromContext(ctx),
		"session_id":    conv.SessionID,
		"conversion_id": conv.ID,
		"step":          step,
		"error":         err,
	})
}

func (s *Service) recipient() string {
	if strings.TrimSpace(s.Recipient) == "" {
		return DefaultRecipient
	}
	return s.Recipient
}

func (s *Service) convertDelay() time.Duration {
	if s.ConvertDelay < 0 {
		return 0
	}
	return s.ConvertDelay
}

func (s *Service) sendDelay() time.Duration {
	if s.SendDelay < 0 {
		return 0
	}
	return s.SendDelay
}

func (s *Service) retryBackoff() time.Duration {
	if s.RetryBackoff <= 0 {
		return defaultRetryBackoff
	}
	return s.RetryBackoff
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	<-timer.C
}
