package conversions

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"himan-converter/internal/documents"
	"himan-converter/internal/links"
	"himan-converter/internal/outbox"
	"himan-converter/internal/shared/storage/object"
	localstore "himan-converter/internal/shared/storage/object/local"
)

type recordingRepo struct {
	*MemoryRepo
	mu    sync.Mutex
	steps map[string][]Phase
}

func newRecordingRepo() *recordingRepo {
	return &recordingRepo{MemoryRepo: NewMemoryRepo(), steps: make(map[string][]Phase)}
}

func (r *recordingRepo) Create(ctx context.Context, conv Conversion) error {
	if err := r.MemoryRepo.Create(ctx, conv); err != nil {
		return err
	}
	r.record(conv.ID, conv.Phase)
	return nil
}

func (r *recordingRepo) Advance(ctx context.Context, id string, from, to Phase, at time.Time) error {
	if err := r.MemoryRepo.Advance(ctx, id, from, to, at); err != nil {
		return err
	}
	r.record(id, to)
	return nil
}

func (r *recordingRepo) Complete(ctx context.Context, id, token string, at time.Time) (Conversion, error) {
	conv, err := r.MemoryRepo.Complete(ctx, id, token, at)
	if err != nil {
		return conv, err
	}
	r.record(id, PhaseSucceeded)
	return conv, nil
}

func (r *recordingRepo) record(id string, p Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[id] = append(r.steps[id], p)
}

func (r *recordingRepo) Steps(id string) []Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Phase(nil), r.steps[id]...)
}

type recordingOutbox struct {
	mu      sync.Mutex
	notices []outbox.Notice
}

func (o *recordingOutbox) Dispatch(ctx context.Context, notice outbox.Notice) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.notices = append(o.notices, notice)
	return nil
}

type testEnv struct {
	svc    *Service
	docs   *documents.Service
	repo   *recordingRepo
	links  *links.Registry
	outbox *recordingOutbox
}

func newTestEnv(t *testing.T, store object.ObjectStore, delay time.Duration) *testEnv {
	t.Helper()
	if store == nil {
		store = localstore.New(t.TempDir())
	}
	docs := &documents.Service{Store: store, Repo: documents.NewMemoryRepo()}
	repo := newRecordingRepo()
	reg := links.NewRegistry(time.Minute, nil)
	ob := &recordingOutbox{}
	svc := &Service{
		Repo:         repo,
		Selections:   docs,
		Store:        store,
		Links:        reg,
		Outbox:       ob,
		Extension:    "cdr",
		ConvertDelay: delay,
		SendDelay:    delay,
		RetryBackoff: time.Millisecond,
	}
	return &testEnv{svc: svc, docs: docs, repo: repo, links: reg, outbox: ob}
}

func (e *testEnv) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.svc.Wait(ctx); err != nil {
		t.Fatalf("pipeline did not finish: %v", err)
	}
}

func (e *testEnv) selectFile(t *testing.T, sessionID, name, mime, body string) documents.Document {
	t.Helper()
	doc, err := e.docs.Select(context.Background(), sessionID, name, mime, strings.NewReader(body))
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	return doc
}

func TestSubmitRunsPhasesInOrder(t *testing.T) {
	env := newTestEnv(t, nil, time.Millisecond)
	ctx := context.Background()
	env.selectFile(t, "session-1", "report.pdf", "application/pdf", "not really a pdf")

	conv, err := env.svc.Submit(ctx, "session-1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if conv.Phase != PhaseConverting {
		t.Fatalf("expected converting on submit, got %s", conv.Phase)
	}
	env.wait(t)

	steps := env.repo.Steps(conv.ID)
	want := []Phase{PhaseConverting, PhaseSendingResult, PhaseSucceeded}
	if len(steps) != len(want) {
		t.Fatalf("expected steps %v, got %v", want, steps)
	}
	for i := range want {
		if steps[i] != want[i] {
			t.Fatalf("expected steps %v, got %v", want, steps)
		}
	}

	view, err := env.svc.State(ctx, "session-1")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if view.Phase != PhaseSucceeded || view.Result == nil {
		t.Fatalf("expected succeeded with result, got %+v", view)
	}
	if view.Selection != nil {
		t.Fatalf("expected selection consumed, got %+v", view.Selection)
	}
	res := view.Result
	if res.OriginalName != "report.pdf" || res.ConvertedName != "report.cdr" {
		t.Fatalf("unexpected names %+v", res)
	}
	if res.Recipient != DefaultRecipient {
		t.Fatalf("unexpected recipient %q", res.Recipient)
	}
	if !strings.HasPrefix(res.ResultURL, "/api/v1/results/") {
		t.Fatalf("unexpected result url %q", res.ResultURL)
	}
	if res.ExpiresAt == "" {
		t.Fatalf("expected expiry on live result")
	}
}

func TestSubmitDispatchesNotice(t *testing.T) {
	env := newTestEnv(t, nil, 0)
	env.svc.Recipient = "ops@example.com"
	env.selectFile(t, "session-1", "photo.jpeg", "image/jpeg", "jpeg bytes")

	ctx := WithRequestID(context.Background(), "req-1")
	conv, err := env.svc.Submit(ctx, "session-1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	env.wait(t)

	env.outbox.mu.Lock()
	defer env.outbox.mu.Unlock()
	if len(env.outbox.notices) != 1 {
		t.Fatalf("expected 1 notice, got %d", len(env.outbox.notices))
	}
	n := env.outbox.notices[0]
	if n.ConversionID != conv.ID || n.Recipient != "ops@example.com" || n.ConvertedName != "photo.cdr" {
		t.Fatalf("unexpected notice %+v", n)
	}
	if n.RequestID != "req-1" {
		t.Fatalf("expected request id carried to background, got %q", n.RequestID)
	}
}

func TestSubmitWithoutSelection(t *testing.T) {
	env := newTestEnv(t, nil, 0)
	if _, err := env.svc.Submit(context.Background(), "session-1"); !errors.Is(err, ErrNoSelection) {
		t.Fatalf("expected ErrNoSelection, got %v", err)
	}
}

func TestSubmitWhileNotIdle(t *testing.T) {
	env := newTestEnv(t, nil, 20*time.Millisecond)
	ctx := context.Background()
	env.selectFile(t, "session-1", "a.pdf", "application/pdf", "a")
	if _, err := env.svc.Submit(ctx, "session-1"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	env.selectFile(t, "session-1", "b.pdf", "application/pdf", "b")
	if _, err := env.svc.Submit(ctx, "session-1"); !errors.Is(err, ErrNotIdle) {
		t.Fatalf("expected ErrNotIdle while running, got %v", err)
	}
	env.wait(t)
	if _, err := env.svc.Submit(ctx, "session-1"); !errors.Is(err, ErrNotIdle) {
		t.Fatalf("expected ErrNotIdle after success, got %v", err)
	}
}

func TestConcurrentSubmitStartsOnePipeline(t *testing.T) {
	env := newTestEnv(t, nil, 0)
	env.selectFile(t, "session-1", "a.pdf", "application/pdf", "a")

	var wg sync.WaitGroup
	var mu sync.Mutex
	started := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.svc.Submit(context.Background(), "session-1"); err == nil {
				mu.Lock()
				started++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	env.wait(t)

	if started != 1 {
		t.Fatalf("expected exactly one pipeline, got %d", started)
	}
}

func TestResetDuringPipelineStillCompletesOnce(t *testing.T) {
	env := newTestEnv(t, nil, 30*time.Millisecond)
	ctx := context.Background()
	env.selectFile(t, "session-1", "report.pdf", "application/pdf", "x")

	conv, err := env.svc.Submit(ctx, "session-1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	view, err := env.svc.Reset(ctx, "session-1")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if view.Phase != PhaseIdle {
		t.Fatalf("expected idle after reset, got %s", view.Phase)
	}
	env.wait(t)

	steps := env.repo.Steps(conv.ID)
	succeeded := 0
	for _, p := range steps {
		if p == PhaseSucceeded {
			succeeded++
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one success, got steps %v", steps)
	}

	stored, err := env.repo.GetByID(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !stored.Discarded() || stored.Phase != PhaseSucceeded {
		t.Fatalf("expected discarded succeeded conversion, got %+v", stored)
	}
	if _, err := env.links.Resolve(stored.ResultToken); !errors.Is(err, links.ErrNotFound) {
		t.Fatalf("expected result of discarded conversion to be revoked, got %v", err)
	}

	after, err := env.svc.State(ctx, "session-1")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if after.Phase != PhaseIdle || after.Result != nil {
		t.Fatalf("expected idle view after reset, got %+v", after)
	}
}

func TestResetAfterSuccessRevokesResult(t *testing.T) {
	env := newTestEnv(t, nil, 0)
	ctx := context.Background()
	env.selectFile(t, "session-1", "report.pdf", "application/pdf", "x")
	if _, err := env.svc.Submit(ctx, "session-1"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	env.wait(t)

	view, err := env.svc.State(ctx, "session-1")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	token := strings.TrimPrefix(view.Result.ResultURL, "/api/v1/results/")
	if _, err := env.links.Resolve(token); err != nil {
		t.Fatalf("expected live link before reset: %v", err)
	}

	if _, err := env.svc.Reset(ctx, "session-1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, err := env.links.Resolve(token); !errors.Is(err, links.ErrNotFound) {
		t.Fatalf("expected revoked link, got %v", err)
	}
	idle, err := env.svc.IsIdle(ctx, "session-1")
	if err != nil || !idle {
		t.Fatalf("expected idle after reset, got %v %v", idle, err)
	}

	if _, err := env.svc.Reset(ctx, "session-1"); err != nil {
		t.Fatalf("second reset: %v", err)
	}
}

func TestResetClearsPendingSelection(t *testing.T) {
	env := newTestEnv(t, nil, 0)
	ctx := context.Background()
	env.selectFile(t, "session-1", "report.pdf", "application/pdf", "x")

	if _, err := env.svc.Reset(ctx, "session-1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, err := env.svc.Submit(ctx, "session-1"); !errors.Is(err, ErrNoSelection) {
		t.Fatalf("expected selection cleared by reset, got %v", err)
	}
}

func TestGetScopedToSession(t *testing.T) {
	env := newTestEnv(t, nil, 0)
	ctx := context.Background()
	env.selectFile(t, "session-1", "report.pdf", "application/pdf", "x")
	conv, err := env.svc.Submit(ctx, "session-1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	env.wait(t)

	if _, err := env.svc.Get(ctx, "session-2", conv.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for other session, got %v", err)
	}
	got, err := env.svc.Get(ctx, "session-1", conv.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if env.svc.Result(got) == nil {
		t.Fatalf("expected result for succeeded conversion")
	}
}

func TestDownloadStreamsOriginalBytes(t *testing.T) {
	env := newTestEnv(t, nil, 0)
	ctx := context.Background()
	env.selectFile(t, "session-1", "report.pdf", "application/pdf", "original bytes")
	if _, err := env.svc.Submit(ctx, "session-1"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	env.wait(t)
	view, _ := env.svc.State(ctx, "session-1")
	token := strings.TrimPrefix(view.Result.ResultURL, "/api/v1/results/")

	dl, err := env.svc.Download(ctx, token)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	defer dl.Body.Close()
	raw, _ := io.ReadAll(dl.Body)
	if string(raw) != "original bytes" {
		t.Fatalf("unexpected bytes %q", raw)
	}
	if dl.Link.DownloadName != "report.cdr" {
		t.Fatalf("unexpected download name %q", dl.Link.DownloadName)
	}
}

type brokenSigningStore struct {
	object.ObjectStore
	signErr error
}

func (s brokenSigningStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	return nil, errors.New("connection reset")
}

func (s brokenSigningStore) SignedURL(ctx context.Context, key, name string, ttl time.Duration) (string, error) {
	if s.signErr != nil {
		return "", s.signErr
	}
	return "https://bucket.example/" + key + "?sig=1", nil
}

func TestDownloadFallsBackToSignedURL(t *testing.T) {
	base := localstore.New(t.TempDir())
	env := newTestEnv(t, base, 0)
	link, err := env.links.Mint(links.Link{StorageKey: "k/report.pdf", DownloadName: "report.cdr"})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	env.svc.Store = brokenSigningStore{ObjectStore: base}
	dl, err := env.svc.Download(context.Background(), link.Token)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if dl.RedirectURL != "https://bucket.example/k/report.pdf?sig=1" {
		t.Fatalf("unexpected redirect %q", dl.RedirectURL)
	}

	env.svc.Store = brokenSigningStore{ObjectStore: base, signErr: errors.New("no creds")}
	if _, err := env.svc.Download(context.Background(), link.Token); !errors.Is(err, ErrDownloadFailed) {
		t.Fatalf("expected ErrDownloadFailed, got %v", err)
	}
}

func TestDownloadUnknownAndExpired(t *testing.T) {
	env := newTestEnv(t, nil, 0)
	now := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	env.links = links.NewRegistry(time.Minute, func() time.Time { return now })
	env.svc.Links = env.links

	if _, err := env.svc.Download(context.Background(), "missing"); !errors.Is(err, links.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	link, _ := env.links.Mint(links.Link{StorageKey: "k"})
	now = now.Add(2 * time.Minute)
	if _, err := env.svc.Download(context.Background(), link.Token); !errors.Is(err, links.ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}
