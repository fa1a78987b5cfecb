package conversions

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"himan-converter/internal/links"
	"himan-converter/internal/outbox"
	localstore "himan-converter/internal/shared/storage/object/local"
)

type flakyRepo struct {
	*recordingRepo
	mu              sync.Mutex
	advanceFailures int
	createErr       error
}

func (r *flakyRepo) Advance(ctx context.Context, id string, from, to Phase, at time.Time) error {
	r.mu.Lock()
	if r.advanceFailures > 0 {
		r.advanceFailures--
		r.mu.Unlock()
		return errors.New("connection reset")
	}
	r.mu.Unlock()
	return r.recordingRepo.Advance(ctx, id, from, to, at)
}

func (r *flakyRepo) Create(ctx context.Context, conv Conversion) error {
	r.mu.Lock()
	err := r.createErr
	r.mu.Unlock()
	if err != nil {
		return err
	}
	return r.recordingRepo.Create(ctx, conv)
}

func (r *flakyRepo) setCreateErr(err error) {
	r.mu.Lock()
	r.createErr = err
	r.mu.Unlock()
}

type failingOutbox struct {
	mu    sync.Mutex
	calls int
}

func (o *failingOutbox) Dispatch(ctx context.Context, notice outbox.Notice) error {
	o.mu.Lock()
	o.calls++
	o.mu.Unlock()
	return errors.New("queue unavailable")
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func countFiles(t *testing.T, dir string) int {
	t.Helper()
	n := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			n++
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk %s: %v", dir, err)
	}
	return n
}

func assertSteps(t *testing.T, got, want []Phase) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected steps %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected steps %v, got %v", want, got)
		}
	}
}

func TestAdvanceFailureIsRetried(t *testing.T) {
	env := newTestEnv(t, nil, 0)
	repo := &flakyRepo{recordingRepo: env.repo, advanceFailures: 1}
	env.svc.Repo = repo
	ctx := context.Background()
	env.selectFile(t, "session-1", "report.pdf", "application/pdf", "x")

	conv, err := env.svc.Submit(ctx, "session-1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	env.wait(t)

	assertSteps(t, env.repo.Steps(conv.ID), []Phase{PhaseConverting, PhaseSendingResult, PhaseSucceeded})
	view, err := env.svc.State(ctx, "session-1")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if view.Phase != PhaseSucceeded || view.Result == nil {
		t.Fatalf("expected succeeded with result, got %+v", view)
	}
}

func TestAdvanceOutageStillSucceeds(t *testing.T) {
	env := newTestEnv(t, nil, 0)
	repo := &flakyRepo{recordingRepo: env.repo, advanceFailures: 100}
	env.svc.Repo = repo
	ctx := context.Background()
	env.selectFile(t, "session-1", "report.pdf", "application/pdf", "x")

	conv, err := env.svc.Submit(ctx, "session-1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	env.wait(t)

	assertSteps(t, env.repo.Steps(conv.ID), []Phase{PhaseConverting, PhaseSucceeded})
	view, err := env.svc.State(ctx, "session-1")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if view.Phase != PhaseSucceeded || view.Result == nil || view.Result.ResultURL == "" {
		t.Fatalf("expected succeeded with result, got %+v", view)
	}

	if _, err := env.svc.Reset(ctx, "session-1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	env.selectFile(t, "session-1", "next.pdf", "application/pdf", "y")
	if _, err := env.svc.Submit(ctx, "session-1"); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	env.wait(t)
}

func TestSubmitRestoresSelectionWhenCreateFails(t *testing.T) {
	env := newTestEnv(t, nil, 0)
	repo := &flakyRepo{recordingRepo: env.repo, createErr: errors.New("db down")}
	env.svc.Repo = repo
	ctx := context.Background()
	doc := env.selectFile(t, "session-1", "report.pdf", "application/pdf", "x")

	if _, err := env.svc.Submit(ctx, "session-1"); err == nil || errors.Is(err, ErrNotIdle) || errors.Is(err, ErrNoSelection) {
		t.Fatalf("expected create failure, got %v", err)
	}
	current, err := env.docs.Current(ctx, "session-1")
	if err != nil || current.ID != doc.ID {
		t.Fatalf("expected selection %s kept after failed submit, got %+v (%v)", doc.ID, current, err)
	}
	idle, err := env.svc.IsIdle(ctx, "session-1")
	if err != nil || !idle {
		t.Fatalf("expected idle session, got %v (%v)", idle, err)
	}

	repo.setCreateErr(nil)
	conv, err := env.svc.Submit(ctx, "session-1")
	if err != nil {
		t.Fatalf("retry submit: %v", err)
	}
	if conv.DocumentID != doc.ID {
		t.Fatalf("expected conversion of %s, got %s", doc.ID, conv.DocumentID)
	}
	env.wait(t)
}

func TestOutboxFailureDoesNotStopPipeline(t *testing.T) {
	env := newTestEnv(t, nil, 0)
	ob := &failingOutbox{}
	env.svc.Outbox = ob
	ctx := context.Background()
	env.selectFile(t, "session-1", "photo.png", "image/png", "not a png")

	conv, err := env.svc.Submit(ctx, "session-1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	env.wait(t)

	assertSteps(t, env.repo.Steps(conv.ID), []Phase{PhaseConverting, PhaseSendingResult, PhaseSucceeded})
	ob.mu.Lock()
	calls := ob.calls
	ob.mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected one dispatch attempt, got %d", calls)
	}
	stored, err := env.repo.GetByID(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := env.links.Resolve(stored.ResultToken); err != nil {
		t.Fatalf("expected live result link, got %v", err)
	}
}

func TestResetDeletesStoredBytes(t *testing.T) {
	dir := t.TempDir()
	env := newTestEnv(t, localstore.New(dir), 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		env.selectFile(t, "session-1", "draft.pdf", "application/pdf", "draft")
		env.selectFile(t, "session-1", "final.pdf", "application/pdf", "final")
		if _, err := env.svc.Submit(ctx, "session-1"); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		env.wait(t)
		if _, err := env.svc.Reset(ctx, "session-1"); err != nil {
			t.Fatalf("reset %d: %v", i, err)
		}
	}

	if got := countFiles(t, dir); got != 0 {
		t.Fatalf("expected no stored files after reset cycles, got %d", got)
	}
	if env.links.Len() != 0 {
		t.Fatalf("expected no live links, got %d", env.links.Len())
	}
}

func TestExpiredResultBytesAreDeleted(t *testing.T) {
	dir := t.TempDir()
	env := newTestEnv(t, localstore.New(dir), 0)
	clock := &stepClock{now: time.Now()}
	reg := links.NewRegistry(time.Minute, clock.Now)
	reg.OnExpire(env.svc.ExpireResult)
	env.svc.Links = reg
	ctx := context.Background()

	env.selectFile(t, "session-1", "report.pdf", "application/pdf", "x")
	conv, err := env.svc.Submit(ctx, "session-1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	env.wait(t)
	if got := countFiles(t, dir); got != 1 {
		t.Fatalf("expected result bytes while the link is live, got %d files", got)
	}

	clock.Advance(2 * time.Minute)
	if removed := reg.Sweep(); removed != 1 {
		t.Fatalf("expected 1 expired link, got %d", removed)
	}
	if got := countFiles(t, dir); got != 0 {
		t.Fatalf("expected expired result bytes deleted, got %d files", got)
	}

	stored, err := env.repo.GetByID(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := env.svc.Download(ctx, stored.ResultToken); !errors.Is(err, links.ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}
