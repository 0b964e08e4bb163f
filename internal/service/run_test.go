package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/stageflow/internal/domain"
	"github.com/Strob0t/stageflow/internal/domain/run"
	"github.com/Strob0t/stageflow/internal/domain/stage"
	"github.com/Strob0t/stageflow/internal/domain/worker"
	"github.com/Strob0t/stageflow/internal/port/broadcast"
	"github.com/Strob0t/stageflow/internal/port/messagequeue"
	"github.com/Strob0t/stageflow/internal/resilience"
)

func createReq(card string, st stage.Stage) *run.CreateRequest {
	return &run.CreateRequest{CardID: card, WorkspaceID: "ws-1", Stage: st, TriggeredBy: "test"}
}

func mustCreate(t *testing.T, f *fixture, card string, st stage.Stage) *run.Run {
	t.Helper()
	r, created, err := f.runs.CreateRun(context.Background(), createReq(card, st))
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if !created {
		t.Fatalf("expected a new run for %s/%s", card, st)
	}
	return r
}

func mustGet(t *testing.T, f *fixture, id string) *run.Run {
	t.Helper()
	r, err := f.runs.GetRunByID(context.Background(), id)
	if err != nil || r == nil {
		t.Fatalf("GetRunByID(%s) = %v, %v", id, r, err)
	}
	return r
}

func TestCreateRun_SingleFlight(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	first := mustCreate(t, f, "card-1", stage.PRD)
	if first.Status != run.StatusQueued || first.Attempt != 1 {
		t.Fatalf("unexpected new run: status=%s attempt=%d", first.Status, first.Attempt)
	}

	again, created, err := f.runs.CreateRun(ctx, createReq("card-1", stage.PRD))
	if err != nil {
		t.Fatalf("second CreateRun: %v", err)
	}
	if created || again.ID != first.ID {
		t.Fatalf("expected existing run %s, got %s (created=%v)", first.ID, again.ID, created)
	}

	// A different stage of the same card is its own slot.
	other := mustCreate(t, f, "card-1", stage.Design)
	if other.ID == first.ID {
		t.Fatal("different stage reused the prd run")
	}

	if ok, err := f.runs.CompleteRun(ctx, first.ID, &run.CompleteRequest{Status: run.StatusSucceeded}); err != nil || !ok {
		t.Fatalf("CompleteRun = %v, %v", ok, err)
	}
	third := mustCreate(t, f, "card-1", stage.PRD)
	if third.ID == first.ID {
		t.Fatal("expected a new run after the first reached a terminal status")
	}
	if third.IdempotencyKey == first.IdempotencyKey {
		t.Fatal("idempotency keys must differ between runs")
	}
}

func TestCreateRun_ConcurrentSingleFlight(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	const n = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = make(map[string]bool)
		created int
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, c, err := f.runs.CreateRun(ctx, createReq("card-race", stage.Build))
			if err != nil {
				t.Errorf("CreateRun: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ids[r.ID] = true
			if c {
				created++
			}
		}()
	}
	wg.Wait()

	if len(ids) != 1 || created != 1 {
		t.Fatalf("expected one run created once, got ids=%d created=%d", len(ids), created)
	}
	if got := f.queue.count(messagequeue.RunQueuedSubject("ws-1")); got != 1 {
		t.Fatalf("expected one queued message, got %d", got)
	}
}

func TestCreateRun_Validation(t *testing.T) {
	f := newFixture()
	tests := []struct {
		name string
		req  *run.CreateRequest
	}{
		{"missing card", &run.CreateRequest{WorkspaceID: "ws", Stage: stage.PRD}},
		{"missing workspace", &run.CreateRequest{CardID: "c", Stage: stage.PRD}},
		{"unknown stage", &run.CreateRequest{CardID: "c", WorkspaceID: "ws", Stage: "launch"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := f.runs.CreateRun(context.Background(), tc.req)
			if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestCreateRun_EventsAndPublishFailure(t *testing.T) {
	f := newFixture()
	r := mustCreate(t, f, "card-1", stage.Inbox)

	if got := f.queue.count("runs.queued.ws-1"); got != 1 {
		t.Fatalf("expected runs.queued.ws-1 once, got %d", got)
	}
	if got := f.hub.count(broadcast.EventRunStatus); got != 1 {
		t.Fatalf("expected one run.status broadcast, got %d", got)
	}

	f.queue.fail = errQueueDown
	second := mustCreate(t, f, "card-2", stage.Inbox)
	if second.ID == r.ID {
		t.Fatal("expected a distinct run")
	}
	if got := mustGet(t, f, second.ID); got.Status != run.StatusQueued {
		t.Fatalf("run must be stored despite publish failure, status=%s", got.Status)
	}
}

func TestCreateRun_BreakerStopsPublishing(t *testing.T) {
	f := newFixture()
	f.queue.fail = errQueueDown
	b := resilience.NewBreaker("queue", 1, time.Hour)
	f.runs.SetBreaker(b)

	mustCreate(t, f, "card-1", stage.Inbox)
	if err := b.Execute(func() error { return nil }); !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("expected breaker open after publish failure, got %v", err)
	}

	f.queue.fail = nil
	mustCreate(t, f, "card-2", stage.Inbox)
	if got := len(f.queue.subjects()); got != 0 {
		t.Fatalf("open breaker must skip publishing, got %d messages", got)
	}
}

func TestClaimRun_Exclusive(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	r := mustCreate(t, f, "card-1", stage.PRD)

	const n = 10
	for i := range n {
		if _, err := f.workers.RegisterWorker(ctx, &worker.RegisterRequest{
			WorkerID: fmt.Sprintf("w-%d", i), WorkspaceID: "ws-1",
		}); err != nil {
			t.Fatalf("RegisterWorker: %v", err)
		}
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for i := range n {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			ok, err := f.runs.ClaimRun(ctx, r.ID, id)
			if err != nil {
				t.Errorf("ClaimRun: %v", err)
				return
			}
			if ok {
				mu.Lock()
				winners = append(winners, id)
				mu.Unlock()
			}
		}(fmt.Sprintf("w-%d", i))
	}
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %v", winners)
	}
	got := mustGet(t, f, r.ID)
	if got.Status != run.StatusRunning || got.WorkerID != winners[0] || got.StartedAt == nil {
		t.Fatalf("unexpected claimed run: status=%s worker=%s started=%v", got.Status, got.WorkerID, got.StartedAt)
	}
	w, err := f.store.GetWorker(ctx, winners[0])
	if err != nil {
		t.Fatalf("GetWorker: %v", err)
	}
	if w.Status != worker.StatusBusy {
		t.Fatalf("winner should be busy, got %s", w.Status)
	}
}

func TestClaimRun_Rejections(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	r := mustCreate(t, f, "card-1", stage.PRD)

	if ok, err := f.runs.ClaimRun(ctx, r.ID, "w-1"); err != nil || !ok {
		t.Fatalf("first claim = %v, %v", ok, err)
	}
	if ok, err := f.runs.ClaimRun(ctx, r.ID, "w-2"); err != nil || ok {
		t.Fatalf("claim of running run = %v, %v; want false, nil", ok, err)
	}
	if ok, err := f.runs.ClaimRun(ctx, "run_missing", "w-2"); err != nil || ok {
		t.Fatalf("claim of unknown run = %v, %v; want false, nil", ok, err)
	}
	if _, err := f.runs.ClaimRun(ctx, r.ID, ""); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation for empty worker, got %v", err)
	}
}

func TestCompleteRun_Idempotent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	r := mustCreate(t, f, "card-1", stage.PRD)
	if _, err := f.runs.ClaimRun(ctx, r.ID, "w-1"); err != nil {
		t.Fatalf("ClaimRun: %v", err)
	}

	ok, err := f.runs.CompleteRun(ctx, r.ID, &run.CompleteRequest{Status: run.StatusSucceeded})
	if err != nil || !ok {
		t.Fatalf("first CompleteRun = %v, %v", ok, err)
	}
	ok, err = f.runs.CompleteRun(ctx, r.ID, &run.CompleteRequest{Status: run.StatusFailed, ErrorSummary: "late"})
	if err != nil || ok {
		t.Fatalf("second CompleteRun = %v, %v; want false, nil", ok, err)
	}

	got := mustGet(t, f, r.ID)
	if got.Status != run.StatusSucceeded || got.ErrorSummary != "" || got.FinishedAt == nil {
		t.Fatalf("terminal state changed: status=%s summary=%q", got.Status, got.ErrorSummary)
	}
	if n := f.queue.count(messagequeue.SubjectRunFinished); n != 1 {
		t.Fatalf("expected one runs.finished message, got %d", n)
	}
}

func TestCompleteRun_MergesMetadataAndReleasesWorker(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	if _, err := f.workers.RegisterWorker(ctx, &worker.RegisterRequest{WorkerID: "w-1", WorkspaceID: "ws-1"}); err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
	r := mustCreate(t, f, "card-1", stage.Validate)
	if _, err := f.runs.ClaimRun(ctx, r.ID, "w-1"); err != nil {
		t.Fatalf("ClaimRun: %v", err)
	}

	first := &run.CompleteRequest{Status: run.StatusFailed, ErrorSummary: "jury rejected", Metadata: map[string]any{"tokens": 120.0}}
	if ok, err := f.runs.CompleteRun(ctx, r.ID, first); err != nil || !ok {
		t.Fatalf("CompleteRun = %v, %v", ok, err)
	}

	got := mustGet(t, f, r.ID)
	if got.ErrorSummary != "jury rejected" {
		t.Fatalf("summary = %q", got.ErrorSummary)
	}
	if got.Metadata["tokens"] != 120.0 {
		t.Fatalf("metadata not merged: %v", got.Metadata)
	}
	w, _ := f.store.GetWorker(ctx, "w-1")
	if w.Status != worker.StatusIdle {
		t.Fatalf("worker should be idle after completion, got %s", w.Status)
	}
}

func TestCompleteRun_FromQueuedAndValidation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	r := mustCreate(t, f, "card-1", stage.PRD)

	if _, err := f.runs.CompleteRun(ctx, r.ID, &run.CompleteRequest{Status: run.StatusRunning}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation for non-terminal status, got %v", err)
	}
	ok, err := f.runs.CompleteRun(ctx, r.ID, &run.CompleteRequest{Status: run.StatusFailed, ErrorSummary: "no provider"})
	if err != nil || !ok {
		t.Fatalf("immediate failure from queued = %v, %v", ok, err)
	}
	if got := mustGet(t, f, r.ID); got.Status != run.StatusFailed || got.StartedAt != nil {
		t.Fatalf("unexpected run: status=%s started=%v", got.Status, got.StartedAt)
	}
}

func TestRetryRun(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	src := mustCreate(t, f, "card-1", stage.PRD)
	if _, err := f.runs.CompleteRun(ctx, src.ID, &run.CompleteRequest{Status: run.StatusFailed, ErrorSummary: "boom"}); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}

	retry, created, err := f.runs.RetryRun(ctx, src.ID)
	if err != nil || !created {
		t.Fatalf("RetryRun = %v, %v", created, err)
	}
	if retry.ID == src.ID || retry.Attempt != 2 || retry.Status != run.StatusQueued {
		t.Fatalf("unexpected retry: id=%s attempt=%d status=%s", retry.ID, retry.Attempt, retry.Status)
	}
	if retry.IdempotencyKey == src.IdempotencyKey {
		t.Fatal("retry must have its own idempotency key")
	}
	if retry.Metadata["retry_of"] != src.ID {
		t.Fatalf("retry lineage missing: %v", retry.Metadata)
	}

	orig := mustGet(t, f, src.ID)
	if orig.Status != run.StatusFailed || orig.ErrorSummary != "boom" || orig.Attempt != 1 {
		t.Fatalf("original run changed: %+v", orig)
	}

	// The retry holds the slot, so retrying the source again returns it.
	again, created, err := f.runs.RetryRun(ctx, src.ID)
	if err != nil || created || again.ID != retry.ID {
		t.Fatalf("second RetryRun = %s, %v, %v; want %s, false, nil", again.ID, created, err, retry.ID)
	}
}

func TestRetryRun_Rejections(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	r := mustCreate(t, f, "card-1", stage.PRD)

	if _, _, err := f.runs.RetryRun(ctx, r.ID); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("retry of queued run: expected ErrConflict, got %v", err)
	}
	if _, _, err := f.runs.RetryRun(ctx, "run_missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("retry of unknown run: expected ErrNotFound, got %v", err)
	}

	// A stored run from a since-removed stage cannot be retried into a new run.
	legacy := &run.Run{ID: "run_legacy", CardID: "card-2", WorkspaceID: "ws-1", Stage: "launch", Status: run.StatusFailed, Attempt: 1}
	if _, _, err := f.store.CreateRunIfAbsent(ctx, legacy, nil); err != nil {
		t.Fatalf("seed legacy run: %v", err)
	}
	if _, _, err := f.runs.RetryRun(ctx, legacy.ID); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("retry of run with unknown stage: expected ErrValidation, got %v", err)
	}
}

func TestCancelRun(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	r := mustCreate(t, f, "card-1", stage.Design)

	ok, err := f.runs.CancelRun(ctx, r.ID, "card moved back")
	if err != nil || !ok {
		t.Fatalf("CancelRun = %v, %v", ok, err)
	}
	got := mustGet(t, f, r.ID)
	if got.Status != run.StatusCancelled || got.ErrorSummary != "card moved back" {
		t.Fatalf("unexpected cancelled run: status=%s summary=%q", got.Status, got.ErrorSummary)
	}

	if ok, err := f.runs.CancelRun(ctx, r.ID, "again"); err != nil || ok {
		t.Fatalf("cancel of terminal run = %v, %v; want false, nil", ok, err)
	}
	// A worker completing a cancelled run is a no-op.
	if ok, _ := f.runs.CompleteRun(ctx, r.ID, &run.CompleteRequest{Status: run.StatusSucceeded}); ok {
		t.Fatal("completion of a cancelled run must be a no-op")
	}
}

func TestReadProjections_NotFound(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	r, err := f.runs.GetRunByID(ctx, "run_missing")
	if err != nil || r != nil {
		t.Fatalf("GetRunByID = %v, %v; want nil, nil", r, err)
	}
	active, err := f.runs.GetActiveRunForCard(ctx, "card-x", "")
	if err != nil || active != nil {
		t.Fatalf("GetActiveRunForCard = %v, %v; want nil, nil", active, err)
	}

	created := mustCreate(t, f, "card-x", stage.Tickets)
	active, err = f.runs.GetActiveRunForCard(ctx, "card-x", "")
	if err != nil || active == nil || active.ID != created.ID {
		t.Fatalf("GetActiveRunForCard = %v, %v", active, err)
	}
	if active, _ = f.runs.GetActiveRunForCard(ctx, "card-x", stage.Build); active != nil {
		t.Fatalf("stage filter ignored: %v", active.ID)
	}

	history, err := f.runs.GetRunsForCard(ctx, "card-x")
	if err != nil || len(history) != 1 {
		t.Fatalf("GetRunsForCard = %d, %v", len(history), err)
	}
}

func TestRunLogs(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	r := mustCreate(t, f, "card-1", stage.PRD)

	for i := range 3 {
		if _, err := f.runs.AddRunLog(ctx, r.ID, &run.LogRequest{Message: fmt.Sprintf("step %d", i), StepKey: "draft"}); err != nil {
			t.Fatalf("AddRunLog: %v", err)
		}
	}
	logs, err := f.runs.GetRunLogs(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRunLogs: %v", err)
	}
	if len(logs) != 4 {
		t.Fatalf("expected 4 logs (1 automatic + 3), got %d", len(logs))
	}
	if logs[0].Message != "Run queued" {
		t.Fatalf("first log = %q", logs[0].Message)
	}
	if logs[3].Message != "step 2" || logs[3].Level != run.LevelInfo {
		t.Fatalf("logs out of order or level not defaulted: %+v", logs[3])
	}

	if _, err := f.runs.AddRunLog(ctx, "run_missing", &run.LogRequest{Message: "x"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := f.runs.AddRunLog(ctx, r.ID, &run.LogRequest{}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestArtifacts(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	prd := mustCreate(t, f, "card-1", stage.PRD)
	design := mustCreate(t, f, "card-1", stage.Design)

	a, err := f.runs.CreateArtifact(ctx, prd.ID, &run.ArtifactRequest{Type: run.ArtifactFile, Label: "prd.md", URI: "file://docs/prd.md"})
	if err != nil {
		t.Fatalf("CreateArtifact: %v", err)
	}
	if a.CardID != "card-1" || a.Stage != stage.PRD || a.WorkspaceID != "ws-1" {
		t.Fatalf("artifact not linked to run: %+v", a)
	}
	if _, err := f.runs.CreateArtifact(ctx, design.ID, &run.ArtifactRequest{Type: run.ArtifactURL, URI: "https://figma.example/x"}); err != nil {
		t.Fatalf("CreateArtifact: %v", err)
	}

	byRun, _ := f.runs.GetArtifactsForRun(ctx, prd.ID)
	if len(byRun) != 1 {
		t.Fatalf("by run = %d", len(byRun))
	}
	byCard, _ := f.runs.GetArtifactsForCard(ctx, "card-1", "")
	if len(byCard) != 2 {
		t.Fatalf("by card = %d", len(byCard))
	}
	byStage, _ := f.runs.GetArtifactsForCard(ctx, "card-1", stage.Design)
	if len(byStage) != 1 || byStage[0].Type != run.ArtifactURL {
		t.Fatalf("by card and stage = %+v", byStage)
	}

	if _, err := f.runs.CreateArtifact(ctx, "run_missing", &run.ArtifactRequest{Type: run.ArtifactFile, Label: "x"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if f.hub.count(broadcast.EventRunArtifact) != 2 {
		t.Fatalf("expected two artifact broadcasts")
	}
}
