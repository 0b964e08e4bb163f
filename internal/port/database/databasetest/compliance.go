// Package databasetest provides a contract suite every database.Store
// implementation must pass.
package databasetest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/stageflow/internal/domain"
	"github.com/Strob0t/stageflow/internal/domain/recipe"
	"github.com/Strob0t/stageflow/internal/domain/run"
	"github.com/Strob0t/stageflow/internal/domain/skill"
	"github.com/Strob0t/stageflow/internal/domain/stage"
	"github.com/Strob0t/stageflow/internal/domain/worker"
	"github.com/Strob0t/stageflow/internal/port/database"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) database.Store

// RunCompliance runs the store contract against stores produced by newStore.
func RunCompliance(t *testing.T, newStore Factory) {
	t.Helper()
	t.Run("SingleFlight", func(t *testing.T) { testSingleFlight(t, newStore(t)) })
	t.Run("ConcurrentCreate", func(t *testing.T) { testConcurrentCreate(t, newStore(t)) })
	t.Run("ClaimExclusive", func(t *testing.T) { testClaimExclusive(t, newStore(t)) })
	t.Run("FinishIsConditional", func(t *testing.T) { testFinish(t, newStore(t)) })
	t.Run("StuckRuns", func(t *testing.T) { testStuckRuns(t, newStore(t)) })
	t.Run("LogsAndArtifacts", func(t *testing.T) { testLogsAndArtifacts(t, newStore(t)) })
	t.Run("ActiveAndLatest", func(t *testing.T) { testActiveAndLatest(t, newStore(t)) })
	t.Run("Workers", func(t *testing.T) { testWorkers(t, newStore(t)) })
	t.Run("Recipes", func(t *testing.T) { testRecipes(t, newStore(t)) })
	t.Run("Skills", func(t *testing.T) { testSkills(t, newStore(t)) })
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// uniqueCard keeps subtests independent when a store is shared (postgres).
func uniqueCard(t *testing.T) string {
	return fmt.Sprintf("card-%s-%d", t.Name(), time.Now().UnixNano())
}

func newRun(card string, st stage.Stage, attempt int) (*run.Run, *run.Log) {
	r := run.New(run.CreateRequest{CardID: card, WorkspaceID: "ws-1", Stage: st, TriggeredBy: "test"}, attempt, base)
	l := run.NewLog(r.ID, run.LogRequest{Message: "Run queued"}, base)
	return r, l
}

func mustCreate(t *testing.T, s database.Store, card string, st stage.Stage) *run.Run {
	t.Helper()
	r, l := newRun(card, st, 1)
	got, created, err := s.CreateRunIfAbsent(context.Background(), r, l)
	if err != nil {
		t.Fatalf("CreateRunIfAbsent: %v", err)
	}
	if !created {
		t.Fatalf("expected run for %s/%s to be created", card, st)
	}
	return got
}

func finish(t *testing.T, s database.Store, id string, status run.Status) bool {
	t.Helper()
	ok, err := s.FinishRun(context.Background(), id, database.FinishParams{
		Status:     status,
		FinishedAt: base.Add(time.Minute),
		From:       []run.Status{run.StatusQueued, run.StatusRunning},
	})
	if err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	return ok
}

func testSingleFlight(t *testing.T, s database.Store) {
	ctx := context.Background()
	card := uniqueCard(t)
	first := mustCreate(t, s, card, stage.PRD)

	dup, _ := newRun(card, stage.PRD, 1)
	got, created, err := s.CreateRunIfAbsent(ctx, dup, nil)
	if err != nil {
		t.Fatal(err)
	}
	if created || got.ID != first.ID {
		t.Fatalf("duplicate create returned %s (created=%v), want existing %s", got.ID, created, first.ID)
	}

	// A different stage of the same card is independent.
	mustCreate(t, s, card, stage.Design)

	if !finish(t, s, first.ID, run.StatusSucceeded) {
		t.Fatal("finish should apply")
	}
	third := mustCreate(t, s, card, stage.PRD)
	if third.ID == first.ID {
		t.Fatal("create after terminal run must return a new run")
	}
}

func testConcurrentCreate(t *testing.T, s database.Store) {
	ctx := context.Background()
	card := uniqueCard(t)
	const n = 16

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = map[string]bool{}
		created int
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, l := newRun(card, stage.Build, 1)
			got, ok, err := s.CreateRunIfAbsent(ctx, r, l)
			if err != nil {
				t.Errorf("CreateRunIfAbsent: %v", err)
				return
			}
			mu.Lock()
			ids[got.ID] = true
			if ok {
				created++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	if created != 1 || len(ids) != 1 {
		t.Fatalf("created=%d distinct ids=%d, want 1 and 1", created, len(ids))
	}
}

func testClaimExclusive(t *testing.T, s database.Store) {
	ctx := context.Background()
	r := mustCreate(t, s, uniqueCard(t), stage.PRD)

	const n = 8
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		winner string
		wins   int
	)
	for i := range n {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			ok, err := s.ClaimRun(ctx, r.ID, workerID, base)
			if err != nil {
				t.Errorf("ClaimRun: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				winner = workerID
				mu.Unlock()
			}
		}(fmt.Sprintf("w-%d", i))
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("wins = %d, want exactly 1", wins)
	}

	got, err := s.GetRun(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != run.StatusRunning || got.WorkerID != winner || got.StartedAt == nil {
		t.Fatalf("claimed run = %+v, want running by %s", got, winner)
	}

	if ok, err := s.ClaimRun(ctx, "run_missing", "w", base); err != nil || ok {
		t.Fatalf("claim of missing run = %v, %v; want false, nil", ok, err)
	}
}

func testFinish(t *testing.T, s database.Store) {
	ctx := context.Background()
	r := mustCreate(t, s, uniqueCard(t), stage.PRD)
	if _, err := s.ClaimRun(ctx, r.ID, "w1", base); err != nil {
		t.Fatal(err)
	}

	ok, err := s.FinishRun(ctx, r.ID, database.FinishParams{
		Status:       run.StatusFailed,
		ErrorSummary: "boom",
		Metadata:     map[string]any{"tokens": 12.0},
		FinishedAt:   base.Add(time.Minute),
		From:         []run.Status{run.StatusQueued, run.StatusRunning},
	})
	if err != nil || !ok {
		t.Fatalf("first finish = %v, %v", ok, err)
	}

	ok, err = s.FinishRun(ctx, r.ID, database.FinishParams{
		Status:     run.StatusSucceeded,
		Metadata:   map[string]any{"late": true},
		FinishedAt: base.Add(2 * time.Minute),
		From:       []run.Status{run.StatusQueued, run.StatusRunning},
	})
	if err != nil || ok {
		t.Fatalf("second finish = %v, %v; want false, nil", ok, err)
	}

	got, err := s.GetRun(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != run.StatusFailed || got.ErrorSummary != "boom" || got.FinishedAt == nil {
		t.Fatalf("run after finish = %+v", got)
	}
	if _, late := got.Metadata["late"]; late {
		t.Fatal("no-op finish must not merge metadata")
	}
	if v, _ := got.Metadata["tokens"].(float64); v != 12 {
		t.Fatalf("metadata tokens = %v", got.Metadata["tokens"])
	}

	// Metadata merges rather than replaces.
	r2 := mustCreate(t, s, uniqueCard(t), stage.Design)
	_, _ = s.FinishRun(ctx, r2.ID, database.FinishParams{
		Status: run.StatusSucceeded, Metadata: map[string]any{"b": "2"},
		FinishedAt: base, From: []run.Status{run.StatusQueued},
	})
	got, _ = s.GetRun(ctx, r2.ID)
	if got.Metadata["b"] != "2" {
		t.Fatalf("metadata after merge = %v", got.Metadata)
	}
}

func testStuckRuns(t *testing.T, s database.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	old := mustCreate(t, s, uniqueCard(t), stage.PRD)
	fresh := mustCreate(t, s, uniqueCard(t), stage.PRD)
	queued := mustCreate(t, s, uniqueCard(t), stage.PRD)

	if ok, _ := s.ClaimRun(ctx, old.ID, "w1", now.Add(-10*time.Minute)); !ok {
		t.Fatal("claim old")
	}
	if ok, _ := s.ClaimRun(ctx, fresh.ID, "w2", now.Add(-10*time.Second)); !ok {
		t.Fatal("claim fresh")
	}

	stuck, err := s.ListStuckRuns(ctx, now.Add(-5*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	found := map[string]bool{}
	for _, r := range stuck {
		found[r.ID] = true
	}
	if !found[old.ID] || found[fresh.ID] || found[queued.ID] {
		t.Fatalf("stuck set = %v; want only %s", found, old.ID)
	}

	// The cutoff is inclusive.
	edge, err := s.ListStuckRuns(ctx, now.Add(-10*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if !slices.ContainsFunc(edge, func(r run.Run) bool { return r.ID == old.ID }) {
		t.Fatalf("run started exactly at the cutoff was not listed")
	}
}

func testLogsAndArtifacts(t *testing.T, s database.Store) {
	ctx := context.Background()
	card := uniqueCard(t)
	r := mustCreate(t, s, card, stage.PRD)

	for i := range 3 {
		l := run.NewLog(r.ID, run.LogRequest{Message: fmt.Sprintf("step %d", i), StepKey: "s", Data: map[string]any{"i": i}}, base.Add(time.Duration(i+1)*time.Second))
		if err := s.AppendLog(ctx, l); err != nil {
			t.Fatalf("AppendLog: %v", err)
		}
	}
	logs, err := s.ListLogs(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 4 {
		t.Fatalf("len(logs) = %d, want 4", len(logs))
	}
	if logs[0].Message != "Run queued" || logs[3].Message != "step 2" {
		t.Fatalf("logs out of order: %q ... %q", logs[0].Message, logs[3].Message)
	}

	err = s.AppendLog(ctx, run.NewLog("run_missing", run.LogRequest{Message: "x"}, base))
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("AppendLog on missing run = %v, want ErrNotFound", err)
	}

	a1 := run.NewArtifact(r, run.ArtifactRequest{Type: run.ArtifactFile, Label: "prd.md", URI: "file://prd.md"}, base)
	if err := s.CreateArtifact(ctx, a1); err != nil {
		t.Fatal(err)
	}
	other := mustCreate(t, s, card, stage.Design)
	a2 := run.NewArtifact(other, run.ArtifactRequest{Type: run.ArtifactURL, Label: "mock", URI: "https://x"}, base)
	if err := s.CreateArtifact(ctx, a2); err != nil {
		t.Fatal(err)
	}

	byRun, _ := s.ListArtifactsByRun(ctx, r.ID)
	if len(byRun) != 1 || byRun[0].Label != "prd.md" {
		t.Fatalf("artifacts by run = %+v", byRun)
	}
	byCard, _ := s.ListArtifactsByCard(ctx, card, "")
	if len(byCard) != 2 {
		t.Fatalf("artifacts by card = %d, want 2", len(byCard))
	}
	byStage, _ := s.ListArtifactsByCard(ctx, card, stage.Design)
	if len(byStage) != 1 || byStage[0].Type != run.ArtifactURL {
		t.Fatalf("artifacts by card+stage = %+v", byStage)
	}
}

func testActiveAndLatest(t *testing.T, s database.Store) {
	ctx := context.Background()
	card := uniqueCard(t)

	if _, err := s.GetActiveRun(ctx, card, ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("GetActiveRun on empty card = %v, want ErrNotFound", err)
	}

	prd := mustCreate(t, s, card, stage.PRD)
	got, err := s.GetActiveRun(ctx, card, stage.PRD)
	if err != nil || got.ID != prd.ID {
		t.Fatalf("GetActiveRun(prd) = %v, %v", got, err)
	}
	finish(t, s, prd.ID, run.StatusFailed)

	if _, err := s.GetActiveRun(ctx, card, stage.PRD); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("GetActiveRun after finish = %v", err)
	}
	latest, err := s.GetLatestRun(ctx, card, stage.PRD)
	if err != nil || latest.ID != prd.ID || latest.Status != run.StatusFailed {
		t.Fatalf("GetLatestRun = %+v, %v", latest, err)
	}

	runs, err := s.ListRunsByCard(ctx, card)
	if err != nil || len(runs) != 1 {
		t.Fatalf("ListRunsByCard = %d, %v", len(runs), err)
	}
}

func testWorkers(t *testing.T, s database.Store) {
	ctx := context.Background()
	ws := uniqueCard(t)
	now := time.Now().UTC()

	w := &worker.Worker{ID: ws + "-w1", WorkspaceID: ws, Status: worker.StatusIdle, LastHeartbeat: now, CreatedAt: now}
	if _, err := s.UpsertWorker(ctx, w); err != nil {
		t.Fatal(err)
	}
	if err := s.SetWorkerStatus(ctx, w.ID, worker.StatusBusy); err != nil {
		t.Fatal(err)
	}
	again, err := s.UpsertWorker(ctx, &worker.Worker{ID: w.ID, WorkspaceID: ws, Status: worker.StatusIdle, LastHeartbeat: now, CreatedAt: now})
	if err != nil {
		t.Fatal(err)
	}
	if again.Status != worker.StatusBusy {
		t.Fatalf("re-register changed status to %s", again.Status)
	}

	if err := s.UpdateWorkerHeartbeat(ctx, "missing", worker.StatusIdle, now); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("heartbeat on missing worker = %v", err)
	}

	stale := &worker.Worker{ID: ws + "-w2", WorkspaceID: ws, Status: worker.StatusIdle, LastHeartbeat: now.Add(-time.Hour), CreatedAt: now}
	if _, err := s.UpsertWorker(ctx, stale); err != nil {
		t.Fatal(err)
	}

	n, err := s.CountLiveWorkers(ctx, ws, now.Add(-2*time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("CountLiveWorkers = %d, %v; want 1", n, err)
	}

	changed, err := s.MarkStaleWorkersOffline(ctx, now.Add(-2*time.Minute))
	if err != nil || changed < 1 {
		t.Fatalf("MarkStaleWorkersOffline = %d, %v", changed, err)
	}
	got, _ := s.GetWorker(ctx, stale.ID)
	if got.Status != worker.StatusOffline {
		t.Fatalf("stale worker status = %s", got.Status)
	}

	list, err := s.ListWorkers(ctx, ws)
	if err != nil || len(list) != 2 {
		t.Fatalf("ListWorkers = %d, %v", len(list), err)
	}
}

func testRecipes(t *testing.T, s database.Store) {
	ctx := context.Background()
	ws := uniqueCard(t)

	for _, st := range []stage.Stage{stage.Design, stage.Inbox, stage.PRD} {
		created, err := s.CreateRecipeIfAbsent(ctx, recipe.Default(ws, st, base))
		if err != nil || !created {
			t.Fatalf("create %s = %v, %v", st, created, err)
		}
	}
	created, err := s.CreateRecipeIfAbsent(ctx, recipe.Default(ws, stage.PRD, base))
	if err != nil || created {
		t.Fatalf("second create = %v, %v; want false", created, err)
	}

	list, err := s.ListRecipes(ctx, ws)
	if err != nil || len(list) != 3 {
		t.Fatalf("ListRecipes = %d, %v", len(list), err)
	}
	if list[0].Stage != stage.Inbox || list[2].Stage != stage.Design {
		t.Fatalf("recipes not in stage order: %s, %s, %s", list[0].Stage, list[1].Stage, list[2].Stage)
	}

	r, err := s.GetRecipe(ctx, ws, stage.PRD)
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Gates) != 2 || r.Gates[0].FailureMessage != "PRD not found" {
		t.Fatalf("gates not round-tripped: %+v", r.Gates)
	}
	r.AutomationLevel = recipe.LevelFullyAuto
	r.RecipeSteps = []recipe.Step{{Skill: "prd-writer", Params: map[string]any{"tone": "crisp"}}}
	prev := r.UpdatedAt
	r.UpdatedAt = prev.Add(time.Second)
	if err := s.UpdateRecipe(ctx, r, prev); err != nil {
		t.Fatal(err)
	}
	r, _ = s.GetRecipe(ctx, ws, stage.PRD)
	if r.AutomationLevel != recipe.LevelFullyAuto || len(r.RecipeSteps) != 1 || r.RecipeSteps[0].Skill != "prd-writer" {
		t.Fatalf("update not persisted: %+v", r)
	}

	// A writer that read before the update above loses.
	stale := *r
	stale.Provider = "stale"
	if err := s.UpdateRecipe(ctx, &stale, prev); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("stale UpdateRecipe = %v, want ErrConflict", err)
	}
	missing := *r
	missing.Stage = stage.Beta
	if err := s.UpdateRecipe(ctx, &missing, prev); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("UpdateRecipe of missing recipe = %v, want ErrNotFound", err)
	}

	if err := s.DeleteRecipe(ctx, ws, stage.PRD); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetRecipe(ctx, ws, stage.PRD); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("GetRecipe after delete = %v", err)
	}
	if err := s.DeleteRecipe(ctx, ws, stage.PRD); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("second delete = %v", err)
	}
}

func testSkills(t *testing.T, s database.Store) {
	ctx := context.Background()
	name := uniqueCard(t)

	if err := s.UpsertSkill(ctx, &skill.Skill{Name: name, Trust: skill.TrustCommunity, CreatedAt: base, UpdatedAt: base}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertSkill(ctx, &skill.Skill{Name: name, Trust: skill.TrustVetted, CreatedAt: base.Add(time.Hour), UpdatedAt: base.Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}
	sk, err := s.GetSkill(ctx, name)
	if err != nil {
		t.Fatal(err)
	}
	if sk.Trust != skill.TrustVetted || !sk.IsTrusted() {
		t.Fatalf("skill trust = %s", sk.Trust)
	}
	if _, err := s.GetSkill(ctx, "missing-skill"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("GetSkill missing = %v", err)
	}
	all, err := s.ListSkills(ctx)
	if err != nil || len(all) == 0 {
		t.Fatalf("ListSkills = %d, %v", len(all), err)
	}
}
