// Package memory implements the database store port in process memory. It honors
// the same single-flight and compare-and-swap contracts as the SQL stores and backs
// development mode and service tests.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/Strob0t/stageflow/internal/domain"
	"github.com/Strob0t/stageflow/internal/domain/recipe"
	"github.com/Strob0t/stageflow/internal/domain/run"
	"github.com/Strob0t/stageflow/internal/domain/skill"
	"github.com/Strob0t/stageflow/internal/domain/stage"
	"github.com/Strob0t/stageflow/internal/domain/worker"
	"github.com/Strob0t/stageflow/internal/port/database"
)

var _ database.Store = (*Store)(nil)

// Store is a mutex-guarded in-memory store.
type Store struct {
	mu sync.RWMutex

	runs     map[string]*run.Run
	runOrder []string          // creation order
	active   map[string]string // active key -> run id
	logs     map[string][]run.Log
	arts     []run.Artifact

	workers map[string]*worker.Worker
	recipes map[string]*recipe.StageRecipe
	skills  map[string]*skill.Skill
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		runs:    make(map[string]*run.Run),
		active:  make(map[string]string),
		logs:    make(map[string][]run.Log),
		workers: make(map[string]*worker.Worker),
		recipes: make(map[string]*recipe.StageRecipe),
		skills:  make(map[string]*skill.Skill),
	}
}

func cloneRun(r *run.Run) *run.Run {
	c := *r
	c.Metadata = maps.Clone(r.Metadata)
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, domain.ErrNotFound)
}

// --- Runs ---

// CreateRunIfAbsent implements database.RunStore.
func (s *Store) CreateRunIfAbsent(_ context.Context, r *run.Run, initial *run.Log) (*run.Run, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := r.ActiveKey()
	if id, ok := s.active[key]; ok {
		if cur := s.runs[id]; cur != nil && cur.IsActive() {
			return cloneRun(cur), false, nil
		}
	}

	stored := cloneRun(r)
	s.runs[r.ID] = stored
	s.runOrder = append(s.runOrder, r.ID)
	s.active[key] = r.ID
	if initial != nil {
		s.logs[r.ID] = append(s.logs[r.ID], *initial)
	}
	return cloneRun(stored), true, nil
}

// GetRun implements database.RunStore.
func (s *Store) GetRun(_ context.Context, id string) (*run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, notFound("run", id)
	}
	return cloneRun(r), nil
}

// ListRunsByCard implements database.RunStore. Runs are returned oldest first.
func (s *Store) ListRunsByCard(_ context.Context, cardID string) ([]run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []run.Run
	for _, id := range s.runOrder {
		if r := s.runs[id]; r.CardID == cardID {
			out = append(out, *cloneRun(r))
		}
	}
	return out, nil
}

// latest walks runs newest first and returns the first match.
func (s *Store) latest(match func(*run.Run) bool) *run.Run {
	for i := len(s.runOrder) - 1; i >= 0; i-- {
		if r := s.runs[s.runOrder[i]]; match(r) {
			return cloneRun(r)
		}
	}
	return nil
}

// GetActiveRun implements database.RunStore.
func (s *Store) GetActiveRun(_ context.Context, cardID string, st stage.Stage) (*run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := s.latest(func(r *run.Run) bool {
		return r.CardID == cardID && r.IsActive() && (st == "" || r.Stage == st)
	})
	if r == nil {
		return nil, notFound("active run for card", cardID)
	}
	return r, nil
}

// GetLatestRun implements database.RunStore.
func (s *Store) GetLatestRun(_ context.Context, cardID string, st stage.Stage) (*run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := s.latest(func(r *run.Run) bool { return r.CardID == cardID && r.Stage == st })
	if r == nil {
		return nil, notFound("run for card", cardID)
	}
	return r, nil
}

// ClaimRun implements database.RunStore.
func (s *Store) ClaimRun(_ context.Context, id, workerID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok || r.Status != run.StatusQueued {
		return false, nil
	}
	r.Status = run.StatusRunning
	r.WorkerID = workerID
	started := now
	r.StartedAt = &started
	r.UpdatedAt = now
	return true, nil
}

// FinishRun implements database.RunStore.
func (s *Store) FinishRun(_ context.Context, id string, p database.FinishParams) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok || !slices.Contains(p.From, r.Status) {
		return false, nil
	}
	r.Status = p.Status
	if p.ErrorSummary != "" {
		r.ErrorSummary = p.ErrorSummary
	}
	r.Metadata = run.MergeMetadata(r.Metadata, p.Metadata)
	finished := p.FinishedAt
	r.FinishedAt = &finished
	r.UpdatedAt = p.FinishedAt
	if !r.IsActive() && s.active[r.ActiveKey()] == r.ID {
		delete(s.active, r.ActiveKey())
	}
	return true, nil
}

// ListStuckRuns implements database.RunStore.
func (s *Store) ListStuckRuns(_ context.Context, cutoff time.Time) ([]run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []run.Run
	for _, id := range s.runOrder {
		r := s.runs[id]
		if r.Status == run.StatusRunning && r.StartedAt != nil && !r.StartedAt.After(cutoff) {
			out = append(out, *cloneRun(r))
		}
	}
	return out, nil
}

// AppendLog implements database.RunStore.
func (s *Store) AppendLog(_ context.Context, l *run.Log) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[l.RunID]; !ok {
		return notFound("run", l.RunID)
	}
	s.logs[l.RunID] = append(s.logs[l.RunID], *l)
	return nil
}

// ListLogs implements database.RunStore.
func (s *Store) ListLogs(_ context.Context, runID string) ([]run.Log, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.logs[runID]), nil
}

// CreateArtifact implements database.RunStore.
func (s *Store) CreateArtifact(_ context.Context, a *run.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[a.RunID]; !ok {
		return notFound("run", a.RunID)
	}
	s.arts = append(s.arts, *a)
	return nil
}

// ListArtifactsByRun implements database.RunStore.
func (s *Store) ListArtifactsByRun(_ context.Context, runID string) ([]run.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []run.Artifact
	for i := range s.arts {
		if s.arts[i].RunID == runID {
			out = append(out, s.arts[i])
		}
	}
	return out, nil
}

// ListArtifactsByCard implements database.RunStore.
func (s *Store) ListArtifactsByCard(_ context.Context, cardID string, st stage.Stage) ([]run.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []run.Artifact
	for i := range s.arts {
		a := &s.arts[i]
		if a.CardID == cardID && (st == "" || a.Stage == st) {
			out = append(out, *a)
		}
	}
	return out, nil
}

// --- Workers ---

// UpsertWorker implements database.WorkerStore.
func (s *Store) UpsertWorker(_ context.Context, w *worker.Worker) (*worker.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.workers[w.ID]; ok {
		cur.WorkspaceID = w.WorkspaceID
		cur.LastHeartbeat = w.LastHeartbeat
		c := *cur
		return &c, nil
	}
	c := *w
	s.workers[w.ID] = &c
	out := c
	return &out, nil
}

// GetWorker implements database.WorkerStore.
func (s *Store) GetWorker(_ context.Context, id string) (*worker.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workers[id]
	if !ok {
		return nil, notFound("worker", id)
	}
	c := *w
	return &c, nil
}

// UpdateWorkerHeartbeat implements database.WorkerStore.
func (s *Store) UpdateWorkerHeartbeat(_ context.Context, id string, status worker.Status, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		return notFound("worker", id)
	}
	w.Status = status
	w.LastHeartbeat = now
	return nil
}

// SetWorkerStatus implements database.WorkerStore.
func (s *Store) SetWorkerStatus(_ context.Context, id string, status worker.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		return notFound("worker", id)
	}
	w.Status = status
	return nil
}

// ListWorkers implements database.WorkerStore. An empty workspace lists all workers.
func (s *Store) ListWorkers(_ context.Context, workspaceID string) ([]worker.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []worker.Worker
	for _, w := range s.workers {
		if workspaceID == "" || w.WorkspaceID == workspaceID {
			out = append(out, *w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CountLiveWorkers implements database.WorkerStore.
func (s *Store) CountLiveWorkers(_ context.Context, workspaceID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, w := range s.workers {
		if w.WorkspaceID == workspaceID && w.Status != worker.StatusOffline && !w.LastHeartbeat.Before(since) {
			n++
		}
	}
	return n, nil
}

// MarkStaleWorkersOffline implements database.WorkerStore.
func (s *Store) MarkStaleWorkersOffline(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, w := range s.workers {
		if w.Status != worker.StatusOffline && w.LastHeartbeat.Before(cutoff) {
			w.Status = worker.StatusOffline
			n++
		}
	}
	return n, nil
}

// --- Recipes ---

func recipeKey(workspaceID string, st stage.Stage) string {
	return workspaceID + "/" + string(st)
}

func cloneRecipe(r *recipe.StageRecipe) *recipe.StageRecipe {
	c := *r
	c.RecipeSteps = slices.Clone(r.RecipeSteps)
	c.Gates = slices.Clone(r.Gates)
	return &c
}

// CreateRecipeIfAbsent implements database.RecipeStore.
func (s *Store) CreateRecipeIfAbsent(_ context.Context, r *recipe.StageRecipe) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recipeKey(r.WorkspaceID, r.Stage)
	if _, ok := s.recipes[key]; ok {
		return false, nil
	}
	s.recipes[key] = cloneRecipe(r)
	return true, nil
}

// GetRecipe implements database.RecipeStore.
func (s *Store) GetRecipe(_ context.Context, workspaceID string, st stage.Stage) (*recipe.StageRecipe, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.recipes[recipeKey(workspaceID, st)]
	if !ok {
		return nil, notFound("recipe", recipeKey(workspaceID, st))
	}
	return cloneRecipe(r), nil
}

// ListRecipes implements database.RecipeStore. Recipes are ordered by stage.
func (s *Store) ListRecipes(_ context.Context, workspaceID string) ([]recipe.StageRecipe, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []recipe.StageRecipe
	for _, st := range stage.All() {
		if r, ok := s.recipes[recipeKey(workspaceID, st)]; ok {
			out = append(out, *cloneRecipe(r))
		}
	}
	return out, nil
}

// UpdateRecipe implements database.RecipeStore.
func (s *Store) UpdateRecipe(_ context.Context, r *recipe.StageRecipe, prevUpdatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recipeKey(r.WorkspaceID, r.Stage)
	cur, ok := s.recipes[key]
	if !ok {
		return notFound("recipe", key)
	}
	if !cur.UpdatedAt.Equal(prevUpdatedAt) {
		return fmt.Errorf("recipe %s changed concurrently: %w", key, domain.ErrConflict)
	}
	s.recipes[key] = cloneRecipe(r)
	return nil
}

// DeleteRecipe implements database.RecipeStore.
func (s *Store) DeleteRecipe(_ context.Context, workspaceID string, st stage.Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recipeKey(workspaceID, st)
	if _, ok := s.recipes[key]; !ok {
		return notFound("recipe", key)
	}
	delete(s.recipes, key)
	return nil
}

// --- Skills ---

// UpsertSkill implements database.SkillStore.
func (s *Store) UpsertSkill(_ context.Context, sk *skill.Skill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *sk
	if cur, ok := s.skills[sk.Name]; ok {
		c.CreatedAt = cur.CreatedAt
	}
	s.skills[sk.Name] = &c
	return nil
}

// GetSkill implements database.SkillStore.
func (s *Store) GetSkill(_ context.Context, name string) (*skill.Skill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sk, ok := s.skills[name]
	if !ok {
		return nil, notFound("skill", name)
	}
	c := *sk
	return &c, nil
}

// ListSkills implements database.SkillStore.
func (s *Store) ListSkills(_ context.Context) ([]skill.Skill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]skill.Skill, 0, len(s.skills))
	for _, sk := range s.skills {
		out = append(out, *sk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
