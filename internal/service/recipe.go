package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Strob0t/stageflow/internal/domain"
	"github.com/Strob0t/stageflow/internal/domain/recipe"
	"github.com/Strob0t/stageflow/internal/domain/stage"
	"github.com/Strob0t/stageflow/internal/port/cache"
	"github.com/Strob0t/stageflow/internal/port/database"
)

// DefaultRecipeTTL bounds how long a cached recipe is served without a store read.
const DefaultRecipeTTL = 5 * time.Minute

// recipeUpdateAttempts bounds how often a patch is re-applied after losing a
// concurrent write.
const recipeUpdateAttempts = 3

// EffectiveRecipe is a recipe together with its automation level after the
// trust downgrade.
type EffectiveRecipe struct {
	Recipe           *recipe.StageRecipe    `json:"recipe"`
	ConfiguredLevel  recipe.AutomationLevel `json:"configured_level"`
	EffectiveLevel   recipe.AutomationLevel `json:"effective_level"`
	CanRunFullyAuto  bool                   `json:"can_run_fully_auto"`
	RequiresApproval bool                   `json:"requires_approval"`
}

// RecipeService stores and resolves per-stage recipes. Recipe reads go through
// the cache; skill trust is always read from the store.
type RecipeService struct {
	store database.Store
	cache cache.Cache
	ttl   time.Duration
	now   func() time.Time

	// gens counts invalidations per cache key. A store read only fills the
	// cache if no invalidation happened since it started.
	mu   sync.Mutex
	gens map[string]uint64
}

// NewRecipeService creates a RecipeService. c may be nil to disable caching.
func NewRecipeService(store database.Store, c cache.Cache, ttl time.Duration) *RecipeService {
	if ttl <= 0 {
		ttl = DefaultRecipeTTL
	}
	return &RecipeService{store: store, cache: c, ttl: ttl, now: time.Now, gens: make(map[string]uint64)}
}

func recipeCacheKey(workspaceID string, st stage.Stage) string {
	return "recipe:" + workspaceID + ":" + string(st)
}

// InitializeDefaultRecipes creates the default recipe of every stage that has none.
// Existing recipes are left untouched. It returns how many were created.
func (s *RecipeService) InitializeDefaultRecipes(ctx context.Context, workspaceID string) (int, error) {
	if workspaceID == "" {
		return 0, fmt.Errorf("workspace_id is required: %w", domain.ErrValidation)
	}
	now := s.now()
	created := 0
	for _, st := range stage.All() {
		ok, err := s.store.CreateRecipeIfAbsent(ctx, recipe.Default(workspaceID, st, now))
		if err != nil {
			return created, fmt.Errorf("create default recipe for %s: %w", st, err)
		}
		if ok {
			created++
			s.invalidate(ctx, workspaceID, st)
		}
	}
	slog.InfoContext(ctx, "default recipes initialized", "workspace_id", workspaceID, "created", created)
	return created, nil
}

// GetStageRecipe returns the recipe, or nil when none exists.
func (s *RecipeService) GetStageRecipe(ctx context.Context, workspaceID string, st stage.Stage) (*recipe.StageRecipe, error) {
	r, err := s.load(ctx, workspaceID, st)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	return r, err
}

func (s *RecipeService) load(ctx context.Context, workspaceID string, st stage.Stage) (*recipe.StageRecipe, error) {
	key := recipeCacheKey(workspaceID, st)
	if s.cache != nil {
		if data, ok, err := s.cache.Get(ctx, key); err == nil && ok {
			var r recipe.StageRecipe
			if err := json.Unmarshal(data, &r); err == nil {
				return &r, nil
			}
		}
	}

	s.mu.Lock()
	gen := s.gens[key]
	s.mu.Unlock()

	r, err := s.store.GetRecipe(ctx, workspaceID, st)
	if err != nil {
		return nil, fmt.Errorf("get recipe %s/%s: %w", workspaceID, st, err)
	}
	if s.cache != nil {
		s.fill(ctx, key, gen, r)
	}
	return r, nil
}

// fill caches r unless key was invalidated after generation gen was observed.
func (s *RecipeService) fill(ctx context.Context, key string, gen uint64, r *recipe.StageRecipe) {
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gens[key] != gen {
		slog.DebugContext(ctx, "recipe cache fill skipped, invalidated during read", "key", key)
		return
	}
	if err := s.cache.Set(ctx, key, data, s.ttl); err != nil {
		slog.DebugContext(ctx, "recipe cache set failed", "key", key, "error", err)
	}
}

func (s *RecipeService) invalidate(ctx context.Context, workspaceID string, st stage.Stage) {
	if s.cache == nil {
		return
	}
	key := recipeCacheKey(workspaceID, st)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gens[key]++
	if err := s.cache.Delete(ctx, key); err != nil {
		slog.WarnContext(ctx, "recipe cache invalidation failed", "workspace_id", workspaceID, "stage", st, "error", err)
	}
}

// GetAllStageRecipes lists the workspace's recipes in stage order.
func (s *RecipeService) GetAllStageRecipes(ctx context.Context, workspaceID string) ([]recipe.StageRecipe, error) {
	rs, err := s.store.ListRecipes(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list recipes of %s: %w", workspaceID, err)
	}
	return rs, nil
}

// UpdateStageRecipe overwrites only the fields set in req. When another writer
// changes the recipe in between, req is re-applied to the newer version.
func (s *RecipeService) UpdateStageRecipe(ctx context.Context, workspaceID string, st stage.Stage, req *recipe.UpdateRequest) (*recipe.StageRecipe, error) {
	var err error
	for attempt := 1; attempt <= recipeUpdateAttempts; attempt++ {
		var r *recipe.StageRecipe
		r, err = s.store.GetRecipe(ctx, workspaceID, st)
		if err != nil {
			return nil, fmt.Errorf("get recipe %s/%s: %w", workspaceID, st, err)
		}
		prev := r.UpdatedAt
		r.Apply(req, s.now())
		if verr := r.Validate(); verr != nil {
			return nil, verr
		}
		err = s.store.UpdateRecipe(ctx, r, prev)
		if errors.Is(err, domain.ErrConflict) {
			slog.DebugContext(ctx, "recipe update lost a race, retrying", "workspace_id", workspaceID, "stage", st, "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("update recipe %s/%s: %w", workspaceID, st, err)
		}
		s.invalidate(ctx, workspaceID, st)
		slog.InfoContext(ctx, "recipe updated", "workspace_id", workspaceID, "stage", st, "automation_level", r.AutomationLevel)
		return r, nil
	}
	return nil, fmt.Errorf("update recipe %s/%s: %w", workspaceID, st, err)
}

// DeleteStageRecipe removes the recipe of (workspace, stage).
func (s *RecipeService) DeleteStageRecipe(ctx context.Context, workspaceID string, st stage.Stage) error {
	if err := s.store.DeleteRecipe(ctx, workspaceID, st); err != nil {
		return fmt.Errorf("delete recipe %s/%s: %w", workspaceID, st, err)
	}
	s.invalidate(ctx, workspaceID, st)
	slog.InfoContext(ctx, "recipe deleted", "workspace_id", workspaceID, "stage", st)
	return nil
}

func (s *RecipeService) skillLookup(ctx context.Context) (recipe.SkillLookup, error) {
	skills, err := s.store.ListSkills(ctx)
	if err != nil {
		return nil, fmt.Errorf("list skills: %w", err)
	}
	return recipe.LookupFromSlice(skills), nil
}

// ValidateRecipe checks skill references and gates. It never modifies r.
func (s *RecipeService) ValidateRecipe(ctx context.Context, r *recipe.StageRecipe) (recipe.ValidationResult, error) {
	lookup, err := s.skillLookup(ctx)
	if err != nil {
		return recipe.ValidationResult{}, err
	}
	return recipe.ValidateRecipe(r, lookup), nil
}

// ValidateStageRecipe validates the stored recipe with req applied as a dry run.
// req may be nil.
func (s *RecipeService) ValidateStageRecipe(ctx context.Context, workspaceID string, st stage.Stage, req *recipe.UpdateRequest) (recipe.ValidationResult, error) {
	r, err := s.load(ctx, workspaceID, st)
	if err != nil {
		return recipe.ValidationResult{}, err
	}
	if req != nil {
		r.Apply(req, r.UpdatedAt)
	}
	return s.ValidateRecipe(ctx, r)
}

// CanRunFullyAuto reports whether every skill the recipe references is trusted.
func (s *RecipeService) CanRunFullyAuto(ctx context.Context, r *recipe.StageRecipe) (bool, error) {
	lookup, err := s.skillLookup(ctx)
	if err != nil {
		return false, err
	}
	return recipe.CanRunFullyAuto(r, lookup), nil
}

// GetEffectiveAutomationLevel downgrades fully_auto to auto_notify when a referenced
// skill is not trusted. The recipe itself is not changed.
func (s *RecipeService) GetEffectiveAutomationLevel(ctx context.Context, r *recipe.StageRecipe) (recipe.AutomationLevel, error) {
	lookup, err := s.skillLookup(ctx)
	if err != nil {
		return "", err
	}
	return recipe.EffectiveAutomationLevel(r, lookup), nil
}

// RequiresApproval reports whether the recipe's configured level needs a human.
func (s *RecipeService) RequiresApproval(r *recipe.StageRecipe) bool {
	return r.RequiresApproval()
}

// Effective resolves the stored recipe of (workspace, stage) with its effective level.
func (s *RecipeService) Effective(ctx context.Context, workspaceID string, st stage.Stage) (*EffectiveRecipe, error) {
	r, err := s.load(ctx, workspaceID, st)
	if err != nil {
		return nil, err
	}
	lookup, err := s.skillLookup(ctx)
	if err != nil {
		return nil, err
	}
	return &EffectiveRecipe{
		Recipe:           r,
		ConfiguredLevel:  r.AutomationLevel,
		EffectiveLevel:   recipe.EffectiveAutomationLevel(r, lookup),
		CanRunFullyAuto:  recipe.CanRunFullyAuto(r, lookup),
		RequiresApproval: r.RequiresApproval(),
	}, nil
}

// GetAutoAdvanceableStages returns the enabled recipes whose effective level is
// fully_auto or auto_notify.
func (s *RecipeService) GetAutoAdvanceableStages(ctx context.Context, workspaceID string) ([]EffectiveRecipe, error) {
	rs, err := s.GetAllStageRecipes(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	lookup, err := s.skillLookup(ctx)
	if err != nil {
		return nil, err
	}
	out := []EffectiveRecipe{}
	for i := range rs {
		r := &rs[i]
		if !r.Enabled {
			continue
		}
		level := recipe.EffectiveAutomationLevel(r, lookup)
		if !level.AutoAdvances() {
			continue
		}
		out = append(out, EffectiveRecipe{
			Recipe:           r,
			ConfiguredLevel:  r.AutomationLevel,
			EffectiveLevel:   level,
			CanRunFullyAuto:  recipe.CanRunFullyAuto(r, lookup),
			RequiresApproval: r.RequiresApproval(),
		})
	}
	return out, nil
}
