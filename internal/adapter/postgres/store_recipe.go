package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Strob0t/stageflow/internal/domain"
	"github.com/Strob0t/stageflow/internal/domain/recipe"
	"github.com/Strob0t/stageflow/internal/domain/stage"
)

const recipeColumns = `id, workspace_id, stage, automation_level, recipe_steps, gates,
	on_fail_behavior, provider, enabled, created_at, updated_at`

func scanRecipe(row scannable) (recipe.StageRecipe, error) {
	var (
		r            recipe.StageRecipe
		steps, gates []byte
	)
	err := row.Scan(&r.ID, &r.WorkspaceID, &r.Stage, &r.AutomationLevel, &steps, &gates,
		&r.OnFailBehavior, &r.Provider, &r.Enabled, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal(steps, &r.RecipeSteps); err != nil {
		return r, fmt.Errorf("unmarshal recipe steps: %w", err)
	}
	if err := json.Unmarshal(gates, &r.Gates); err != nil {
		return r, fmt.Errorf("unmarshal gates: %w", err)
	}
	return r, nil
}

func recipeJSON(r *recipe.StageRecipe) (steps, gates string, err error) {
	if steps, err = marshalJSON(r.RecipeSteps, "[]"); err != nil {
		return "", "", err
	}
	if gates, err = marshalJSON(r.Gates, "[]"); err != nil {
		return "", "", err
	}
	return steps, gates, nil
}

// CreateRecipeIfAbsent inserts r unless (workspace, stage) already has a recipe.
func (s *Store) CreateRecipeIfAbsent(ctx context.Context, r *recipe.StageRecipe) (bool, error) {
	steps, gates, err := recipeJSON(r)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO stage_recipes (id, workspace_id, stage, stage_order, automation_level, recipe_steps, gates,
			on_fail_behavior, provider, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb, $8, $9, $10, $11, $12)
		ON CONFLICT (workspace_id, stage) DO NOTHING`,
		r.ID, r.WorkspaceID, string(r.Stage), stage.Index(r.Stage), string(r.AutomationLevel), steps, gates,
		string(r.OnFailBehavior), r.Provider, r.Enabled, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("create recipe %s/%s: %w", r.WorkspaceID, r.Stage, err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetRecipe retrieves the recipe of (workspace, stage).
func (s *Store) GetRecipe(ctx context.Context, workspaceID string, st stage.Stage) (*recipe.StageRecipe, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+recipeColumns+` FROM stage_recipes
		WHERE workspace_id = $1 AND stage = $2`, workspaceID, string(st))
	r, err := scanRecipe(row)
	if err != nil {
		return nil, notFoundWrap(err, "get recipe %s/%s", workspaceID, st)
	}
	return &r, nil
}

// ListRecipes returns a workspace's recipes in stage order.
func (s *Store) ListRecipes(ctx context.Context, workspaceID string) ([]recipe.StageRecipe, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+recipeColumns+` FROM stage_recipes
		WHERE workspace_id = $1 ORDER BY stage_order`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list recipes: %w", err)
	}
	defer rows.Close()

	var out []recipe.StageRecipe
	for rows.Next() {
		r, err := scanRecipe(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recipe: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateRecipe overwrites the mutable fields of an existing recipe.
func (s *Store) UpdateRecipe(ctx context.Context, r *recipe.StageRecipe, prevUpdatedAt time.Time) error {
	steps, gates, err := recipeJSON(r)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE stage_recipes SET
			automation_level = $3, recipe_steps = $4::jsonb, gates = $5::jsonb,
			on_fail_behavior = $6, provider = $7, enabled = $8, updated_at = $9
		WHERE workspace_id = $1 AND stage = $2 AND updated_at = $10`,
		r.WorkspaceID, string(r.Stage), string(r.AutomationLevel), steps, gates,
		string(r.OnFailBehavior), r.Provider, r.Enabled, r.UpdatedAt, prevUpdatedAt)
	if err != nil {
		return fmt.Errorf("update recipe %s/%s: %w", r.WorkspaceID, r.Stage, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetRecipe(ctx, r.WorkspaceID, r.Stage); err != nil {
		return err
	}
	return fmt.Errorf("update recipe %s/%s: %w", r.WorkspaceID, r.Stage, domain.ErrConflict)
}

// DeleteRecipe removes the recipe of (workspace, stage).
func (s *Store) DeleteRecipe(ctx context.Context, workspaceID string, st stage.Stage) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM stage_recipes WHERE workspace_id = $1 AND stage = $2`, workspaceID, string(st))
	return execExpectOne(tag, err, "delete recipe %s/%s", workspaceID, st)
}
