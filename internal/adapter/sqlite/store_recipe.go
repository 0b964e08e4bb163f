package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Strob0t/stageflow/internal/domain"
	"github.com/Strob0t/stageflow/internal/domain/recipe"
	"github.com/Strob0t/stageflow/internal/domain/skill"
	"github.com/Strob0t/stageflow/internal/domain/stage"
)

// --- Recipes ---

const recipeColumns = `id, workspace_id, stage, automation_level, recipe_steps, gates,
	on_fail_behavior, provider, enabled, created_at, updated_at`

func scanRecipe(row scannable) (recipe.StageRecipe, error) {
	var (
		r                recipe.StageRecipe
		steps, gates     string
		created, updated int64
	)
	err := row.Scan(&r.ID, &r.WorkspaceID, &r.Stage, &r.AutomationLevel, &steps, &gates,
		&r.OnFailBehavior, &r.Provider, &r.Enabled, &created, &updated)
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal([]byte(steps), &r.RecipeSteps); err != nil {
		return r, fmt.Errorf("unmarshal recipe steps: %w", err)
	}
	if err := json.Unmarshal([]byte(gates), &r.Gates); err != nil {
		return r, fmt.Errorf("unmarshal gates: %w", err)
	}
	r.CreatedAt = fromNanos(created)
	r.UpdatedAt = fromNanos(updated)
	return r, nil
}

func recipeJSON(r *recipe.StageRecipe) (steps, gates string, err error) {
	if steps, err = encodeJSON(r.RecipeSteps, "[]"); err != nil {
		return "", "", err
	}
	if gates, err = encodeJSON(r.Gates, "[]"); err != nil {
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
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO stage_recipes (id, workspace_id, stage, stage_order, automation_level, recipe_steps, gates,
			on_fail_behavior, provider, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (workspace_id, stage) DO NOTHING`,
		r.ID, r.WorkspaceID, string(r.Stage), stage.Index(r.Stage), string(r.AutomationLevel), steps, gates,
		string(r.OnFailBehavior), r.Provider, r.Enabled, nanos(r.CreatedAt), nanos(r.UpdatedAt))
	if err != nil {
		return false, fmt.Errorf("create recipe %s/%s: %w", r.WorkspaceID, r.Stage, err)
	}
	n, err := affected(res)
	return n == 1, err
}

// GetRecipe retrieves the recipe of (workspace, stage).
func (s *Store) GetRecipe(ctx context.Context, workspaceID string, st stage.Stage) (*recipe.StageRecipe, error) {
	r, err := scanRecipe(s.db.QueryRowContext(ctx, `
		SELECT `+recipeColumns+` FROM stage_recipes
		WHERE workspace_id = ? AND stage = ?`, workspaceID, string(st)))
	if err != nil {
		return nil, notFoundWrap(err, "get recipe %s/%s", workspaceID, st)
	}
	return &r, nil
}

// ListRecipes returns a workspace's recipes in stage order.
func (s *Store) ListRecipes(ctx context.Context, workspaceID string) ([]recipe.StageRecipe, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recipeColumns+` FROM stage_recipes
		WHERE workspace_id = ? ORDER BY stage_order`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list recipes: %w", err)
	}
	defer func() { _ = rows.Close() }()

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
	res, err := s.db.ExecContext(ctx, `
		UPDATE stage_recipes SET
			automation_level = ?, recipe_steps = ?, gates = ?,
			on_fail_behavior = ?, provider = ?, enabled = ?, updated_at = ?
		WHERE workspace_id = ? AND stage = ? AND updated_at = ?`,
		string(r.AutomationLevel), steps, gates, string(r.OnFailBehavior), r.Provider, r.Enabled,
		nanos(r.UpdatedAt), r.WorkspaceID, string(r.Stage), nanos(prevUpdatedAt))
	if err != nil {
		return fmt.Errorf("update recipe %s/%s: %w", r.WorkspaceID, r.Stage, err)
	}
	n, err := affected(res)
	if err != nil {
		return fmt.Errorf("update recipe %s/%s: %w", r.WorkspaceID, r.Stage, err)
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetRecipe(ctx, r.WorkspaceID, r.Stage); err != nil {
		return err
	}
	return fmt.Errorf("update recipe %s/%s: %w", r.WorkspaceID, r.Stage, domain.ErrConflict)
}

// DeleteRecipe removes the recipe of (workspace, stage).
func (s *Store) DeleteRecipe(ctx context.Context, workspaceID string, st stage.Stage) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM stage_recipes WHERE workspace_id = ? AND stage = ?`, workspaceID, string(st))
	return execExpectOne(res, err, "delete recipe %s/%s", workspaceID, st)
}

// --- Skills ---

const skillColumns = `name, description, source, trust, created_at, updated_at`

func scanSkill(row scannable) (skill.Skill, error) {
	var (
		sk               skill.Skill
		created, updated int64
	)
	if err := row.Scan(&sk.Name, &sk.Description, &sk.Source, &sk.Trust, &created, &updated); err != nil {
		return sk, err
	}
	sk.CreatedAt = fromNanos(created)
	sk.UpdatedAt = fromNanos(updated)
	return sk, nil
}

// UpsertSkill registers a skill or updates its description, source and trust.
func (s *Store) UpsertSkill(ctx context.Context, sk *skill.Skill) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO skills (`+skillColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			description = excluded.description,
			source = excluded.source,
			trust = excluded.trust,
			updated_at = excluded.updated_at`,
		sk.Name, sk.Description, sk.Source, string(sk.Trust), nanos(sk.CreatedAt), nanos(sk.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert skill %s: %w", sk.Name, err)
	}
	return nil
}

// GetSkill retrieves a skill by name.
func (s *Store) GetSkill(ctx context.Context, name string) (*skill.Skill, error) {
	sk, err := scanSkill(s.db.QueryRowContext(ctx, `SELECT `+skillColumns+` FROM skills WHERE name = ?`, name))
	if err != nil {
		return nil, notFoundWrap(err, "get skill %s", name)
	}
	return &sk, nil
}

// ListSkills returns all skills ordered by name.
func (s *Store) ListSkills(ctx context.Context) ([]skill.Skill, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+skillColumns+` FROM skills ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list skills: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []skill.Skill
	for rows.Next() {
		sk, err := scanSkill(rows)
		if err != nil {
			return nil, fmt.Errorf("scan skill: %w", err)
		}
		out = append(out, sk)
	}
	return out, rows.Err()
}
