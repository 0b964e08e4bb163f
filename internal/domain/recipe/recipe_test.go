package recipe_test

import (
	"errors"
	"testing"
	"time"

	"github.com/Strob0t/stageflow/internal/domain"
	"github.com/Strob0t/stageflow/internal/domain/recipe"
	"github.com/Strob0t/stageflow/internal/domain/skill"
	"github.com/Strob0t/stageflow/internal/domain/stage"
)

func lookup(skills ...skill.Skill) recipe.SkillLookup {
	return recipe.LookupFromSlice(skills)
}

func recipeWith(level recipe.AutomationLevel, skills ...string) *recipe.StageRecipe {
	r := recipe.Default("ws-1", stage.PRD, time.Now())
	r.AutomationLevel = level
	for _, s := range skills {
		r.RecipeSteps = append(r.RecipeSteps, recipe.Step{Skill: s})
	}
	return r
}

func TestEffectiveAutomationLevel_Downgrade(t *testing.T) {
	skills := lookup(
		skill.Skill{Name: "prd-writer", Trust: skill.TrustVetted},
		skill.Skill{Name: "market-scan", Trust: skill.TrustCommunity},
	)

	tests := []struct {
		name  string
		level recipe.AutomationLevel
		steps []string
		want  recipe.AutomationLevel
	}{
		{"all trusted", recipe.LevelFullyAuto, []string{"prd-writer"}, recipe.LevelFullyAuto},
		{"one untrusted", recipe.LevelFullyAuto, []string{"prd-writer", "market-scan"}, recipe.LevelAutoNotify},
		{"unknown skill", recipe.LevelFullyAuto, []string{"ghost"}, recipe.LevelAutoNotify},
		{"no steps", recipe.LevelFullyAuto, nil, recipe.LevelFullyAuto},
		{"non fully_auto untouched", recipe.LevelHumanApproval, []string{"market-scan"}, recipe.LevelHumanApproval},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := recipeWith(tc.level, tc.steps...)
			got := recipe.EffectiveAutomationLevel(r, skills)
			if got != tc.want {
				t.Fatalf("EffectiveAutomationLevel = %q, want %q", got, tc.want)
			}
			if r.AutomationLevel != tc.level {
				t.Fatalf("recipe level mutated to %q", r.AutomationLevel)
			}
		})
	}
}

func TestValidateRecipe(t *testing.T) {
	skills := lookup(
		skill.Skill{Name: "prd-writer", Trust: skill.TrustVetted},
		skill.Skill{Name: "market-scan", Trust: skill.TrustUnvetted},
	)

	t.Run("missing skill is an error", func(t *testing.T) {
		res := recipe.ValidateRecipe(recipeWith(recipe.LevelAutoNotify, "ghost"), skills)
		if res.Valid || len(res.Errors) != 1 {
			t.Fatalf("expected one error, got %+v", res)
		}
		if res.SkillsStatus[0].Found {
			t.Fatal("ghost should not be found")
		}
	})

	t.Run("untrusted under fully_auto warns", func(t *testing.T) {
		res := recipe.ValidateRecipe(recipeWith(recipe.LevelFullyAuto, "prd-writer", "market-scan"), skills)
		if !res.Valid {
			t.Fatalf("expected valid, got errors %v", res.Errors)
		}
		if len(res.Warnings) != 1 {
			t.Fatalf("expected 1 warning, got %v", res.Warnings)
		}
		if len(res.SkillsStatus) != 2 || !res.SkillsStatus[0].Trusted || res.SkillsStatus[1].Trusted {
			t.Fatalf("unexpected skills status: %+v", res.SkillsStatus)
		}
	})

	t.Run("untrusted under auto_notify is fine", func(t *testing.T) {
		res := recipe.ValidateRecipe(recipeWith(recipe.LevelAutoNotify, "market-scan"), skills)
		if len(res.Warnings) != 0 {
			t.Fatalf("expected no warnings, got %v", res.Warnings)
		}
	})

	t.Run("empty gates warn", func(t *testing.T) {
		r := recipeWith(recipe.LevelAutoNotify)
		r.Gates = nil
		res := recipe.ValidateRecipe(r, skills)
		if len(res.Warnings) != 1 {
			t.Fatalf("expected 1 warning, got %v", res.Warnings)
		}
	})

	t.Run("no required gate warns", func(t *testing.T) {
		r := recipeWith(recipe.LevelAutoNotify)
		for i := range r.Gates {
			r.Gates[i].Required = false
		}
		res := recipe.ValidateRecipe(r, skills)
		if len(res.Warnings) != 1 {
			t.Fatalf("expected 1 warning, got %v", res.Warnings)
		}
	})
}

func TestRequiresApproval(t *testing.T) {
	tests := map[recipe.AutomationLevel]bool{
		recipe.LevelFullyAuto:     false,
		recipe.LevelAutoNotify:    false,
		recipe.LevelHumanApproval: true,
		recipe.LevelManual:        true,
	}
	for level, want := range tests {
		r := recipeWith(level)
		if got := r.RequiresApproval(); got != want {
			t.Errorf("RequiresApproval(%q) = %v, want %v", level, got, want)
		}
	}
}

func TestDefault_EveryStage(t *testing.T) {
	for _, st := range stage.All() {
		r := recipe.Default("ws", st, time.Now())
		if err := r.Validate(); err != nil {
			t.Errorf("default recipe for %s invalid: %v", st, err)
		}
		if len(r.Gates) == 0 {
			t.Errorf("default recipe for %s has no gates", st)
		}
		if !r.Enabled {
			t.Errorf("default recipe for %s disabled", st)
		}
	}

	prd := recipe.Default("ws", stage.PRD, time.Now())
	if prd.Gates[0].FailureMessage != "PRD not found" {
		t.Fatalf("unexpected PRD gate message %q", prd.Gates[0].FailureMessage)
	}
}

func TestApply_PartialUpdate(t *testing.T) {
	r := recipe.Default("ws", stage.Design, time.Now())
	origGates := len(r.Gates)
	level := recipe.LevelFullyAuto
	provider := "claude"

	r.Apply(&recipe.UpdateRequest{AutomationLevel: &level, Provider: &provider}, time.Now())

	if r.AutomationLevel != recipe.LevelFullyAuto || r.Provider != "claude" {
		t.Fatalf("fields not applied: %+v", r)
	}
	if len(r.Gates) != origGates {
		t.Fatal("gates changed without being provided")
	}

	r.Apply(&recipe.UpdateRequest{Gates: []recipe.GateDefinition{}}, time.Now())
	if len(r.Gates) != 0 {
		t.Fatal("empty gates slice should clear gates")
	}
}

func TestValidate_Structural(t *testing.T) {
	r := recipe.Default("ws", stage.Build, time.Now())
	r.Gates = append(r.Gates, r.Gates[0])
	if err := r.Validate(); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected duplicate gate error, got %v", err)
	}

	r = recipe.Default("ws", stage.Build, time.Now())
	r.AutomationLevel = "yolo"
	if err := r.Validate(); err == nil {
		t.Fatal("expected error for bad automation level")
	}

	r = recipe.Default("ws", stage.Build, time.Now())
	r.RecipeSteps = []recipe.Step{{Name: "no skill"}}
	if err := r.Validate(); err == nil {
		t.Fatal("expected error for step without skill")
	}
}

func TestSkillNames_Distinct(t *testing.T) {
	r := recipeWith(recipe.LevelAutoNotify, "a", "b", "a", "")
	got := r.SkillNames()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected skill names %v", got)
	}
}
