package recipe

import (
	"fmt"

	"github.com/Strob0t/stageflow/internal/domain"
	"github.com/Strob0t/stageflow/internal/domain/stage"
)

var validLevels = map[AutomationLevel]bool{
	LevelFullyAuto:     true,
	LevelAutoNotify:    true,
	LevelHumanApproval: true,
	LevelManual:        true,
}

var validOnFail = map[OnFailBehavior]bool{
	OnFailStay:            true,
	OnFailRevert:          true,
	OnFailCreateQuestions: true,
	OnFailReviewRequired:  true,
}

var validGateTypes = map[GateType]bool{
	GateFileExists:      true,
	GateContentCheck:    true,
	GateArtifactExists:  true,
	GateMetricThreshold: true,
}

// Validate checks the structural shape of a recipe (enums, gate ids).
// Skill trust is not checked here; see ValidateRecipe.
func (r *StageRecipe) Validate() error {
	if r.WorkspaceID == "" {
		return fmt.Errorf("workspace_id is required: %w", domain.ErrValidation)
	}
	if !stage.Valid(r.Stage) {
		return fmt.Errorf("invalid stage %q: %w", r.Stage, domain.ErrValidation)
	}
	if !validLevels[r.AutomationLevel] {
		return fmt.Errorf("invalid automation_level %q: %w", r.AutomationLevel, domain.ErrValidation)
	}
	if !validOnFail[r.OnFailBehavior] {
		return fmt.Errorf("invalid on_fail_behavior %q: %w", r.OnFailBehavior, domain.ErrValidation)
	}
	for i, st := range r.RecipeSteps {
		if st.Skill == "" {
			return fmt.Errorf("recipe_steps[%d].skill is required: %w", i, domain.ErrValidation)
		}
	}
	seen := make(map[string]bool, len(r.Gates))
	for i := range r.Gates {
		g := &r.Gates[i]
		if g.ID == "" {
			return fmt.Errorf("gates[%d].id is required: %w", i, domain.ErrValidation)
		}
		if seen[g.ID] {
			return fmt.Errorf("duplicate gate id %q: %w", g.ID, domain.ErrValidation)
		}
		seen[g.ID] = true
		if !validGateTypes[g.Type] {
			return fmt.Errorf("gate %q: invalid type %q: %w", g.ID, g.Type, domain.ErrValidation)
		}
	}
	return nil
}
