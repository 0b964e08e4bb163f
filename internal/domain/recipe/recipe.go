// Package recipe defines per-stage automation configuration: the ordered skill steps,
// the gate list, the automation level and what happens when gates fail.
package recipe

import (
	"time"

	"github.com/Strob0t/stageflow/internal/domain/stage"
)

// AutomationLevel controls whether a stage advances unattended, notifies, or needs a human.
type AutomationLevel string

const (
	LevelFullyAuto     AutomationLevel = "fully_auto"
	LevelAutoNotify    AutomationLevel = "auto_notify"
	LevelHumanApproval AutomationLevel = "human_approval"
	LevelManual        AutomationLevel = "manual"
)

// RequiresApproval reports whether a human must act before the stage advances.
func (l AutomationLevel) RequiresApproval() bool {
	return l == LevelHumanApproval || l == LevelManual
}

// AutoAdvances reports whether the level lets a stage advance without a human.
func (l AutomationLevel) AutoAdvances() bool {
	return l == LevelFullyAuto || l == LevelAutoNotify
}

// OnFailBehavior is the policy applied when a stage's required gates fail.
type OnFailBehavior string

const (
	OnFailStay            OnFailBehavior = "stay"
	OnFailRevert          OnFailBehavior = "revert"
	OnFailCreateQuestions OnFailBehavior = "create_questions"
	OnFailReviewRequired  OnFailBehavior = "review_required"
)

// GateType selects the check a gate performs.
type GateType string

const (
	GateFileExists      GateType = "file_exists"
	GateContentCheck    GateType = "content_check"
	GateArtifactExists  GateType = "artifact_exists"
	GateMetricThreshold GateType = "metric_threshold"
)

// GateDefinition is one declarative pass/fail exit criterion of a stage.
// Config keys depend on Type:
//
//	file_exists:      path (glob allowed)
//	content_check:    path, sections ([]string)
//	artifact_exists:  artifact_type, label (optional), stage (optional)
//	metric_threshold: metric, operator, threshold | expression
type GateDefinition struct {
	ID             string         `json:"id" yaml:"id"`
	Name           string         `json:"name" yaml:"name"`
	Type           GateType       `json:"type" yaml:"type"`
	Config         map[string]any `json:"config" yaml:"config"`
	Required       bool           `json:"required" yaml:"required"`
	FailureMessage string         `json:"failure_message" yaml:"failure_message"`
}

// Step references a skill executed as part of a stage recipe.
type Step struct {
	Skill  string         `json:"skill" yaml:"skill"`
	Name   string         `json:"name,omitempty" yaml:"name,omitempty"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// StageRecipe is the configuration of one stage within a workspace.
type StageRecipe struct {
	ID              string           `json:"id" yaml:"id"`
	WorkspaceID     string           `json:"workspace_id" yaml:"workspace_id"`
	Stage           stage.Stage      `json:"stage" yaml:"stage"`
	AutomationLevel AutomationLevel  `json:"automation_level" yaml:"automation_level"`
	RecipeSteps     []Step           `json:"recipe_steps" yaml:"recipe_steps"`
	Gates           []GateDefinition `json:"gates" yaml:"gates"`
	OnFailBehavior  OnFailBehavior   `json:"on_fail_behavior" yaml:"on_fail_behavior"`
	Provider        string           `json:"provider" yaml:"provider"`
	Enabled         bool             `json:"enabled" yaml:"enabled"`
	CreatedAt       time.Time        `json:"created_at" yaml:"-"`
	UpdatedAt       time.Time        `json:"updated_at" yaml:"-"`
}

// RequiresApproval reports whether the configured level needs a human.
// The trust downgrade never changes this answer because it only yields auto_notify.
func (r *StageRecipe) RequiresApproval() bool {
	return r.AutomationLevel.RequiresApproval()
}

// SkillNames returns the distinct skills referenced by the recipe steps, in order.
func (r *StageRecipe) SkillNames() []string {
	seen := make(map[string]bool, len(r.RecipeSteps))
	var names []string
	for _, st := range r.RecipeSteps {
		if st.Skill == "" || seen[st.Skill] {
			continue
		}
		seen[st.Skill] = true
		names = append(names, st.Skill)
	}
	return names
}

// UpdateRequest is a partial update. Nil fields keep their current value;
// a non-nil empty slice clears steps or gates.
type UpdateRequest struct {
	AutomationLevel *AutomationLevel `json:"automation_level,omitempty"`
	RecipeSteps     []Step           `json:"recipe_steps,omitempty"`
	Gates           []GateDefinition `json:"gates,omitempty"`
	OnFailBehavior  *OnFailBehavior  `json:"on_fail_behavior,omitempty"`
	Provider        *string          `json:"provider,omitempty"`
	Enabled         *bool            `json:"enabled,omitempty"`
}

// Apply overwrites the fields present in req.
func (r *StageRecipe) Apply(req *UpdateRequest, now time.Time) {
	if req.AutomationLevel != nil {
		r.AutomationLevel = *req.AutomationLevel
	}
	if req.RecipeSteps != nil {
		r.RecipeSteps = req.RecipeSteps
	}
	if req.Gates != nil {
		r.Gates = req.Gates
	}
	if req.OnFailBehavior != nil {
		r.OnFailBehavior = *req.OnFailBehavior
	}
	if req.Provider != nil {
		r.Provider = *req.Provider
	}
	if req.Enabled != nil {
		r.Enabled = *req.Enabled
	}
	r.UpdatedAt = now
}
