// Package advance decides what should happen to a card at the end of a stage:
// advance on its own, advance and notify, wait for a human, or hold.
// Moving the card is left to the caller.
package advance

import (
	"fmt"

	"github.com/Strob0t/stageflow/internal/domain/gate"
	"github.com/Strob0t/stageflow/internal/domain/recipe"
	"github.com/Strob0t/stageflow/internal/domain/run"
	"github.com/Strob0t/stageflow/internal/domain/stage"
)

// Outcome is the advancement verdict for a (card, stage).
type Outcome string

const (
	OutcomeAdvance       Outcome = "advance"
	OutcomeAdvanceNotify Outcome = "advance_notify"
	OutcomeAwaitApproval Outcome = "await_approval"
	OutcomeManual        Outcome = "manual"
	OutcomeHold          Outcome = "hold"
)

// Input is the state a decision is computed from.
type Input struct {
	CardID      string
	WorkspaceID string
	Stage       stage.Stage
	// LatestRun is the most recent run of (card, stage), nil if none exists.
	LatestRun *run.Run
	Verdict   gate.Verdict
	// Level is the effective automation level, after the trust downgrade.
	Level   recipe.AutomationLevel
	OnFail  recipe.OnFailBehavior
	Enabled bool
}

// Decision is the result of Decide.
type Decision struct {
	CardID      string                 `json:"card_id"`
	WorkspaceID string                 `json:"workspace_id"`
	Stage       stage.Stage            `json:"stage"`
	NextStage   stage.Stage            `json:"next_stage,omitempty"`
	Outcome     Outcome                `json:"outcome"`
	Level       recipe.AutomationLevel `json:"effective_level"`
	// OnFail is set only when the stage is held because of a failure.
	OnFail  recipe.OnFailBehavior `json:"on_fail_behavior,omitempty"`
	RunID   string                `json:"run_id,omitempty"`
	Reasons []string              `json:"reasons"`
	Gates   []gate.Result         `json:"gates"`
}

// Advances reports whether the card may move to NextStage without a human.
func (d *Decision) Advances() bool {
	return d.Outcome == OutcomeAdvance || d.Outcome == OutcomeAdvanceNotify
}

// Decide combines the latest run, the gate verdict and the effective level.
func Decide(in Input) Decision {
	d := Decision{
		CardID:      in.CardID,
		WorkspaceID: in.WorkspaceID,
		Stage:       in.Stage,
		Level:       in.Level,
		Reasons:     []string{},
		Gates:       in.Verdict.Results,
	}
	if next, ok := stage.Next(in.Stage); ok {
		d.NextStage = next
	}
	if d.Gates == nil {
		d.Gates = []gate.Result{}
	}

	if !in.Enabled {
		d.Outcome = OutcomeManual
		d.Reasons = append(d.Reasons, "stage automation is disabled")
		return d
	}

	r := in.LatestRun
	if r == nil {
		return hold(d, "no run exists for this stage")
	}
	d.RunID = r.ID

	switch r.Status {
	case run.StatusQueued, run.StatusRunning:
		return hold(d, fmt.Sprintf("run %s is still %s", r.ID, r.Status))
	case run.StatusCancelled:
		return hold(d, fmt.Sprintf("run %s was cancelled", r.ID))
	case run.StatusFailed:
		d.OnFail = in.OnFail
		reason := fmt.Sprintf("run %s failed", r.ID)
		if r.ErrorSummary != "" {
			reason += ": " + r.ErrorSummary
		}
		return hold(d, reason)
	}

	if !in.Verdict.Passed {
		d.OnFail = in.OnFail
		for _, g := range in.Verdict.FailedRequired() {
			d.Reasons = append(d.Reasons, g.Message)
		}
		d.Outcome = OutcomeHold
		return d
	}

	if d.NextStage == "" {
		return hold(d, "card is at the final stage")
	}

	switch in.Level {
	case recipe.LevelFullyAuto:
		d.Outcome = OutcomeAdvance
	case recipe.LevelAutoNotify:
		d.Outcome = OutcomeAdvanceNotify
	case recipe.LevelHumanApproval:
		d.Outcome = OutcomeAwaitApproval
		d.Reasons = append(d.Reasons, "human approval required")
	default:
		d.Outcome = OutcomeManual
		d.Reasons = append(d.Reasons, "stage is advanced manually")
	}
	return d
}

func hold(d Decision, reason string) Decision {
	d.Outcome = OutcomeHold
	d.Reasons = append(d.Reasons, reason)
	return d
}
