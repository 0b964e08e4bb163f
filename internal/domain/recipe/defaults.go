package recipe

import (
	"time"

	"github.com/Strob0t/stageflow/internal/domain/run"
	"github.com/Strob0t/stageflow/internal/domain/stage"
)

// DefaultProvider is the execution provider assigned to seeded recipes.
const DefaultProvider = "default"

// PRDSections are the headings a PRD must contain to pass the default content gate.
var PRDSections = []string{"## Problem", "## Goals", "## Requirements", "## Success Metrics"}

// defaultLevels is the seeded automation level per stage.
var defaultLevels = map[stage.Stage]AutomationLevel{
	stage.Inbox:     LevelAutoNotify,
	stage.Discovery: LevelAutoNotify,
	stage.PRD:       LevelHumanApproval,
	stage.Design:    LevelHumanApproval,
	stage.Prototype: LevelAutoNotify,
	stage.Validate:  LevelHumanApproval,
	stage.Tickets:   LevelAutoNotify,
	stage.Build:     LevelHumanApproval,
	stage.Alpha:     LevelManual,
	stage.Beta:      LevelManual,
	stage.GA:        LevelManual,
}

// defaultOnFail is the seeded on-fail policy per stage; unlisted stages stay.
var defaultOnFail = map[stage.Stage]OnFailBehavior{
	stage.PRD:      OnFailCreateQuestions,
	stage.Validate: OnFailReviewRequired,
	stage.Build:    OnFailReviewRequired,
}

// DefaultGates returns the seeded gate list for a stage.
func DefaultGates(st stage.Stage) []GateDefinition {
	switch st {
	case stage.Inbox:
		return []GateDefinition{
			fileGate("inbox-signal", "Signal captured", "signals/**/*.md", true, "No signal file found"),
		}
	case stage.Discovery:
		return []GateDefinition{
			fileGate("discovery-research", "Research notes", "research.md", true, "Research notes not found"),
		}
	case stage.PRD:
		return []GateDefinition{
			fileGate("prd-exists", "PRD document", "prd.md", true, "PRD not found"),
			{
				ID:             "prd-sections",
				Name:           "PRD sections",
				Type:           GateContentCheck,
				Config:         map[string]any{"path": "prd.md", "sections": toAny(PRDSections)},
				Required:       true,
				FailureMessage: "PRD is missing required sections",
			},
		}
	case stage.Design:
		return []GateDefinition{
			fileGate("design-brief", "Design brief", "design-brief.md", true, "Design brief not found"),
		}
	case stage.Prototype:
		return []GateDefinition{
			artifactGate("prototype-link", "Prototype link", run.ArtifactURL, true, "Prototype link not recorded"),
		}
	case stage.Validate:
		return []GateDefinition{
			{
				ID:             "jury-pass-rate",
				Name:           "Jury pass rate",
				Type:           GateMetricThreshold,
				Config:         map[string]any{"metric": "jury.pass_rate", "operator": ">=", "threshold": 0.6},
				Required:       true,
				FailureMessage: "Jury pass rate below threshold",
			},
			fileGate("jury-report", "Jury report", "jury-report.md", false, "Jury report not found"),
		}
	case stage.Tickets:
		return []GateDefinition{
			artifactGate("tickets-created", "Tickets created", run.ArtifactTicket, true, "No tickets created"),
		}
	case stage.Build:
		return []GateDefinition{
			artifactGate("build-pr", "Pull request", run.ArtifactPR, true, "No pull request linked"),
		}
	case stage.Alpha:
		return []GateDefinition{
			metricGate("alpha-error-rate", "Alpha error rate", "alpha.error_rate", "<=", 0.05, "Alpha error rate too high"),
		}
	case stage.Beta:
		return []GateDefinition{
			metricGate("beta-satisfaction", "Beta satisfaction", "beta.satisfaction", ">=", 0.7, "Beta satisfaction below target"),
		}
	case stage.GA:
		return []GateDefinition{
			{
				ID:             "ga-gtm",
				Name:           "Go-to-market brief",
				Type:           GateContentCheck,
				Config:         map[string]any{"path": "gtm.md", "sections": []any{"## Launch Plan", "## Messaging"}},
				Required:       true,
				FailureMessage: "GTM brief incomplete",
			},
		}
	}
	return nil
}

// Default returns the seeded recipe for a stage within a workspace.
func Default(workspaceID string, st stage.Stage, now time.Time) *StageRecipe {
	level, ok := defaultLevels[st]
	if !ok {
		level = LevelManual
	}
	onFail, ok := defaultOnFail[st]
	if !ok {
		onFail = OnFailStay
	}
	return &StageRecipe{
		ID:              run.NewID("rcp"),
		WorkspaceID:     workspaceID,
		Stage:           st,
		AutomationLevel: level,
		RecipeSteps:     []Step{},
		Gates:           DefaultGates(st),
		OnFailBehavior:  onFail,
		Provider:        DefaultProvider,
		Enabled:         true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func fileGate(id, name, path string, required bool, msg string) GateDefinition {
	return GateDefinition{
		ID:             id,
		Name:           name,
		Type:           GateFileExists,
		Config:         map[string]any{"path": path},
		Required:       required,
		FailureMessage: msg,
	}
}

func artifactGate(id, name string, t run.ArtifactType, required bool, msg string) GateDefinition {
	return GateDefinition{
		ID:             id,
		Name:           name,
		Type:           GateArtifactExists,
		Config:         map[string]any{"artifact_type": string(t)},
		Required:       required,
		FailureMessage: msg,
	}
}

// metricGate builds an advisory metric gate; release-stage metrics never block.
func metricGate(id, name, metric, op string, threshold float64, msg string) GateDefinition {
	return GateDefinition{
		ID:             id,
		Name:           name,
		Type:           GateMetricThreshold,
		Config:         map[string]any{"metric": metric, "operator": op, "threshold": threshold},
		Required:       false,
		FailureMessage: msg,
	}
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
