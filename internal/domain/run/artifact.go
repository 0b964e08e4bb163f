package run

import (
	"time"

	"github.com/Strob0t/stageflow/internal/domain/stage"
)

// ArtifactType classifies a durable run output.
type ArtifactType string

const (
	ArtifactFile   ArtifactType = "file"
	ArtifactURL    ArtifactType = "url"
	ArtifactTicket ArtifactType = "ticket"
	ArtifactPR     ArtifactType = "pr"
	ArtifactReport ArtifactType = "report"
)

// Artifact is an immutable output of a run. Artifacts of one card form a chain across
// stages linked only by convention of Stage and URI.
type Artifact struct {
	ID          string         `json:"id"`
	RunID       string         `json:"run_id"`
	CardID      string         `json:"card_id"`
	WorkspaceID string         `json:"workspace_id"`
	Stage       stage.Stage    `json:"stage"`
	Type        ArtifactType   `json:"artifact_type"`
	Label       string         `json:"label"`
	URI         string         `json:"uri"`
	Meta        map[string]any `json:"meta,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// ArtifactRequest is the input for recording an artifact on a run.
type ArtifactRequest struct {
	Type  ArtifactType   `json:"artifact_type"`
	Label string         `json:"label"`
	URI   string         `json:"uri"`
	Meta  map[string]any `json:"meta,omitempty"`
}

// NewArtifact builds an artifact for r. Card, workspace and stage are copied from the run.
func NewArtifact(r *Run, req ArtifactRequest, now time.Time) *Artifact {
	return &Artifact{
		ID:          NewID("art"),
		RunID:       r.ID,
		CardID:      r.CardID,
		WorkspaceID: r.WorkspaceID,
		Stage:       r.Stage,
		Type:        req.Type,
		Label:       req.Label,
		URI:         req.URI,
		Meta:        req.Meta,
		CreatedAt:   now,
	}
}
