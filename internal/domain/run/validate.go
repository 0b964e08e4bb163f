package run

import (
	"fmt"

	"github.com/Strob0t/stageflow/internal/domain"
	"github.com/Strob0t/stageflow/internal/domain/stage"
)

// validStatuses enumerates all valid run statuses.
var validStatuses = map[Status]bool{
	StatusQueued:    true,
	StatusRunning:   true,
	StatusSucceeded: true,
	StatusFailed:    true,
	StatusCancelled: true,
}

// validLevels enumerates all valid log levels.
var validLevels = map[Level]bool{
	LevelDebug: true,
	LevelInfo:  true,
	LevelWarn:  true,
	LevelError: true,
}

// Validate checks that a Run is fit to be inserted: required fields, a known
// stage and status, and an attempt of at least 1.
func (r *Run) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required: %w", domain.ErrValidation)
	}
	if r.CardID == "" {
		return fmt.Errorf("card_id is required: %w", domain.ErrValidation)
	}
	if r.WorkspaceID == "" {
		return fmt.Errorf("workspace_id is required: %w", domain.ErrValidation)
	}
	if !stage.Valid(r.Stage) {
		return fmt.Errorf("invalid stage %q: %w", r.Stage, domain.ErrValidation)
	}
	if !validStatuses[r.Status] {
		return fmt.Errorf("invalid status %q: %w", r.Status, domain.ErrValidation)
	}
	if r.Attempt < 1 {
		return fmt.Errorf("attempt must be >= 1, got %d: %w", r.Attempt, domain.ErrValidation)
	}
	return nil
}

// Validate checks that a CreateRequest has all required fields.
func (r *CreateRequest) Validate() error {
	if r.CardID == "" {
		return fmt.Errorf("card_id is required: %w", domain.ErrValidation)
	}
	if r.WorkspaceID == "" {
		return fmt.Errorf("workspace_id is required: %w", domain.ErrValidation)
	}
	if !stage.Valid(r.Stage) {
		return fmt.Errorf("invalid stage %q: %w", r.Stage, domain.ErrValidation)
	}
	return nil
}

// Validate checks that a CompleteRequest names a terminal status.
func (r *CompleteRequest) Validate() error {
	if !r.Status.Terminal() {
		return fmt.Errorf("status must be succeeded, failed or cancelled, got %q: %w", r.Status, domain.ErrValidation)
	}
	return nil
}

// Validate checks a LogRequest. An empty level defaults to info.
func (r *LogRequest) Validate() error {
	if r.Message == "" {
		return fmt.Errorf("message is required: %w", domain.ErrValidation)
	}
	if r.Level != "" && !validLevels[r.Level] {
		return fmt.Errorf("invalid level %q: %w", r.Level, domain.ErrValidation)
	}
	return nil
}

// Validate checks an ArtifactRequest.
func (r *ArtifactRequest) Validate() error {
	if r.Type == "" {
		return fmt.Errorf("artifact_type is required: %w", domain.ErrValidation)
	}
	if r.Label == "" && r.URI == "" {
		return fmt.Errorf("label or uri is required: %w", domain.ErrValidation)
	}
	return nil
}
