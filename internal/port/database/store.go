// Package database defines the store port (interface) behind which runs, logs,
// artifacts, workers, recipes and skills are persisted.
package database

import (
	"context"
	"time"

	"github.com/Strob0t/stageflow/internal/domain/recipe"
	"github.com/Strob0t/stageflow/internal/domain/run"
	"github.com/Strob0t/stageflow/internal/domain/skill"
	"github.com/Strob0t/stageflow/internal/domain/stage"
	"github.com/Strob0t/stageflow/internal/domain/worker"
)

// FinishParams describes a conditional terminal transition.
type FinishParams struct {
	Status       run.Status
	ErrorSummary string
	// Metadata is merged key by key into the stored metadata.
	Metadata   map[string]any
	FinishedAt time.Time
	// From lists the statuses the run must currently be in for the update to apply.
	From []run.Status
}

// RunStore persists runs, their logs and their artifacts. Implementations must make
// CreateRunIfAbsent, ClaimRun and FinishRun atomic with respect to concurrent callers.
type RunStore interface {
	// CreateRunIfAbsent inserts r together with its initial log unless a queued or
	// running run already holds (r.CardID, r.Stage). In that case the existing active
	// run is returned with created=false.
	CreateRunIfAbsent(ctx context.Context, r *run.Run, initial *run.Log) (active *run.Run, created bool, err error)
	GetRun(ctx context.Context, id string) (*run.Run, error)
	ListRunsByCard(ctx context.Context, cardID string) ([]run.Run, error)
	// GetActiveRun returns the most recent queued or running run of the card.
	// An empty stage matches any stage.
	GetActiveRun(ctx context.Context, cardID string, st stage.Stage) (*run.Run, error)
	// GetLatestRun returns the most recently created run of (card, stage), any status.
	GetLatestRun(ctx context.Context, cardID string, st stage.Stage) (*run.Run, error)
	// ClaimRun moves a queued run to running and records the worker. It reports
	// false when the run does not exist or is no longer queued.
	ClaimRun(ctx context.Context, id, workerID string, now time.Time) (bool, error)
	// FinishRun applies p only if the run's status is in p.From. It reports false
	// when the run does not exist or its status did not match.
	FinishRun(ctx context.Context, id string, p FinishParams) (bool, error)
	// ListStuckRuns returns running runs whose started_at is at or before cutoff.
	ListStuckRuns(ctx context.Context, cutoff time.Time) ([]run.Run, error)

	// AppendLog returns ErrNotFound when the run does not exist.
	AppendLog(ctx context.Context, l *run.Log) error
	ListLogs(ctx context.Context, runID string) ([]run.Log, error)

	CreateArtifact(ctx context.Context, a *run.Artifact) error
	ListArtifactsByRun(ctx context.Context, runID string) ([]run.Artifact, error)
	// ListArtifactsByCard lists the card's artifacts; an empty stage matches any stage.
	ListArtifactsByCard(ctx context.Context, cardID string, st stage.Stage) ([]run.Artifact, error)
}

// WorkerStore persists the worker registry.
type WorkerStore interface {
	// UpsertWorker inserts w as given, or refreshes workspace and heartbeat of an
	// existing worker without touching its status. The stored worker is returned.
	UpsertWorker(ctx context.Context, w *worker.Worker) (*worker.Worker, error)
	GetWorker(ctx context.Context, id string) (*worker.Worker, error)
	UpdateWorkerHeartbeat(ctx context.Context, id string, status worker.Status, now time.Time) error
	SetWorkerStatus(ctx context.Context, id string, status worker.Status) error
	ListWorkers(ctx context.Context, workspaceID string) ([]worker.Worker, error)
	// CountLiveWorkers counts non-offline workers of the workspace with a heartbeat at or after since.
	CountLiveWorkers(ctx context.Context, workspaceID string, since time.Time) (int, error)
	// MarkStaleWorkersOffline sets every non-offline worker whose heartbeat is before
	// cutoff to offline and returns how many changed.
	MarkStaleWorkersOffline(ctx context.Context, cutoff time.Time) (int, error)
}

// RecipeStore persists stage recipes, one per (workspace, stage).
type RecipeStore interface {
	// CreateRecipeIfAbsent inserts r unless a recipe exists for its (workspace, stage).
	CreateRecipeIfAbsent(ctx context.Context, r *recipe.StageRecipe) (bool, error)
	GetRecipe(ctx context.Context, workspaceID string, st stage.Stage) (*recipe.StageRecipe, error)
	ListRecipes(ctx context.Context, workspaceID string) ([]recipe.StageRecipe, error)
	// UpdateRecipe stores r if the stored recipe still carries prevUpdatedAt, and
	// returns ErrConflict when another writer got there first.
	UpdateRecipe(ctx context.Context, r *recipe.StageRecipe, prevUpdatedAt time.Time) error
	DeleteRecipe(ctx context.Context, workspaceID string, st stage.Stage) error
}

// SkillStore persists the skill registry.
type SkillStore interface {
	UpsertSkill(ctx context.Context, s *skill.Skill) error
	GetSkill(ctx context.Context, name string) (*skill.Skill, error)
	ListSkills(ctx context.Context) ([]skill.Skill, error)
}

// Store is the port interface for all persistence.
type Store interface {
	RunStore
	WorkerStore
	RecipeStore
	SkillStore
}
