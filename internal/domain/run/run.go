// Package run defines the Run domain entity: one attempt to execute a stage for a card,
// together with its append-only logs and the artifacts it produced.
package run

import (
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/stageflow/internal/domain/stage"
)

// Status represents the current state of a run.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Active reports whether the status occupies the single active slot of a (card, stage).
func (s Status) Active() bool {
	return s == StatusQueued || s == StatusRunning
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// ActiveStatuses lists the statuses covered by the single-flight invariant.
var ActiveStatuses = []Status{StatusQueued, StatusRunning}

// Run represents a single execution attempt of a stage's automation for a card.
// A retry never mutates a run; it creates a new one with Attempt+1.
type Run struct {
	ID             string         `json:"id"`
	CardID         string         `json:"card_id"`
	WorkspaceID    string         `json:"workspace_id"`
	Stage          stage.Stage    `json:"stage"`
	Status         Status         `json:"status"`
	Attempt        int            `json:"attempt"`
	IdempotencyKey string         `json:"idempotency_key"`
	TriggeredBy    string         `json:"triggered_by"`
	WorkerID       string         `json:"worker_id,omitempty"`
	ErrorSummary   string         `json:"error_summary,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// IsActive reports whether the run is queued or running.
func (r *Run) IsActive() bool { return r.Status.Active() }

// IsTerminal reports whether the run reached succeeded, failed or cancelled.
func (r *Run) IsTerminal() bool { return r.Status.Terminal() }

// CanRetry reports whether a retry may be spawned from this run.
func (r *Run) CanRetry() bool { return r.Status == StatusFailed }

// ActiveKey returns the derived key that at most one active run may hold.
func (r *Run) ActiveKey() string { return ActiveKey(r.CardID, r.Stage) }

// CreateRequest holds the fields needed to queue a run for a (card, stage).
type CreateRequest struct {
	CardID      string      `json:"card_id"`
	WorkspaceID string      `json:"workspace_id"`
	Stage       stage.Stage `json:"stage"`
	TriggeredBy string      `json:"triggered_by"`
}

// CompleteRequest carries a terminal transition reported by a worker.
type CompleteRequest struct {
	Status       Status         `json:"status"`
	ErrorSummary string         `json:"error_summary,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// NewID returns an opaque prefixed identifier, e.g. "run_5f0c...".
func NewID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

// ActiveKey returns the derived uniqueness key "<card>:<stage>:active".
func ActiveKey(cardID string, st stage.Stage) string {
	return cardID + ":" + string(st) + ":active"
}

// IdempotencyKey derives the unique key of a run. The attempt number alone does not
// make it unique, because a fresh run after a terminal one starts again at attempt 1,
// so the tail of the run id is appended.
func IdempotencyKey(cardID string, st stage.Stage, attempt int, runID string) string {
	suffix := runID
	if len(suffix) > 8 {
		suffix = suffix[len(suffix)-8:]
	}
	return fmt.Sprintf("%s:%s:%d:%s", cardID, st, attempt, suffix)
}

// New builds a queued run for req with the given attempt number.
func New(req CreateRequest, attempt int, now time.Time) *Run {
	id := NewID("run")
	return &Run{
		ID:             id,
		CardID:         req.CardID,
		WorkspaceID:    req.WorkspaceID,
		Stage:          req.Stage,
		Status:         StatusQueued,
		Attempt:        attempt,
		IdempotencyKey: IdempotencyKey(req.CardID, req.Stage, attempt, id),
		TriggeredBy:    req.TriggeredBy,
		Metadata:       map[string]any{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// MergeMetadata returns base with every key of patch written over it.
// Neither argument is modified.
func MergeMetadata(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	maps.Copy(out, base)
	maps.Copy(out, patch)
	return out
}
