// Package worker defines the executor process registry entry.
package worker

import (
	"fmt"
	"time"

	"github.com/Strob0t/stageflow/internal/domain"
)

// Status is the self-reported state of a worker.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// Worker is an executor process that claims and runs stage work for one workspace.
// The heartbeat row is owned by the reporting worker.
type Worker struct {
	ID            string    `json:"id"`
	WorkspaceID   string    `json:"workspace_id"`
	Status        Status    `json:"status"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	CreatedAt     time.Time `json:"created_at"`
}

// AliveAt reports whether the worker's last heartbeat falls within window of now.
func (w *Worker) AliveAt(now time.Time, window time.Duration) bool {
	return !w.LastHeartbeat.Before(now.Add(-window))
}

// RegisterRequest is the input for registering a worker.
type RegisterRequest struct {
	WorkerID    string `json:"worker_id"`
	WorkspaceID string `json:"workspace_id"`
}

// HeartbeatRequest is the input for a heartbeat report.
type HeartbeatRequest struct {
	WorkerID string `json:"worker_id"`
	Status   Status `json:"status"`
}

// Validate checks that a RegisterRequest has all required fields.
func (r *RegisterRequest) Validate() error {
	if r.WorkerID == "" {
		return fmt.Errorf("worker_id is required: %w", domain.ErrValidation)
	}
	if r.WorkspaceID == "" {
		return fmt.Errorf("workspace_id is required: %w", domain.ErrValidation)
	}
	return nil
}

// Validate checks a HeartbeatRequest. Workers report idle or busy; offline is
// assigned by the rescue sweep only.
func (r *HeartbeatRequest) Validate() error {
	if r.WorkerID == "" {
		return fmt.Errorf("worker_id is required: %w", domain.ErrValidation)
	}
	if r.Status != StatusIdle && r.Status != StatusBusy {
		return fmt.Errorf("invalid heartbeat status %q: %w", r.Status, domain.ErrValidation)
	}
	return nil
}
