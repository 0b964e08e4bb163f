package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Strob0t/stageflow/internal/domain/worker"
	"github.com/Strob0t/stageflow/internal/port/broadcast"
	"github.com/Strob0t/stageflow/internal/port/database"
	"github.com/Strob0t/stageflow/internal/port/messagequeue"
)

// DefaultLivenessWindow is how recent a heartbeat must be for a worker to count as active.
const DefaultLivenessWindow = 2 * time.Minute

// WorkerStatusEvent is broadcast when a worker registers, reports a heartbeat
// with a new status, or is marked busy, idle or offline.
type WorkerStatusEvent struct {
	WorkerID    string `json:"worker_id"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	Status      string `json:"status"`
}

// WorkerService manages the worker registry.
type WorkerService struct {
	store  database.WorkerStore
	hub    broadcast.Broadcaster
	window time.Duration
	now    func() time.Time
}

// NewWorkerService creates a WorkerService. A non-positive window falls back to
// DefaultLivenessWindow.
func NewWorkerService(store database.WorkerStore, hub broadcast.Broadcaster, window time.Duration) *WorkerService {
	if hub == nil {
		hub = broadcast.Nop{}
	}
	if window <= 0 {
		window = DefaultLivenessWindow
	}
	return &WorkerService{store: store, hub: hub, window: window, now: time.Now}
}

// SetClock replaces the time source. Used by tests.
func (s *WorkerService) SetClock(now func() time.Time) { s.now = now }

// RegisterWorker is an idempotent upsert. New workers start idle; existing workers
// keep their status and get a fresh heartbeat.
func (s *WorkerService) RegisterWorker(ctx context.Context, req *worker.RegisterRequest) (*worker.Worker, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("validate register request: %w", err)
	}
	now := s.now()
	w, err := s.store.UpsertWorker(ctx, &worker.Worker{
		ID:            req.WorkerID,
		WorkspaceID:   req.WorkspaceID,
		Status:        worker.StatusIdle,
		LastHeartbeat: now,
		CreatedAt:     now,
	})
	if err != nil {
		return nil, fmt.Errorf("upsert worker %s: %w", req.WorkerID, err)
	}
	s.hub.BroadcastEvent(ctx, broadcast.EventWorkerStatus, WorkerStatusEvent{
		WorkerID: w.ID, WorkspaceID: w.WorkspaceID, Status: string(w.Status),
	})
	slog.InfoContext(ctx, "worker registered", "worker_id", w.ID, "workspace_id", w.WorkspaceID, "status", w.Status)
	return w, nil
}

// UpdateWorkerHeartbeat records a heartbeat with the reported status.
func (s *WorkerService) UpdateWorkerHeartbeat(ctx context.Context, req *worker.HeartbeatRequest) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("validate heartbeat: %w", err)
	}
	if err := s.store.UpdateWorkerHeartbeat(ctx, req.WorkerID, req.Status, s.now()); err != nil {
		return fmt.Errorf("heartbeat worker %s: %w", req.WorkerID, err)
	}
	s.hub.BroadcastEvent(ctx, broadcast.EventWorkerStatus, WorkerStatusEvent{
		WorkerID: req.WorkerID, Status: string(req.Status),
	})
	return nil
}

// HasActiveWorkers reports whether any worker of the workspace sent a heartbeat
// within the liveness window.
func (s *WorkerService) HasActiveWorkers(ctx context.Context, workspaceID string) (bool, error) {
	n, err := s.store.CountLiveWorkers(ctx, workspaceID, s.now().Add(-s.window))
	if err != nil {
		return false, fmt.Errorf("count live workers of %s: %w", workspaceID, err)
	}
	return n > 0, nil
}

// ListWorkers lists the workers of a workspace, or every worker for an empty id.
func (s *WorkerService) ListWorkers(ctx context.Context, workspaceID string) ([]worker.Worker, error) {
	ws, err := s.store.ListWorkers(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	return ws, nil
}

// HandleHeartbeat consumes workers.heartbeat messages. A payload that names a
// workspace also registers the worker, so executors can join over NATS alone.
func (s *WorkerService) HandleHeartbeat(ctx context.Context, subject string, data []byte) error {
	if err := messagequeue.Validate(subject, data); err != nil {
		return err
	}
	var p messagequeue.WorkerHeartbeatPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode heartbeat: %w", err)
	}
	if p.WorkspaceID != "" {
		if _, err := s.RegisterWorker(ctx, &worker.RegisterRequest{WorkerID: p.WorkerID, WorkspaceID: p.WorkspaceID}); err != nil {
			return err
		}
	}
	return s.UpdateWorkerHeartbeat(ctx, &worker.HeartbeatRequest{WorkerID: p.WorkerID, Status: worker.Status(p.Status)})
}

// SubscribeHeartbeats wires HandleHeartbeat to the queue.
func (s *WorkerService) SubscribeHeartbeats(ctx context.Context, q messagequeue.Queue) (cancel func(), err error) {
	return q.Subscribe(ctx, messagequeue.SubjectWorkerHeartbeat, s.HandleHeartbeat)
}
