package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	cfotel "github.com/Strob0t/stageflow/internal/adapter/otel"
	"github.com/Strob0t/stageflow/internal/domain"
	"github.com/Strob0t/stageflow/internal/domain/run"
	"github.com/Strob0t/stageflow/internal/domain/stage"
	"github.com/Strob0t/stageflow/internal/domain/worker"
	"github.com/Strob0t/stageflow/internal/port/broadcast"
	"github.com/Strob0t/stageflow/internal/port/database"
	"github.com/Strob0t/stageflow/internal/port/messagequeue"
	"github.com/Strob0t/stageflow/internal/resilience"
)

// RunStatusEvent is broadcast whenever a run changes status.
type RunStatusEvent struct {
	RunID        string `json:"run_id"`
	CardID       string `json:"card_id"`
	WorkspaceID  string `json:"workspace_id"`
	Stage        string `json:"stage"`
	Status       string `json:"status"`
	Attempt      int    `json:"attempt"`
	WorkerID     string `json:"worker_id,omitempty"`
	ErrorSummary string `json:"error_summary,omitempty"`
}

func runStatusEvent(r *run.Run) RunStatusEvent {
	return RunStatusEvent{
		RunID:        r.ID,
		CardID:       r.CardID,
		WorkspaceID:  r.WorkspaceID,
		Stage:        string(r.Stage),
		Status:       string(r.Status),
		Attempt:      r.Attempt,
		WorkerID:     r.WorkerID,
		ErrorSummary: r.ErrorSummary,
	}
}

func runFinishedPayload(r *run.Run) messagequeue.RunFinishedPayload {
	return messagequeue.RunFinishedPayload{
		RunID:        r.ID,
		CardID:       r.CardID,
		WorkspaceID:  r.WorkspaceID,
		Stage:        string(r.Stage),
		Status:       string(r.Status),
		WorkerID:     r.WorkerID,
		ErrorSummary: r.ErrorSummary,
	}
}

// RunService owns the run lifecycle: single-flight creation, atomic claims,
// conditional completion, retries and cancellation.
type RunService struct {
	store   database.Store
	pub     publisher
	hub     broadcast.Broadcaster
	metrics *cfotel.Metrics
	now     func() time.Time
}

// NewRunService creates a RunService. queue may be nil when NATS is disabled.
func NewRunService(store database.Store, queue messagequeue.Queue, hub broadcast.Broadcaster) *RunService {
	if hub == nil {
		hub = broadcast.Nop{}
	}
	return &RunService{
		store: store,
		pub:   publisher{queue: queue},
		hub:   hub,
		now:   time.Now,
	}
}

// SetBreaker routes queue publishes through b.
func (s *RunService) SetBreaker(b *resilience.Breaker) { s.pub.breaker = b }

// SetMetrics enables OpenTelemetry counters.
func (s *RunService) SetMetrics(m *cfotel.Metrics) { s.metrics = m }

// SetClock replaces the time source. Used by tests.
func (s *RunService) SetClock(now func() time.Time) { s.now = now }

// CreateRun creates a queued run for (card, stage) unless one is already active,
// in which case the active run is returned with created=false.
func (s *RunService) CreateRun(ctx context.Context, req *run.CreateRequest) (r *run.Run, created bool, err error) {
	if err := req.Validate(); err != nil {
		return nil, false, fmt.Errorf("validate create request: %w", err)
	}
	return s.createRun(ctx, req, 1, nil)
}

func (s *RunService) createRun(ctx context.Context, req *run.CreateRequest, attempt int, meta map[string]any) (*run.Run, bool, error) {
	now := s.now()
	r := run.New(*req, attempt, now)
	for k, v := range meta {
		r.Metadata[k] = v
	}
	if err := r.Validate(); err != nil {
		return nil, false, fmt.Errorf("create run: %w", err)
	}
	initial := run.NewLog(r.ID, run.LogRequest{
		Level:   run.LevelInfo,
		Message: "Run queued",
		Data:    map[string]any{"attempt": attempt, "triggered_by": req.TriggeredBy},
	}, now)

	active, created, err := s.store.CreateRunIfAbsent(ctx, r, initial)
	if err != nil {
		return nil, false, fmt.Errorf("create run: %w", err)
	}
	attrs := metric.WithAttributes(attribute.String("stage", string(req.Stage)))
	if !created {
		if s.metrics != nil {
			s.metrics.RunsDeduped.Add(ctx, 1, attrs)
		}
		slog.DebugContext(ctx, "active run reused", "run_id", active.ID, "card_id", active.CardID, "stage", active.Stage)
		return active, false, nil
	}

	if s.metrics != nil {
		s.metrics.RunsCreated.Add(ctx, 1, attrs)
	}
	s.pub.publishBestEffort(ctx, messagequeue.RunQueuedSubject(r.WorkspaceID), messagequeue.RunQueuedPayload{
		RunID:       r.ID,
		CardID:      r.CardID,
		WorkspaceID: r.WorkspaceID,
		Stage:       string(r.Stage),
		Attempt:     r.Attempt,
		TriggeredBy: r.TriggeredBy,
	}, "run_id", r.ID)
	s.hub.BroadcastEvent(ctx, broadcast.EventRunStatus, runStatusEvent(r))

	slog.InfoContext(ctx, "run queued", "run_id", r.ID, "card_id", r.CardID, "stage", r.Stage, "attempt", r.Attempt)
	return r, true, nil
}

// ClaimRun atomically moves a queued run to running for workerID. Exactly one of
// several concurrent callers gets true; the rest get false without an error.
func (s *RunService) ClaimRun(ctx context.Context, runID, workerID string) (bool, error) {
	if runID == "" || workerID == "" {
		return false, fmt.Errorf("run id and worker id are required: %w", domain.ErrValidation)
	}
	ctx, span := cfotel.StartRunSpan(ctx, "claim", runID, "", "")
	defer span.End()

	ok, err := s.store.ClaimRun(ctx, runID, workerID, s.now())
	if err != nil {
		return false, fmt.Errorf("claim run %s: %w", runID, err)
	}
	if !ok {
		if s.metrics != nil {
			s.metrics.ClaimConflicts.Add(ctx, 1)
		}
		slog.DebugContext(ctx, "claim lost", "run_id", runID, "worker_id", workerID)
		return false, nil
	}
	if s.metrics != nil {
		s.metrics.RunsClaimed.Add(ctx, 1)
	}

	s.setWorkerStatus(ctx, workerID, worker.StatusBusy)

	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		slog.WarnContext(ctx, "claimed run not readable", "run_id", runID, "error", err)
		return true, nil
	}
	span.SetAttributes(attribute.String("card.id", r.CardID), attribute.String("stage", string(r.Stage)))
	s.hub.BroadcastEvent(ctx, broadcast.EventRunStatus, runStatusEvent(r))

	slog.InfoContext(ctx, "run claimed", "run_id", runID, "card_id", r.CardID, "stage", r.Stage, "worker_id", workerID)
	return true, nil
}

// CompleteRun moves a queued or running run to a terminal status and merges the
// metadata patch. Completing an already terminal run is a no-op that returns false.
func (s *RunService) CompleteRun(ctx context.Context, runID string, req *run.CompleteRequest) (bool, error) {
	if err := req.Validate(); err != nil {
		return false, fmt.Errorf("validate complete request: %w", err)
	}
	summary := ""
	if req.Status != run.StatusSucceeded {
		summary = req.ErrorSummary
	}
	return s.finish(ctx, runID, req.Status, summary, req.Metadata)
}

// CancelRun cancels a queued or running run and records the reason as its error
// summary. The executing worker is not interrupted.
func (s *RunService) CancelRun(ctx context.Context, runID, reason string) (bool, error) {
	if reason == "" {
		reason = "Cancelled"
	}
	return s.finish(ctx, runID, run.StatusCancelled, reason, nil)
}

func (s *RunService) finish(ctx context.Context, runID string, status run.Status, summary string, patch map[string]any) (bool, error) {
	ctx, span := cfotel.StartRunSpan(ctx, "finish", runID, "", "")
	defer span.End()

	ok, err := s.store.FinishRun(ctx, runID, database.FinishParams{
		Status:       status,
		ErrorSummary: summary,
		Metadata:     patch,
		FinishedAt:   s.now(),
		From:         run.ActiveStatuses,
	})
	if err != nil {
		return false, fmt.Errorf("finish run %s: %w", runID, err)
	}
	if !ok {
		slog.DebugContext(ctx, "finish ignored", "run_id", runID, "status", status)
		return false, nil
	}

	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		slog.WarnContext(ctx, "finished run not readable", "run_id", runID, "error", err)
		return true, nil
	}
	s.afterFinish(ctx, r)

	slog.InfoContext(ctx, "run finished", "run_id", r.ID, "card_id", r.CardID, "stage", r.Stage, "status", r.Status)
	return true, nil
}

// afterFinish releases the worker and emits the terminal events of r.
func (s *RunService) afterFinish(ctx context.Context, r *run.Run) {
	if r.WorkerID != "" {
		s.setWorkerStatus(ctx, r.WorkerID, worker.StatusIdle)
	}
	if s.metrics != nil {
		attrs := metric.WithAttributes(
			attribute.String("stage", string(r.Stage)),
			attribute.String("status", string(r.Status)),
		)
		s.metrics.RunsFinished.Add(ctx, 1, attrs)
		if r.StartedAt != nil && r.FinishedAt != nil {
			s.metrics.RunDuration.Record(ctx, r.FinishedAt.Sub(*r.StartedAt).Seconds(), attrs)
		}
	}
	s.pub.publishBestEffort(ctx, messagequeue.SubjectRunFinished, runFinishedPayload(r), "run_id", r.ID)
	s.hub.BroadcastEvent(ctx, broadcast.EventRunStatus, runStatusEvent(r))
}

// RetryRun creates attempt+1 of a failed run. The failed run is left untouched.
// Retrying a run that has not failed returns ErrConflict. If another run already
// holds the (card, stage) slot it is returned with created=false.
func (s *RunService) RetryRun(ctx context.Context, runID string) (r *run.Run, created bool, err error) {
	src, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, false, fmt.Errorf("get run %s: %w", runID, err)
	}
	if !src.CanRetry() {
		return nil, false, fmt.Errorf("retry run %s in status %s: %w", runID, src.Status, domain.ErrConflict)
	}
	req := &run.CreateRequest{
		CardID:      src.CardID,
		WorkspaceID: src.WorkspaceID,
		Stage:       src.Stage,
		TriggeredBy: "retry",
	}
	return s.createRun(ctx, req, src.Attempt+1, map[string]any{"retry_of": src.ID})
}

// GetRunByID returns the run, or nil when it does not exist.
func (s *RunService) GetRunByID(ctx context.Context, id string) (*run.Run, error) {
	r, err := s.store.GetRun(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return r, nil
}

// GetRunsForCard returns the full run history of the card, any status.
func (s *RunService) GetRunsForCard(ctx context.Context, cardID string) ([]run.Run, error) {
	runs, err := s.store.ListRunsByCard(ctx, cardID)
	if err != nil {
		return nil, fmt.Errorf("list runs for card %s: %w", cardID, err)
	}
	return runs, nil
}

// GetActiveRunForCard returns the queued or running run of the card, or nil.
// An empty stage matches any stage.
func (s *RunService) GetActiveRunForCard(ctx context.Context, cardID string, st stage.Stage) (*run.Run, error) {
	r, err := s.store.GetActiveRun(ctx, cardID, st)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active run for card %s: %w", cardID, err)
	}
	return r, nil
}

// AddRunLog appends a log entry. Unknown runs return ErrNotFound.
func (s *RunService) AddRunLog(ctx context.Context, runID string, req *run.LogRequest) (*run.Log, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("validate log request: %w", err)
	}
	l := run.NewLog(runID, *req, s.now())
	if err := s.store.AppendLog(ctx, l); err != nil {
		return nil, fmt.Errorf("append log to run %s: %w", runID, err)
	}
	s.hub.BroadcastEvent(ctx, broadcast.EventRunLog, l)
	return l, nil
}

// GetRunLogs returns the run's logs in append order.
func (s *RunService) GetRunLogs(ctx context.Context, runID string) ([]run.Log, error) {
	logs, err := s.store.ListLogs(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("list logs of run %s: %w", runID, err)
	}
	return logs, nil
}

// CreateArtifact records an output of the run. Card, workspace and stage are
// copied from the run.
func (s *RunService) CreateArtifact(ctx context.Context, runID string, req *run.ArtifactRequest) (*run.Artifact, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("validate artifact request: %w", err)
	}
	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	a := run.NewArtifact(r, *req, s.now())
	if err := s.store.CreateArtifact(ctx, a); err != nil {
		return nil, fmt.Errorf("create artifact: %w", err)
	}
	s.hub.BroadcastEvent(ctx, broadcast.EventRunArtifact, a)
	slog.InfoContext(ctx, "artifact created", "run_id", runID, "artifact_id", a.ID, "type", a.Type, "label", a.Label)
	return a, nil
}

// GetArtifactsForRun lists the run's artifacts.
func (s *RunService) GetArtifactsForRun(ctx context.Context, runID string) ([]run.Artifact, error) {
	arts, err := s.store.ListArtifactsByRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts of run %s: %w", runID, err)
	}
	return arts, nil
}

// GetArtifactsForCard lists the card's artifacts across runs. An empty stage
// matches any stage.
func (s *RunService) GetArtifactsForCard(ctx context.Context, cardID string, st stage.Stage) ([]run.Artifact, error) {
	arts, err := s.store.ListArtifactsByCard(ctx, cardID, st)
	if err != nil {
		return nil, fmt.Errorf("list artifacts of card %s: %w", cardID, err)
	}
	return arts, nil
}

func (s *RunService) setWorkerStatus(ctx context.Context, workerID string, status worker.Status) {
	setWorkerStatus(ctx, s.store, s.hub, workerID, status)
}

// setWorkerStatus is best effort: runs may be claimed by executors that never registered.
func setWorkerStatus(ctx context.Context, store database.WorkerStore, hub broadcast.Broadcaster, workerID string, status worker.Status) {
	err := store.SetWorkerStatus(ctx, workerID, status)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		slog.DebugContext(ctx, "worker not registered", "worker_id", workerID)
	case err != nil:
		slog.WarnContext(ctx, "set worker status failed", "worker_id", workerID, "status", status, "error", err)
	default:
		hub.BroadcastEvent(ctx, broadcast.EventWorkerStatus, WorkerStatusEvent{WorkerID: workerID, Status: string(status)})
	}
}
