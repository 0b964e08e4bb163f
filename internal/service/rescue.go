package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	cfotel "github.com/Strob0t/stageflow/internal/adapter/otel"
	"github.com/Strob0t/stageflow/internal/domain/run"
	"github.com/Strob0t/stageflow/internal/domain/worker"
	"github.com/Strob0t/stageflow/internal/logger"
	"github.com/Strob0t/stageflow/internal/port/broadcast"
	"github.com/Strob0t/stageflow/internal/port/database"
	"github.com/Strob0t/stageflow/internal/port/messagequeue"
	"github.com/Strob0t/stageflow/internal/resilience"
)

// RescueSummary is the error summary of every rescued run. It is distinct from
// worker-reported failures so operators can tell lost workers from failed executions.
const RescueSummary = "Run exceeded maximum execution time — worker may have crashed"

// DefaultStuckThreshold is how long a run may stay running before it is rescued.
const DefaultStuckThreshold = 10 * time.Minute

// RescuedEvent is broadcast after a sweep that rescued at least one run.
type RescuedEvent struct {
	Count  int      `json:"count"`
	RunIDs []string `json:"run_ids"`
}

// RescueService fails runs whose worker has gone silent. Liveness is purely
// time based: a run running for longer than the threshold is rescued regardless
// of worker heartbeats.
type RescueService struct {
	store     database.Store
	pub       publisher
	hub       broadcast.Broadcaster
	metrics   *cfotel.Metrics
	threshold time.Duration
	window    time.Duration
	now       func() time.Time
}

// NewRescueService creates a RescueService. threshold is the stuck-run age and
// window the worker liveness window used for offline marking; non-positive values
// fall back to the defaults.
func NewRescueService(store database.Store, queue messagequeue.Queue, hub broadcast.Broadcaster, threshold, window time.Duration) *RescueService {
	if hub == nil {
		hub = broadcast.Nop{}
	}
	if threshold <= 0 {
		threshold = DefaultStuckThreshold
	}
	if window <= 0 {
		window = DefaultLivenessWindow
	}
	return &RescueService{
		store:     store,
		pub:       publisher{queue: queue},
		hub:       hub,
		threshold: threshold,
		window:    window,
		now:       time.Now,
	}
}

// SetBreaker routes queue publishes through b.
func (s *RescueService) SetBreaker(b *resilience.Breaker) { s.pub.breaker = b }

// SetMetrics enables OpenTelemetry counters.
func (s *RescueService) SetMetrics(m *cfotel.Metrics) { s.metrics = m }

// SetClock replaces the time source. Used by tests.
func (s *RescueService) SetClock(now func() time.Time) { s.now = now }

// RescueStuckRuns fails every running run started before now-threshold, logs the
// rescue on each run and returns how many were rescued. Workers with stale
// heartbeats are marked offline in the same sweep.
func (s *RescueService) RescueStuckRuns(ctx context.Context) (int, error) {
	ctx, span := cfotel.StartRescueSpan(ctx)
	defer span.End()

	now := s.now()
	stuck, err := s.store.ListStuckRuns(ctx, now.Add(-s.threshold))
	if err != nil {
		return 0, fmt.Errorf("list stuck runs: %w", err)
	}

	rescued := make([]string, 0, len(stuck))
	for i := range stuck {
		r := &stuck[i]
		ok, err := s.store.FinishRun(ctx, r.ID, database.FinishParams{
			Status:       run.StatusFailed,
			ErrorSummary: RescueSummary,
			Metadata:     map[string]any{"rescued": true},
			FinishedAt:   now,
			From:         []run.Status{run.StatusRunning},
		})
		if err != nil {
			return len(rescued), fmt.Errorf("rescue run %s: %w", r.ID, err)
		}
		if !ok {
			// Completed by its worker between the listing and the update.
			continue
		}
		rescued = append(rescued, r.ID)
		s.recordRescue(ctx, r, now)
	}

	if n, err := s.store.MarkStaleWorkersOffline(ctx, now.Add(-s.window)); err != nil {
		slog.WarnContext(ctx, "mark stale workers offline failed", "error", err)
	} else if n > 0 {
		slog.InfoContext(ctx, "workers marked offline", "count", n)
	}

	span.SetAttributes(attribute.Int("rescued", len(rescued)))
	if len(rescued) > 0 {
		s.hub.BroadcastEvent(ctx, broadcast.EventRunsRescued, RescuedEvent{Count: len(rescued), RunIDs: rescued})
		slog.WarnContext(ctx, "stuck runs rescued", "count", len(rescued), "threshold", s.threshold)
	}
	return len(rescued), nil
}

func (s *RescueService) recordRescue(ctx context.Context, r *run.Run, now time.Time) {
	var startedAt string
	if r.StartedAt != nil {
		startedAt = r.StartedAt.UTC().Format(time.RFC3339)
	}
	l := run.NewLog(r.ID, run.LogRequest{
		Level:   run.LevelError,
		Message: "Run rescued: " + RescueSummary,
		StepKey: "rescue",
		Data: map[string]any{
			"started_at":        startedAt,
			"threshold_seconds": s.threshold.Seconds(),
			"worker_id":         r.WorkerID,
		},
	}, now)
	if err := s.store.AppendLog(ctx, l); err != nil {
		slog.WarnContext(ctx, "rescue log failed", "run_id", r.ID, "error", err)
	}

	r.Status = run.StatusFailed
	r.ErrorSummary = RescueSummary
	r.FinishedAt = &now
	// Stale workers are marked offline later in the same sweep.
	if r.WorkerID != "" {
		setWorkerStatus(ctx, s.store, s.hub, r.WorkerID, worker.StatusIdle)
	}
	if s.metrics != nil {
		s.metrics.RunsRescued.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", string(r.Stage))))
	}
	s.pub.publishBestEffort(ctx, messagequeue.SubjectRunRescued, runFinishedPayload(r), "run_id", r.ID)
	s.hub.BroadcastEvent(ctx, broadcast.EventRunStatus, runStatusEvent(r))
	slog.WarnContext(ctx, "run rescued", "run_id", r.ID, "card_id", r.CardID, "stage", r.Stage, "worker_id", r.WorkerID)
}

// Start sweeps every interval until ctx is cancelled.
func (s *RescueService) Start(ctx context.Context, interval time.Duration) {
	ctx = logger.WithCaller(ctx, logger.CallerRescuer)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RescueStuckRuns(ctx); err != nil {
				slog.ErrorContext(ctx, "rescue sweep failed", "error", err)
			}
		}
	}
}
