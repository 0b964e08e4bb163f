package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	cfotel "github.com/Strob0t/stageflow/internal/adapter/otel"
	"github.com/Strob0t/stageflow/internal/domain"
	"github.com/Strob0t/stageflow/internal/domain/advance"
	"github.com/Strob0t/stageflow/internal/domain/gate"
	"github.com/Strob0t/stageflow/internal/domain/recipe"
	"github.com/Strob0t/stageflow/internal/domain/run"
	"github.com/Strob0t/stageflow/internal/domain/stage"
	"github.com/Strob0t/stageflow/internal/port/broadcast"
	"github.com/Strob0t/stageflow/internal/port/database"
	"github.com/Strob0t/stageflow/internal/port/messagequeue"
	"github.com/Strob0t/stageflow/internal/resilience"
)

// gateFilesKey is the run metadata key holding the file listing a gated
// completion was evaluated against, so later decisions see the same inputs.
const gateFilesKey = "gate_files"

// GatedCompletion is the outcome of CompleteRunWithGates. Completed is false when
// the run was already terminal and nothing changed.
type GatedCompletion struct {
	RunID     string       `json:"run_id"`
	Status    run.Status   `json:"status"`
	Completed bool         `json:"completed"`
	Verdict   gate.Verdict `json:"verdict"`
}

// AdvanceService connects runs, recipes and the gate evaluator: it completes runs
// according to their stage gates and decides whether a card's stage may advance.
type AdvanceService struct {
	store     database.Store
	runs      *RunService
	recipes   *RecipeService
	evaluator *gate.Evaluator
	pub       publisher
	hub       broadcast.Broadcaster
	metrics   *cfotel.Metrics
}

// NewAdvanceService creates an AdvanceService.
func NewAdvanceService(
	store database.Store,
	runs *RunService,
	recipes *RecipeService,
	queue messagequeue.Queue,
	hub broadcast.Broadcaster,
) *AdvanceService {
	if hub == nil {
		hub = broadcast.Nop{}
	}
	return &AdvanceService{
		store:     store,
		runs:      runs,
		recipes:   recipes,
		evaluator: gate.NewEvaluator(),
		pub:       publisher{queue: queue},
		hub:       hub,
	}
}

// SetBreaker routes queue publishes through b.
func (s *AdvanceService) SetBreaker(b *resilience.Breaker) { s.pub.breaker = b }

// SetMetrics enables OpenTelemetry counters.
func (s *AdvanceService) SetMetrics(m *cfotel.Metrics) { s.metrics = m }

// stageRecipe returns the stored recipe, or the unsaved default when the
// workspace has none for the stage.
func (s *AdvanceService) stageRecipe(ctx context.Context, workspaceID string, st stage.Stage) (*recipe.StageRecipe, error) {
	r, err := s.recipes.GetStageRecipe(ctx, workspaceID, st)
	if err != nil {
		return nil, err
	}
	if r == nil {
		r = recipe.Default(workspaceID, st, s.runs.now())
	}
	return r, nil
}

func (s *AdvanceService) evaluate(ctx context.Context, r *recipe.StageRecipe, cardID string, in gate.Input) (gate.Verdict, error) {
	ctx, span := cfotel.StartGateSpan(ctx, cardID, string(r.Stage), len(r.Gates))
	defer span.End()

	arts, err := s.store.ListArtifactsByCard(ctx, cardID, "")
	if err != nil {
		return gate.Verdict{}, fmt.Errorf("list artifacts of card %s: %w", cardID, err)
	}
	in.Artifacts = arts
	v := s.evaluator.Evaluate(r.Gates, in)

	if s.metrics != nil {
		for i := range v.Results {
			s.metrics.GateChecks.Add(ctx, 1, metric.WithAttributes(
				attribute.String("stage", string(r.Stage)),
				attribute.String("gate", v.Results[i].GateID),
				attribute.Bool("passed", v.Results[i].Passed),
			))
		}
	}
	span.SetAttributes(attribute.Bool("gates.passed", v.Passed))
	return v, nil
}

// CompleteRunWithGates evaluates the stage gates against the card's artifacts, the
// run metadata merged with patch and the given files. It logs one entry per gate
// under step key "gate:<id>", then completes the run succeeded, or failed with a
// "Gate check failed: ..." summary when a required gate did not pass.
func (s *AdvanceService) CompleteRunWithGates(ctx context.Context, runID string, patch map[string]any, files map[string]string) (*GatedCompletion, error) {
	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	if r.IsTerminal() {
		return &GatedCompletion{RunID: r.ID, Status: r.Status, Verdict: gate.Verdict{Results: []gate.Result{}}}, nil
	}

	rec, err := s.stageRecipe(ctx, r.WorkspaceID, r.Stage)
	if err != nil {
		return nil, err
	}
	if len(files) > 0 {
		patch = run.MergeMetadata(patch, map[string]any{gateFilesKey: filesMetadata(files)})
	}
	v, err := s.evaluate(ctx, rec, r.CardID, gate.Input{
		Files:    files,
		Metadata: run.MergeMetadata(r.Metadata, patch),
	})
	if err != nil {
		return nil, err
	}

	for i := range v.Results {
		if err := s.logGateResult(ctx, runID, &v.Results[i]); err != nil {
			return nil, err
		}
	}

	req := &run.CompleteRequest{Status: run.StatusSucceeded, Metadata: patch}
	if !v.Passed {
		req.Status = run.StatusFailed
		req.ErrorSummary = v.Summary()
	}
	completed, err := s.runs.CompleteRun(ctx, runID, req)
	if err != nil {
		return nil, err
	}

	status := req.Status
	if !completed {
		// Finished concurrently by someone else; report what is stored.
		if cur, err := s.store.GetRun(ctx, runID); err == nil {
			status = cur.Status
		}
	}
	slog.InfoContext(ctx, "gated completion", "run_id", runID, "card_id", r.CardID, "stage", r.Stage, "status", status, "gates_passed", v.Passed)
	return &GatedCompletion{RunID: runID, Status: status, Completed: completed, Verdict: v}, nil
}

func (s *AdvanceService) logGateResult(ctx context.Context, runID string, res *gate.Result) error {
	req := &run.LogRequest{
		Level:   run.LevelInfo,
		Message: "Gate passed: " + res.Name,
		StepKey: "gate:" + res.GateID,
		Data: map[string]any{
			"gate_id":  res.GateID,
			"type":     string(res.Type),
			"required": res.Required,
			"passed":   res.Passed,
			"detail":   res.Detail,
		},
	}
	if !res.Passed {
		req.Level = run.LevelWarn
		if res.Required {
			req.Level = run.LevelError
		}
		req.Message = "Gate failed: " + res.Message
	}
	_, err := s.runs.AddRunLog(ctx, runID, req)
	return err
}

// Decide combines the latest run of (card, stage), the gate verdict, the effective
// automation level and the failure policy into an advancement decision. The
// decision is published and broadcast; moving the card is left to the caller.
func (s *AdvanceService) Decide(ctx context.Context, cardID, workspaceID string, st stage.Stage) (*advance.Decision, error) {
	if cardID == "" || workspaceID == "" {
		return nil, fmt.Errorf("card_id and workspace_id are required: %w", domain.ErrValidation)
	}
	if !stage.Valid(st) {
		return nil, fmt.Errorf("invalid stage %q: %w", st, domain.ErrValidation)
	}

	rec, err := s.stageRecipe(ctx, workspaceID, st)
	if err != nil {
		return nil, err
	}

	latest, err := s.store.GetLatestRun(ctx, cardID, st)
	if errors.Is(err, domain.ErrNotFound) {
		latest = nil
	} else if err != nil {
		return nil, fmt.Errorf("get latest run of %s/%s: %w", cardID, st, err)
	}

	in := gate.Input{}
	if latest != nil {
		in.Metadata = latest.Metadata
		in.Files = gateFiles(latest.Metadata)
	}
	v, err := s.evaluate(ctx, rec, cardID, in)
	if err != nil {
		return nil, err
	}
	level, err := s.recipes.GetEffectiveAutomationLevel(ctx, rec)
	if err != nil {
		return nil, err
	}

	d := advance.Decide(advance.Input{
		CardID:      cardID,
		WorkspaceID: workspaceID,
		Stage:       st,
		LatestRun:   latest,
		Verdict:     v,
		Level:       level,
		OnFail:      rec.OnFailBehavior,
		Enabled:     rec.Enabled,
	})

	s.pub.publishBestEffort(ctx, messagequeue.SubjectStageDecided, messagequeue.StageDecidedPayload{
		CardID:      d.CardID,
		WorkspaceID: d.WorkspaceID,
		Stage:       string(d.Stage),
		NextStage:   string(d.NextStage),
		Outcome:     string(d.Outcome),
		Level:       string(d.Level),
		OnFail:      string(d.OnFail),
		RunID:       d.RunID,
		Reasons:     d.Reasons,
	}, "card_id", cardID)
	s.hub.BroadcastEvent(ctx, broadcast.EventStageDecided, d)

	slog.InfoContext(ctx, "stage decided", "card_id", cardID, "stage", st, "outcome", d.Outcome, "effective_level", d.Level)
	return &d, nil
}

func filesMetadata(files map[string]string) map[string]any {
	out := make(map[string]any, len(files))
	for p, content := range files {
		out[p] = content
	}
	return out
}

// gateFiles reads back the listing stored by CompleteRunWithGates. Stores that
// round-trip metadata through JSON return map[string]any.
func gateFiles(md map[string]any) map[string]string {
	switch v := md[gateFilesKey].(type) {
	case map[string]string:
		return v
	case map[string]any:
		out := make(map[string]string, len(v))
		for p, content := range v {
			if s, ok := content.(string); ok {
				out[p] = s
			}
		}
		return out
	}
	return nil
}
