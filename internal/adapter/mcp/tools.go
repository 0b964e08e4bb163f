package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Strob0t/stageflow/internal/domain"
	"github.com/Strob0t/stageflow/internal/domain/run"
	"github.com/Strob0t/stageflow/internal/domain/worker"
)

// registerTools registers all MCP tools on the server.
func (s *Server) registerTools() {
	s.mcpServer.AddTools(
		s.claimRunTool(),
		s.heartbeatTool(),
		s.addRunLogTool(),
		s.createArtifactTool(),
		s.completeRunTool(),
		s.getRunTool(),
	)
}

func (s *Server) claimRunTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("claim_run",
		mcplib.WithDescription("Claim a queued run for this worker. Returns claimed=false when another worker won"),
		mcplib.WithString("run_id", mcplib.Required(), mcplib.Description("The run to claim")),
		mcplib.WithString("worker_id", mcplib.Required(), mcplib.Description("The claiming worker")),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleClaimRun}
}

func (s *Server) heartbeatTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("heartbeat",
		mcplib.WithDescription("Report that a worker is alive"),
		mcplib.WithString("worker_id", mcplib.Required(), mcplib.Description("The reporting worker")),
		mcplib.WithString("status",
			mcplib.Description("Current worker status"),
			mcplib.Enum(string(worker.StatusIdle), string(worker.StatusBusy)),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleHeartbeat}
}

func (s *Server) addRunLogTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("add_run_log",
		mcplib.WithDescription("Append a log entry to a run"),
		mcplib.WithString("run_id", mcplib.Required(), mcplib.Description("The run to log to")),
		mcplib.WithString("message", mcplib.Required(), mcplib.Description("Log message")),
		mcplib.WithString("level",
			mcplib.Description("Log level, defaults to info"),
			mcplib.Enum("debug", "info", "warn", "error"),
		),
		mcplib.WithString("step_key", mcplib.Description("Recipe step the entry belongs to")),
		mcplib.WithObject("data", mcplib.Description("Structured details")),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleAddRunLog}
}

func (s *Server) createArtifactTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("create_artifact",
		mcplib.WithDescription("Record an output of a run (file, url, ticket, pr, report)"),
		mcplib.WithString("run_id", mcplib.Required(), mcplib.Description("The producing run")),
		mcplib.WithString("artifact_type", mcplib.Required(),
			mcplib.Enum(
				string(run.ArtifactFile), string(run.ArtifactURL), string(run.ArtifactTicket),
				string(run.ArtifactPR), string(run.ArtifactReport),
			),
		),
		mcplib.WithString("label", mcplib.Description("Human-readable label, e.g. a file path")),
		mcplib.WithString("uri", mcplib.Description("Location of the artifact")),
		mcplib.WithObject("meta", mcplib.Description("Extra metadata; meta.content holds inline file content")),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleCreateArtifact}
}

func (s *Server) completeRunTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("complete_run",
		mcplib.WithDescription("Finish a run. Completing an already finished run is a no-op"),
		mcplib.WithString("run_id", mcplib.Required(), mcplib.Description("The run to finish")),
		mcplib.WithString("status", mcplib.Required(),
			mcplib.Enum(string(run.StatusSucceeded), string(run.StatusFailed), string(run.StatusCancelled)),
		),
		mcplib.WithString("error_summary", mcplib.Description("Reason for failure or cancellation")),
		mcplib.WithObject("metadata", mcplib.Description("Keys merged into the run metadata")),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleCompleteRun}
}

func (s *Server) getRunTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_run",
		mcplib.WithDescription("Get a run by ID"),
		mcplib.WithString("run_id", mcplib.Required(), mcplib.Description("The run to look up")),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleGetRun}
}

func (s *Server) handleClaimRun(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Runs == nil {
		return mcplib.NewToolResultError("run service not configured"), nil
	}
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	workerID, err := req.RequireString("worker_id")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	claimed, err := s.deps.Runs.ClaimRun(ctx, runID, workerID)
	if err != nil {
		return toolError(fmt.Sprintf("failed to claim run %s", runID), err), nil
	}
	return toolResultJSON(map[string]bool{"claimed": claimed})
}

func (s *Server) handleHeartbeat(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Workers == nil {
		return mcplib.NewToolResultError("worker service not configured"), nil
	}
	workerID, err := req.RequireString("worker_id")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	hb := &worker.HeartbeatRequest{
		WorkerID: workerID,
		Status:   worker.Status(req.GetString("status", string(worker.StatusIdle))),
	}
	if err := s.deps.Workers.UpdateWorkerHeartbeat(ctx, hb); err != nil {
		return toolError(fmt.Sprintf("failed to record heartbeat for %s", workerID), err), nil
	}
	return toolResultJSON(map[string]bool{"ok": true})
}

func (s *Server) handleAddRunLog(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Runs == nil {
		return mcplib.NewToolResultError("run service not configured"), nil
	}
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	message, err := req.RequireString("message")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	l, err := s.deps.Runs.AddRunLog(ctx, runID, &run.LogRequest{
		Level:   run.Level(req.GetString("level", string(run.LevelInfo))),
		Message: message,
		StepKey: req.GetString("step_key", ""),
		Data:    objectArg(req, "data"),
	})
	if err != nil {
		return toolError(fmt.Sprintf("failed to log to run %s", runID), err), nil
	}
	return toolResultJSON(l)
}

func (s *Server) handleCreateArtifact(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Runs == nil {
		return mcplib.NewToolResultError("run service not configured"), nil
	}
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	typ, err := req.RequireString("artifact_type")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	a, err := s.deps.Runs.CreateArtifact(ctx, runID, &run.ArtifactRequest{
		Type:  run.ArtifactType(typ),
		Label: req.GetString("label", ""),
		URI:   req.GetString("uri", ""),
		Meta:  objectArg(req, "meta"),
	})
	if err != nil {
		return toolError(fmt.Sprintf("failed to create artifact for run %s", runID), err), nil
	}
	return toolResultJSON(a)
}

func (s *Server) handleCompleteRun(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Runs == nil {
		return mcplib.NewToolResultError("run service not configured"), nil
	}
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	status, err := req.RequireString("status")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	done, err := s.deps.Runs.CompleteRun(ctx, runID, &run.CompleteRequest{
		Status:       run.Status(status),
		ErrorSummary: req.GetString("error_summary", ""),
		Metadata:     objectArg(req, "metadata"),
	})
	if err != nil {
		return toolError(fmt.Sprintf("failed to complete run %s", runID), err), nil
	}
	return toolResultJSON(map[string]bool{"completed": done})
}

func (s *Server) handleGetRun(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Runs == nil {
		return mcplib.NewToolResultError("run service not configured"), nil
	}
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	r, err := s.deps.Runs.GetRunByID(ctx, runID)
	if err != nil {
		return toolError(fmt.Sprintf("failed to get run %s", runID), err), nil
	}
	if r == nil {
		return mcplib.NewToolResultError(fmt.Sprintf("run %s not found", runID)), nil
	}
	return toolResultJSON(r)
}

// objectArg returns the named object argument, or nil when absent.
func objectArg(req mcplib.CallToolRequest, name string) map[string]any { //nolint:gocritic // hugeParam: mcp-go request type
	m, _ := req.GetArguments()[name].(map[string]any)
	return m
}

// toolError turns a service error into an error result. Not-found errors drop the
// internal wrapping context.
func toolError(msg string, err error) *mcplib.CallToolResult {
	if errors.Is(err, domain.ErrNotFound) {
		return mcplib.NewToolResultError(msg + ": not found")
	}
	return mcplib.NewToolResultErrorFromErr(msg, err)
}

func toolResultJSON(v any) (*mcplib.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal result", err), nil
	}
	return mcplib.NewToolResultText(string(data)), nil
}
