package mcp_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	cfmcp "github.com/Strob0t/stageflow/internal/adapter/mcp"
	"github.com/Strob0t/stageflow/internal/adapter/memory"
	"github.com/Strob0t/stageflow/internal/domain/run"
	"github.com/Strob0t/stageflow/internal/domain/stage"
	"github.com/Strob0t/stageflow/internal/domain/worker"
	"github.com/Strob0t/stageflow/internal/service"
)

type fixture struct {
	server  *cfmcp.Server
	runs    *service.RunService
	workers *service.WorkerService
}

func newFixture() *fixture {
	store := memory.NewStore()
	runs := service.NewRunService(store, nil, nil)
	workers := service.NewWorkerService(store, nil, 0)
	s := cfmcp.NewServer(
		cfmcp.ServerConfig{Name: "test", Version: "0.1.0"},
		cfmcp.ServerDeps{Runs: runs, Workers: workers},
	)
	return &fixture{server: s, runs: runs, workers: workers}
}

func (f *fixture) queuedRun(t *testing.T) *run.Run {
	t.Helper()
	r, _, err := f.runs.CreateRun(context.Background(), &run.CreateRequest{
		CardID: "card-1", WorkspaceID: "ws-1", Stage: stage.Build, TriggeredBy: "test",
	})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	return r
}

func (f *fixture) call(t *testing.T, tool string, args map[string]any) *mcplib.CallToolResult {
	t.Helper()
	tools := f.server.MCPServer().ListTools()
	st, ok := tools[tool]
	if !ok {
		t.Fatalf("%s tool not found", tool)
	}
	result, err := st.Handler(context.Background(), mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{Name: tool, Arguments: args},
	})
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	return result
}

func resultText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	text, ok := result.Content[0].(mcplib.TextContent)
	if !ok {
		t.Fatal("expected TextContent")
	}
	return text.Text
}

func decodeResult[T any](t *testing.T, result *mcplib.CallToolResult) T {
	t.Helper()
	if result.IsError {
		t.Fatalf("tool returned error: %s", resultText(t, result))
	}
	var v T
	if err := json.Unmarshal([]byte(resultText(t, result)), &v); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	return v
}

func TestToolRegistration(t *testing.T) {
	f := newFixture()

	tools := f.server.MCPServer().ListTools()
	expected := []string{"claim_run", "heartbeat", "add_run_log", "create_artifact", "complete_run", "get_run"}
	if len(tools) != len(expected) {
		t.Fatalf("expected %d tools, got %d", len(expected), len(tools))
	}
	for _, name := range expected {
		if _, ok := tools[name]; !ok {
			t.Errorf("expected tool %q not registered", name)
		}
	}
}

func TestExecutorLifecycle(t *testing.T) {
	f := newFixture()
	r := f.queuedRun(t)

	claim := decodeResult[map[string]bool](t, f.call(t, "claim_run", map[string]any{"run_id": r.ID, "worker_id": "w-1"}))
	if !claim["claimed"] {
		t.Fatal("expected first claim to win")
	}
	again := decodeResult[map[string]bool](t, f.call(t, "claim_run", map[string]any{"run_id": r.ID, "worker_id": "w-2"}))
	if again["claimed"] {
		t.Fatal("expected second claim to lose")
	}

	l := decodeResult[run.Log](t, f.call(t, "add_run_log", map[string]any{
		"run_id": r.ID, "message": "generating", "step_key": "draft", "data": map[string]any{"tokens": 120},
	}))
	if l.Level != run.LevelInfo || l.StepKey != "draft" || l.Data["tokens"] == nil {
		t.Fatalf("unexpected log %+v", l)
	}

	a := decodeResult[run.Artifact](t, f.call(t, "create_artifact", map[string]any{
		"run_id": r.ID, "artifact_type": "pr", "uri": "https://git.example/pr/1",
	}))
	if a.CardID != "card-1" || a.Stage != stage.Build {
		t.Fatalf("artifact not linked to the run's card and stage: %+v", a)
	}

	done := decodeResult[map[string]bool](t, f.call(t, "complete_run", map[string]any{
		"run_id": r.ID, "status": "succeeded", "metadata": map[string]any{"pr": 1},
	}))
	if !done["completed"] {
		t.Fatal("expected completion")
	}

	got := decodeResult[run.Run](t, f.call(t, "get_run", map[string]any{"run_id": r.ID}))
	if got.Status != run.StatusSucceeded || got.WorkerID != "w-1" {
		t.Fatalf("unexpected run %+v", got)
	}
}

func TestToolErrors(t *testing.T) {
	f := newFixture()

	tests := []struct {
		name string
		tool string
		args map[string]any
		want string
	}{
		{"missing run_id", "get_run", nil, "run_id"},
		{"unknown run", "get_run", map[string]any{"run_id": "run_missing"}, "not found"},
		{"log on unknown run", "add_run_log", map[string]any{"run_id": "run_missing", "message": "x"}, "not found"},
		{"non-terminal completion", "complete_run", map[string]any{"run_id": "run_missing", "status": "running"}, "status must be"},
		{"missing worker", "claim_run", map[string]any{"run_id": "run_1"}, "worker_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := f.call(t, tt.tool, tt.args)
			if !result.IsError {
				t.Fatal("expected error result")
			}
			if text := resultText(t, result); !strings.Contains(text, tt.want) {
				t.Fatalf("error %q does not mention %q", text, tt.want)
			}
		})
	}
}

func TestHeartbeatTool(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	result := f.call(t, "heartbeat", map[string]any{"worker_id": "w-1"})
	if !result.IsError {
		t.Fatal("expected error for unregistered worker")
	}

	if _, err := f.workers.RegisterWorker(ctx, &worker.RegisterRequest{WorkerID: "w-1", WorkspaceID: "ws-1"}); err != nil {
		t.Fatal(err)
	}
	decodeResult[map[string]bool](t, f.call(t, "heartbeat", map[string]any{"worker_id": "w-1", "status": "busy"}))

	active, err := f.workers.HasActiveWorkers(ctx, "ws-1")
	if err != nil || !active {
		t.Fatalf("HasActiveWorkers = %v, %v", active, err)
	}
}

func TestNilDeps(t *testing.T) {
	s := cfmcp.NewServer(cfmcp.ServerConfig{Name: "test", Version: "0.1.0"}, cfmcp.ServerDeps{})

	tool := s.MCPServer().ListTools()["get_run"]
	result, err := tool.Handler(context.Background(), mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{Name: "get_run", Arguments: map[string]any{"run_id": "run_1"}},
	})
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result when deps are nil")
	}
}

func TestHandlerRequiresAPIKey(t *testing.T) {
	s := cfmcp.NewServer(cfmcp.ServerConfig{Name: "test", Version: "0.1.0", APIKey: "secret"}, cfmcp.ServerDeps{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader("{}")))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", rec.Code)
	}
}
