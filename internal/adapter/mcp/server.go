// Package mcp exposes the executor side of the run lifecycle as Model Context
// Protocol tools, so AI executors can claim runs, stream logs, record artifacts
// and report completion.
package mcp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/Strob0t/stageflow/internal/domain/run"
	"github.com/Strob0t/stageflow/internal/domain/worker"
	"github.com/Strob0t/stageflow/internal/logger"

	mcpserver "github.com/mark3labs/mcp-go/server"
)

// RunExecutor is the subset of the run lifecycle an executor drives.
type RunExecutor interface {
	ClaimRun(ctx context.Context, runID, workerID string) (bool, error)
	AddRunLog(ctx context.Context, runID string, req *run.LogRequest) (*run.Log, error)
	CreateArtifact(ctx context.Context, runID string, req *run.ArtifactRequest) (*run.Artifact, error)
	CompleteRun(ctx context.Context, runID string, req *run.CompleteRequest) (bool, error)
	GetRunByID(ctx context.Context, id string) (*run.Run, error)
}

// HeartbeatReporter records worker liveness.
type HeartbeatReporter interface {
	UpdateWorkerHeartbeat(ctx context.Context, req *worker.HeartbeatRequest) error
}

// ServerConfig configures the MCP server.
type ServerConfig struct {
	Addr    string
	Name    string
	Version string
	APIKey  string
}

// ServerDeps are the services the tools call. A nil dependency makes its tools
// return an error result.
type ServerDeps struct {
	Runs    RunExecutor
	Workers HeartbeatReporter
}

// Server serves the executor tools over streamable HTTP.
type Server struct {
	cfg       ServerConfig
	deps      ServerDeps
	mcpServer *mcpserver.MCPServer
	http      *http.Server
}

// NewServer creates a server with all tools registered.
func NewServer(cfg ServerConfig, deps ServerDeps) *Server {
	s := &Server{
		cfg:       cfg,
		deps:      deps,
		mcpServer: mcpserver.NewMCPServer(cfg.Name, cfg.Version, mcpserver.WithToolCapabilities(false)),
	}
	s.registerTools()

	mux := http.NewServeMux()
	streamable := mcpserver.NewStreamableHTTPServer(s.mcpServer,
		mcpserver.WithHTTPContextFunc(func(ctx context.Context, _ *http.Request) context.Context {
			return logger.WithCaller(ctx, logger.CallerMCP)
		}),
	)
	mux.Handle("/mcp", AuthMiddleware(cfg.APIKey, streamable))
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// Handler returns the HTTP handler serving /mcp.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		slog.Info("mcp server listening", "addr", s.cfg.Addr)
		errc <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	}
}

// Stop gracefully shuts the HTTP listener down.
func (s *Server) Stop(ctx context.Context) error {
	slog.Info("mcp server stopping")
	return s.http.Shutdown(ctx)
}
