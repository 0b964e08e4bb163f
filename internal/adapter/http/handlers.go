package http

import (
	"net/http"

	"github.com/Strob0t/stageflow/internal/resilience"
	"github.com/Strob0t/stageflow/internal/service"
)

// ConnectionCounter reports the number of live-event subscribers.
type ConnectionCounter interface {
	ConnectionCount() int
}

// Handlers holds the services the REST API is built on.
type Handlers struct {
	Runs    *service.RunService
	Workers *service.WorkerService
	Rescue  *service.RescueService
	Recipes *service.RecipeService
	Skills  *service.SkillService
	Advance *service.AdvanceService

	// Optional health inputs.
	Breaker *resilience.Breaker
	Hub     ConnectionCounter
	Store   string
	Version string
}

type healthStatus struct {
	Status      string `json:"status"`
	Version     string `json:"version,omitempty"`
	Store       string `json:"store,omitempty"`
	Queue       string `json:"queue,omitempty"`
	Connections int    `json:"ws_connections"`
}

// Health reports process liveness and the state of the queue circuit breaker.
// An open breaker degrades the status but still answers 200: the store remains
// the source of truth and workers can poll.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	status := healthStatus{Status: "ok", Version: h.Version, Store: h.Store}
	if h.Breaker != nil {
		status.Queue = h.Breaker.State()
		if status.Queue == "open" {
			status.Status = "degraded"
		}
	}
	if h.Hub != nil {
		status.Connections = h.Hub.ConnectionCount()
	}
	writeJSON(w, http.StatusOK, status)
}

// RescueStuckRuns handles POST /admin/rescue.
func (h *Handlers) RescueStuckRuns(w http.ResponseWriter, r *http.Request) {
	n, err := h.Rescue.RescueStuckRuns(r.Context())
	if err != nil {
		writeDomainError(w, err, "not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"rescued": n})
}
