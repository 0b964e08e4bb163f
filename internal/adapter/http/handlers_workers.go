package http

import (
	"net/http"

	"github.com/Strob0t/stageflow/internal/domain/skill"
	"github.com/Strob0t/stageflow/internal/domain/worker"
)

// RegisterWorker handles POST /workers.
func (h *Handlers) RegisterWorker(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[worker.RegisterRequest](w, r)
	if !ok {
		return
	}
	wk, err := h.Workers.RegisterWorker(r.Context(), &req)
	if err != nil {
		writeDomainError(w, err, "worker not found")
		return
	}
	writeJSON(w, http.StatusCreated, wk)
}

// WorkerHeartbeat handles POST /workers/{id}/heartbeat. The body is optional and
// only carries the reported status.
func (h *Handlers) WorkerHeartbeat(w http.ResponseWriter, r *http.Request) {
	req, ok := readOptionalJSON[worker.HeartbeatRequest](w, r)
	if !ok {
		return
	}
	req.WorkerID = urlParam(r, "id")
	if err := h.Workers.UpdateWorkerHeartbeat(r.Context(), &req); err != nil {
		writeDomainError(w, err, "worker not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type activeWorkersResponse struct {
	WorkspaceID string          `json:"workspace_id"`
	Active      bool            `json:"active"`
	Workers     []worker.Worker `json:"workers"`
}

// ActiveWorkers handles GET /workspaces/{ws}/workers/active.
func (h *Handlers) ActiveWorkers(w http.ResponseWriter, r *http.Request) {
	ws := urlParam(r, "ws")
	active, err := h.Workers.HasActiveWorkers(r.Context(), ws)
	if err != nil {
		writeDomainError(w, err, "workspace not found")
		return
	}
	workers, err := h.Workers.ListWorkers(r.Context(), ws)
	if err != nil {
		writeDomainError(w, err, "workspace not found")
		return
	}
	if workers == nil {
		workers = []worker.Worker{}
	}
	writeJSON(w, http.StatusOK, activeWorkersResponse{WorkspaceID: ws, Active: active, Workers: workers})
}

// UpsertSkill handles PUT /skills/{name}.
func (h *Handlers) UpsertSkill(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[skill.UpsertRequest](w, r)
	if !ok {
		return
	}
	sk, err := h.Skills.Upsert(r.Context(), urlParam(r, "name"), &req)
	if err != nil {
		writeDomainError(w, err, "skill not found")
		return
	}
	writeJSON(w, http.StatusOK, sk)
}
