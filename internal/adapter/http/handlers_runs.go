package http

import (
	"net/http"

	"github.com/Strob0t/stageflow/internal/domain/run"
)

type createRunResponse struct {
	Run     *run.Run `json:"run"`
	Created bool     `json:"created"`
}

// CreateRun handles POST /runs. A run already active for the (card, stage) slot is
// returned with created=false and status 200 instead of 201.
func (h *Handlers) CreateRun(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[run.CreateRequest](w, r)
	if !ok {
		return
	}
	rn, created, err := h.Runs.CreateRun(r.Context(), &req)
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, createRunResponse{Run: rn, Created: created})
}

type claimRunRequest struct {
	WorkerID string `json:"worker_id"`
}

// ClaimRun handles POST /runs/{id}/claim. A lost claim is a 409.
func (h *Handlers) ClaimRun(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[claimRunRequest](w, r)
	if !ok {
		return
	}
	claimed, err := h.Runs.ClaimRun(r.Context(), urlParam(r, "id"), req.WorkerID)
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	if !claimed {
		writeError(w, http.StatusConflict, "run is not queued")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"claimed": true})
}

// CompleteRun handles POST /runs/{id}/complete. Completing a terminal run is a
// no-op reported as completed=false.
func (h *Handlers) CompleteRun(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[run.CompleteRequest](w, r)
	if !ok {
		return
	}
	done, err := h.Runs.CompleteRun(r.Context(), urlParam(r, "id"), &req)
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"completed": done})
}

type cancelRunRequest struct {
	Reason string `json:"reason,omitempty"`
}

// CancelRun handles POST /runs/{id}/cancel. The body is optional.
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	req, ok := readOptionalJSON[cancelRunRequest](w, r)
	if !ok {
		return
	}
	done, err := h.Runs.CancelRun(r.Context(), urlParam(r, "id"), req.Reason)
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": done})
}

// RetryRun handles POST /runs/{id}/retry. Retrying a run that is not failed is a 409.
func (h *Handlers) RetryRun(w http.ResponseWriter, r *http.Request) {
	rn, created, err := h.Runs.RetryRun(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, createRunResponse{Run: rn, Created: created})
}

type gatedCompleteRequest struct {
	Metadata map[string]any    `json:"metadata,omitempty"`
	Files    map[string]string `json:"files,omitempty"`
}

// CompleteRunWithGates handles POST /runs/{id}/complete-gated.
func (h *Handlers) CompleteRunWithGates(w http.ResponseWriter, r *http.Request) {
	req, ok := readOptionalJSON[gatedCompleteRequest](w, r)
	if !ok {
		return
	}
	res, err := h.Advance.CompleteRunWithGates(r.Context(), urlParam(r, "id"), req.Metadata, req.Files)
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetActiveRunForCard handles GET /cards/{cardId}/active-run[?stage=].
func (h *Handlers) GetActiveRunForCard(w http.ResponseWriter, r *http.Request) {
	st, ok := optionalStage(w, r)
	if !ok {
		return
	}
	rn, err := h.Runs.GetActiveRunForCard(r.Context(), urlParam(r, "cardId"), st)
	if err != nil {
		writeDomainError(w, err, "no active run")
		return
	}
	if rn == nil {
		writeError(w, http.StatusNotFound, "no active run")
		return
	}
	writeJSON(w, http.StatusOK, rn)
}

// GetArtifactsForCard handles GET /cards/{cardId}/artifacts[?stage=].
func (h *Handlers) GetArtifactsForCard(w http.ResponseWriter, r *http.Request) {
	st, ok := optionalStage(w, r)
	if !ok {
		return
	}
	arts, err := h.Runs.GetArtifactsForCard(r.Context(), urlParam(r, "cardId"), st)
	if err != nil {
		writeDomainError(w, err, "card not found")
		return
	}
	writeList(w, arts)
}

// Decide handles GET /cards/{cardId}/stages/{stage}/decision?workspace_id=.
func (h *Handlers) Decide(w http.ResponseWriter, r *http.Request) {
	st, ok := stageParam(w, r)
	if !ok {
		return
	}
	d, err := h.Advance.Decide(r.Context(), urlParam(r, "cardId"), r.URL.Query().Get("workspace_id"), st)
	if err != nil {
		writeDomainError(w, err, "card not found")
		return
	}
	writeJSON(w, http.StatusOK, d)
}
