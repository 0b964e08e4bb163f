package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/stageflow/internal/domain"
	"github.com/Strob0t/stageflow/internal/domain/stage"
)

const maxRequestBodySize = 1 << 20 // 1 MB

// ---------------------------------------------------------------------------
// Request helpers
// ---------------------------------------------------------------------------

// readJSON decodes a JSON request body with a size limit.
func readJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return v, false
	}
	return v, true
}

// readOptionalJSON is readJSON for endpoints whose body may be omitted.
func readOptionalJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	if r.ContentLength == 0 {
		var zero T
		return zero, true
	}
	return readJSON[T](w, r)
}

// urlParam is a short alias for chi.URLParam.
func urlParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

// stageParam reads a stage from the URL and writes a 400 when it is unknown.
func stageParam(w http.ResponseWriter, r *http.Request) (stage.Stage, bool) {
	st := stage.Stage(urlParam(r, "stage"))
	if !stage.Valid(st) {
		writeError(w, http.StatusBadRequest, "unknown stage "+string(st))
		return "", false
	}
	return st, true
}

// optionalStage reads the ?stage= query parameter; empty means any stage.
func optionalStage(w http.ResponseWriter, r *http.Request) (stage.Stage, bool) {
	st := stage.Stage(r.URL.Query().Get("stage"))
	if st != "" && !stage.Valid(st) {
		writeError(w, http.StatusBadRequest, "unknown stage "+string(st))
		return "", false
	}
	return st, true
}

// ---------------------------------------------------------------------------
// Response helpers
// ---------------------------------------------------------------------------

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeDomainError(w http.ResponseWriter, err error, notFoundMsg string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, notFoundMsg)
	case errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusConflict, conflictMessage(err))
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, validationMessage(err))
	default:
		slog.Error("unhandled domain error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// validationMessage drops the trailing sentinel text and keeps the rest of the chain,
// e.g. `gate "g1": invalid type "x": validation failed` -> `gate "g1": invalid type "x"`.
func validationMessage(err error) string {
	return strings.TrimSuffix(err.Error(), ": "+domain.ErrValidation.Error())
}

func conflictMessage(err error) string {
	return strings.TrimSuffix(err.Error(), ": "+domain.ErrConflict.Error())
}
