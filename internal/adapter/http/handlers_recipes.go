package http

import (
	"net/http"

	"github.com/Strob0t/stageflow/internal/domain/recipe"
)

// InitRecipes handles POST /workspaces/{ws}/recipes/init.
func (h *Handlers) InitRecipes(w http.ResponseWriter, r *http.Request) {
	n, err := h.Recipes.InitializeDefaultRecipes(r.Context(), urlParam(r, "ws"))
	if err != nil {
		writeDomainError(w, err, "workspace not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"created": n})
}

// GetRecipe handles GET /workspaces/{ws}/recipes/{stage}.
func (h *Handlers) GetRecipe(w http.ResponseWriter, r *http.Request) {
	st, ok := stageParam(w, r)
	if !ok {
		return
	}
	rec, err := h.Recipes.GetStageRecipe(r.Context(), urlParam(r, "ws"), st)
	if err != nil {
		writeDomainError(w, err, "recipe not found")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "recipe not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// UpdateRecipe handles PATCH /workspaces/{ws}/recipes/{stage}.
func (h *Handlers) UpdateRecipe(w http.ResponseWriter, r *http.Request) {
	st, ok := stageParam(w, r)
	if !ok {
		return
	}
	req, ok := readJSON[recipe.UpdateRequest](w, r)
	if !ok {
		return
	}
	rec, err := h.Recipes.UpdateStageRecipe(r.Context(), urlParam(r, "ws"), st, &req)
	if err != nil {
		writeDomainError(w, err, "recipe not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// DeleteRecipe handles DELETE /workspaces/{ws}/recipes/{stage}.
func (h *Handlers) DeleteRecipe(w http.ResponseWriter, r *http.Request) {
	st, ok := stageParam(w, r)
	if !ok {
		return
	}
	if err := h.Recipes.DeleteStageRecipe(r.Context(), urlParam(r, "ws"), st); err != nil {
		writeDomainError(w, err, "recipe not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ValidateRecipe handles POST /workspaces/{ws}/recipes/{stage}/validate. The
// optional body is applied as a dry run; nothing is stored.
func (h *Handlers) ValidateRecipe(w http.ResponseWriter, r *http.Request) {
	st, ok := stageParam(w, r)
	if !ok {
		return
	}
	req, ok := readOptionalJSON[recipe.UpdateRequest](w, r)
	if !ok {
		return
	}
	res, err := h.Recipes.ValidateStageRecipe(r.Context(), urlParam(r, "ws"), st, &req)
	if err != nil {
		writeDomainError(w, err, "recipe not found")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// EffectiveRecipe handles GET /workspaces/{ws}/recipes/{stage}/effective.
func (h *Handlers) EffectiveRecipe(w http.ResponseWriter, r *http.Request) {
	st, ok := stageParam(w, r)
	if !ok {
		return
	}
	eff, err := h.Recipes.Effective(r.Context(), urlParam(r, "ws"), st)
	if err != nil {
		writeDomainError(w, err, "recipe not found")
		return
	}
	writeJSON(w, http.StatusOK, eff)
}
