package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router.
//
// When /api/v2 is introduced, apply a deprecation middleware to the v1 group.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Get("/health", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		// Version
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"version": h.Version})
		})

		// Runs
		r.Post("/runs", h.CreateRun)
		r.Get("/runs/{id}", handleGet(h.Runs.GetRunByID, "run not found"))
		r.Post("/runs/{id}/claim", h.ClaimRun)
		r.Post("/runs/{id}/complete", h.CompleteRun)
		r.Post("/runs/{id}/complete-gated", h.CompleteRunWithGates)
		r.Post("/runs/{id}/retry", h.RetryRun)
		r.Post("/runs/{id}/cancel", h.CancelRun)
		r.Get("/runs/{id}/logs", handleListByParam("id", h.Runs.GetRunLogs, "run not found"))
		r.Post("/runs/{id}/logs", handleCreateByID(h.Runs.AddRunLog, "run not found"))
		r.Get("/runs/{id}/artifacts", handleListByParam("id", h.Runs.GetArtifactsForRun, "run not found"))
		r.Post("/runs/{id}/artifacts", handleCreateByID(h.Runs.CreateArtifact, "run not found"))

		// Cards
		r.Get("/cards/{cardId}/runs", handleListByParam("cardId", h.Runs.GetRunsForCard, "card not found"))
		r.Get("/cards/{cardId}/active-run", h.GetActiveRunForCard)
		r.Get("/cards/{cardId}/artifacts", h.GetArtifactsForCard)
		r.Get("/cards/{cardId}/stages/{stage}/decision", h.Decide)

		// Workers
		r.Post("/workers", h.RegisterWorker)
		r.Post("/workers/{id}/heartbeat", h.WorkerHeartbeat)
		r.Get("/workspaces/{ws}/workers/active", h.ActiveWorkers)

		// Stage recipes
		r.Post("/workspaces/{ws}/recipes/init", h.InitRecipes)
		r.Get("/workspaces/{ws}/recipes", handleListByParam("ws", h.Recipes.GetAllStageRecipes, "workspace not found"))
		r.Get("/workspaces/{ws}/recipes/{stage}", h.GetRecipe)
		r.Patch("/workspaces/{ws}/recipes/{stage}", h.UpdateRecipe)
		r.Delete("/workspaces/{ws}/recipes/{stage}", h.DeleteRecipe)
		r.Post("/workspaces/{ws}/recipes/{stage}/validate", h.ValidateRecipe)
		r.Get("/workspaces/{ws}/recipes/{stage}/effective", h.EffectiveRecipe)
		r.Get("/workspaces/{ws}/auto-advance-stages", handleListByParam("ws", h.Recipes.GetAutoAdvanceableStages, "workspace not found"))

		// Skills
		r.Put("/skills/{name}", h.UpsertSkill)
		r.Get("/skills", handleList(h.Skills.List))

		// Admin
		r.Post("/admin/rescue", h.RescueStuckRuns)
	})
}
