package handlers

import (
	"context"
	"log"
	"net/http"
	"time"

	"deenChallengeAPI/middleware"
	"deenChallengeAPI/services"
)

type ReconcilerHandler struct {
	reconcilerService *services.ReconcilerService
}

func NewReconcilerHandler(reconcilerService *services.ReconcilerService) *ReconcilerHandler {
	return &ReconcilerHandler{
		reconcilerService: reconcilerService,
	}
}

func (h *ReconcilerHandler) GetMissedSummary(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	clerkID, ok := middleware.GetClerkID(ctx)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	summary, err := h.reconcilerService.MissedSummary(ctx, clerkID)
	if err != nil {
		log.Printf("GetMissedSummary: user %s: %v", clerkID, err)
		respondWithError(w, http.StatusInternalServerError, "Failed to load missed summary")
		return
	}

	respondWithJSON(w, http.StatusOK, summary)
}

func (h *ReconcilerHandler) GetLastSync(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	last, err := h.reconcilerService.LastSyncTime(ctx)
	if err != nil {
		log.Printf("GetLastSync: %v", err)
		respondWithError(w, http.StatusInternalServerError, "Failed to load last sync time")
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]any{"last_sync_time": last})
}

// TriggerReconcile runs a batch on demand. Operator-only; the route sits
// behind basic auth next to /metrics so an external cron can hit it as well.
func (h *ReconcilerHandler) TriggerReconcile(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	report, err := h.reconcilerService.ReconcileAll(ctx)
	if err != nil {
		log.Printf("TriggerReconcile: %v", err)
		respondWithError(w, http.StatusInternalServerError, "Reconciliation failed")
		return
	}

	middleware.ObserveReconcileRun(report.MissedMarked, report.ErrorCount())
	respondWithJSON(w, http.StatusOK, map[string]any{
		"scanned":       report.Scanned,
		"missed_marked": report.MissedMarked,
		"completed":     report.Completed,
		"errors":        report.ErrorCount(),
		"started_at":    report.StartedAt,
		"finished_at":   report.FinishedAt,
	})
}
