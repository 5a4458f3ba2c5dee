package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"deenChallengeAPI/internal/types/dailylog"
	"deenChallengeAPI/internal/types/progress"
	"deenChallengeAPI/middleware"
	"deenChallengeAPI/services"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

type ChallengeHandler struct {
	catalogService  *services.CatalogService
	progressService *services.ProgressService
}

func NewChallengeHandler(catalogService *services.CatalogService, progressService *services.ProgressService) *ChallengeHandler {
	return &ChallengeHandler{
		catalogService:  catalogService,
		progressService: progressService,
	}
}

func (h *ChallengeHandler) ListChallenges(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	clerkID, ok := middleware.GetClerkID(ctx)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	challenges, err := h.catalogService.ListActiveChallenges(ctx, clerkID)
	if err != nil {
		log.Printf("ListChallenges: %v", err)
		respondWithError(w, http.StatusInternalServerError, "Failed to load challenges")
		return
	}

	respondWithJSON(w, http.StatusOK, challenges)
}

func (h *ChallengeHandler) GetChallenge(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	challengeID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid challenge id")
		return
	}

	c, err := h.catalogService.GetChallenge(ctx, challengeID)
	if err != nil {
		respondProgressError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, c)
}

func (h *ChallengeHandler) StartChallenge(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	clerkID, ok := middleware.GetClerkID(ctx)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	challengeID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid challenge id")
		return
	}

	p, err := h.progressService.Start(ctx, clerkID, challengeID)
	if err != nil {
		// An in-flight record is a legitimate resume, not a failure.
		if errors.Is(err, progress.ErrAlreadyActive) {
			respondWithJSON(w, http.StatusOK, p)
			return
		}
		log.Printf("StartChallenge: user %s challenge %s: %v", clerkID, challengeID, err)
		respondProgressError(w, err)
		return
	}

	respondWithJSON(w, http.StatusCreated, p)
}

func (h *ChallengeHandler) CompleteDay(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	clerkID, ok := middleware.GetClerkID(ctx)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	progressID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid progress id")
		return
	}

	var req dailylog.CompleteDayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	p, err := h.progressService.RecordCompletion(ctx, clerkID, progressID, &req)
	if err != nil {
		// Duplicate submits return the current state untouched.
		if errors.Is(err, progress.ErrAlreadyCompleted) {
			middleware.ObserveCompletion("duplicate")
			respondWithJSON(w, http.StatusOK, p)
			return
		}
		log.Printf("CompleteDay: progress %s day %d: %v", progressID, req.DayNumber, err)
		observeCompletionError(err)
		respondProgressError(w, err)
		return
	}

	middleware.ObserveCompletion("completed")
	respondWithJSON(w, http.StatusOK, p)
}

func (h *ChallengeHandler) RestartChallenge(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	clerkID, ok := middleware.GetClerkID(ctx)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	progressID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid progress id")
		return
	}

	p, err := h.progressService.Restart(ctx, clerkID, progressID)
	if err != nil {
		log.Printf("RestartChallenge: progress %s: %v", progressID, err)
		respondProgressError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, p)
}

func (h *ChallengeHandler) PauseChallenge(w http.ResponseWriter, r *http.Request) {
	h.setPauseState(w, r, true)
}

func (h *ChallengeHandler) ResumeChallenge(w http.ResponseWriter, r *http.Request) {
	h.setPauseState(w, r, false)
}

func (h *ChallengeHandler) setPauseState(w http.ResponseWriter, r *http.Request, pause bool) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	clerkID, ok := middleware.GetClerkID(ctx)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	progressID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid progress id")
		return
	}

	var p *progress.Progress
	if pause {
		p, err = h.progressService.Pause(ctx, clerkID, progressID)
	} else {
		p, err = h.progressService.Resume(ctx, clerkID, progressID)
	}
	if err != nil {
		respondProgressError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, p)
}

func (h *ChallengeHandler) GetProgress(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	clerkID, ok := middleware.GetClerkID(ctx)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	progressID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid progress id")
		return
	}

	detail, err := h.progressService.GetProgress(ctx, clerkID, progressID)
	if err != nil {
		respondProgressError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, detail)
}

func (h *ChallengeHandler) GetStreakOverview(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	clerkID, ok := middleware.GetClerkID(ctx)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	overview, err := h.progressService.GetStreakOverview(ctx, clerkID)
	if err != nil {
		log.Printf("GetStreakOverview: user %s: %v", clerkID, err)
		respondWithError(w, http.StatusInternalServerError, "Failed to load streaks")
		return
	}

	respondWithJSON(w, http.StatusOK, overview)
}

func observeCompletionError(err error) {
	switch {
	case errors.Is(err, progress.ErrStaleDay):
		middleware.ObserveCompletion("stale")
	case errors.Is(err, progress.ErrTargetNotMet):
		middleware.ObserveCompletion("rejected")
	case errors.Is(err, progress.ErrConflict):
		middleware.ObserveCompletion("conflict")
	default:
		middleware.ObserveCompletion("error")
	}
}

// respondProgressError maps engine error kinds to status codes and the
// actionable messages the clients show.
func respondProgressError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, progress.ErrNotFound):
		respondWithError(w, http.StatusNotFound, "Challenge progress not found")
	case errors.Is(err, progress.ErrForbidden):
		respondWithError(w, http.StatusForbidden, "This progress belongs to another user")
	case errors.Is(err, progress.ErrChallengeInactive):
		respondWithError(w, http.StatusUnprocessableEntity, "This challenge is no longer active")
	case errors.Is(err, progress.ErrChallengeCompleted):
		respondWithError(w, http.StatusConflict, "Challenge already completed. Restart it to go again")
	case errors.Is(err, progress.ErrStaleDay):
		respondWithError(w, http.StatusConflict, "Please refresh, your progress is out of date")
	case errors.Is(err, progress.ErrTargetNotMet):
		respondWithError(w, http.StatusUnprocessableEntity, "Daily target not reached yet")
	case errors.Is(err, progress.ErrNotActive):
		respondWithError(w, http.StatusUnprocessableEntity, "Challenge is not active")
	case errors.Is(err, progress.ErrConflict):
		respondWithError(w, http.StatusConflict, "Progress changed concurrently, please retry")
	default:
		respondWithError(w, http.StatusInternalServerError, "Something went wrong")
	}
}

// Helper functions
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error": "Internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}
