package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/orderwire/go/internal/deadletter"
)

// DeadLetterHandler exposes the dead letter archive over REST so
// operators can review and sign off exhausted notifications.
type DeadLetterHandler struct {
	letters           *deadletter.Service
	connectionManager *ConnectionManager
}

func NewDeadLetterHandler(letters *deadletter.Service, cm *ConnectionManager) *DeadLetterHandler {
	return &DeadLetterHandler{letters: letters, connectionManager: cm}
}

type resolveRequest struct {
	ResolvedBy string `json:"resolved_by"`
}

func (h *DeadLetterHandler) handleList(w http.ResponseWriter, r *http.Request) {
	filter := deadletter.ListFilter{
		UnresolvedOnly: r.URL.Query().Get("unresolved") == "true",
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	letters, err := h.letters.List(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("failed to list dead letters")
		writeError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"dead_letters": letters,
		"count":        len(letters),
	})
}

func (h *DeadLetterHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid dead letter id")
		return
	}

	letter, err := h.letters.Get(r.Context(), id)
	switch {
	case errors.Is(err, deadletter.ErrNotFound):
		writeError(w, http.StatusNotFound, "dead letter not found")
	case err != nil:
		log.Error().Err(err).Str("letter_id", id.String()).Msg("failed to fetch dead letter")
		writeError(w, http.StatusInternalServerError, "failed to fetch dead letter")
	default:
		writeJSON(w, http.StatusOK, letter)
	}
}

func (h *DeadLetterHandler) handleResolve(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid dead letter id")
		return
	}

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ResolvedBy == "" {
		writeError(w, http.StatusBadRequest, "resolved_by is required")
		return
	}

	letter, err := h.letters.Resolve(r.Context(), id, req.ResolvedBy)
	switch {
	case errors.Is(err, deadletter.ErrNotFound):
		writeError(w, http.StatusNotFound, "dead letter not found")
	case errors.Is(err, deadletter.ErrAlreadyResolved):
		writeError(w, http.StatusConflict, "dead letter already resolved")
	case err != nil:
		log.Error().Err(err).Str("letter_id", id.String()).Msg("failed to resolve dead letter")
		writeError(w, http.StatusInternalServerError, "failed to resolve dead letter")
	default:
		writeJSON(w, http.StatusOK, letter)
	}
}

func (h *DeadLetterHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.letters.Stats(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to compute dead letter stats")
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"dead_letters": stats,
		"connections":  h.connectionManager.GetConnectionStats(),
	})
}

// RegisterRoutes registers the REST routes with an HTTP mux
func (h *DeadLetterHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/deadletters", h.handleList)
	mux.HandleFunc("GET /api/deadletters/{id}", h.handleGet)
	mux.HandleFunc("POST /api/deadletters/{id}/resolve", h.handleResolve)
	mux.HandleFunc("GET /api/stats", h.handleStats)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
