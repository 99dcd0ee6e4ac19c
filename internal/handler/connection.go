package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/gateway-server-go/internal/connection"
)

type ConnectionHandler struct {
	manager *connection.Manager
}

func NewConnectionHandler(manager *connection.Manager) *ConnectionHandler {
	return &ConnectionHandler{manager: manager}
}

func (h *ConnectionHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.CreateConnection)
	r.Delete("/{sessionID}", h.DisconnectSocket)
	r.Get("/{sessionID}/auth", h.CheckAuthAvailability)
	r.Delete("/{sessionID}/auth", h.CleanupAuthState)

	return r
}

type createConnectionRequest struct {
	SessionID    string `json:"sessionId"`
	PhoneNumber  string `json:"phoneNumber,omitempty"`
	AllowPairing bool   `json:"allowPairing"`
}

type createConnectionResponse struct {
	SessionID  string `json:"sessionId"`
	AuthMethod string `json:"authMethod"`
	Open       bool   `json:"open"`
}

// POST /v1/connections
func (h *ConnectionHandler) CreateConnection(w http.ResponseWriter, r *http.Request) {
	var req createConnectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		return
	}
	if req.SessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "sessionId is required"})
		return
	}

	// Pairing codes and connection updates reach API callers through the
	// SSE stream; no blocking callbacks are wired here.
	handle, err := h.manager.CreateConnection(r.Context(), req.SessionID, req.PhoneNumber, connection.Callbacks{}, req.AllowPairing)
	if err != nil {
		log.Error().Err(err).Str("sessionId", req.SessionID).Msg("failed to create connection")
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, createConnectionResponse{
		SessionID:  handle.SessionID,
		AuthMethod: handle.AuthMethod,
		Open:       handle.IsOpen(),
	})
}

// DELETE /v1/connections/{sessionID}
func (h *ConnectionHandler) DisconnectSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if err := h.manager.DisconnectSocket(r.Context(), sessionID); err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("failed to disconnect socket")
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

// GET /v1/connections/{sessionID}/auth
func (h *ConnectionHandler) CheckAuthAvailability(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	availability := h.manager.CheckAuthAvailability(r.Context(), sessionID)
	writeJSON(w, http.StatusOK, availability)
}

// DELETE /v1/connections/{sessionID}/auth
func (h *ConnectionHandler) CleanupAuthState(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	result := h.manager.CleanupAuthState(r.Context(), sessionID)
	writeJSON(w, http.StatusOK, result)
}

type StatsHandler struct {
	manager *connection.Manager
}

func NewStatsHandler(manager *connection.Manager) *StatsHandler {
	return &StatsHandler{manager: manager}
}

// GET /v1/stats
func (h *StatsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.GetStats())
}
