package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/gateway-server-go/internal/connection"
	"github.com/openclaw/gateway-server-go/internal/database"
	"github.com/openclaw/gateway-server-go/internal/model"
	"github.com/openclaw/gateway-server-go/internal/repository"
)

// txRunner runs a function inside a database transaction. *database.DB
// satisfies it.
type txRunner interface {
	WithTx(ctx context.Context, fn database.TxFunc) error
}

// SessionHandler is the out-of-band registration surface: the web
// dashboard creates session rows here and the reconciler materializes
// them into live connections on its next pass.
type SessionHandler struct {
	sessionRepo    repository.SessionRepository
	credentialRepo repository.CredentialRepository
	manager        *connection.Manager
	tx             txRunner
}

func NewSessionHandler(
	sessionRepo repository.SessionRepository,
	credentialRepo repository.CredentialRepository,
	manager *connection.Manager,
	tx txRunner,
) *SessionHandler {
	return &SessionHandler{
		sessionRepo:    sessionRepo,
		credentialRepo: credentialRepo,
		manager:        manager,
		tx:             tx,
	}
}

func (h *SessionHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.RegisterSession)
	r.Get("/{sessionID}", h.GetSession)
	r.Delete("/{sessionID}", h.DeleteSession)

	return r
}

type registerSessionRequest struct {
	SessionID   string `json:"sessionId"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
}

// POST /v1/sessions
func (h *SessionHandler) RegisterSession(w http.ResponseWriter, r *http.Request) {
	var req registerSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		return
	}
	if req.SessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "sessionId is required"})
		return
	}

	existing, err := h.sessionRepo.FindByID(r.Context(), req.SessionID)
	if err != nil {
		log.Error().Err(err).Str("sessionId", req.SessionID).Msg("failed to look up session")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
		return
	}
	if existing != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "Session already exists"})
		return
	}

	params := model.CreateSessionParams{ID: req.SessionID, Source: model.SessionSourceWeb}
	if req.PhoneNumber != "" {
		params.PhoneNumber = &req.PhoneNumber
	}

	session, err := h.sessionRepo.Create(r.Context(), params)
	if err != nil {
		log.Error().Err(err).Str("sessionId", req.SessionID).Msg("failed to register session")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to register session"})
		return
	}

	log.Info().Str("sessionId", session.ID).Msg("web session registered")
	writeJSON(w, http.StatusCreated, session)
}

// GET /v1/sessions/{sessionID}
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	session, err := h.sessionRepo.FindByID(r.Context(), sessionID)
	if err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("failed to get session")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
		return
	}
	if session == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Session not found"})
		return
	}

	writeJSON(w, http.StatusOK, session)
}

// DELETE /v1/sessions/{sessionID}
func (h *SessionHandler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	session, err := h.sessionRepo.FindByID(r.Context(), sessionID)
	if err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("failed to look up session")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
		return
	}
	if session == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Session not found"})
		return
	}

	// Tear down the live socket first so nothing rewrites the rows
	// mid-delete.
	if err := h.manager.DisconnectSocket(r.Context(), sessionID); err != nil {
		log.Warn().Err(err).Str("sessionId", sessionID).Msg("disconnect before delete failed")
	}

	// The credential and session rows go together or not at all.
	err = h.tx.WithTx(r.Context(), func(tx *sqlx.Tx) error {
		if err := h.credentialRepo.WithTx(tx).Delete(r.Context(), sessionID); err != nil {
			return err
		}
		return h.sessionRepo.WithTx(tx).Delete(r.Context(), sessionID)
	})
	if err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("failed to delete session")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to delete session"})
		return
	}

	// File-backed auth state lives outside the database; purge it
	// best-effort once the rows are gone.
	h.manager.CleanupAuthState(r.Context(), sessionID)

	log.Info().Str("sessionId", sessionID).Msg("session deleted")
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "deleted",
		"sessionId": sessionID,
	})
}
