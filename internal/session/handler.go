package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/emberhq/ember/internal/api"
	"github.com/emberhq/ember/internal/auth"
)

// MemoryPurger ends the session-tier records of a session. Satisfied by
// the memory store; narrowed to an interface so the handler does not
// depend on the whole store.
type MemoryPurger interface {
	EndSession(ctx context.Context, sessionID string) error
}

// Handler handles session and identity HTTP endpoints.
type Handler struct {
	repo     Repository
	identity *IdentityCache
	state    *StateStore
	purger   MemoryPurger
	validate *validator.Validate
}

func NewHandler(repo Repository, identity *IdentityCache, state *StateStore, purger MemoryPurger) *Handler {
	return &Handler{
		repo:     repo,
		identity: identity,
		state:    state,
		purger:   purger,
		validate: validator.New(),
	}
}

// UpdateIdentityRequest is the payload for replacing the identity pillar.
type UpdateIdentityRequest struct {
	Name               string `json:"name" validate:"required,min=1,max=100"`
	Role               string `json:"role" validate:"required,min=1,max=200"`
	CommunicationStyle string `json:"communication_style" validate:"required,min=1,max=500"`
}

// GetIdentity returns the caller's identity pillar.
func (h *Handler) GetIdentity(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserClaims(r.Context())
	if claims == nil {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	ident, err := h.identity.Get(r.Context(), claims.UserID)
	if err != nil {
		slog.Error("getting identity", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	api.JSON(w, http.StatusOK, ident)
}

// UpdateIdentity replaces the caller's identity pillar.
func (h *Handler) UpdateIdentity(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserClaims(r.Context())
	if claims == nil {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	var req UpdateIdentityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	ident := &Identity{
		Name:               req.Name,
		Role:               req.Role,
		CommunicationStyle: req.CommunicationStyle,
	}
	if err := h.repo.UpdateIdentity(r.Context(), claims.UserID, ident); err != nil {
		slog.Error("updating identity", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	h.identity.Invalidate(claims.UserID)

	api.JSON(w, http.StatusOK, ident)
}

// ListTurns returns the most recent turns of a session, oldest first.
func (h *Handler) ListTurns(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := uuid.Parse(sessionID); err != nil {
		api.HandleError(w, api.NewBadRequestError("invalid session ID"))
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= 200 {
			limit = v
		}
	}

	if _, err := h.repo.GetSession(r.Context(), sessionID); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			api.HandleError(w, api.NewNotFoundError("session not found"))
			return
		}
		slog.Error("getting session", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	turns, err := h.repo.RecentTurns(r.Context(), sessionID, limit)
	if err != nil {
		slog.Error("listing turns", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	api.JSON(w, http.StatusOK, turns)
}

// EndSession deletes the session: its turns, its volatile state, and its
// session-tier memories. State and memory cleanup failures are logged,
// not fatal; the session row itself is already gone.
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := uuid.Parse(sessionID); err != nil {
		api.HandleError(w, api.NewBadRequestError("invalid session ID"))
		return
	}

	if err := h.repo.DeleteSession(r.Context(), sessionID); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			api.HandleError(w, api.NewNotFoundError("session not found"))
			return
		}
		slog.Error("deleting session", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	if err := h.state.Clear(r.Context(), sessionID); err != nil {
		slog.Warn("clearing session state", "session_id", sessionID, "error", err)
	}
	if err := h.purger.EndSession(r.Context(), sessionID); err != nil {
		slog.Warn("purging session memories", "session_id", sessionID, "error", err)
	}

	api.JSONMessage(w, http.StatusOK, "session ended")
}
