package memory

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/emberhq/ember/internal/api"
)

// Handler handles memory HTTP endpoints.
type Handler struct {
	store    *Store
	validate *validator.Validate
	topK     int
}

// NewHandler creates a new memory handler. topK is the default result
// count for searches that do not specify a limit.
func NewHandler(store *Store, topK int) *Handler {
	return &Handler{
		store:    store,
		validate: validator.New(),
		topK:     topK,
	}
}

// CreateMemoryRequest is the payload for storing a memory directly.
type CreateMemoryRequest struct {
	Tier      string            `json:"tier" validate:"required,oneof=session permanent project"`
	SessionID string            `json:"session_id,omitempty"`
	Text      string            `json:"text" validate:"required,min=1,max=8000"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// SearchMemoryRequest is the payload for a similarity search.
type SearchMemoryRequest struct {
	Query     string   `json:"query" validate:"required,min=1,max=2000"`
	Tiers     []string `json:"tiers,omitempty" validate:"omitempty,dive,oneof=session permanent project"`
	SessionID string   `json:"session_id,omitempty"`
	Limit     int      `json:"limit,omitempty" validate:"omitempty,min=1,max=50"`
}

// Create stores a new memory record.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateMemoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	id, err := h.store.Put(r.Context(), Tier(req.Tier), req.SessionID, req.Text, req.Metadata)
	if err != nil {
		if errors.Is(err, ErrStoreUnavailable) {
			slog.Error("memory store unavailable", "error", err)
			api.HandleError(w, api.ErrStoreUnavailable)
			return
		}
		if errors.Is(err, ErrInvalidTier) {
			api.HandleError(w, api.NewBadRequestError(err.Error()))
			return
		}
		slog.Error("creating memory", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSON(w, http.StatusCreated, map[string]string{"id": id.String()})
}

// Search performs a similarity search over the index.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	var req SearchMemoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	tiers := []Tier{TierPermanent, TierProject}
	if len(req.Tiers) > 0 {
		tiers = tiers[:0]
		for _, t := range req.Tiers {
			tiers = append(tiers, Tier(t))
		}
	}
	limit := req.Limit
	if limit == 0 {
		limit = h.topK
	}

	matches, err := h.store.Query(r.Context(), tiers, req.Query, req.SessionID, limit)
	if err != nil {
		if errors.Is(err, ErrStoreUnavailable) {
			slog.Error("memory store unavailable", "error", err)
			api.HandleError(w, api.ErrStoreUnavailable)
			return
		}
		slog.Error("searching memories", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	// Embeddings are an internal detail; strip them from the response.
	for i := range matches {
		matches[i].Record.Embedding = nil
	}
	api.JSON(w, http.StatusOK, matches)
}

// Get returns a single memory record by id, superseded ones included.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "memoryID"))
	if err != nil {
		api.HandleError(w, api.NewBadRequestError("invalid memory ID"))
		return
	}

	rec, err := h.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			api.HandleError(w, api.NewNotFoundError("memory not found"))
			return
		}
		if errors.Is(err, ErrStoreUnavailable) {
			slog.Error("memory store unavailable", "error", err)
			api.HandleError(w, api.ErrStoreUnavailable)
			return
		}
		slog.Error("getting memory", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	rec.Embedding = nil
	api.JSON(w, http.StatusOK, rec)
}
