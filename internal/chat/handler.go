package chat

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/emberhq/ember/internal/agent"
	"github.com/emberhq/ember/internal/api"
	"github.com/emberhq/ember/internal/auth"
	"github.com/emberhq/ember/internal/stream"
)

// Handler handles the chat endpoints, streaming and synchronous.
type Handler struct {
	loop     *agent.Loop
	validate *validator.Validate
}

func NewHandler(loop *agent.Loop) *Handler {
	return &Handler{
		loop:     loop,
		validate: validator.New(),
	}
}

// ChatRequest is the payload for both chat endpoints. An absent
// session_id starts a new session.
type ChatRequest struct {
	SessionID string `json:"session_id,omitempty" validate:"omitempty,uuid"`
	Message   string `json:"message" validate:"required,min=1,max=32000"`
}

// ChatResponse is the synchronous endpoint's reply.
type ChatResponse struct {
	SessionID string   `json:"session_id"`
	Answer    string   `json:"answer"`
	ToolsUsed []string `json:"tools_used,omitempty"`
}

func (h *Handler) parseRequest(w http.ResponseWriter, r *http.Request) (*agent.TurnRequest, bool) {
	claims := auth.GetUserClaims(r.Context())
	if claims == nil {
		api.HandleError(w, api.ErrUnauthorized)
		return nil, false
	}

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return nil, false
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return nil, false
	}

	turn := &agent.TurnRequest{
		UserID:    claims.UserID,
		SessionID: req.SessionID,
		Message:   req.Message,
	}
	if turn.SessionID == "" {
		turn.SessionID = uuid.New().String()
		turn.NewSession = true
	}
	return turn, true
}

// Stream processes a turn over server-sent events.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	turn, ok := h.parseRequest(w, r)
	if !ok {
		return
	}

	sse, err := stream.NewSSEWriter(w)
	if err != nil {
		slog.Error("preparing SSE stream", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	h.loop.RunTurn(r.Context(), *turn, sse.Send)
}

// Chat processes a turn and returns the full answer in one response.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	turn, ok := h.parseRequest(w, r)
	if !ok {
		return
	}

	var (
		answer    strings.Builder
		toolsUsed []string
		failed    string
	)
	h.loop.RunTurn(r.Context(), *turn, func(c stream.Chunk) error {
		switch c.Type {
		case stream.ChunkTextDelta:
			answer.WriteString(c.Text)
		case stream.ChunkToolInvoked:
			toolsUsed = append(toolsUsed, c.Tool)
		case stream.ChunkError:
			failed = c.Message
		}
		return nil
	})

	if failed != "" {
		api.HandleError(w, api.NewUpstreamError(failed))
		return
	}

	api.JSON(w, http.StatusOK, ChatResponse{
		SessionID: turn.SessionID,
		Answer:    answer.String(),
		ToolsUsed: toolsUsed,
	})
}
