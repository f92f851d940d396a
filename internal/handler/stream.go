package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/clay-studio/studio-chat/internal/middleware"
	"github.com/clay-studio/studio-chat/internal/model"
	"github.com/clay-studio/studio-chat/internal/service"
	"github.com/clay-studio/studio-chat/internal/sse"
	"github.com/clay-studio/studio-chat/pkg/logger"
	"github.com/clay-studio/studio-chat/pkg/metrics"
)

// ChatHandler serves the chat endpoints.
type ChatHandler struct {
	chat   *service.ChatService
	logger *logger.Logger
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(chat *service.ChatService, log *logger.Logger) *ChatHandler {
	if log == nil {
		log = logger.NewNop()
	}
	return &ChatHandler{
		chat:   chat,
		logger: log.Named("handler"),
	}
}

// decodeRequest reads and validates a chat request, writing the error
// response itself on failure.
func (h *ChatHandler) decodeRequest(w http.ResponseWriter, r *http.Request) (*model.ChatRequest, bool) {
	var req model.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}

	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, service.ErrNoMessages.Error())
		return nil, false
	}

	if scoped := middleware.GetProjectID(r.Context()); scoped != "" {
		if req.ProjectID == "" {
			req.ProjectID = scoped
		} else if req.ProjectID != scoped {
			writeError(w, http.StatusForbidden, "project not permitted by token")
			return nil, false
		}
	}

	if err := middleware.ValidateChatRequest(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}

	return &req, true
}

// Stream handles POST /chat/stream.
func (h *ChatHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}

	conversationID := h.chat.ResolveConversationID(req.ConversationID)
	log := h.logger.WithRequest(middleware.GetCorrelationID(ctx), middleware.GetUserID(ctx)).
		WithTurn(req.ProjectID, conversationID)

	w.Header().Set(model.ConversationIDHeader, conversationID)

	enc, err := sse.NewEncoder(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	log.Debug("stream opened")

	err = h.chat.StreamTurn(ctx, req, conversationID, func(ev model.StreamEvent) error {
		return enc.Send(ev)
	})
	if err != nil {
		if errors.Is(err, ctx.Err()) {
			log.Info("client disconnected mid-stream")
		} else {
			log.Warn("stream ended early", zap.Error(err))
		}
		return
	}

	if err := enc.Done(); err != nil {
		log.Debug("failed to write end of stream", zap.Error(err))
	}
}

// OneShot handles POST /chat/one-shot.
func (h *ChatHandler) OneShot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}

	resp, err := h.chat.OneShot(ctx, req)
	if err != nil {
		h.logger.Error("one-shot request failed",
			zap.String("correlation_id", middleware.GetCorrelationID(ctx)),
			zap.Error(err),
		)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, resp)
}
