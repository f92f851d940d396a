// Package service runs chat turns for the development backend.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/clay-studio/studio-chat/internal/llm"
	"github.com/clay-studio/studio-chat/internal/model"
	"github.com/clay-studio/studio-chat/pkg/logger"
	"github.com/clay-studio/studio-chat/pkg/metrics"
)

// ErrNoMessages is returned for a request without messages.
var ErrNoMessages = errors.New("No messages provided")

// HistoryLimit bounds the prior messages sent to the model as context.
const HistoryLimit = 50

const tracerName = "github.com/clay-studio/studio-chat/internal/service"

// Emitter receives the events of a streamed turn in order.
type Emitter func(event model.StreamEvent) error

// ChatService executes chat turns against an LLM provider.
type ChatService struct {
	store     TranscriptStore
	llmClient llm.Client
	model     string
	logger    *logger.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewChatService creates a new chat service.
func NewChatService(store TranscriptStore, llmClient llm.Client, modelName string, log *logger.Logger) *ChatService {
	if log == nil {
		log = logger.NewNop()
	}
	return &ChatService{
		store:     store,
		llmClient: llmClient,
		model:     modelName,
		logger:    log.Named("chat"),
		tracer:    otel.Tracer(tracerName),
		now:       time.Now,
	}
}

// NewConversationID mints a conversation id of the form conv-<millis>-<hex>.
func NewConversationID(now time.Time) string {
	short, _, _ := strings.Cut(uuid.NewString(), "-")
	return fmt.Sprintf("conv-%d-%s", now.UnixMilli(), short)
}

// ResolveConversationID returns id, or a fresh id when id is empty or "new".
func (s *ChatService) ResolveConversationID(id string) string {
	if model.IsRealConversationID(id) {
		return id
	}
	return NewConversationID(s.now())
}

// textDelta is the progress payload shape for one token.
type textDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// StreamTurn answers the request, emitting start, progress, tool_use and a
// terminal complete or error event. Provider failures are reported in-band;
// the returned error is non-nil only when emitting fails or ctx ends.
func (s *ChatService) StreamTurn(ctx context.Context, req *model.ChatRequest, conversationID string, emit Emitter) (err error) {
	if len(req.Messages) == 0 {
		return ErrNoMessages
	}

	ctx, span := s.tracer.Start(ctx, "chat.stream_turn", trace.WithAttributes(
		attribute.String("conversation.id", conversationID),
		attribute.String("project.id", req.ProjectID),
		attribute.String("llm.provider", s.llmClient.Name()),
	))
	defer func() { endSpan(span, err) }()

	start := s.now()
	messageID := uuid.NewString()
	log := s.logger.WithTurn(req.ProjectID, conversationID)

	if err := emit(model.StreamEvent{Type: model.EventStart, ID: messageID, ConversationID: conversationID}); err != nil {
		return err
	}

	prompt := s.prepare(ctx, log, req, conversationID)

	var tools []string
	var emitErr error
	send := func(ev model.StreamEvent) error {
		if err := emit(ev); err != nil {
			emitErr = err
			return err
		}
		return nil
	}

	resp, err := s.llmClient.CompleteStream(ctx, &llm.CompletionRequest{
		Model:    s.model,
		Messages: prompt,
	}, func(chunk llm.Chunk) error {
		if chunk.Tool != "" {
			tools = appendUnique(tools, chunk.Tool)
			return send(model.StreamEvent{Type: model.EventToolUse, Tool: chunk.Tool, ConversationID: conversationID})
		}

		payload, err := json.Marshal(textDelta{Type: "text", Text: chunk.Token})
		if err != nil {
			return err
		}
		return send(model.StreamEvent{Type: model.EventProgress, ConversationID: conversationID, Content: string(payload)})
	})
	elapsed := s.now().Sub(start)

	if err != nil {
		metrics.RecordLLMStream(s.llmClient.Name(), "error", elapsed.Seconds(), 0, 0)
		if emitErr != nil {
			log.Info("turn abandoned by client", zap.Error(emitErr), zap.Duration("elapsed", elapsed))
			return emitErr
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			log.Info("turn abandoned by client", zap.Duration("elapsed", elapsed))
			return ctxErr
		}
		log.Error("model stream failed", zap.Error(err))
		return emit(model.StreamEvent{Type: model.EventError, Error: "Failed to query model: " + err.Error()})
	}

	for _, tool := range resp.ToolsUsed {
		tools = appendUnique(tools, tool)
	}

	processing := model.Int64(elapsed.Milliseconds())
	if resp.Content != "" {
		s.record(ctx, log, req.ProjectID, conversationID, model.Message{
			ID:               messageID,
			Role:             model.RoleAssistant,
			Content:          resp.Content,
			CreatedAt:        s.now(),
			ToolsUsed:        tools,
			ProcessingTimeMs: processing,
		})
	}

	metrics.RecordLLMStream(s.llmClient.Name(), "success", elapsed.Seconds(), resp.TokensIn, resp.TokensOut)
	log.Info("turn completed",
		zap.String("message_id", messageID),
		zap.Strings("tools_used", tools),
		zap.Duration("elapsed", elapsed),
	)

	return emit(model.StreamEvent{
		Type:             model.EventComplete,
		ID:               messageID,
		ConversationID:   conversationID,
		ToolsUsed:        tools,
		ProcessingTimeMs: processing,
	})
}

// OneShot answers the request with a single assistant message.
func (s *ChatService) OneShot(ctx context.Context, req *model.ChatRequest) (resp *model.OneShotResponse, err error) {
	if len(req.Messages) == 0 {
		return nil, ErrNoMessages
	}

	conversationID := s.ResolveConversationID(req.ConversationID)

	ctx, span := s.tracer.Start(ctx, "chat.one_shot", trace.WithAttributes(
		attribute.String("conversation.id", conversationID),
		attribute.String("llm.provider", s.llmClient.Name()),
	))
	defer func() { endSpan(span, err) }()

	start := s.now()
	log := s.logger.WithTurn(req.ProjectID, conversationID)
	prompt := s.prepare(ctx, log, req, conversationID)

	completion, err := s.llmClient.Complete(ctx, &llm.CompletionRequest{
		Model:    s.model,
		Messages: prompt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query model: %w", err)
	}

	now := s.now()
	msg := model.Message{
		ID:               uuid.NewString(),
		Role:             model.RoleAssistant,
		Content:          completion.Content,
		CreatedAt:        now,
		ToolsUsed:        completion.ToolsUsed,
		ProcessingTimeMs: model.Int64(now.Sub(start).Milliseconds()),
	}
	if msg.Content != "" {
		s.record(ctx, log, req.ProjectID, conversationID, msg)
	}

	return &model.OneShotResponse{
		ID:               msg.ID,
		Content:          msg.Content,
		Role:             msg.Role,
		CreatedAt:        now.UTC().Format(time.RFC3339),
		ToolsUsed:        msg.ToolsUsed,
		ProcessingTimeMs: msg.ProcessingTimeMs,
	}, nil
}

// prepare records the request's messages and returns the model prompt:
// the stored history followed by the new messages. History is best effort.
func (s *ChatService) prepare(ctx context.Context, log *logger.Logger, req *model.ChatRequest, conversationID string) []llm.ChatMessage {
	history, err := s.store.History(ctx, req.ProjectID, conversationID, HistoryLimit)
	if err != nil {
		log.Warn("failed to load history", zap.Error(err))
	}

	prompt := make([]llm.ChatMessage, 0, len(history)+len(req.Messages))
	for _, m := range history {
		prompt = append(prompt, llm.ChatMessage{Role: string(m.Role), Content: m.Content})
	}

	for _, m := range req.Messages {
		if m.Content == "" {
			continue
		}
		role := m.Role
		if role == "" {
			role = model.RoleUser
		}
		prompt = append(prompt, llm.ChatMessage{Role: string(role), Content: m.Content})

		id := m.ID
		if id == "" {
			id = uuid.NewString()
		}
		s.record(ctx, log, req.ProjectID, conversationID, model.Message{
			ID:        id,
			Role:      role,
			Content:   m.Content,
			CreatedAt: s.now(),
		})
	}

	return prompt
}

func (s *ChatService) record(ctx context.Context, log *logger.Logger, projectID, conversationID string, msg model.Message) {
	// Record even when the turn was cancelled.
	if err := s.store.Append(context.WithoutCancel(ctx), projectID, conversationID, msg); err != nil {
		log.Warn("failed to record message",
			zap.String("message_id", msg.ID),
			zap.String("role", string(msg.Role)),
			zap.Error(err),
		)
		return
	}
	metrics.TranscriptMessagesTotal.WithLabelValues(s.store.Name(), string(msg.Role)).Inc()
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
