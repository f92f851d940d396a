// Package client talks to the chat endpoints of the Studio API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/clay-studio/studio-chat/internal/model"
	"github.com/clay-studio/studio-chat/internal/sse"
	"github.com/clay-studio/studio-chat/pkg/logger"
)

// ConversationIDHeader carries the resolved conversation id on stream responses.
const ConversationIDHeader = model.ConversationIDHeader

const tracerName = "github.com/clay-studio/studio-chat/internal/client"

// Client is an HTTP client for /chat/stream and /chat/one-shot.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	token          string
	requestTimeout time.Duration
	logger         *logger.Logger
	tracer         trace.Tracer
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client. It must not set a total
// timeout, since that would cut long streams short.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithRequestTimeout bounds non-streaming requests.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.requestTimeout = d
	}
}

// WithLogger sets the client logger.
func WithLogger(log *logger.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.logger = log
		}
	}
}

// New creates a client for the API rooted at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		httpClient:     &http.Client{},
		requestTimeout: 60 * time.Second,
		logger:         logger.NewNop(),
		tracer:         otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("%s (status %d)", e.Message, e.StatusCode)
}

// Stream opens POST /chat/stream. The returned stream must be closed.
// Cancelling ctx aborts the underlying connection.
func (c *Client) Stream(ctx context.Context, req *model.ChatRequest) (*Stream, error) {
	ctx, span := c.tracer.Start(ctx, "chat.stream", trace.WithAttributes(
		attribute.String("project_id", req.ProjectID),
		attribute.String("conversation_id", req.ConversationID),
	))

	resp, err := c.do(ctx, "/chat/stream", "text/event-stream", req)
	if err != nil {
		endSpan(span, err)
		return nil, err
	}

	s := NewStream(resp.Body, resp.Header.Get(ConversationIDHeader), sse.WithLogger(c.logger))
	s.span = span

	c.logger.Debug("chat stream opened",
		zap.String("project_id", req.ProjectID),
		zap.String("conversation_id", s.ConversationID()),
	)

	return s, nil
}

// OneShot calls POST /chat/one-shot and returns the assistant message.
func (c *Client) OneShot(ctx context.Context, req *model.ChatRequest) (*model.Message, error) {
	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	ctx, span := c.tracer.Start(ctx, "chat.one_shot", trace.WithAttributes(
		attribute.String("project_id", req.ProjectID),
	))

	resp, err := c.do(ctx, "/chat/one-shot", "application/json", req)
	if err != nil {
		endSpan(span, err)
		return nil, err
	}
	defer resp.Body.Close()

	var out model.OneShotResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		err = fmt.Errorf("failed to decode one-shot response: %w", err)
		endSpan(span, err)
		return nil, err
	}
	endSpan(span, nil)

	msg := out.Message()
	return &msg, nil
}

func (c *Client) do(ctx context.Context, path, accept string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", accept)
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, readAPIError(resp)
	}

	return resp, nil
}

func readAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var errResp model.ErrorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		apiErr.Message = errResp.Error
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}

	return apiErr
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Stream is an open chat event stream.
type Stream struct {
	conversationID string
	body           io.ReadCloser
	decoder        *sse.Decoder
	span           trace.Span
	closeOnce      sync.Once
	closeErr       error
}

// NewStream wraps an event-stream body. conversationID is the id announced
// out of band, if any.
func NewStream(body io.ReadCloser, conversationID string, opts ...sse.DecoderOption) *Stream {
	return &Stream{
		conversationID: conversationID,
		body:           body,
		decoder:        sse.NewDecoder(body, opts...),
	}
}

// ConversationID returns the id from the response header, or "".
func (s *Stream) ConversationID() string {
	return s.conversationID
}

// Next returns the next event; see sse.Decoder.Next.
func (s *Stream) Next(ctx context.Context) (*model.StreamEvent, error) {
	return s.decoder.Next(ctx)
}

// Close releases the connection.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.body.Close()
		if s.span != nil {
			s.span.End()
		}
	})
	return s.closeErr
}
