package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// EchoTool is the tool name the echo provider reports.
const EchoTool = "data_analysis"

// EchoClient answers with a fixed placeholder built from the last user
// message. It backs the development server when no API key is configured.
type EchoClient struct {
	// Delay is slept between streamed tokens.
	Delay time.Duration
}

// NewEchoClient creates an echo provider.
func NewEchoClient() *EchoClient {
	return &EchoClient{}
}

// Name returns the provider name.
func (c *EchoClient) Name() string {
	return string(ProviderEcho)
}

func (c *EchoClient) reply(req *CompletionRequest) string {
	var last string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			last = req.Messages[i].Content
			break
		}
	}
	return fmt.Sprintf("I received your message: '%s'. This is a placeholder response from the Clay Studio backend.", last)
}

// Complete returns the placeholder reply.
func (c *EchoClient) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	content := c.reply(req)
	return &CompletionResponse{
		Content:    content,
		Model:      string(ProviderEcho),
		ToolsUsed:  []string{EchoTool},
		TokensOut:  len(strings.Fields(content)),
		StopReason: "end_turn",
	}, nil
}

// CompleteStream streams the placeholder reply word by word.
func (c *EchoClient) CompleteStream(ctx context.Context, req *CompletionRequest, callback StreamCallback) (*CompletionResponse, error) {
	start := time.Now()

	if err := callback(Chunk{Tool: EchoTool}); err != nil {
		return nil, err
	}

	content := c.reply(req)
	words := strings.SplitAfter(content, " ")
	for i, word := range words {
		if c.Delay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.Delay):
			}
		} else if err := ctx.Err(); err != nil {
			return nil, err
		}

		if err := callback(Chunk{Token: word, Index: i + 1}); err != nil {
			return nil, err
		}
	}

	return &CompletionResponse{
		Content:    content,
		Model:      string(ProviderEcho),
		ToolsUsed:  []string{EchoTool},
		TokensOut:  len(words),
		StopReason: "end_turn",
		LatencyMs:  time.Since(start).Milliseconds(),
	}, nil
}
