package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

const defaultAnthropicModel = "claude-3-5-sonnet-20241022"

// MessagesClient is the part of the Anthropic SDK used here. It is satisfied
// by *sdk.MessageService.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// AnthropicClient is the Anthropic LLM client.
type AnthropicClient struct {
	msg MessagesClient
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(apiKey string, opts ...option.RequestOption) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, errors.New("Anthropic API key is required")
	}

	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	ac := sdk.NewClient(opts...)

	return NewAnthropicClientWithMessages(&ac.Messages), nil
}

// NewAnthropicClientWithMessages wraps an existing messages client.
func NewAnthropicClientWithMessages(msg MessagesClient) *AnthropicClient {
	return &AnthropicClient{msg: msg}
}

// Name returns the provider name.
func (c *AnthropicClient) Name() string {
	return string(ProviderAnthropic)
}

func (c *AnthropicClient) params(req *CompletionRequest) sdk.MessageNewParams {
	model := req.Model
	if model == "" {
		model = defaultAnthropicModel
	}

	messages := make([]sdk.MessageParam, 0, len(req.Messages))
	var system []sdk.TextBlockParam
	if req.System != "" {
		system = append(system, sdk.TextBlockParam{Text: req.System})
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			system = append(system, sdk.TextBlockParam{Text: msg.Content})
		case "assistant":
			messages = append(messages, sdk.NewAssistantMessage(sdk.NewTextBlock(msg.Content)))
		default:
			messages = append(messages, sdk.NewUserMessage(sdk.NewTextBlock(msg.Content)))
		}
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(maxTokens(req)),
		Messages:  messages,
	}
	if len(system) > 0 {
		params.System = system
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	return params
}

// Complete sends a completion request.
func (c *AnthropicClient) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()

	resp, err := c.msg.New(ctx, c.params(req))
	if err != nil {
		return nil, fmt.Errorf("anthropic messages.new: %w", err)
	}

	var content string
	var tools []string
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			content += block.Text
		case "tool_use":
			if block.Name != "" {
				tools = append(tools, block.Name)
			}
		}
	}

	return &CompletionResponse{
		Content:    content,
		Model:      string(resp.Model),
		ToolsUsed:  tools,
		TokensIn:   int(resp.Usage.InputTokens),
		TokensOut:  int(resp.Usage.OutputTokens),
		StopReason: string(resp.StopReason),
		LatencyMs:  time.Since(start).Milliseconds(),
	}, nil
}

// CompleteStream sends a streaming completion request.
func (c *AnthropicClient) CompleteStream(ctx context.Context, req *CompletionRequest, callback StreamCallback) (*CompletionResponse, error) {
	start := time.Now()
	params := c.params(req)

	stream := c.msg.NewStreaming(ctx, params)
	defer stream.Close()

	var (
		content             string
		tools               []string
		stopReason          string
		tokensIn, tokensOut int
	)
	index := 0

	for stream.Next() {
		switch ev := stream.Current().AsAny().(type) {
		case sdk.MessageStartEvent:
			tokensIn = int(ev.Message.Usage.InputTokens)
		case sdk.ContentBlockStartEvent:
			toolUse, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock)
			if !ok || toolUse.Name == "" {
				continue
			}
			tools = append(tools, toolUse.Name)
			if err := callback(Chunk{Tool: toolUse.Name, Index: index}); err != nil {
				return nil, err
			}
			index++
		case sdk.ContentBlockDeltaEvent:
			delta, ok := ev.Delta.AsAny().(sdk.TextDelta)
			if !ok || delta.Text == "" {
				continue
			}
			content += delta.Text
			if err := callback(Chunk{Token: delta.Text, Index: index}); err != nil {
				return nil, err
			}
			index++
		case sdk.MessageDeltaEvent:
			stopReason = string(ev.Delta.StopReason)
			tokensOut = int(ev.Usage.OutputTokens)
		}
	}

	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic messages.new stream: %w", err)
	}

	return &CompletionResponse{
		Content:    content,
		Model:      string(params.Model),
		ToolsUsed:  tools,
		TokensIn:   tokensIn,
		TokensOut:  tokensOut,
		StopReason: stopReason,
		LatencyMs:  time.Since(start).Milliseconds(),
	}, nil
}
