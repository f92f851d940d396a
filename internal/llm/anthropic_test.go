package llm

import (
	"context"
	"errors"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/require"
)

type fakeMessages struct {
	params    sdk.MessageNewParams
	resp      *sdk.Message
	streamErr error
}

func (f *fakeMessages) New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error) {
	f.params = body
	return f.resp, nil
}

func (f *fakeMessages) NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	f.params = body
	return ssestream.NewStream[sdk.MessageStreamEventUnion](nil, f.streamErr)
}

func TestAnthropicComplete(t *testing.T) {
	fake := &fakeMessages{resp: &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "Hello"},
			{Type: "tool_use", Name: "data_analysis"},
			{Type: "text", Text: ", world"},
		},
	}}
	c := NewAnthropicClientWithMessages(fake)

	resp, err := c.Complete(context.Background(), &CompletionRequest{
		System: "be brief",
		Messages: []ChatMessage{
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
			{Role: "user", Content: "again"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "Hello, world", resp.Content)
	require.Equal(t, []string{"data_analysis"}, resp.ToolsUsed)

	require.Len(t, fake.params.Messages, 3)
	require.Len(t, fake.params.System, 1)
	require.Equal(t, sdk.Model(defaultAnthropicModel), fake.params.Model)
	require.EqualValues(t, DefaultMaxTokens, fake.params.MaxTokens)
}

func TestAnthropicStreamError(t *testing.T) {
	fake := &fakeMessages{streamErr: errors.New("overloaded")}
	c := NewAnthropicClientWithMessages(fake)

	_, err := c.CompleteStream(context.Background(), &CompletionRequest{
		Messages: []ChatMessage{{Role: "user", Content: "hi"}},
	}, func(Chunk) error { return nil })
	require.ErrorContains(t, err, "overloaded")
}
