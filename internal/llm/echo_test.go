package llm

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEchoStreamMatchesComplete(t *testing.T) {
	c := NewEchoClient()
	req := &CompletionRequest{Messages: []ChatMessage{
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "reply"},
		{Role: "user", Content: "show revenue"},
	}}

	var tokens strings.Builder
	var tools []string
	resp, err := c.CompleteStream(context.Background(), req, func(ch Chunk) error {
		if ch.Tool != "" {
			tools = append(tools, ch.Tool)
			return nil
		}
		tokens.WriteString(ch.Token)
		return nil
	})
	require.NoError(t, err)

	full, err := c.Complete(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, full.Content, resp.Content)
	require.Equal(t, resp.Content, tokens.String())
	require.Contains(t, resp.Content, "'show revenue'")
	require.Equal(t, []string{EchoTool}, tools)
}

func TestEchoStreamHonoursCancel(t *testing.T) {
	c := &EchoClient{Delay: time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.CompleteStream(ctx, &CompletionRequest{}, func(Chunk) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewClientFallsBackToEcho(t *testing.T) {
	c, err := NewClient("", "")
	require.NoError(t, err)
	require.Equal(t, "echo", c.Name())

	_, err = NewClient(ProviderOpenAI, "")
	require.Error(t, err)
}
