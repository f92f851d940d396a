package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/clay-studio/studio-chat/internal/client"
	"github.com/clay-studio/studio-chat/internal/model"
)

// fakeAPI serves canned stream bodies. Like net/http, it closes the body when
// the request context is cancelled.
type fakeAPI struct {
	mu       sync.Mutex
	body     io.Reader
	header   string
	err      error
	oneShot  *model.Message
	requests []*model.ChatRequest
}

func (f *fakeAPI) Stream(ctx context.Context, req *model.ChatRequest) (*client.Stream, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}

	body := f.body
	pr, pw := io.Pipe()
	go func() {
		_, err := io.Copy(pw, body)
		pw.CloseWithError(err)
	}()
	go func() {
		<-ctx.Done()
		pr.CloseWithError(ctx.Err())
	}()
	return client.NewStream(pr, f.header), nil
}

func (f *fakeAPI) OneShot(ctx context.Context, req *model.ChatRequest) (*model.Message, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	return f.oneShot, nil
}

func progressLine(t *testing.T, text string) string {
	t.Helper()
	inner, err := json.Marshal(map[string]string{"type": "text", "text": text})
	require.NoError(t, err)
	outer, err := json.Marshal(map[string]string{"type": "progress", "content": string(inner)})
	require.NoError(t, err)
	return "data: " + string(outer) + "\n"
}

func TestSendScenario(t *testing.T) {
	api := &fakeAPI{body: strings.NewReader(`data: {"type":"start"}
data: {"type":"progress","content":"{\"type\":\"text\",\"text\":\"Hello\"}"}
data: {"type":"progress","content":"{\"type\":\"text\",\"text\":\", world\"}"}
data: {"type":"complete","id":"m1","tools_used":[],"processing_time_ms":42}
`)}
	c := NewController(api, WithProjectID("p1"))

	require.NoError(t, c.Send(context.Background(), "hi"))

	snap := c.Snapshot()
	require.Len(t, snap.Messages, 2)
	require.Equal(t, model.RoleUser, snap.Messages[0].Role)
	require.Equal(t, "hi", snap.Messages[0].Content)
	require.False(t, snap.Messages[0].Confirmed)

	reply := snap.Messages[1]
	require.Equal(t, "m1", reply.ID)
	require.True(t, reply.Confirmed)
	require.Equal(t, model.RoleAssistant, reply.Role)
	require.Equal(t, "Hello, world", reply.Content)
	require.NotNil(t, reply.ProcessingTimeMs)
	require.EqualValues(t, 42, *reply.ProcessingTimeMs)

	require.Empty(t, snap.Error)
	require.Equal(t, PhaseIdle, snap.Phase)
	require.Equal(t, OutcomeCompleted, snap.Outcome)
	require.False(t, snap.CanStop)

	require.Len(t, api.requests, 1)
	req := api.requests[0]
	require.Equal(t, "p1", req.ProjectID)
	require.Equal(t, model.NewConversationID, req.ConversationID)
	require.Equal(t, snap.Messages[0].ID, req.Messages[0].ID)
}

func TestSendErrorEvent(t *testing.T) {
	api := &fakeAPI{body: strings.NewReader("data: {\"type\":\"error\",\"error\":\"boom\"}\n")}
	c := NewController(api)

	require.NoError(t, c.Send(context.Background(), "hi"))

	snap := c.Snapshot()
	require.Len(t, snap.Messages, 1)
	require.Equal(t, model.RoleUser, snap.Messages[0].Role)
	require.Equal(t, "boom", snap.Error)
	require.Equal(t, OutcomeErrored, snap.Outcome)
}

func TestStopKeepsPartialContent(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	seen := make(chan struct{})
	var once sync.Once
	c := NewController(&fakeAPI{body: pr}, WithObserver(func(s Snapshot) {
		if n := len(s.Messages); n == 2 && s.Messages[1].Content == "Hel" {
			once.Do(func() { close(seen) })
		}
	}))

	done := make(chan error, 1)
	go func() { done <- c.Send(context.Background(), "hi") }()

	_, err := pw.Write([]byte(progressLine(t, "Hel")))
	require.NoError(t, err)

	select {
	case <-seen:
	case <-time.After(5 * time.Second):
		t.Fatal("delta never applied")
	}
	require.True(t, c.CanStop())
	require.True(t, c.Stop())
	require.False(t, c.CanStop())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("send did not return after stop")
	}

	snap := c.Snapshot()
	require.Len(t, snap.Messages, 2)
	require.Equal(t, "Hel", snap.Messages[1].Content)
	require.Empty(t, snap.Error)
	require.Equal(t, OutcomeCancelled, snap.Outcome)
	require.False(t, snap.CanStop)
	require.False(t, c.Stop())
}

func TestSendRejectsConcurrentTurn(t *testing.T) {
	pr, pw := io.Pipe()
	started := make(chan struct{})
	var once sync.Once
	c := NewController(&fakeAPI{body: pr}, WithObserver(func(s Snapshot) {
		if s.Phase == PhaseStreaming {
			once.Do(func() { close(started) })
		}
	}))

	done := make(chan error, 1)
	go func() { done <- c.Send(context.Background(), "first") }()

	_, err := pw.Write([]byte("data: {\"type\":\"start\"}\n"))
	require.NoError(t, err)
	<-started

	require.ErrorIs(t, c.Send(context.Background(), "second"), ErrTurnInFlight)

	require.NoError(t, pw.Close())
	require.NoError(t, <-done)
	require.Len(t, c.Snapshot().Messages, 1)
}

func TestSendEmptyContent(t *testing.T) {
	c := NewController(&fakeAPI{})
	require.ErrorIs(t, c.Send(context.Background(), "  \n"), ErrEmptyContent)
	require.Empty(t, c.Snapshot().Messages)
}

func TestSendTransportError(t *testing.T) {
	api := &fakeAPI{err: &client.APIError{StatusCode: 503, Message: "No active Claude client available"}}
	c := NewController(api)

	require.NoError(t, c.Send(context.Background(), "hi"))

	snap := c.Snapshot()
	require.Len(t, snap.Messages, 1)
	require.Equal(t, "No active Claude client available (status 503)", snap.Error)
	require.Equal(t, OutcomeErrored, snap.Outcome)
	require.False(t, snap.CanStop)
}

func TestSendStreamDroppedMidway(t *testing.T) {
	body := io.MultiReader(
		strings.NewReader(progressLine(t, "partial")),
		iotestErrReader{errors.New("connection reset")},
	)
	c := NewController(&fakeAPI{body: body})

	require.NoError(t, c.Send(context.Background(), "hi"))

	snap := c.Snapshot()
	require.Len(t, snap.Messages, 2)
	require.Equal(t, "partial", snap.Messages[1].Content)
	require.Equal(t, "connection reset", snap.Error)
}

type iotestErrReader struct{ err error }

func (r iotestErrReader) Read([]byte) (int, error) { return 0, r.err }

func TestSendSurvivesMalformedLine(t *testing.T) {
	body := progressLine(t, "a") + "data: {oops\n" + progressLine(t, "b")
	c := NewController(&fakeAPI{body: strings.NewReader(body)})

	require.NoError(t, c.Send(context.Background(), "hi"))

	snap := c.Snapshot()
	require.Equal(t, "ab", snap.Messages[1].Content)
	require.Empty(t, snap.Error)
	require.Equal(t, OutcomeCompleted, snap.Outcome)
}

func TestCompleteContentWins(t *testing.T) {
	body := progressLine(t, "draft") +
		`data: {"type":"complete","id":"m2","content":"final answer","tools_used":["sql"],"processing_time_ms":7}` + "\n"
	c := NewController(&fakeAPI{body: strings.NewReader(body)})

	require.NoError(t, c.Send(context.Background(), "hi"))

	reply := c.Snapshot().Messages[1]
	require.Equal(t, "final answer", reply.Content)
	require.Equal(t, []string{"sql"}, reply.ToolsUsed)
}

func TestContentEventReplacesDeltas(t *testing.T) {
	body := progressLine(t, "dr") + progressLine(t, "aft") +
		`data: {"type":"content","content":"Result text"}` + "\n" +
		`data: {"type":"complete","id":"m3"}` + "\n"
	c := NewController(&fakeAPI{body: strings.NewReader(body)})

	require.NoError(t, c.Send(context.Background(), "hi"))

	snap := c.Snapshot()
	require.Len(t, snap.Messages, 2)
	require.Equal(t, "Result text", snap.Messages[1].Content)
	require.Equal(t, "m3", snap.Messages[1].ID)
}

func TestToolUseTracking(t *testing.T) {
	var sawTools []string
	body := `data: {"type":"tool_use","tool":"datasource_query"}` + "\n" +
		`data: {"type":"progress","content":"{\"type\":\"assistant\",\"message\":{\"content\":[{\"type\":\"tool_use\",\"name\":\"chart\"},{\"type\":\"text\",\"text\":\"done\"}]}}"}` + "\n" +
		`data: {"type":"complete","id":"m4"}` + "\n"
	c := NewController(&fakeAPI{body: strings.NewReader(body)}, WithObserver(func(s Snapshot) {
		if len(s.ActiveTools) > len(sawTools) {
			sawTools = s.ActiveTools
		}
	}))

	require.NoError(t, c.Send(context.Background(), "hi"))

	snap := c.Snapshot()
	require.Equal(t, []string{"datasource_query", "chart"}, sawTools)
	require.Empty(t, snap.ActiveTools)
	require.Equal(t, "done", snap.Messages[1].Content)
	require.Equal(t, []string{"datasource_query", "chart"}, snap.Messages[1].ToolsUsed)
}

func TestConversationIDFromHeaderWins(t *testing.T) {
	body := `data: {"type":"start","conversation_id":"conv-inband"}` + "\n" +
		`data: {"type":"complete","id":"m5","conversation_id":"conv-other"}` + "\n"
	c := NewController(&fakeAPI{body: strings.NewReader(body), header: "conv-header"})

	require.NoError(t, c.Send(context.Background(), "hi"))
	require.Equal(t, "conv-header", c.Snapshot().ConversationID)
}

func TestConversationIDAdoptedOnceInBand(t *testing.T) {
	body := `data: {"type":"start","conversation_id":"new"}` + "\n" +
		`data: {"type":"start","conversation_id":"conv-1"}` + "\n" +
		`data: {"type":"complete","id":"m6","conversation_id":"conv-2"}` + "\n"
	api := &fakeAPI{body: strings.NewReader(body)}
	c := NewController(api)

	require.NoError(t, c.Send(context.Background(), "hi"))
	require.Equal(t, "conv-1", c.Snapshot().ConversationID)

	api.body = strings.NewReader(`data: {"type":"complete","id":"m7"}` + "\n")
	require.NoError(t, c.Send(context.Background(), "again"))
	require.Equal(t, "conv-1", api.requests[1].ConversationID)
	require.Len(t, c.Snapshot().Messages, 4)
}

func TestDeltaConcatenationProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("assistant content is the concatenation of deltas", prop.ForAll(
		func(deltas []string) bool {
			var body strings.Builder
			var want strings.Builder
			for _, d := range deltas {
				if d == "" {
					continue
				}
				body.WriteString(progressLine(t, d))
				want.WriteString(d)
			}

			c := NewController(&fakeAPI{body: strings.NewReader(body.String())})
			if err := c.Send(context.Background(), "q"); err != nil {
				return false
			}
			snap := c.Snapshot()
			if want.Len() == 0 {
				return len(snap.Messages) == 1
			}
			return len(snap.Messages) == 2 && snap.Messages[1].Content == want.String()
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

func TestSendOneShot(t *testing.T) {
	api := &fakeAPI{oneShot: &model.Message{
		ID:        "m8",
		Role:      model.RoleAssistant,
		Content:   "placeholder",
		ToolsUsed: []string{"data_analysis"},
		Confirmed: true,
	}}
	c := NewController(api)

	require.NoError(t, c.SendOneShot(context.Background(), "hi"))

	snap := c.Snapshot()
	require.Len(t, snap.Messages, 2)
	require.Equal(t, "m8", snap.Messages[1].ID)
	require.Equal(t, "placeholder", snap.Messages[1].Content)
	require.Equal(t, OutcomeCompleted, snap.Outcome)
}

func TestResetDeactivates(t *testing.T) {
	c := NewController(&fakeAPI{body: strings.NewReader(progressLine(t, "x"))})
	c.Load("conv-9", []model.Message{{ID: "u1", Role: model.RoleUser, Content: "old"}})

	snap := c.Snapshot()
	require.Equal(t, "conv-9", snap.ConversationID)
	require.True(t, snap.Messages[0].Confirmed)

	c.Reset("")
	snap = c.Snapshot()
	require.Empty(t, snap.Messages)
	require.Equal(t, model.NewConversationID, snap.ConversationID)

	require.NoError(t, c.Send(context.Background(), "fresh"))
	require.Len(t, c.Snapshot().Messages, 2)
}

func TestResetMidStreamStartsIdle(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	seen := make(chan struct{})
	var once sync.Once
	api := &fakeAPI{body: pr}
	c := NewController(api, WithObserver(func(s Snapshot) {
		if n := len(s.Messages); n == 2 && s.Messages[1].Content == "Hel" {
			once.Do(func() { close(seen) })
		}
	}))

	done := make(chan error, 1)
	go func() { done <- c.Send(context.Background(), "hi") }()

	_, err := pw.Write([]byte(progressLine(t, "Hel")))
	require.NoError(t, err)

	select {
	case <-seen:
	case <-time.After(5 * time.Second):
		t.Fatal("delta never applied")
	}

	api.body = strings.NewReader(`data: {"type":"complete","id":"m2","content":"fresh reply"}` + "\n")
	c.Reset(model.NewConversationID)

	snap := c.Snapshot()
	require.Equal(t, PhaseIdle, snap.Phase)
	require.Equal(t, OutcomeNone, snap.Outcome)
	require.False(t, snap.CanStop)
	require.Empty(t, snap.Messages)

	require.NoError(t, c.Send(context.Background(), "again"))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("aborted send did not return")
	}

	snap = c.Snapshot()
	require.Equal(t, PhaseIdle, snap.Phase)
	require.Equal(t, OutcomeCompleted, snap.Outcome)
	require.Empty(t, snap.Error)
	require.Len(t, snap.Messages, 2)
	require.Equal(t, "again", snap.Messages[0].Content)
	require.Equal(t, "fresh reply", snap.Messages[1].Content)
}
