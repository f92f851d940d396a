package model

// NewConversationID is the placeholder conversation id meaning
// "not yet created server-side".
const NewConversationID = "new"

// ConversationIDHeader is the response header naming the conversation a
// stream belongs to.
const ConversationIDHeader = "X-Conversation-ID"

// IsRealConversationID reports whether id names a server-side conversation.
func IsRealConversationID(id string) bool {
	return id != "" && id != NewConversationID
}

// EventType is the discriminator of a StreamEvent.
type EventType string

const (
	EventStart    EventType = "start"
	EventProgress EventType = "progress"
	EventContent  EventType = "content"
	EventToolUse  EventType = "tool_use"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// StreamEvent is one decoded `data:` line of the chat stream.
type StreamEvent struct {
	Type EventType `json:"type"`

	// start, complete
	ID string `json:"id,omitempty"`
	// start, progress, content, complete
	ConversationID string `json:"conversation_id,omitempty"`
	// progress (JSON-encoded envelope), content (full text), complete (authoritative text)
	Content string `json:"content,omitempty"`
	// tool_use
	Tool string `json:"tool,omitempty"`
	// complete
	ToolsUsed        []string `json:"tools_used,omitempty"`
	ProcessingTimeMs *int64   `json:"processing_time_ms,omitempty"`
	// error
	Error string `json:"error,omitempty"`
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 {
	return &v
}
