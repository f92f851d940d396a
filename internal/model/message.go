// Package model defines data structures shared by the chat client and the development backend.
package model

import (
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Message represents one entry of a conversation.
type Message struct {
	ID               string    `json:"id"`
	Role             Role      `json:"role"`
	Content          string    `json:"content"`
	CreatedAt        time.Time `json:"createdAt"`
	ToolsUsed        []string  `json:"tools_used,omitempty"`
	ProcessingTimeMs *int64    `json:"processing_time_ms,omitempty"`

	// Confirmed is false while ID is a locally generated placeholder.
	Confirmed bool `json:"-"`
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	if m.ToolsUsed != nil {
		m.ToolsUsed = append([]string(nil), m.ToolsUsed...)
	}
	if m.ProcessingTimeMs != nil {
		v := *m.ProcessingTimeMs
		m.ProcessingTimeMs = &v
	}
	return m
}

// RequestMessage is a message as sent to the chat endpoints.
type RequestMessage struct {
	ID      string `json:"id"`
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body of POST /chat/stream and POST /chat/one-shot.
type ChatRequest struct {
	Messages       []RequestMessage `json:"messages"`
	ProjectID      string           `json:"project_id"`
	ConversationID string           `json:"conversation_id,omitempty"`
}

// OneShotResponse is the body returned by POST /chat/one-shot.
type OneShotResponse struct {
	ID               string   `json:"id"`
	Content          string   `json:"content"`
	Role             Role     `json:"role"`
	CreatedAt        string   `json:"createdAt"`
	ToolsUsed        []string `json:"clay_tools_used,omitempty"`
	ProcessingTimeMs *int64   `json:"processing_time_ms,omitempty"`
}

// Message converts the response into a confirmed Message.
func (r *OneShotResponse) Message() Message {
	created, err := time.Parse(time.RFC3339, r.CreatedAt)
	if err != nil {
		created = time.Now()
	}
	role := r.Role
	if role == "" {
		role = RoleAssistant
	}
	return Message{
		ID:               r.ID,
		Role:             role,
		Content:          r.Content,
		CreatedAt:        created,
		ToolsUsed:        r.ToolsUsed,
		ProcessingTimeMs: r.ProcessingTimeMs,
		Confirmed:        true,
	}
}

// ErrorResponse is the JSON error body written by the API.
type ErrorResponse struct {
	Error string `json:"error"`
}
