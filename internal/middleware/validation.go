package middleware

import (
	"errors"
	"fmt"
	"regexp"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/clay-studio/studio-chat/internal/model"
)

// MaxContentLength bounds a single message body.
const MaxContentLength = 100000

var conversationIDPattern = regexp.MustCompile(`^conv-\d+-[0-9a-f]{8}$`)

// ValidateMessageContent validates message content.
func ValidateMessageContent(content string) error {
	if len(content) == 0 {
		return errors.New("content cannot be empty")
	}
	if len(content) > MaxContentLength {
		return errors.New("content exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("content must be valid UTF-8")
	}
	return nil
}

// ValidateConversationID accepts "new", an empty id, a minted conv- id or a UUID.
func ValidateConversationID(id string) error {
	if !model.IsRealConversationID(id) || conversationIDPattern.MatchString(id) {
		return nil
	}
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid conversation ID format")
	}
	return nil
}

// ValidateProjectID validates a project ID.
func ValidateProjectID(id string) error {
	if len(id) == 0 {
		return errors.New("project ID cannot be empty")
	}
	if len(id) > 64 {
		return errors.New("project ID exceeds maximum length")
	}
	return nil
}

// ValidateChatRequest checks every field of a chat request. An empty message
// list is left to the service, which reports it with its own message.
func ValidateChatRequest(req *model.ChatRequest) error {
	if err := ValidateProjectID(req.ProjectID); err != nil {
		return err
	}
	if err := ValidateConversationID(req.ConversationID); err != nil {
		return err
	}
	for i, m := range req.Messages {
		if m.Role != "" && !m.Role.Valid() {
			return fmt.Errorf("message %d: unknown role %q", i, m.Role)
		}
		if err := ValidateMessageContent(m.Content); err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
	}
	return nil
}
