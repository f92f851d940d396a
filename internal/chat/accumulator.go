package chat

import (
	"time"

	"github.com/clay-studio/studio-chat/internal/model"
)

// accumulator owns the ordered message list of the active conversation.
// Messages are created with a local id; confirm is the only place a server
// id is stamped onto one.
type accumulator struct {
	active   bool
	messages []model.Message
	now      func() time.Time
	newID    func() string
}

func (a *accumulator) reset(active bool) {
	a.active = active
	a.messages = nil
}

func (a *accumulator) load(msgs []model.Message) {
	a.active = true
	a.messages = make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		m = m.Clone()
		m.Confirmed = m.ID != ""
		a.messages = append(a.messages, m)
	}
}

func (a *accumulator) newMessage(role model.Role, content string) model.Message {
	return model.Message{
		ID:        a.newID(),
		Role:      role,
		Content:   content,
		CreatedAt: a.now(),
	}
}

// appendUserMessage pushes the optimistic user message.
func (a *accumulator) appendUserMessage(content string) model.Message {
	msg := a.newMessage(model.RoleUser, content)
	a.messages = append(a.messages, msg)
	return msg
}

// trailingAssistant returns the index of the last message if it is an
// assistant message, or -1.
func (a *accumulator) trailingAssistant() int {
	if n := len(a.messages); n > 0 && a.messages[n-1].Role == model.RoleAssistant {
		return n - 1
	}
	return -1
}

// applyTextDelta appends delta to the trailing assistant message, creating it
// when the last message is not an assistant one.
func (a *accumulator) applyTextDelta(delta string) {
	if !a.active || delta == "" {
		return
	}
	if i := a.trailingAssistant(); i >= 0 {
		a.messages[i].Content += delta
		return
	}
	a.messages = append(a.messages, a.newMessage(model.RoleAssistant, delta))
}

// replaceContent sets the trailing assistant message's content to the full
// text carried by a content event.
func (a *accumulator) replaceContent(content string) {
	if !a.active {
		return
	}
	if i := a.trailingAssistant(); i >= 0 {
		a.messages[i].Content = content
		return
	}
	a.messages = append(a.messages, a.newMessage(model.RoleAssistant, content))
}

// finalize stamps the completed turn onto the trailing assistant message.
// A non-empty finalContent replaces whatever the deltas accumulated.
func (a *accumulator) finalize(finalContent, id string, toolsUsed []string, processingTimeMs *int64) {
	if !a.active {
		return
	}

	i := a.trailingAssistant()
	if i < 0 {
		a.messages = append(a.messages, a.newMessage(model.RoleAssistant, finalContent))
		i = len(a.messages) - 1
	} else if finalContent != "" {
		a.messages[i].Content = finalContent
	}

	if toolsUsed != nil {
		a.messages[i].ToolsUsed = append([]string(nil), toolsUsed...)
	}
	if processingTimeMs != nil {
		ms := *processingTimeMs
		a.messages[i].ProcessingTimeMs = &ms
	}
	a.confirm(i, id)
}

func (a *accumulator) confirm(i int, id string) {
	if id == "" {
		return
	}
	a.messages[i].ID = id
	a.messages[i].Confirmed = true
}

func (a *accumulator) snapshot() []model.Message {
	out := make([]model.Message, len(a.messages))
	for i, m := range a.messages {
		out[i] = m.Clone()
	}
	return out
}
