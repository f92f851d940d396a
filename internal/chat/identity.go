package chat

import "github.com/clay-studio/studio-chat/internal/model"

// identity is a single-assignment register for the conversation id: it holds
// the "new" sentinel until the first real id seen on a stream is adopted.
type identity struct {
	current string
}

func (i *identity) reset(id string) {
	if id == "" {
		id = model.NewConversationID
	}
	i.current = id
}

// maybeAdopt sets candidate as the conversation id if none has been assigned
// yet. It reports whether the id changed.
func (i *identity) maybeAdopt(candidate string) bool {
	if model.IsRealConversationID(i.current) || !model.IsRealConversationID(candidate) {
		return false
	}
	i.current = candidate
	return true
}
