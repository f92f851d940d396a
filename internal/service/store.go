package service

import (
	"context"
	"sync"

	"github.com/clay-studio/studio-chat/internal/model"
)

// TranscriptStore keeps the messages of each conversation.
type TranscriptStore interface {
	// Name identifies the store in metrics and logs.
	Name() string

	// Append records msg at the end of the conversation's transcript.
	Append(ctx context.Context, projectID, conversationID string, msg model.Message) error

	// History returns the most recent limit messages of the conversation,
	// oldest first.
	History(ctx context.Context, projectID, conversationID string, limit int) ([]model.Message, error)
}

// MemoryStore is a TranscriptStore held in process memory.
type MemoryStore struct {
	transcripts map[string][]model.Message
	mu          sync.RWMutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transcripts: make(map[string][]model.Message),
	}
}

func transcriptKey(projectID, conversationID string) string {
	return projectID + "/" + conversationID
}

// Name identifies the store in metrics.
func (s *MemoryStore) Name() string {
	return "memory"
}

// Append records msg.
func (s *MemoryStore) Append(ctx context.Context, projectID, conversationID string, msg model.Message) error {
	key := transcriptKey(projectID, conversationID)

	s.mu.Lock()
	s.transcripts[key] = append(s.transcripts[key], msg.Clone())
	s.mu.Unlock()

	return nil
}

// History returns the last limit messages, oldest first. A non-positive
// limit returns everything.
func (s *MemoryStore) History(ctx context.Context, projectID, conversationID string, limit int) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.transcripts[transcriptKey(projectID, conversationID)]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	out := make([]model.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out, nil
}
