package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/clay-studio/studio-chat/internal/model"
	"github.com/clay-studio/studio-chat/pkg/logger"
	"github.com/clay-studio/studio-chat/pkg/metrics"
)

const (
	// StreamName is the name of the transcript stream.
	StreamName = "CHAT_TRANSCRIPTS"

	// SubjectPrefix is the prefix for all transcript subjects.
	SubjectPrefix = "chat"

	// DefaultHistoryLimit bounds how many messages History returns.
	DefaultHistoryLimit = 200
)

// Entry is the payload stored for each transcript message.
type Entry struct {
	ProjectID      string        `json:"project_id"`
	ConversationID string        `json:"conversation_id"`
	Message        model.Message `json:"message"`
}

// StreamManager stores conversation transcripts in a JetStream stream.
type StreamManager struct {
	client *Client
	logger *logger.Logger
}

// NewStreamManager creates a new stream manager.
func NewStreamManager(client *Client) *StreamManager {
	return &StreamManager{
		client: client,
		logger: client.logger.Named("transcripts"),
	}
}

// Name identifies the store in metrics.
func (m *StreamManager) Name() string {
	return "jetstream"
}

// EnsureStream ensures the transcript stream exists.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	js := m.client.JetStream()

	if _, err := js.Stream(ctx, StreamName); err == nil {
		return nil
	} else if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err := js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      30 * 24 * time.Hour,
		MaxBytes:    1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Description: "Chat transcripts of the development backend",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	m.logger.Info("created transcript stream", zap.String("stream", StreamName))
	return nil
}

// subjectToken makes an identifier safe to use as one subject token.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// MessageSubject returns the subject for a transcript message.
func MessageSubject(projectID, conversationID string, role model.Role) string {
	return fmt.Sprintf("%s.%s.%s.msg.%s", SubjectPrefix, subjectToken(projectID), subjectToken(conversationID), role)
}

// ConversationFilter returns the filter subject for all messages in a conversation.
func ConversationFilter(projectID, conversationID string) string {
	return fmt.Sprintf("%s.%s.%s.msg.>", SubjectPrefix, subjectToken(projectID), subjectToken(conversationID))
}

// Append publishes a message to the conversation's transcript.
func (m *StreamManager) Append(ctx context.Context, projectID, conversationID string, msg model.Message) error {
	data, err := json.Marshal(Entry{
		ProjectID:      projectID,
		ConversationID: conversationID,
		Message:        msg,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	subject := MessageSubject(projectID, conversationID, msg.Role)
	if _, err := m.client.JetStream().Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	return nil
}

// fetchBatch bounds a single pull from the history consumer.
const fetchBatch = 256

// History returns the last limit messages of a conversation in publish order.
// The filtered subject is read from the start and only the tail is kept.
func (m *StreamManager) History(ctx context.Context, projectID, conversationID string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	consumer, err := m.client.JetStream().CreateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		FilterSubject:     ConversationFilter(projectID, conversationID),
		AckPolicy:         jetstream.AckNonePolicy,
		DeliverPolicy:     jetstream.DeliverAllPolicy,
		InactiveThreshold: 30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	info, err := consumer.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read consumer info: %w", err)
	}

	remaining := int(info.NumPending)
	messages := make([]model.Message, 0, min(remaining, limit))
	for remaining > 0 {
		batch, err := consumer.Fetch(min(remaining, fetchBatch), jetstream.FetchMaxWait(2*time.Second))
		if err != nil {
			return nil, fmt.Errorf("failed to fetch messages: %w", err)
		}

		received := 0
		for msg := range batch.Messages() {
			received++
			var entry Entry
			if err := json.Unmarshal(msg.Data(), &entry); err != nil {
				m.logger.Debug("skipping undecodable transcript entry",
					zap.String("subject", msg.Subject()),
					zap.Error(err),
				)
				continue
			}
			entry.Message.Confirmed = true
			messages = keepTail(messages, entry.Message, limit)
		}

		if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, jetstream.ErrNoMessages) {
			return nil, fmt.Errorf("batch error: %w", err)
		}
		if received == 0 {
			break
		}
		remaining -= received
	}

	return messages, nil
}

// keepTail appends msg and drops the oldest entries beyond limit.
func keepTail(msgs []model.Message, msg model.Message, limit int) []model.Message {
	msgs = append(msgs, msg)
	if len(msgs) > limit {
		msgs = append(msgs[:0], msgs[len(msgs)-limit:]...)
	}
	return msgs
}

// RefreshMetrics updates the stream gauges from the server's stream state.
func (m *StreamManager) RefreshMetrics(ctx context.Context) error {
	stream, err := m.client.JetStream().Stream(ctx, StreamName)
	if err != nil {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	info, err := stream.Info(ctx)
	if err != nil {
		return fmt.Errorf("failed to read stream info: %w", err)
	}

	metrics.NATSStreamMessages.WithLabelValues(StreamName).Set(float64(info.State.Msgs))
	metrics.NATSStreamBytes.WithLabelValues(StreamName).Set(float64(info.State.Bytes))
	return nil
}
