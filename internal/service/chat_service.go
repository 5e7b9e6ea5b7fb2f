package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"teleconsult/internal/cache"
	"teleconsult/internal/model"
)

// ChatService appends to the session chat log and announces every message
type ChatService struct {
	log    cache.ChatLog
	bus    *EventBus
	logger *slog.Logger
}

func NewChatService(log cache.ChatLog, bus *EventBus, logger *slog.Logger) *ChatService {
	return &ChatService{log: log, bus: bus, logger: logger}
}

// AppendChat stores msg and publishes it. It satisfies media.ChatAppender.
func (c *ChatService) AppendChat(ctx context.Context, msg *model.Message) (*model.Message, error) {
	var stored *model.Message
	err := c.bus.Commit(msg.SessionID, func() (*model.Event, error) {
		var err error
		stored, err = c.log.Append(ctx, msg)
		if err != nil {
			return nil, fmt.Errorf("failed to append chat message: %w", err)
		}
		return &model.Event{
			Type:      model.EventMessageAppended,
			SessionID: stored.SessionID,
			Message:   stored,
			At:        stored.CreatedAt,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// AppendSystem records a lifecycle note in the chat. Failures are only logged.
func (c *ChatService) AppendSystem(ctx context.Context, sessionID, body string) {
	msg := &model.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Kind:      model.MessageSystem,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := c.AppendChat(ctx, msg); err != nil {
		c.logger.Warn("failed to append system message", "session_id", sessionID, "error", err)
	}
}

func (c *ChatService) Replay(ctx context.Context, sessionID string) ([]*model.Message, error) {
	msgs, err := c.log.Replay(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to replay chat: %w", err)
	}
	return msgs, nil
}
