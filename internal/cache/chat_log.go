package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"teleconsult/internal/model"
)

// ChatLog is the append-only message sequence of a session
type ChatLog interface {
	// Append stores msg and sets msg.Seq to its position (1-based)
	Append(ctx context.Context, msg *model.Message) (*model.Message, error)
	// Replay returns every message of the session in append order
	Replay(ctx context.Context, sessionID string) ([]*model.Message, error)
}

type chatLog struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewChatLog creates a Redis-backed chat log. A zero ttl keeps logs forever.
func NewChatLog(client redis.UniversalClient, ttl time.Duration) ChatLog {
	return &chatLog{
		client: client,
		ttl:    ttl,
	}
}

func (c *chatLog) key(sessionID string) string {
	return fmt.Sprintf("session:%s:chat", sessionID)
}

// Append relies on RPUSH returning the new list length: the push and the
// position assignment are one atomic command, so the list order is the seq order.
func (c *chatLog) Append(ctx context.Context, msg *model.Message) (*model.Message, error) {
	stored := *msg
	stored.Seq = 0
	data, err := json.Marshal(&stored)
	if err != nil {
		return nil, err
	}

	key := c.key(msg.SessionID)
	pipe := c.client.TxPipeline()
	push := pipe.RPush(ctx, key, data)
	if c.ttl > 0 {
		pipe.Expire(ctx, key, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("append chat message: %w", err)
	}

	stored.Seq = push.Val()
	return &stored, nil
}

func (c *chatLog) Replay(ctx context.Context, sessionID string) ([]*model.Message, error) {
	items, err := c.client.LRange(ctx, c.key(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("replay chat: %w", err)
	}

	messages := make([]*model.Message, 0, len(items))
	for i, item := range items {
		var msg model.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("decode chat message %d: %w", i+1, err)
		}
		msg.Seq = int64(i + 1)
		messages = append(messages, &msg)
	}
	return messages, nil
}
