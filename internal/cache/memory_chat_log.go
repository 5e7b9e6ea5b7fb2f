package cache

import (
	"context"
	"sync"

	"teleconsult/internal/model"
)

type memoryChatLog struct {
	mu   sync.RWMutex
	logs map[string][]model.Message
}

// NewMemoryChatLog returns a ChatLog kept in process memory
func NewMemoryChatLog() ChatLog {
	return &memoryChatLog{logs: make(map[string][]model.Message)}
}

func (c *memoryChatLog) Append(_ context.Context, msg *model.Message) (*model.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored := *msg
	stored.Seq = int64(len(c.logs[msg.SessionID]) + 1)
	c.logs[msg.SessionID] = append(c.logs[msg.SessionID], stored)

	out := stored
	return &out, nil
}

func (c *memoryChatLog) Replay(_ context.Context, sessionID string) ([]*model.Message, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	log := c.logs[sessionID]
	out := make([]*model.Message, len(log))
	for i := range log {
		m := log[i]
		out[i] = &m
	}
	return out, nil
}
