package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"teleconsult/internal/model"
)

type redisRelay struct {
	client redis.UniversalClient
	logger *slog.Logger
}

// NewRedisRelay returns a Relay over Redis pub/sub, one channel per session and role
func NewRedisRelay(client redis.UniversalClient, logger *slog.Logger) Relay {
	return &redisRelay{client: client, logger: logger}
}

func (r *redisRelay) Send(ctx context.Context, sessionID string, to model.Role, p Payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, channelName(sessionID, to), data).Err(); err != nil {
		return fmt.Errorf("publish %s to %s: %w", p.Kind, to, err)
	}
	return nil
}

func (r *redisRelay) Subscribe(ctx context.Context, sessionID string, role model.Role, h Handler) (Subscription, error) {
	channel := channelName(sessionID, role)
	sub := r.client.Subscribe(ctx, channel)

	// Wait for the subscribe confirmation so nothing published afterwards is missed
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	ch := sub.Channel()
	go func() {
		for msg := range ch {
			var p Payload
			if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
				r.logger.Warn("dropping malformed signaling payload", "channel", channel, "error", err)
				continue
			}
			h(p)
		}
	}()
	return sub, nil
}
