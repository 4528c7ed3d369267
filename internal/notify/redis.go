package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher publishes every notification on the member's live channel,
// notify:<memberID>, for connected clients.
type RedisPublisher struct {
	client *redis.Client
	prefix string
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client, prefix: "notify:"}
}

func (p *RedisPublisher) Name() string { return "redis" }

func (p *RedisPublisher) ChannelFor(memberID string) string {
	return p.prefix + memberID
}

func (p *RedisPublisher) Deliver(ctx context.Context, payload Payload, memberIDs []string) error {
	message, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	pipe := p.client.Pipeline()
	for _, memberID := range memberIDs {
		pipe.Publish(ctx, p.ChannelFor(memberID), message)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish notifications: %w", err)
	}
	return nil
}

// Subscribe returns the live feed for one member. Callers close the PubSub.
func (p *RedisPublisher) Subscribe(ctx context.Context, memberID string) *redis.PubSub {
	return p.client.Subscribe(ctx, p.ChannelFor(memberID))
}
