package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Publisher is the subset of the cache client used to publish events.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// RedisPublisher publishes events as JSON on a Redis pub/sub channel, so every
// server instance can forward them to its own WebSocket clients.
type RedisPublisher struct {
	pub     Publisher
	channel string
}

// NewRedisPublisher creates a publisher for channel.
func NewRedisPublisher(pub Publisher, channel string) *RedisPublisher {
	return &RedisPublisher{pub: pub, channel: channel}
}

func (p *RedisPublisher) Notify(ctx context.Context, e Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return p.pub.Publish(ctx, p.channel, data)
}

// Forward decodes events from a Redis subscription and hands them to sink
// until ctx is cancelled or msgs is closed. Undecodable messages are skipped.
func Forward(ctx context.Context, msgs <-chan *redis.Message, sink Notifier) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var e Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				slog.Warn("dropping malformed event", "channel", msg.Channel, "error", err)
				continue
			}
			if err := sink.Notify(ctx, e); err != nil {
				slog.Warn("forward event failed", "type", e.Type, "learner_id", e.LearnerID, "error", err)
			}
		}
	}
}
