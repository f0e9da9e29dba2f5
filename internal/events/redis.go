package events

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisPublisher publishes events as JSON on Redis pub/sub channels named
// <prefix><event name>.
type RedisPublisher struct {
	client redis.UniversalClient
	prefix string
	logger *zap.Logger
}

var _ Publisher = (*RedisPublisher)(nil)

// NewRedisPublisher creates a publisher. prefix defaults to
// "orchestro:events:" and a nil logger discards failures.
func NewRedisPublisher(client redis.UniversalClient, prefix string, logger *zap.Logger) *RedisPublisher {
	if prefix == "" {
		prefix = "orchestro:events:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPublisher{client: client, prefix: prefix, logger: logger}
}

// Channel returns the pub/sub channel used for an event name.
func (p *RedisPublisher) Channel(name string) string {
	return p.prefix + name
}

// Publish sends the event. Failures are logged and otherwise ignored.
func (p *RedisPublisher) Publish(ctx context.Context, name string, payload map[string]any) {
	ev := NewEvent(name, payload)
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn("event_encode_failed", zap.String("event", name), zap.Error(err))
		return
	}
	if err := p.client.Publish(ctx, p.Channel(name), data).Err(); err != nil {
		p.logger.Warn("event_publish_failed", zap.String("event", name), zap.Error(err))
	}
}

// Forward subscribes to every channel under the prefix and hands decoded
// events to sink until ctx is cancelled. It is used to bridge events from
// other processes into a local Bus.
func (p *RedisPublisher) Forward(ctx context.Context, sink func(Event)) error {
	pubsub := p.client.PSubscribe(ctx, p.prefix+"*")
	defer pubsub.Close()

	// Wait for the subscription to be confirmed before reading messages.
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				p.logger.Warn("event_decode_failed", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			if ev.Name == "" {
				ev.Name = strings.TrimPrefix(msg.Channel, p.prefix)
			}
			sink(ev)
		}
	}
}
