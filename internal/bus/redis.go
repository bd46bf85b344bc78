package bus

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisNotifier implements Notifier over redis pub/sub, the coordination
// channel between the independent originator, matcher and router processes.
type RedisNotifier struct {
	client *redis.Client
}

// NewRedisNotifier connects to redis and verifies the connection.
func NewRedisNotifier(addr string) (*RedisNotifier, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisNotifier{client: client}, nil
}

// Publish sends a notification on the given topic.
func (r *RedisNotifier) Publish(ctx context.Context, topic string, msg Notification) error {
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	return r.client.Publish(ctx, topic, data).Err()
}

// Subscribe returns a channel of decoded notifications for the given topics.
// Undecodable payloads are logged and dropped; the channel closes when the
// context is cancelled.
func (r *RedisNotifier) Subscribe(ctx context.Context, topics ...string) (<-chan Notification, error) {
	pubsub := r.client.Subscribe(ctx, topics...)

	// Force the subscription to be established before returning so callers
	// never miss a publish that races the subscribe.
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("failed to subscribe to %v: %w", topics, err)
	}

	out := make(chan Notification)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				n, err := DecodeNotification([]byte(msg.Payload))
				if err != nil {
					log.Warn().Err(err).Str("topic", msg.Channel).
						Msg("dropping undecodable notification")
					continue
				}
				n.Topic = msg.Channel
				select {
				case out <- n:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Close releases the redis connection.
func (r *RedisNotifier) Close() error {
	return r.client.Close()
}
