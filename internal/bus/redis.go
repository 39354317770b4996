package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisTransport carries the bus over Redis pub/sub so the streaming proxy
// can run in a separate process from the adapters. Selected when BUS_HOST is
// configured.
type RedisTransport struct {
	client *redis.Client
	logger zerolog.Logger

	mu   sync.Mutex
	subs []*redis.PubSub
}

// NewRedisTransport connects to Redis at addr and verifies the connection.
func NewRedisTransport(ctx context.Context, addr string, logger zerolog.Logger) (*RedisTransport, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisTransport{
		client: client,
		logger: logger.With().Str("component", "bus-redis").Logger(),
	}, nil
}

// Name implements Transport.
func (t *RedisTransport) Name() string { return "redis" }

// Send publishes the tick on its topic channel.
func (t *RedisTransport) Send(ctx context.Context, msg Message) error {
	return t.client.Publish(ctx, msg.Topic, msg.Payload).Err()
}

// Subscribe pattern-subscribes to prefix* and pumps matches onto a channel.
func (t *RedisTransport) Subscribe(ctx context.Context, prefix string) (<-chan Message, func(), error) {
	pubsub := t.client.PSubscribe(ctx, prefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("redis psubscribe %q: %w", prefix, err)
	}

	t.mu.Lock()
	t.subs = append(t.subs, pubsub)
	t.mu.Unlock()

	out := make(chan Message, rcvHWM)
	go func() {
		defer close(out)
		for m := range pubsub.Channel() {
			select {
			case out <- Message{Topic: m.Channel, Payload: []byte(m.Payload)}:
			default:
				// Consumer stalled; at-most-once delivery drops the tick.
			}
		}
	}()

	stop := func() {
		if err := pubsub.Close(); err != nil {
			t.logger.Warn().Err(err).Msg("pubsub close failed")
		}
	}
	return out, stop, nil
}

// Close shuts all subscriptions and the client.
func (t *RedisTransport) Close() error {
	t.mu.Lock()
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	return t.client.Close()
}
