package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

// DefaultChannelPrefix prefixes the per-owner pub/sub channels.
const DefaultChannelPrefix = "mailhost:changes"

// RedisBroadcaster publishes wake-ups to other front ends through Redis
// pub/sub on the channel <prefix>:<owner>.
type RedisBroadcaster struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
}

// RedisOption configures a RedisBroadcaster.
type RedisOption func(*RedisBroadcaster)

// WithChannelPrefix sets the channel prefix.
func WithChannelPrefix(prefix string) RedisOption {
	return func(r *RedisBroadcaster) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

// WithRedisLogger sets the logger used by subscriptions.
func WithRedisLogger(l *slog.Logger) RedisOption {
	return func(r *RedisBroadcaster) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRedisBroadcaster creates a broadcaster on client.
// Compatible with *redis.Client, *redis.ClusterClient, and redis.UniversalClient.
func NewRedisBroadcaster(client redis.UniversalClient, opts ...RedisOption) *RedisBroadcaster {
	r := &RedisBroadcaster{
		client: client,
		prefix: DefaultChannelPrefix,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Channel returns the pub/sub channel of owner.
func (r *RedisBroadcaster) Channel(owner string) string {
	return r.prefix + ":" + owner
}

// Broadcast publishes a wake-up for owner.
func (r *RedisBroadcaster) Broadcast(ctx context.Context, owner string) error {
	if err := r.client.Publish(ctx, r.Channel(owner), owner).Err(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Subscription relays remote wake-ups into a local hub until closed.
type Subscription struct {
	pubsub *redis.PubSub
	done   chan struct{}
}

// Subscribe relays wake-ups of all owners into hub. It returns once the
// subscription is confirmed by the server.
func (r *RedisBroadcaster) Subscribe(ctx context.Context, hub *Hub) (*Subscription, error) {
	pubsub := r.client.PSubscribe(ctx, r.prefix+":*")
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	sub := &Subscription{pubsub: pubsub, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		for msg := range pubsub.Channel() {
			owner := strings.TrimPrefix(msg.Channel, r.prefix+":")
			if err := hub.Broadcast(ctx, owner); err != nil {
				r.logger.Error("failed to relay change", "owner", owner, "error", err)
			}
		}
	}()
	return sub, nil
}

// Close stops the relay and waits for it to exit.
func (s *Subscription) Close() error {
	err := s.pubsub.Close()
	<-s.done
	return err
}
