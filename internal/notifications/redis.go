package notifications

import (
	"context"
	"strings"

	"github.com/redis/go-redis/v9"
)

// DefaultChannelPrefix namespaces per-profile notification channels.
const DefaultChannelPrefix = "notifications:"

// Publisher pushes a serialized notification to a profile's channel.
type Publisher interface {
	Publish(ctx context.Context, profileID string, payload []byte) error
}

// RedisOptions configures the Redis client used for fan-out.
type RedisOptions struct {
	Address  string
	Password string
	DB       int
}

// NewRedisClient builds a go-redis client. It does not dial until first use.
func NewRedisClient(options RedisOptions) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     options.Address,
		Password: options.Password,
		DB:       options.DB,
	})
}

// RedisPublisher publishes notifications on Redis pub/sub, one channel per profile.
type RedisPublisher struct {
	client        redis.UniversalClient
	channelPrefix string
}

// NewRedisPublisher wraps a client. An empty prefix falls back to DefaultChannelPrefix.
func NewRedisPublisher(client redis.UniversalClient, channelPrefix string) *RedisPublisher {
	prefix := strings.TrimSpace(channelPrefix)
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisPublisher{client: client, channelPrefix: prefix}
}

// Channel returns the pub/sub channel for a profile.
func (p *RedisPublisher) Channel(profileID string) string {
	return p.channelPrefix + profileID
}

func (p *RedisPublisher) Publish(ctx context.Context, profileID string, payload []byte) error {
	return p.client.Publish(ctx, p.Channel(profileID), payload).Err()
}
