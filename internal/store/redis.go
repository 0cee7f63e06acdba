package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const onlineSetKey = "presence:online"

// RedisPresence mirrors presence state into Redis for other services to read.
type RedisPresence struct {
	client *redis.Client
}

// NewRedisPresence connects to redisURL.
func NewRedisPresence(ctx context.Context, redisURL string) (*RedisPresence, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisPresence{client: client}, nil
}

func presenceKey(userID string) string {
	return fmt.Sprintf("presence:%s", userID)
}

// SetPresence writes the user's presence hash and online set membership.
func (r *RedisPresence) SetPresence(ctx context.Context, userID string, online bool, lastSeen time.Time) error {
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, presenceKey(userID), map[string]any{
		"online":    online,
		"last_seen": lastSeen.Unix(),
	})
	if online {
		pipe.SAdd(ctx, onlineSetKey, userID)
	} else {
		pipe.SRem(ctx, onlineSetKey, userID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Close closes the Redis connection.
func (r *RedisPresence) Close() error {
	return r.client.Close()
}
