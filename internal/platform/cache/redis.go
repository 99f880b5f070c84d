package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

const pingTimeout = 5 * time.Second

// New creates a Redis client and verifies the server answers.
func New(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("platform/cache: ping %s: %w", addr, err)
	}

	return client, nil
}

// NewLocker returns a distributed lock client backed by client.
func NewLocker(client redis.UniversalClient) *redislock.Client {
	return redislock.New(client)
}

// QueueOptions returns the asynq connection options for the same Redis server.
func QueueOptions(addr string) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: addr}
}
