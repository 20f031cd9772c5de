package assets

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// OrphanQueue holds storage keys whose blob delete failed after the
// metadata record was already gone.
type OrphanQueue interface {
	Push(ctx context.Context, key string) error
	Pop(ctx context.Context) (string, bool, error)
	Len(ctx context.Context) (int64, error)
}

const orphanQueueKey = "assets:orphans"

type RedisOrphanQueue struct {
	client *redis.Client
	key    string
}

func NewRedisOrphanQueue(client *redis.Client) *RedisOrphanQueue {
	return &RedisOrphanQueue{client: client, key: orphanQueueKey}
}

func (q *RedisOrphanQueue) Push(ctx context.Context, key string) error {
	if err := q.client.LPush(ctx, q.key, key).Err(); err != nil {
		return fmt.Errorf("queue orphan %s: %w", key, err)
	}
	return nil
}

// Pop takes the oldest queued key.
func (q *RedisOrphanQueue) Pop(ctx context.Context) (string, bool, error) {
	key, err := q.client.RPop(ctx, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("pop orphan: %w", err)
	}
	return key, true, nil
}

func (q *RedisOrphanQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("orphan queue length: %w", err)
	}
	return n, nil
}
