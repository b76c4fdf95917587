package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "dailyUsage:"
	maxTxAttempts  = 10
	fieldCount     = "count"
	fieldUpdatedAt = "updatedAt"
)

// RedisCounter keeps daily usage in a Redis hash per (user, day) and uses
// WATCH/MULTI so that a concurrent writer aborts and retries the transaction.
type RedisCounter struct {
	client *redis.Client
	prefix string
}

// NewRedisCounter connects to redisURL and verifies the connection.
func NewRedisCounter(ctx context.Context, redisURL string) (*RedisCounter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("quota: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("quota: connect to redis: %w", err)
	}
	return NewRedisCounterWithClient(client), nil
}

// NewRedisCounterWithClient wraps an existing client.
func NewRedisCounterWithClient(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client, prefix: redisKeyPrefix}
}

func (c *RedisCounter) key(userID, dateKey string) string {
	return c.prefix + userID + ":" + dateKey
}

func (c *RedisCounter) IncrementBelow(ctx context.Context, userID, dateKey string, limit int, now time.Time) (int, error) {
	key := c.key(userID, dateKey)
	var updated int

	txf := func(tx *redis.Tx) error {
		current := 0
		raw, err := tx.HGet(ctx, key, fieldCount).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if current, err = strconv.Atoi(raw); err != nil {
				return fmt.Errorf("decode count %q: %w", raw, err)
			}
		}
		if current >= limit {
			return ErrLimitReached
		}
		updated = current + 1

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				fieldCount, updated,
				fieldUpdatedAt, now.UTC().Format(time.RFC3339Nano),
			)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := c.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if errors.Is(err, ErrLimitReached) {
				return 0, err
			}
			return 0, fmt.Errorf("quota: redis increment: %w", err)
		}
		return updated, nil
	}
	return 0, fmt.Errorf("quota: redis increment: %w", redis.TxFailedErr)
}

// Count reads the stored count without modifying it.
func (c *RedisCounter) Count(ctx context.Context, userID, dateKey string) (int, error) {
	n, err := c.client.HGet(ctx, c.key(userID, dateKey), fieldCount).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("quota: redis count: %w", err)
	}
	return n, nil
}

// Close closes the Redis connection.
func (c *RedisCounter) Close() error {
	return c.client.Close()
}
