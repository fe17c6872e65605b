package outreach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const budgetKeyPrefix = "email_count:"

// Counter is the shared atomic counter behind the daily rate budget.
type Counter interface {
	Incr(ctx context.Context, key string) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)
	Get(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

type RedisCounter struct {
	client *redis.Client
}

func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

func (c *RedisCounter) Incr(ctx context.Context, key string) (int64, error) {
	return c.client.Incr(ctx, key).Result()
}

func (c *RedisCounter) Decr(ctx context.Context, key string) (int64, error) {
	return c.client.Decr(ctx, key).Result()
}

func (c *RedisCounter) Get(ctx context.Context, key string) (int64, error) {
	n, err := c.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (c *RedisCounter) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.client.Expire(ctx, key, ttl).Err()
}

// RateBudget enforces a shared per-day send cap across all workers.
// Consumption is increment-then-check: the slot is taken first and
// handed back on overshoot, so two workers can never both squeeze
// through the last slot.
type RateBudget struct {
	counter Counter
	limit   int
}

func NewRateBudget(counter Counter, limit int) *RateBudget {
	return &RateBudget{counter: counter, limit: limit}
}

func (b *RateBudget) Limit() int { return b.limit }

// TryConsume takes one send slot for the given UTC day. It returns the
// number of slots consumed so far and whether this caller got one.
// Counter errors fail closed: no slot, no send.
func (b *RateBudget) TryConsume(ctx context.Context, day time.Time) (int64, bool, error) {
	key := budgetKey(day)
	n, err := b.counter.Incr(ctx, key)
	if err != nil {
		return 0, false, fmt.Errorf("budget counter: %w", err)
	}
	if n == 1 {
		// Keyed by day, so the TTL only needs to outlive the day
		// itself; 48h covers clock skew between workers.
		if err := b.counter.Expire(ctx, key, 48*time.Hour); err != nil {
			return 0, false, fmt.Errorf("budget counter expire: %w", err)
		}
	}
	if n > int64(b.limit) {
		if _, err := b.counter.Decr(ctx, key); err != nil {
			return n, false, fmt.Errorf("budget counter decr: %w", err)
		}
		return n - 1, false, nil
	}
	return n, true, nil
}

// Refund hands back one consumed slot. Only called when the operator
// opted in to refunding after provider failures.
func (b *RateBudget) Refund(ctx context.Context, day time.Time) error {
	_, err := b.counter.Decr(ctx, budgetKey(day))
	if err != nil {
		return fmt.Errorf("budget counter: %w", err)
	}
	return nil
}

// Remaining reports how many slots are left for the day, never negative.
func (b *RateBudget) Remaining(ctx context.Context, day time.Time) (int, error) {
	n, err := b.counter.Get(ctx, budgetKey(day))
	if err != nil {
		return 0, fmt.Errorf("budget counter: %w", err)
	}
	left := b.limit - int(n)
	if left < 0 {
		left = 0
	}
	return left, nil
}

func budgetKey(day time.Time) string {
	return budgetKeyPrefix + day.UTC().Format("20060102")
}
