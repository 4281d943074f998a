package taskqueue

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue using a Redis sorted set:
//
//	<prefix>tasks  => ZSET of gob-encoded Task, scored by NotBefore (unix ms)
//
// Consumers race with ZREM; only the caller whose ZREM removes the member
// owns the task.
type RedisQueue struct {
	client       *redis.Client
	key          string
	pollInterval time.Duration
}

// NewRedisQueue constructs a Redis-backed Queue.
// prefix is optional but recommended (e.g. "orderflow:").
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "orderflow:"
	}
	return &RedisQueue{
		client:       client,
		key:          prefix + "tasks",
		pollInterval: 50 * time.Millisecond,
	}
}

// Ensure RedisQueue implements Queue.
var _ Queue = (*RedisQueue)(nil)

// Enqueue adds the task to the sorted set (ZADD).
func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	t = prepare(t, time.Now())
	data, err := encodeTask(t)
	if err != nil {
		return err
	}
	return q.client.ZAdd(ctx, q.key, redis.Z{
		Score:  float64(t.NotBefore.UnixMilli()),
		Member: data,
	}).Err()
}

// Dequeue polls for the earliest due task until one is claimed or ctx is
// cancelled.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Task, error) {
	tmr := pollTimer()
	defer tmr.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		due, err := q.client.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   strconv.FormatInt(time.Now().UnixMilli(), 10),
			Count: 1,
		}).Result()
		if err != nil {
			return nil, err
		}
		if len(due) == 0 {
			if err := sleep(ctx, tmr, q.pollInterval); err != nil {
				return nil, err
			}
			continue
		}

		removed, err := q.client.ZRem(ctx, q.key, due[0]).Result()
		if err != nil {
			return nil, err
		}
		if removed == 0 {
			// Another consumer claimed it first.
			continue
		}
		return decodeTask([]byte(due[0]))
	}
}

// Len returns the number of queued tasks (ZCARD).
func (q *RedisQueue) Len() int {
	n, err := q.client.ZCard(context.Background(), q.key).Result()
	if err != nil {
		// For a Len() helper, it's better to log and return 0 than panic.
		slog.Warn("redis queue length failed", slog.Any("error", err))
		return 0
	}
	return int(n)
}
