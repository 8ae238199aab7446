package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultQueueKey = "jobs:queue"

// popReadyScript atomically removes and returns the lowest-scored member
// with score <= now. Atomicity here is what prevents two workers from
// dequeuing the same job.
var popReadyScript = redis.NewScript(`
local entries = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #entries == 0 then
	return false
end
redis.call('ZREM', KEYS[1], entries[1])
return entries[1]
`)

// RedisQueue implements Queue on a Redis sorted set.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue creates a RedisQueue from a Redis URL.
func NewRedisQueue(redisURL, key string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	if key == "" {
		key = defaultQueueKey
	}
	return &RedisQueue{client: redis.NewClient(opts), key: key}, nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) Enqueue(ctx context.Context, jobID uuid.UUID, score float64) error {
	// ZADD overwrites the score of an existing member, which is exactly the
	// idempotent-enqueue contract.
	if err := q.client.ZAdd(ctx, q.key, redis.Z{Score: score, Member: jobID.String()}).Err(); err != nil {
		return fmt.Errorf("enqueue job %s: %w", jobID, err)
	}
	return nil
}

func (q *RedisQueue) DequeueReady(ctx context.Context) (uuid.UUID, bool, error) {
	now := float64(time.Now().UnixMilli())
	res, err := popReadyScript.Run(ctx, q.client, []string{q.key}, now).Result()
	if err == redis.Nil {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("dequeue: %w", err)
	}
	raw, ok := res.(string)
	if !ok {
		return uuid.Nil, false, fmt.Errorf("dequeue: unexpected reply type %T", res)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("dequeue: malformed entry %q: %w", raw, err)
	}
	return id, true, nil
}

func (q *RedisQueue) Remove(ctx context.Context, jobID uuid.UUID) error {
	if err := q.client.ZRem(ctx, q.key, jobID.String()).Err(); err != nil {
		return fmt.Errorf("remove job %s: %w", jobID, err)
	}
	return nil
}

func (q *RedisQueue) Position(ctx context.Context, jobID uuid.UUID) (int, bool, error) {
	score, err := q.client.ZScore(ctx, q.key, jobID.String()).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("rank job %s: %w", jobID, err)
	}

	// Count only ready entries ahead: a future-scored retry parked in the set
	// is not in line and must not inflate anyone's position.
	now := float64(time.Now().UnixMilli())
	max := "(" + strconv.FormatFloat(score, 'f', -1, 64)
	if score > now {
		max = strconv.FormatFloat(now, 'f', -1, 64)
	}
	n, err := q.client.ZCount(ctx, q.key, "-inf", max).Result()
	if err != nil {
		return 0, false, fmt.Errorf("rank job %s: %w", jobID, err)
	}
	return int(n), true, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.ZCard(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return int(n), nil
}

var _ Queue = (*RedisQueue)(nil)
