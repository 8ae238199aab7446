package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/pkg/models"
)

// Snapshot is the short-lived status projection served to high-frequency
// pollers. It carries enough of the job record to answer a non-terminal poll
// without a store read; results and failure details always come from the
// record store. It is an optimization only: control operations must never
// judge transition legality from it.
type Snapshot struct {
	OwnerID     uuid.UUID `json:"owner_id"`
	Type        string    `json:"type"`
	Status      string    `json:"status"`
	Progress    int       `json:"progress"`
	CurrentStep *string   `json:"current_step,omitempty"`
	TotalSteps  int       `json:"total_steps"`
	RetryCount  int       `json:"retry_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SnapshotOf projects a job record into its cacheable snapshot.
func SnapshotOf(job *models.Job) Snapshot {
	return Snapshot{
		OwnerID:     job.OwnerID,
		Type:        job.Type,
		Status:      job.Status,
		Progress:    job.Progress,
		CurrentStep: job.CurrentStep,
		TotalSteps:  job.TotalSteps,
		RetryCount:  job.RetryCount,
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
	}
}

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error

	SetJobSnapshot(ctx context.Context, jobID uuid.UUID, snap Snapshot, ttl time.Duration) error
	GetJobSnapshot(ctx context.Context, jobID uuid.UUID) (Snapshot, bool, error)
	InvalidateJob(ctx context.Context, jobID uuid.UUID) error

	// RequestCancel raises the cooperative cancellation flag for a job; the
	// processor checks it at safe points and aborts the running operation.
	RequestCancel(ctx context.Context, jobID uuid.UUID, ttl time.Duration) error
	CancelRequested(ctx context.Context, jobID uuid.UUID) (bool, error)
	ClearCancel(ctx context.Context, jobID uuid.UUID) error

	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

func (c *RedisCache) SetJobSnapshot(ctx context.Context, jobID uuid.UUID, snap Snapshot, ttl time.Duration) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, JobSnapshotKey(jobID), raw, ttl).Err()
}

func (c *RedisCache) GetJobSnapshot(ctx context.Context, jobID uuid.UUID) (Snapshot, bool, error) {
	raw, err := c.client.Get(ctx, JobSnapshotKey(jobID)).Bytes()
	if err == redis.Nil {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

func (c *RedisCache) InvalidateJob(ctx context.Context, jobID uuid.UUID) error {
	return c.client.Del(ctx, JobSnapshotKey(jobID)).Err()
}

func (c *RedisCache) RequestCancel(ctx context.Context, jobID uuid.UUID, ttl time.Duration) error {
	return c.client.Set(ctx, JobCancelKey(jobID), "1", ttl).Err()
}

func (c *RedisCache) CancelRequested(ctx context.Context, jobID uuid.UUID) (bool, error) {
	_, err := c.client.Get(ctx, JobCancelKey(jobID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *RedisCache) ClearCancel(ctx context.Context, jobID uuid.UUID) error {
	return c.client.Del(ctx, JobCancelKey(jobID)).Err()
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

var _ Cache = (*RedisCache)(nil)
