package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/internal/queue"
)

// setupRedisQueue spins up a Redis container and returns a connected queue.
func setupRedisQueue(t *testing.T) *queue.RedisQueue {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	q, err := queue.NewRedisQueue("redis://"+host+":"+port.Port(), "test:jobs:queue")
	require.NoError(t, err)
	return q
}

func TestRedisQueue_ScoreOrdering(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q := setupRedisQueue(t)
	ctx := context.Background()

	first := uuid.New()
	second := uuid.New()
	require.NoError(t, q.Enqueue(ctx, second, queue.ScoreAt(time.Now().Add(-time.Second))))
	require.NoError(t, q.Enqueue(ctx, first, queue.ScoreAt(time.Now().Add(-time.Minute))))

	got, ok, err := q.DequeueReady(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first, got)

	got, ok, err = q.DequeueReady(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, second, got)

	_, ok, err = q.DequeueReady(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisQueue_DelayedEntryParked(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q := setupRedisQueue(t)
	ctx := context.Background()

	id := uuid.New()
	require.NoError(t, q.Enqueue(ctx, id, queue.ScoreAt(time.Now().Add(time.Hour))))

	_, ok, err := q.DequeueReady(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRedisQueue_IdempotentEnqueueAndRemove(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q := setupRedisQueue(t)
	ctx := context.Background()

	id := uuid.New()
	require.NoError(t, q.Enqueue(ctx, id, queue.ScoreAt(time.Now())))
	require.NoError(t, q.Enqueue(ctx, id, queue.ScoreAt(time.Now())))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, q.Remove(ctx, id))
	n, err = q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRedisQueue_ParkedEntriesDoNotInflatePosition(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q := setupRedisQueue(t)
	ctx := context.Background()

	ready := uuid.New()
	earlyRetry := uuid.New()
	lateRetry := uuid.New()
	require.NoError(t, q.Enqueue(ctx, ready, queue.ScoreAt(time.Now().Add(-time.Minute))))
	require.NoError(t, q.Enqueue(ctx, earlyRetry, queue.ScoreAt(time.Now().Add(30*time.Second))))
	require.NoError(t, q.Enqueue(ctx, lateRetry, queue.ScoreAt(time.Now().Add(time.Hour))))

	pos, found, err := q.Position(ctx, lateRetry)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 1, pos, "only ready work counts toward the rank")

	pos, found, err = q.Position(ctx, ready)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 0, pos)
}

func TestRedisQueue_PriorityScoreJumpsQueue(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q := setupRedisQueue(t)
	ctx := context.Background()

	ordinary := uuid.New()
	boosted := uuid.New()
	require.NoError(t, q.Enqueue(ctx, ordinary, queue.ScoreAt(time.Now().Add(-time.Hour))))
	require.NoError(t, q.Enqueue(ctx, boosted, queue.ScoreAt(time.Now())))
	require.NoError(t, q.Enqueue(ctx, boosted, queue.PriorityScore(time.Now())))

	pos, found, err := q.Position(ctx, boosted)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 0, pos)

	got, ok, err := q.DequeueReady(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, boosted, got)
}
