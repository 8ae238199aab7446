package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/internal/cache"
)

// setupRedis spins up a Redis container and returns a connected RedisCache.
func setupRedis(t *testing.T) *cache.RedisCache {
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

	rc, err := cache.NewRedisCache("redis://" + host + ":" + port.Port())
	require.NoError(t, err)
	t.Cleanup(func() { rc.Close() })

	return rc
}

func TestRedisCache_Ping(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	assert.NoError(t, rc.Ping(context.Background()))
}

func TestRedisCache_SetGetRoundtrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()

	require.NoError(t, rc.Set(ctx, "greeting", []byte("hello"), time.Minute))

	val, found, err := rc.Get(ctx, "greeting")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("hello"), val)

	_, found, err = rc.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisCache_JobSnapshotRoundtrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	jobID := uuid.New()

	step := "inference"
	snap := cache.Snapshot{
		Status:      "processing",
		Progress:    42,
		CurrentStep: &step,
		RetryCount:  1,
	}
	require.NoError(t, rc.SetJobSnapshot(ctx, jobID, snap, time.Minute))

	got, found, err := rc.GetJobSnapshot(ctx, jobID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, snap, got)

	require.NoError(t, rc.InvalidateJob(ctx, jobID))
	_, found, err = rc.GetJobSnapshot(ctx, jobID)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisCache_CancelFlag(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	jobID := uuid.New()

	requested, err := rc.CancelRequested(ctx, jobID)
	require.NoError(t, err)
	assert.False(t, requested)

	require.NoError(t, rc.RequestCancel(ctx, jobID, time.Minute))
	requested, err = rc.CancelRequested(ctx, jobID)
	require.NoError(t, err)
	assert.True(t, requested)

	require.NoError(t, rc.ClearCancel(ctx, jobID))
	requested, err = rc.CancelRequested(ctx, jobID)
	require.NoError(t, err)
	assert.False(t, requested)
}

func TestRedisCache_IncrWithExpiry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()

	key := cache.RateLimitKey("ch_test1")
	for want := int64(1); want <= 3; want++ {
		n, err := rc.IncrWithExpiry(ctx, key, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
}
