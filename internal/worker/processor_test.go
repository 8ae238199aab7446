package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/internal/bus"
	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/internal/cache"
	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/internal/queue"
	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/internal/store"
	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/internal/worker"
	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/pkg/models"
)

type fnExecutor struct {
	fn func(ctx context.Context, job *models.Job, report worker.ProgressFunc) (json.RawMessage, error)
}

func (e fnExecutor) Execute(ctx context.Context, job *models.Job, report worker.ProgressFunc) (json.RawMessage, error) {
	return e.fn(ctx, job, report)
}

type fixture struct {
	store *store.MemoryStore
	queue *queue.MemoryQueue
	cache *cache.MemoryCache
	bus   *bus.Bus
	reg   *worker.Registry
	proc  *worker.Processor
}

func newFixture(t *testing.T, cfg worker.Config) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		store: store.NewMemoryStore(),
		queue: queue.NewMemoryQueue(),
		cache: cache.NewMemoryCache(),
		bus:   bus.New(64, logger),
		reg:   worker.NewRegistry(),
	}
	t.Cleanup(func() { f.bus.Close() })
	f.proc = worker.NewProcessor(f.store, f.queue, f.cache, f.bus, f.reg, cfg, logger)
	return f
}

func testConfig() worker.Config {
	cfg := worker.DefaultConfig()
	cfg.IdleDelay = 5 * time.Millisecond
	cfg.CancelPollInterval = 5 * time.Millisecond
	cfg.ProgressInterval = 0 // persist every report
	cfg.JobTimeout = 5 * time.Second
	cfg.BackoffBase = time.Hour // parked retries stay parked
	cfg.BackoffCap = 2 * time.Hour
	return cfg
}

func (f *fixture) submit(t *testing.T, job *models.Job) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.CreateJob(ctx, job))
	require.NoError(t, f.queue.Enqueue(ctx, job.ID, queue.ScoreAt(time.Now())))
}

// runUntil starts the processor loop and blocks until cond holds.
func (f *fixture) runUntil(t *testing.T, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.proc.Run(ctx, 0)
	}()
	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func (f *fixture) jobStatus(t *testing.T, id uuid.UUID) string {
	t.Helper()
	job, err := f.store.GetJob(context.Background(), id)
	if errors.Is(err, store.ErrNotFound) {
		return ""
	}
	require.NoError(t, err)
	return job.Status
}

func pendingAnalysisJob(ownerID uuid.UUID) *models.Job {
	now := time.Now().UTC()
	return &models.Job{
		ID:         uuid.New(),
		OwnerID:    ownerID,
		Type:       models.JobTypeAnalysis,
		Status:     models.JobStatusPending,
		TotalSteps: 4,
		Payload:    json.RawMessage(`{}`),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestProcessor_CompletesJob(t *testing.T) {
	f := newFixture(t, testConfig())
	f.reg.Register(models.JobTypeAnalysis, fnExecutor{fn: func(_ context.Context, _ *models.Job, report worker.ProgressFunc) (json.RawMessage, error) {
		report(50, "halfway")
		return json.RawMessage(`{"summary":"done"}`), nil
	}})

	job := pendingAnalysisJob(uuid.New())
	f.submit(t, job)
	f.runUntil(t, func() bool { return f.jobStatus(t, job.ID) == models.JobStatusCompleted })

	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, got.Progress)
	assert.JSONEq(t, `{"summary":"done"}`, string(got.Result))
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)
	assert.Nil(t, got.Error)

	snap, found, err := f.cache.GetJobSnapshot(context.Background(), job.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, models.JobStatusCompleted, snap.Status)
	assert.Equal(t, 100, snap.Progress)
}

func TestProcessor_RetryableFailureRequeues(t *testing.T) {
	f := newFixture(t, testConfig())
	f.reg.Register(models.JobTypeAnalysis, fnExecutor{fn: func(_ context.Context, _ *models.Job, _ worker.ProgressFunc) (json.RawMessage, error) {
		return nil, errors.New("provider flaked")
	}})

	job := pendingAnalysisJob(uuid.New())
	f.submit(t, job)
	f.runUntil(t, func() bool {
		j, err := f.store.GetJob(context.Background(), job.ID)
		return err == nil && j.Status == models.JobStatusPending && j.RetryCount == 1
	})

	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "provider flaked")

	// Requeued with a future score: parked, not immediately ready.
	n, err := f.queue.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ready, err := f.queue.DequeueReady(context.Background())
	require.NoError(t, err)
	assert.False(t, ready)
}

func TestProcessor_RetryExhaustionFails(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 3
	f := newFixture(t, cfg)
	f.reg.Register(models.JobTypeAnalysis, fnExecutor{fn: func(_ context.Context, _ *models.Job, _ worker.ProgressFunc) (json.RawMessage, error) {
		return nil, errors.New("still broken")
	}})

	// Final allowed attempt: two automatic retries already burned.
	job := pendingAnalysisJob(uuid.New())
	job.RetryCount = 2
	f.submit(t, job)
	f.runUntil(t, func() bool { return f.jobStatus(t, job.ID) == models.JobStatusFailed })

	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, cfg.MaxAttempts, got.RetryCount, "every allowed attempt is accounted for")
	assert.NotNil(t, got.CompletedAt)

	n, err := f.queue.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "exhausted job must not be requeued")
}

func TestProcessor_NonRetryableFailsImmediately(t *testing.T) {
	f := newFixture(t, testConfig())
	f.reg.Register(models.JobTypeAnalysis, fnExecutor{fn: func(_ context.Context, _ *models.Job, _ worker.ProgressFunc) (json.RawMessage, error) {
		return nil, fmt.Errorf("%w: malformed payload", worker.ErrNonRetryable)
	}})

	job := pendingAnalysisJob(uuid.New())
	f.submit(t, job)
	f.runUntil(t, func() bool { return f.jobStatus(t, job.ID) == models.JobStatusFailed })

	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)

	n, err := f.queue.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestProcessor_UnknownTypeFails(t *testing.T) {
	f := newFixture(t, testConfig())

	job := pendingAnalysisJob(uuid.New())
	job.Type = "transmogrify"
	f.submit(t, job)
	f.runUntil(t, func() bool { return f.jobStatus(t, job.ID) == models.JobStatusFailed })

	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "no executor registered")
}

func TestProcessor_HardTimeoutFailsWithoutRetry(t *testing.T) {
	cfg := testConfig()
	cfg.JobTimeout = 50 * time.Millisecond
	f := newFixture(t, cfg)
	f.reg.Register(models.JobTypeAnalysis, fnExecutor{fn: func(ctx context.Context, _ *models.Job, _ worker.ProgressFunc) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}})

	job := pendingAnalysisJob(uuid.New())
	f.submit(t, job)
	f.runUntil(t, func() bool { return f.jobStatus(t, job.ID) == models.JobStatusFailed })

	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "wall-clock limit")

	n, err := f.queue.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "timeouts bypass the retry path")
}

func TestProcessor_CooperativeCancelMidFlight(t *testing.T) {
	f := newFixture(t, testConfig())

	started := make(chan struct{})
	f.reg.Register(models.JobTypeAnalysis, fnExecutor{fn: func(ctx context.Context, _ *models.Job, _ worker.ProgressFunc) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}})

	job := pendingAnalysisJob(uuid.New())
	f.submit(t, job)

	go func() {
		<-started
		_ = f.cache.RequestCancel(context.Background(), job.ID, time.Minute)
	}()

	f.runUntil(t, func() bool { return f.jobStatus(t, job.ID) == models.JobStatusCancelled })

	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.CompletedAt)

	// Flag is consumed so a later restart runs cleanly.
	requested, err := f.cache.CancelRequested(context.Background(), job.ID)
	require.NoError(t, err)
	assert.False(t, requested)
}

func TestProcessor_StaleQueueEntryDiscarded(t *testing.T) {
	f := newFixture(t, testConfig())
	f.reg.Register(models.JobTypeAnalysis, fnExecutor{fn: func(_ context.Context, _ *models.Job, _ worker.ProgressFunc) (json.RawMessage, error) {
		t.Error("executor must not run for a deleted job")
		return nil, nil
	}})

	// Queue entry without a backing record.
	ghost := uuid.New()
	require.NoError(t, f.queue.Enqueue(context.Background(), ghost, queue.ScoreAt(time.Now())))

	// And one real job so the loop has observable work to finish with.
	marker := pendingAnalysisJob(uuid.New())
	marker.Type = models.JobTypeStory
	f.reg.Register(models.JobTypeStory, fnExecutor{fn: func(_ context.Context, _ *models.Job, _ worker.ProgressFunc) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}})
	f.submit(t, marker)

	f.runUntil(t, func() bool { return f.jobStatus(t, marker.ID) == models.JobStatusCompleted })

	n, err := f.queue.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestProcessor_CancelledWhileQueuedNotExecuted(t *testing.T) {
	f := newFixture(t, testConfig())
	f.reg.Register(models.JobTypeAnalysis, fnExecutor{fn: func(_ context.Context, job *models.Job, _ worker.ProgressFunc) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}})

	cancelled := pendingAnalysisJob(uuid.New())
	cancelled.Status = models.JobStatusCancelled
	require.NoError(t, f.store.CreateJob(context.Background(), cancelled))
	require.NoError(t, f.queue.Enqueue(context.Background(), cancelled.ID, queue.ScoreAt(time.Now())))

	marker := pendingAnalysisJob(uuid.New())
	f.submit(t, marker)

	f.runUntil(t, func() bool { return f.jobStatus(t, marker.ID) == models.JobStatusCompleted })

	// The cancelled job was skipped untouched.
	assert.Equal(t, models.JobStatusCancelled, f.jobStatus(t, cancelled.ID))
}

func TestProcessor_ProgressMonotonicAndCapped(t *testing.T) {
	f := newFixture(t, testConfig())

	var observed []int
	f.reg.Register(models.JobTypeAnalysis, fnExecutor{fn: func(_ context.Context, job *models.Job, report worker.ProgressFunc) (json.RawMessage, error) {
		for _, p := range []int{40, 20, 150} {
			report(p, "step")
			snap, found, err := f.cache.GetJobSnapshot(context.Background(), job.ID)
			if err == nil && found {
				observed = append(observed, snap.Progress)
			}
		}
		return json.RawMessage(`{}`), nil
	}})

	job := pendingAnalysisJob(uuid.New())
	f.submit(t, job)
	f.runUntil(t, func() bool { return f.jobStatus(t, job.ID) == models.JobStatusCompleted })

	assert.Equal(t, []int{40, 40, 99}, observed,
		"progress never regresses and 100 is reserved for completion")
}

func TestProcessor_PublishesLifecycleEvents(t *testing.T) {
	f := newFixture(t, testConfig())
	f.reg.Register(models.JobTypeAnalysis, fnExecutor{fn: func(_ context.Context, _ *models.Job, report worker.ProgressFunc) (json.RawMessage, error) {
		report(60, "inference")
		return json.RawMessage(`{}`), nil
	}})

	job := pendingAnalysisJob(uuid.New())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := f.bus.Subscribe(ctx, bus.JobTopic(job.ID))
	require.NoError(t, err)

	f.submit(t, job)
	f.runUntil(t, func() bool { return f.jobStatus(t, job.ID) == models.JobStatusCompleted })

	var kinds []string
	deadline := time.After(2 * time.Second)
	for {
		done := false
		select {
		case ev := <-events:
			kinds = append(kinds, ev.Kind)
			if ev.Terminal() {
				done = true
			}
		case <-deadline:
			t.Fatalf("terminal event never arrived, saw %v", kinds)
		}
		if done {
			break
		}
	}

	assert.Contains(t, kinds, models.EventKindProgress)
	assert.Equal(t, models.EventKindCompleted, kinds[len(kinds)-1])
}

func TestPool_StartStop(t *testing.T) {
	f := newFixture(t, testConfig())
	f.reg.Register(models.JobTypeAnalysis, fnExecutor{fn: func(_ context.Context, _ *models.Job, _ worker.ProgressFunc) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pool := worker.NewPool(f.proc, 3, logger)
	pool.Start(context.Background())

	jobs := make([]*models.Job, 0, 5)
	for i := 0; i < 5; i++ {
		job := pendingAnalysisJob(uuid.New())
		f.submit(t, job)
		jobs = append(jobs, job)
	}

	require.Eventually(t, func() bool {
		for _, job := range jobs {
			if f.jobStatus(t, job.ID) != models.JobStatusCompleted {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	pool.Stop()
}
