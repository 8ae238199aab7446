package reconcile_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/internal/jobs"
	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/internal/reconcile"
	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/pkg/models"
)

// stubPoller serves a mutable job snapshot.
type stubPoller struct {
	mu  sync.Mutex
	job models.Job
}

func (p *stubPoller) set(status string, progress int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.job.Status = status
	p.job.Progress = progress
}

func (p *stubPoller) Status(_ context.Context, _ uuid.UUID) (*jobs.JobStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	j := p.job
	return &jobs.JobStatus{Job: &j}, nil
}

// stubStream hands out one fixed event channel.
type stubStream struct {
	ch chan models.JobEvent
}

func (s *stubStream) Subscribe(_ context.Context, _ string) (<-chan models.JobEvent, error) {
	return s.ch, nil
}

// recorder collects callbacks with counts.
type recorder struct {
	mu        sync.Mutex
	updates   []reconcile.View
	completes []reconcile.View
	errors    []reconcile.View
}

func (r *recorder) callbacks() reconcile.Callbacks {
	return reconcile.Callbacks{
		OnUpdate: func(v reconcile.View) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.updates = append(r.updates, v)
		},
		OnComplete: func(v reconcile.View) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.completes = append(r.completes, v)
		},
		OnError: func(v reconcile.View) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errors = append(r.errors, v)
		},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWatcher_PollOnlyConvergesToComplete(t *testing.T) {
	jobID := uuid.New()
	poller := &stubPoller{job: models.Job{ID: jobID, Status: models.JobStatusProcessing, Progress: 10}}
	rec := &recorder{}

	w := reconcile.NewWatcher(poller, nil, 20*time.Millisecond, testLogger())

	done := make(chan error, 1)
	go func() { done <- w.Watch(context.Background(), jobID, rec.callbacks()) }()

	time.Sleep(60 * time.Millisecond)
	poller.set(models.JobStatusCompleted, 100)

	require.NoError(t, <-done)
	assert.Len(t, rec.completes, 1, "terminal callback fires exactly once")
	assert.Empty(t, rec.errors)
	assert.NotEmpty(t, rec.updates, "intermediate polls surface as updates")
	assert.Equal(t, 100, rec.completes[0].Progress)
}

func TestWatcher_FailedJobFiresOnError(t *testing.T) {
	jobID := uuid.New()
	poller := &stubPoller{job: models.Job{ID: jobID, Status: models.JobStatusFailed}}
	rec := &recorder{}

	w := reconcile.NewWatcher(poller, nil, 20*time.Millisecond, testLogger())
	require.NoError(t, w.Watch(context.Background(), jobID, rec.callbacks()))

	assert.Len(t, rec.errors, 1)
	assert.Empty(t, rec.completes)
}

func TestWatcher_StreamTerminalWinsOnce(t *testing.T) {
	jobID := uuid.New()
	// The poll interval is short and the poller reports terminal as well:
	// both sources can observe the end, the callback still fires once.
	poller := &stubPoller{job: models.Job{ID: jobID, Status: models.JobStatusProcessing, Progress: 90}}
	stream := &stubStream{ch: make(chan models.JobEvent, 4)}
	stream.ch <- models.JobEvent{
		JobID:    jobID,
		Kind:     models.EventKindCompleted,
		Status:   models.JobStatusCompleted,
		Progress: 100,
	}
	rec := &recorder{}

	w := reconcile.NewWatcher(poller, stream, 5*time.Millisecond, testLogger())
	poller.set(models.JobStatusCompleted, 100)
	require.NoError(t, w.Watch(context.Background(), jobID, rec.callbacks()))

	assert.Len(t, rec.completes, 1)
}

func TestWatcher_StreamUpdatesAreLive(t *testing.T) {
	jobID := uuid.New()
	poller := &stubPoller{job: models.Job{ID: jobID, Status: models.JobStatusProcessing, Progress: 5}}
	stream := &stubStream{ch: make(chan models.JobEvent, 4)}
	rec := &recorder{}

	w := reconcile.NewWatcher(poller, stream, time.Hour, testLogger())

	done := make(chan error, 1)
	go func() { done <- w.Watch(context.Background(), jobID, rec.callbacks()) }()

	stream.ch <- models.JobEvent{JobID: jobID, Kind: models.EventKindProgress, Status: models.JobStatusProcessing, Progress: 60}
	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		for _, v := range rec.updates {
			if v.Live && v.Progress == 60 {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	stream.ch <- models.JobEvent{JobID: jobID, Kind: models.EventKindCompleted, Status: models.JobStatusCompleted, Progress: 100}
	require.NoError(t, <-done)
	assert.Len(t, rec.completes, 1)
}

func TestWatcher_IgnoresForeignJobEvents(t *testing.T) {
	jobID := uuid.New()
	poller := &stubPoller{job: models.Job{ID: jobID, Status: models.JobStatusProcessing}}
	stream := &stubStream{ch: make(chan models.JobEvent, 4)}
	rec := &recorder{}

	w := reconcile.NewWatcher(poller, stream, time.Hour, testLogger())

	done := make(chan error, 1)
	go func() { done <- w.Watch(context.Background(), jobID, rec.callbacks()) }()

	// A terminal event for some other job must not end this watch.
	stream.ch <- models.JobEvent{JobID: uuid.New(), Kind: models.EventKindCompleted, Status: models.JobStatusCompleted}
	time.Sleep(50 * time.Millisecond)

	rec.mu.Lock()
	assert.Empty(t, rec.completes)
	rec.mu.Unlock()

	stream.ch <- models.JobEvent{JobID: jobID, Kind: models.EventKindCompleted, Status: models.JobStatusCompleted}
	require.NoError(t, <-done)
}

func TestWatcher_StreamDropFallsBackToPolling(t *testing.T) {
	jobID := uuid.New()
	poller := &stubPoller{job: models.Job{ID: jobID, Status: models.JobStatusProcessing, Progress: 10}}
	stream := &stubStream{ch: make(chan models.JobEvent)}
	rec := &recorder{}

	w := reconcile.NewWatcher(poller, stream, 20*time.Millisecond, testLogger())

	done := make(chan error, 1)
	go func() { done <- w.Watch(context.Background(), jobID, rec.callbacks()) }()

	close(stream.ch) // connection lost
	time.Sleep(50 * time.Millisecond)
	poller.set(models.JobStatusCompleted, 100)

	require.NoError(t, <-done)
	assert.Len(t, rec.completes, 1)
	assert.False(t, rec.completes[0].Live, "fallback terminal comes from the poll path")
}

func TestWatcher_ContextCancelStopsWatch(t *testing.T) {
	jobID := uuid.New()
	poller := &stubPoller{job: models.Job{ID: jobID, Status: models.JobStatusProcessing}}
	rec := &recorder{}

	w := reconcile.NewWatcher(poller, nil, time.Hour, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx, jobID, rec.callbacks()) }()

	cancel()
	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, rec.completes)
	assert.Empty(t, rec.errors)
}
