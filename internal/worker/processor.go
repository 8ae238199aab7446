package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/internal/bus"
	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/internal/cache"
	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/internal/queue"
	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/internal/store"
	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/pkg/models"
)

// Config tunes the processing loop.
type Config struct {
	// MaxAttempts bounds automatic retries; a job failing its MaxAttempts-th
	// attempt goes to failed with retry_count == MaxAttempts.
	MaxAttempts int
	// BackoffBase and BackoffCap shape the retry delay: base * 2^retryCount,
	// capped.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// JobTimeout is the hard wall-clock ceiling per attempt. An operation
	// that never checks its cancellation flag still cannot run forever.
	JobTimeout time.Duration
	// IdleDelay is how long a worker sleeps when the queue has nothing ready.
	IdleDelay time.Duration
	// ProgressInterval throttles intermediate progress persistence. Events
	// still publish per callback; only the database write is coalesced.
	ProgressInterval time.Duration
	// SnapshotTTL bounds status cache entries.
	SnapshotTTL time.Duration
	// CancelPollInterval is how often a running job's cancellation flag is
	// checked.
	CancelPollInterval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:        3,
		BackoffBase:        5 * time.Second,
		BackoffCap:         5 * time.Minute,
		JobTimeout:         15 * time.Minute,
		IdleDelay:          time.Second,
		ProgressInterval:   500 * time.Millisecond,
		SnapshotTTL:        30 * time.Minute,
		CancelPollInterval: 500 * time.Millisecond,
	}
}

// Processor runs one worker slot: dequeue, execute, persist, publish.
// Coordination with other workers and control operations happens entirely
// through the queue's atomic dequeue and the store's conditional updates.
type Processor struct {
	store    store.Store
	queue    queue.Queue
	cache    cache.Cache
	bus      *bus.Bus
	registry *Registry
	cfg      Config
	logger   *slog.Logger
	clock    func() time.Time
}

func NewProcessor(st store.Store, q queue.Queue, ca cache.Cache, b *bus.Bus, reg *Registry, cfg Config, logger *slog.Logger) *Processor {
	return &Processor{
		store:    st,
		queue:    q,
		cache:    ca,
		bus:      b,
		registry: reg,
		cfg:      cfg,
		logger:   logger,
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// Run loops until ctx is cancelled.
func (p *Processor) Run(ctx context.Context, slot int) {
	log := p.logger.With("worker", slot)
	log.Info("worker started")
	for {
		select {
		case <-ctx.Done():
			log.Info("worker stopped")
			return
		default:
		}

		jobID, ok, err := p.queue.DequeueReady(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			log.Error("dequeue failed", "error", err)
			p.idle(ctx)
			continue
		}
		if !ok {
			p.idle(ctx)
			continue
		}

		p.process(ctx, jobID, log)
	}
}

func (p *Processor) idle(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.cfg.IdleDelay):
	}
}

// process runs one dequeued job id through the full state machine.
func (p *Processor) process(ctx context.Context, jobID uuid.UUID, log *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while processing job", "job_id", jobID, "panic", r)
			p.failTerminal(jobID, fmt.Sprintf("internal error: %v", r))
		}
	}()

	job, err := p.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		// Stale queue entry: job deleted while still queued.
		log.Info("discarding stale queue entry", "job_id", jobID)
		return
	}
	if err != nil {
		log.Error("load job failed", "job_id", jobID, "error", err)
		return
	}
	if job.Status != models.JobStatusPending {
		// Already terminal (e.g. cancelled while queued) or claimed elsewhere.
		log.Info("discarding queue entry for non-pending job",
			"job_id", jobID, "status", job.Status)
		return
	}

	now := p.clock()
	zero := 0
	job, err = p.store.UpdateJobIf(ctx, jobID, models.JobStatusPending, store.JobUpdate{
		Status:    models.JobStatusProcessing,
		Progress:  &zero,
		StartedAt: &now,
	})
	if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
		// Another writer moved the job first; nothing to do.
		return
	}
	if err != nil {
		log.Error("claim job failed", "job_id", jobID, "error", err)
		return
	}

	log.Info("job started", "job_id", jobID, "type", job.Type, "attempt", job.RetryCount+1)
	p.snapshot(job)
	p.publish(job, models.EventKindProgress, nil, nil)

	result, execErr := p.execute(ctx, job, log)

	// Persistence after execution must survive pool shutdown; the final
	// transition is never dropped.
	finCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if cancelled, _ := p.cache.CancelRequested(finCtx, jobID); cancelled {
		p.finishCancelled(finCtx, job, log)
		return
	}

	switch {
	case execErr == nil:
		p.finishCompleted(finCtx, job, result, log)
	case errors.Is(execErr, context.DeadlineExceeded):
		p.finishFailed(finCtx, job, fmt.Sprintf("job exceeded %s wall-clock limit", p.cfg.JobTimeout), false, log)
	case errors.Is(execErr, ErrNonRetryable):
		p.finishFailed(finCtx, job, execErr.Error(), false, log)
	default:
		p.finishFailed(finCtx, job, execErr.Error(), true, log)
	}
}

// execute invokes the job's executor under the hard timeout, wiring the
// cooperative cancellation flag into the operation's context.
func (p *Processor) execute(ctx context.Context, job *models.Job, log *slog.Logger) (json.RawMessage, error) {
	exec, err := p.registry.Lookup(job.Type)
	if err != nil {
		return nil, err
	}

	runCtx, cancelRun := context.WithTimeout(ctx, p.cfg.JobTimeout)
	defer cancelRun()

	// Poll the cancellation flag while the operation runs; executors see it
	// as plain context cancellation at their next safe checkpoint.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		ticker := time.NewTicker(p.cfg.CancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-watchDone:
				return
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if requested, _ := p.cache.CancelRequested(runCtx, job.ID); requested {
					cancelRun()
					return
				}
			}
		}
	}()

	lastPersist := time.Time{}
	lastProgress := job.Progress
	var mu sync.Mutex
	report := func(progress int, step string) {
		mu.Lock()
		defer mu.Unlock()
		if progress < lastProgress {
			progress = lastProgress // progress never decreases while processing
		}
		if progress > 99 {
			progress = 99 // 100 is reserved for the completed transition
		}
		lastProgress = progress

		now := p.clock()
		persist := now.Sub(lastPersist) >= p.cfg.ProgressInterval
		if persist {
			lastPersist = now
			if _, err := p.store.UpdateJobIf(runCtx, job.ID, models.JobStatusProcessing, store.JobUpdate{
				Status:      models.JobStatusProcessing,
				Progress:    &progress,
				CurrentStep: &step,
			}); err != nil {
				if errors.Is(err, store.ErrConflict) {
					// Lost the record to a control operation; stop the run.
					cancelRun()
					return
				}
				log.Warn("progress write failed", "job_id", job.ID, "error", err)
			}
		}

		job.Progress = progress
		job.CurrentStep = &step
		p.snapshot(job)
		p.publish(job, models.EventKindProgress, nil, nil)
	}

	return exec.Execute(runCtx, job, report)
}

func (p *Processor) finishCompleted(ctx context.Context, job *models.Job, result json.RawMessage, log *slog.Logger) {
	full := 100
	now := p.clock()
	updated, err := p.store.UpdateJobIf(ctx, job.ID, models.JobStatusProcessing, store.JobUpdate{
		Status:      models.JobStatusCompleted,
		Progress:    &full,
		Result:      result,
		CompletedAt: &now,
	})
	if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
		p.discardLostWrite(ctx, job.ID, log)
		return
	}
	if err != nil {
		log.Error("completed write failed", "job_id", job.ID, "error", err)
		return
	}
	log.Info("job completed", "job_id", job.ID)
	p.snapshot(updated)
	p.publish(updated, models.EventKindCompleted, nil, nil)
}

// finishFailed either schedules an automatic retry or writes the terminal
// failed state, depending on retryability and remaining attempts.
func (p *Processor) finishFailed(ctx context.Context, job *models.Job, reason string, retryable bool, log *slog.Logger) {
	attempt := job.RetryCount + 1

	if retryable && attempt < p.cfg.MaxAttempts {
		delay := p.backoff(attempt)
		nextRetryAt := p.clock().Add(delay)
		updated, err := p.store.UpdateJobIf(ctx, job.ID, models.JobStatusProcessing, store.JobUpdate{
			Status:     models.JobStatusPending,
			RetryCount: &attempt,
			Error:      &reason,
		})
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			p.discardLostWrite(ctx, job.ID, log)
			return
		}
		if err != nil {
			log.Error("retry write failed", "job_id", job.ID, "error", err)
			return
		}
		if err := p.queue.Enqueue(ctx, job.ID, queue.ScoreAt(nextRetryAt)); err != nil {
			log.Error("retry enqueue failed", "job_id", job.ID, "error", err)
		}
		log.Warn("job attempt failed, retry scheduled",
			"job_id", job.ID, "attempt", attempt, "next_retry_in", delay, "error", reason)
		p.snapshot(updated)
		p.publish(updated, models.EventKindRetryScheduled, &reason, &nextRetryAt)
		return
	}

	now := p.clock()
	updated, err := p.store.UpdateJobIf(ctx, job.ID, models.JobStatusProcessing, store.JobUpdate{
		Status:      models.JobStatusFailed,
		RetryCount:  &attempt,
		Error:       &reason,
		CompletedAt: &now,
	})
	if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
		p.discardLostWrite(ctx, job.ID, log)
		return
	}
	if err != nil {
		log.Error("failed write failed", "job_id", job.ID, "error", err)
		return
	}
	log.Warn("job failed", "job_id", job.ID, "attempts", attempt, "error", reason)
	p.snapshot(updated)
	p.publish(updated, models.EventKindFailed, &reason, nil)
}

func (p *Processor) finishCancelled(ctx context.Context, job *models.Job, log *slog.Logger) {
	defer func() { _ = p.cache.ClearCancel(ctx, job.ID) }()

	now := p.clock()
	updated, err := p.store.UpdateJobIf(ctx, job.ID, models.JobStatusProcessing, store.JobUpdate{
		Status:      models.JobStatusCancelled,
		CompletedAt: &now,
	})
	if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
		// The control operation usually wins this write and has already
		// published the cancelled event.
		p.discardLostWrite(ctx, job.ID, log)
		return
	}
	if err != nil {
		log.Error("cancelled write failed", "job_id", job.ID, "error", err)
		return
	}
	log.Info("job cancelled mid-flight", "job_id", job.ID)
	p.snapshot(updated)
	p.publish(updated, models.EventKindCancelled, nil, nil)
}

// discardLostWrite handles losing a conditional terminal write: reread and,
// if the record is already terminal, drop our result silently.
func (p *Processor) discardLostWrite(ctx context.Context, jobID uuid.UUID, log *slog.Logger) {
	job, err := p.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		log.Info("job deleted during processing", "job_id", jobID)
		return
	}
	if err != nil {
		log.Error("reread after conflict failed", "job_id", jobID, "error", err)
		return
	}
	log.Info("discarding result, job state changed concurrently",
		"job_id", jobID, "status", job.Status)
}

// failTerminal is the panic path: best-effort direct-to-failed write.
func (p *Processor) failTerminal(jobID uuid.UUID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	now := p.clock()
	if updated, err := p.store.UpdateJobIf(ctx, jobID, models.JobStatusProcessing, store.JobUpdate{
		Status:      models.JobStatusFailed,
		Error:       &reason,
		CompletedAt: &now,
	}); err == nil {
		p.snapshot(updated)
		p.publish(updated, models.EventKindFailed, &reason, nil)
	}
}

func (p *Processor) backoff(retryCount int) time.Duration {
	delay := p.cfg.BackoffBase
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= p.cfg.BackoffCap {
			return p.cfg.BackoffCap
		}
	}
	return delay
}

func (p *Processor) snapshot(job *models.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = p.cache.SetJobSnapshot(ctx, job.ID, cache.SnapshotOf(job), p.cfg.SnapshotTTL)
}

func (p *Processor) publish(job *models.Job, kind string, errMsg *string, nextRetryAt *time.Time) {
	ev := models.JobEvent{
		JobID:       job.ID,
		OwnerID:     job.OwnerID,
		Type:        job.Type,
		Kind:        kind,
		Status:      job.Status,
		Progress:    job.Progress,
		CurrentStep: job.CurrentStep,
		StoryID:     models.StoryRef(job),
		Error:       errMsg,
		NextRetryAt: nextRetryAt,
		Timestamp:   p.clock(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.bus.PublishJobEvent(ctx, ev); err != nil {
		p.logger.Warn("event publish failed", "job_id", job.ID, "kind", kind, "error", err)
	}
}

