// Package jobs is the submission and control surface for background jobs.
// Control operations check legality against the record store, never the
// status cache, and use conditional writes so no two operations can both
// win the same transition.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/internal/bus"
	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/internal/cache"
	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/internal/queue"
	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/internal/store"
	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/pkg/models"
)

// ErrInvalidTransition rejects a control operation that is illegal from the
// job's current state. Callers receive the descriptive message synchronously;
// the worker pool is never affected.
var ErrInvalidTransition = errors.New("invalid job state transition")

// ErrUnknownJobType rejects submissions for types with no registered executor.
var ErrUnknownJobType = errors.New("unknown job type")

// Config tunes the service's status reporting.
type Config struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	SnapshotTTL time.Duration
	// AvgJobSeconds feeds the queue-position wait estimate.
	AvgJobSeconds int
}

// Service creates jobs, serves status reads, and runs the admin/owner
// control operations.
type Service struct {
	store  store.Store
	queue  queue.Queue
	cache  cache.Cache
	bus    *bus.Bus
	cfg    Config
	logger *slog.Logger
	types  map[string]bool
	clock  func() time.Time
}

func NewService(st store.Store, q queue.Queue, ca cache.Cache, b *bus.Bus, cfg Config, logger *slog.Logger) *Service {
	if cfg.AvgJobSeconds <= 0 {
		cfg.AvgJobSeconds = 45
	}
	return &Service{
		store:  st,
		queue:  q,
		cache:  ca,
		bus:    b,
		cfg:    cfg,
		logger: logger,
		types: map[string]bool{
			models.JobTypeAnalysis: true,
			models.JobTypeStory:    true,
		},
		clock: func() time.Time { return time.Now().UTC() },
	}
}

// Submit creates a pending job and enqueues it at its submission time.
func (s *Service) Submit(ctx context.Context, jobType string, ownerID uuid.UUID, payload json.RawMessage) (*models.Job, error) {
	if !s.types[jobType] {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobType, jobType)
	}
	if ownerID == uuid.Nil {
		return nil, fmt.Errorf("owner id is required")
	}

	now := s.clock()
	job := &models.Job{
		ID:         uuid.New(),
		OwnerID:    ownerID,
		Type:       jobType,
		Status:     models.JobStatusPending,
		TotalSteps: totalStepsFor(jobType),
		Payload:    payload,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}
	if err := s.queue.Enqueue(ctx, job.ID, queue.ScoreAt(now)); err != nil {
		return nil, fmt.Errorf("enqueuing job: %w", err)
	}

	_ = s.cache.SetJobSnapshot(ctx, job.ID, cache.SnapshotOf(job), s.cfg.SnapshotTTL)
	s.logger.Info("job submitted", "job_id", job.ID, "type", jobType, "owner_id", ownerID)
	return job, nil
}

// JobStatus is the merged poll response: record state plus retry and queue
// position context.
type JobStatus struct {
	Job           *models.Job
	RetryInfo     models.RetryInfo
	QueuePosition *models.QueuePosition
}

// Status serves the polling path. Non-terminal polls are answered straight
// from the snapshot cache; a miss or a terminal snapshot falls back to the
// record store and repopulates the cache.
func (s *Service) Status(ctx context.Context, jobID uuid.UUID) (*JobStatus, error) {
	job := s.cachedJob(ctx, jobID)
	if job == nil {
		fresh, err := s.store.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		job = fresh
		// Keep the snapshot warm for high-frequency pollers.
		_ = s.cache.SetJobSnapshot(ctx, jobID, cache.SnapshotOf(job), s.cfg.SnapshotTTL)
	}

	status := &JobStatus{Job: job, RetryInfo: s.retryInfo(job)}
	if job.Status == models.JobStatusPending {
		if pos, ok, err := s.queue.Position(ctx, jobID); err == nil && ok {
			status.QueuePosition = &models.QueuePosition{
				Position:             pos + 1,
				EstimatedWaitSeconds: (pos + 1) * s.cfg.AvgJobSeconds,
			}
		}
	}
	return status, nil
}

// cachedJob rebuilds the poll view from the snapshot cache. Terminal
// snapshots are skipped so completed results and failure details are always
// read from the record store.
func (s *Service) cachedJob(ctx context.Context, jobID uuid.UUID) *models.Job {
	snap, ok, err := s.cache.GetJobSnapshot(ctx, jobID)
	if err != nil || !ok || models.IsTerminal(snap.Status) {
		return nil
	}
	return &models.Job{
		ID:          jobID,
		OwnerID:     snap.OwnerID,
		Type:        snap.Type,
		Status:      snap.Status,
		Progress:    snap.Progress,
		CurrentStep: snap.CurrentStep,
		TotalSteps:  snap.TotalSteps,
		RetryCount:  snap.RetryCount,
		CreatedAt:   snap.CreatedAt,
		UpdatedAt:   snap.UpdatedAt,
	}
}

func (s *Service) retryInfo(job *models.Job) models.RetryInfo {
	info := models.RetryInfo{
		CurrentAttempt: job.RetryCount,
		MaxAttempts:    s.cfg.MaxAttempts,
	}
	switch job.Status {
	case models.JobStatusFailed:
		// Exhausting every automatic attempt clears the flag; the manual
		// retry operation stays legal regardless.
		info.CanRetry = job.RetryCount < s.cfg.MaxAttempts
	case models.JobStatusPending:
		if job.RetryCount > 0 {
			info.IsRetrying = true
			next := s.clock().Add(s.backoff(job.RetryCount))
			info.NextRetryAt = &next
		}
	}
	return info
}

func (s *Service) backoff(retryCount int) time.Duration {
	delay := s.cfg.BackoffBase
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= s.cfg.BackoffCap {
			return s.cfg.BackoffCap
		}
	}
	return delay
}

// --- Control operations ---

// Cancel stops a pending or processing job. For queued jobs the entry is
// removed immediately; for running jobs cancellation is cooperative, so the
// operation stops at its next safe checkpoint.
func (s *Service) Cancel(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusPending && job.Status != models.JobStatusProcessing {
		return nil, fmt.Errorf("%w: cannot cancel a %s job", ErrInvalidTransition, job.Status)
	}

	// Raise the cooperative flag first so a running operation aborts even if
	// our conditional write races with the worker's.
	_ = s.cache.RequestCancel(ctx, jobID, s.cfg.SnapshotTTL)

	for {
		now := s.clock()
		updated, err := s.store.UpdateJobIf(ctx, jobID, job.Status, store.JobUpdate{
			Status:      models.JobStatusCancelled,
			CompletedAt: &now,
		})
		if errors.Is(err, store.ErrConflict) {
			// The job moved under us. A worker claiming queued work leaves it
			// processing, which is still cancellable, so retry the write from
			// the status we see now. Only a terminal landing ends the attempt.
			current, getErr := s.store.GetJob(ctx, jobID)
			if getErr != nil {
				return nil, getErr
			}
			switch current.Status {
			case models.JobStatusPending, models.JobStatusProcessing:
				job = current
				continue
			case models.JobStatusCancelled:
				// The worker honored the flag and finished the cancellation
				// itself; it already published the event.
				_ = s.queue.Remove(ctx, jobID)
				return current, nil
			}
			_ = s.cache.ClearCancel(ctx, jobID)
			return nil, fmt.Errorf("%w: cannot cancel a %s job", ErrInvalidTransition, current.Status)
		}
		if err != nil {
			return nil, err
		}

		_ = s.queue.Remove(ctx, jobID)
		_ = s.cache.InvalidateJob(ctx, jobID)
		s.logger.Info("job cancelled", "job_id", jobID, "was", job.Status)
		s.publish(updated, models.EventKindCancelled, nil)
		return updated, nil
	}
}

// Retry re-runs a failed job from scratch. Unlike automatic retry, the
// operator path resets the retry counter.
func (s *Service) Retry(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	return s.rerun(ctx, jobID, []string{models.JobStatusFailed}, "retry")
}

// Restart is Retry extended to every terminal state.
func (s *Service) Restart(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	return s.rerun(ctx, jobID, []string{
		models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled,
	}, "restart")
}

func (s *Service) rerun(ctx context.Context, jobID uuid.UUID, fromStatuses []string, op string) (*models.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	legal := false
	for _, st := range fromStatuses {
		if job.Status == st {
			legal = true
			break
		}
	}
	if !legal {
		return nil, fmt.Errorf("%w: cannot %s a %s job", ErrInvalidTransition, op, job.Status)
	}

	updated, err := s.store.UpdateJobIf(ctx, jobID, job.Status, store.JobUpdate{
		Status:         models.JobStatusPending,
		ClearOnRestart: true,
	})
	if errors.Is(err, store.ErrConflict) {
		current, getErr := s.store.GetJob(ctx, jobID)
		if getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("%w: cannot %s a %s job", ErrInvalidTransition, op, current.Status)
	}
	if err != nil {
		return nil, err
	}

	_ = s.cache.ClearCancel(ctx, jobID)
	_ = s.cache.InvalidateJob(ctx, jobID)
	if err := s.queue.Enqueue(ctx, jobID, queue.ScoreAt(s.clock())); err != nil {
		return nil, fmt.Errorf("enqueuing job: %w", err)
	}
	s.logger.Info("job requeued by operator", "job_id", jobID, "operation", op)
	return updated, nil
}

// Delete removes a terminal job's record. Running or queued jobs must be
// cancelled first. The delete is conditional on the terminal status observed
// at the legality check, so a concurrent retry or restart that revives the
// job cannot lose its record.
func (s *Service) Delete(ctx context.Context, jobID uuid.UUID) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !models.IsTerminal(job.Status) {
		return fmt.Errorf("%w: cannot delete a %s job, cancel it first", ErrInvalidTransition, job.Status)
	}

	if err := s.store.DeleteJobIf(ctx, jobID, job.Status); err != nil {
		if errors.Is(err, store.ErrConflict) {
			current, getErr := s.store.GetJob(ctx, jobID)
			if getErr != nil {
				return getErr
			}
			return fmt.Errorf("%w: cannot delete a %s job, cancel it first", ErrInvalidTransition, current.Status)
		}
		return err
	}
	_ = s.queue.Remove(ctx, jobID)
	_ = s.cache.InvalidateJob(ctx, jobID)
	_ = s.cache.ClearCancel(ctx, jobID)
	s.logger.Info("job deleted", "job_id", jobID)
	return nil
}

// Prioritize requeues a pending job ahead of every timestamp-scored entry.
func (s *Service) Prioritize(ctx context.Context, jobID uuid.UUID) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != models.JobStatusPending {
		return fmt.Errorf("%w: cannot prioritize a %s job", ErrInvalidTransition, job.Status)
	}

	if err := s.queue.Enqueue(ctx, jobID, queue.PriorityScore(s.clock())); err != nil {
		return fmt.Errorf("boosting job: %w", err)
	}
	s.logger.Info("job prioritized", "job_id", jobID)
	return nil
}

// List serves the admin dashboard.
func (s *Service) List(ctx context.Context, filter store.JobFilter) ([]*models.Job, int, error) {
	return s.store.ListJobs(ctx, filter)
}

// Notifications lists the owner's terminal-transition notifications.
func (s *Service) Notifications(ctx context.Context, ownerID uuid.UUID, limit int) ([]*models.Notification, error) {
	return s.store.ListNotifications(ctx, ownerID, limit)
}

func (s *Service) publish(job *models.Job, kind string, errMsg *string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev := models.JobEvent{
		JobID:     job.ID,
		OwnerID:   job.OwnerID,
		Type:      job.Type,
		Kind:      kind,
		Status:    job.Status,
		Progress:  job.Progress,
		StoryID:   models.StoryRef(job),
		Error:     errMsg,
		Timestamp: s.clock(),
	}
	if err := s.bus.PublishJobEvent(ctx, ev); err != nil {
		s.logger.Warn("event publish failed", "job_id", job.ID, "kind", kind, "error", err)
	}
}

func totalStepsFor(jobType string) int {
	switch jobType {
	case models.JobTypeAnalysis:
		return 4
	case models.JobTypeStory:
		return 3
	default:
		return 1
	}
}
