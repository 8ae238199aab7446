// Package reconcile merges the polling path and the real-time stream into
// one coherent job status view. The two sources differ in reliability:
// polling is the baseline source of truth, the stream is fresher while it
// lives. Explicit precedence rules here avoid the race where a stale poll
// response lands after a live terminal push.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/internal/bus"
	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/internal/jobs"
	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/pkg/models"
)

// Poller is the polling source, satisfied by *jobs.Service.
type Poller interface {
	Status(ctx context.Context, jobID uuid.UUID) (*jobs.JobStatus, error)
}

// Stream is the live source, satisfied by *bus.Bus.
type Stream interface {
	Subscribe(ctx context.Context, topic string) (<-chan models.JobEvent, error)
}

// View is the merged status handed to the rendering callback.
type View struct {
	JobID       uuid.UUID
	Status      string
	Progress    int
	CurrentStep *string
	Error       *string
	// Live is true while the last update came over the stream and has not
	// yet been confirmed by a poll.
	Live bool
}

// Callbacks receives merged updates. OnComplete/OnError fire exactly once
// per watch, no matter how many channels observe the terminal state.
type Callbacks struct {
	OnUpdate   func(View)
	OnComplete func(View)
	OnError    func(View)
}

// Watcher follows one job until it terminates.
type Watcher struct {
	poller       Poller
	stream       Stream
	pollInterval time.Duration
	logger       *slog.Logger
}

func NewWatcher(poller Poller, stream Stream, pollInterval time.Duration, logger *slog.Logger) *Watcher {
	if pollInterval <= 0 {
		pollInterval = 2500 * time.Millisecond
	}
	return &Watcher{poller: poller, stream: stream, pollInterval: pollInterval, logger: logger}
}

// Watch blocks until the job terminates or ctx is cancelled. Stream failure
// never breaks the watch: polling alone still converges.
func (w *Watcher) Watch(ctx context.Context, jobID uuid.UUID, cb Callbacks) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var events <-chan models.JobEvent
	if w.stream != nil {
		ch, err := w.stream.Subscribe(ctx, bus.JobTopic(jobID))
		if err != nil {
			w.logger.Warn("live stream unavailable, polling only", "job_id", jobID, "error", err)
		} else {
			events = ch
		}
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	terminalFired := false
	fireTerminal := func(view View) {
		if terminalFired {
			return
		}
		terminalFired = true
		// Stop both channels before handing off: no further callbacks may
		// arrive after the terminal one.
		cancel()
		switch view.Status {
		case models.JobStatusFailed:
			if cb.OnError != nil {
				cb.OnError(view)
			}
		default:
			if cb.OnComplete != nil {
				cb.OnComplete(view)
			}
		}
	}

	update := func(view View) {
		if models.IsTerminal(view.Status) {
			fireTerminal(view)
			return
		}
		if cb.OnUpdate != nil {
			cb.OnUpdate(view)
		}
	}

	// Initial poll so the caller sees a state before the first interval.
	if view, err := w.poll(ctx, jobID); err == nil {
		update(view)
	} else {
		return err
	}

	for {
		if terminalFired {
			return nil
		}
		select {
		case <-ctx.Done():
			if terminalFired {
				return nil
			}
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				// Connection dropped: fall back to polling only.
				events = nil
				continue
			}
			if ev.JobID != jobID {
				continue
			}
			update(View{
				JobID:       jobID,
				Status:      ev.Status,
				Progress:    ev.Progress,
				CurrentStep: ev.CurrentStep,
				Error:       ev.Error,
				Live:        true,
			})
		case <-ticker.C:
			view, err := w.poll(ctx, jobID)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				w.logger.Warn("poll failed", "job_id", jobID, "error", err)
				continue
			}
			update(view)
		}
	}
}

func (w *Watcher) poll(ctx context.Context, jobID uuid.UUID) (View, error) {
	status, err := w.poller.Status(ctx, jobID)
	if err != nil {
		return View{}, err
	}
	j := status.Job
	return View{
		JobID:       j.ID,
		Status:      j.Status,
		Progress:    j.Progress,
		CurrentStep: j.CurrentStep,
		Error:       j.Error,
	}, nil
}
