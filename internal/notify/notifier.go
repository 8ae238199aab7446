// Package notify creates user-facing notification records for terminal job
// transitions. It is a downstream consumer of the event bus, not part of
// the processing core.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/internal/bus"
	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/internal/store"
	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/pkg/models"
)

// Notifier listens on the admin firehose and writes one notification per
// terminal transition. The processor publishes each terminal transition
// exactly once, so every completed/failed event becomes a notification:
// a job that is retried and fails again notifies again.
type Notifier struct {
	store  store.Store
	bus    *bus.Bus
	logger *slog.Logger
}

func New(st store.Store, b *bus.Bus, logger *slog.Logger) *Notifier {
	return &Notifier{
		store:  st,
		bus:    b,
		logger: logger,
	}
}

// Run consumes events until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	events, err := n.bus.Subscribe(ctx, bus.AdminJobsTopic)
	if err != nil {
		return fmt.Errorf("subscribe notifier: %w", err)
	}
	n.logger.Info("notifier started")

	for {
		select {
		case <-ctx.Done():
			n.logger.Info("notifier stopped")
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			n.handle(ev)
		}
	}
}

func (n *Notifier) handle(ev models.JobEvent) {
	if ev.Kind != models.EventKindCompleted && ev.Kind != models.EventKindFailed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	notification := &models.Notification{
		ID:        uuid.New(),
		OwnerID:   ev.OwnerID,
		JobID:     ev.JobID,
		CreatedAt: time.Now().UTC(),
	}
	switch ev.Kind {
	case models.EventKindCompleted:
		notification.Title = "Analysis complete"
		notification.Message = fmt.Sprintf("Your %s job finished successfully.", ev.Type)
		link := fmt.Sprintf("/jobs/%s", ev.JobID)
		notification.ActionLink = &link
	case models.EventKindFailed:
		notification.Title = "Analysis failed"
		msg := "unknown error"
		if ev.Error != nil {
			msg = *ev.Error
		}
		notification.Message = fmt.Sprintf("Your %s job failed: %s", ev.Type, msg)
	}

	if err := n.store.CreateNotification(ctx, notification); err != nil {
		n.logger.Error("create notification failed", "job_id", ev.JobID, "error", err)
		return
	}
	n.logger.Info("notification created", "job_id", ev.JobID, "owner_id", ev.OwnerID, "kind", ev.Kind)
}
