package models

import (
	"time"

	"github.com/google/uuid"
)

// Event kinds published on the bus, one per job state change.
const (
	EventKindProgress       = "progress"
	EventKindCompleted      = "completed"
	EventKindFailed         = "failed"
	EventKindCancelled      = "cancelled"
	EventKindRetryScheduled = "retry_scheduled"
)

// JobEvent is the ephemeral lifecycle event broadcast to subscribers. Events
// are best-effort: no persistence, no replay for late subscribers.
type JobEvent struct {
	JobID       uuid.UUID  `json:"job_id"`
	OwnerID     uuid.UUID  `json:"owner_id"`
	Type        string     `json:"type"`
	Kind        string     `json:"kind"`
	Status      string     `json:"status"`
	Progress    int        `json:"progress"`
	CurrentStep *string    `json:"current_step,omitempty"`
	StoryID     *uuid.UUID `json:"story_id,omitempty"`
	Error       *string    `json:"error,omitempty"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
}

// Terminal reports whether the event announces a terminal transition.
func (e JobEvent) Terminal() bool {
	switch e.Kind {
	case EventKindCompleted, EventKindFailed, EventKindCancelled:
		return true
	}
	return false
}
