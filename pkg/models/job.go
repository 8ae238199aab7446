// Package models contains shared data models used across the Charisma codebase.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Job statuses. A job is terminal once it reaches completed, failed or
// cancelled; no further automatic transitions happen after that.
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusCancelled  = "cancelled"
)

// Job types dispatched through the worker pool.
const (
	JobTypeAnalysis = "analysis"
	JobTypeStory    = "story"
)

// Job tracks one long-running background operation. The API returns a job id
// on submission; clients either poll GET /api/v1/jobs/{id} or subscribe over
// the websocket gateway until the job reaches a terminal status.
type Job struct {
	ID          uuid.UUID       `db:"id"           json:"id"`
	OwnerID     uuid.UUID       `db:"owner_id"     json:"owner_id"`
	Type        string          `db:"type"         json:"type"`
	Status      string          `db:"status"       json:"status"`
	Progress    int             `db:"progress"     json:"progress"`
	CurrentStep *string         `db:"current_step" json:"current_step,omitempty"`
	TotalSteps  int             `db:"total_steps"  json:"total_steps"`
	Payload     json.RawMessage `db:"payload"      json:"payload,omitempty"`
	Result      json.RawMessage `db:"result"       json:"result,omitempty"`
	Error       *string         `db:"error"        json:"error,omitempty"`
	RetryCount  int             `db:"retry_count"  json:"retry_count"`
	StartedAt   *time.Time      `db:"started_at"   json:"started_at,omitempty"`
	CompletedAt *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt   time.Time       `db:"created_at"   json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at"   json:"updated_at"`
}

// IsTerminal reports whether a status permits no further automatic transitions.
func IsTerminal(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// transitions is the job lifecycle state machine. Terminal -> pending is the
// admin restart path; processing -> pending is the automatic-retry path.
var transitions = map[string][]string{
	JobStatusPending:    {JobStatusProcessing, JobStatusCancelled},
	JobStatusProcessing: {JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusPending},
	JobStatusFailed:     {JobStatusPending},
	JobStatusCompleted:  {JobStatusPending},
	JobStatusCancelled:  {JobStatusPending},
}

// CanTransition reports whether moving a job between the two statuses is
// legal under the lifecycle state machine.
func CanTransition(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// RetryInfo describes the automatic-retry position of a job, surfaced on the
// poll endpoint so clients can render "retrying (2/3)" style states.
type RetryInfo struct {
	CurrentAttempt int        `json:"current_attempt"`
	MaxAttempts    int        `json:"max_attempts"`
	CanRetry       bool       `json:"can_retry"`
	IsRetrying     bool       `json:"is_retrying"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
}

// QueuePosition is the job's rank among ready queue entries.
type QueuePosition struct {
	Position             int `json:"position"`
	EstimatedWaitSeconds int `json:"estimated_wait_seconds"`
}
