package gateway

import (
	"time"

	"github.com/google/uuid"
)

// Client -> server message types.
const (
	msgAuthenticate    = "authenticate"
	msgSubscribeTask   = "subscribe_task"
	msgUnsubscribeTask = "unsubscribe_task"
	msgSubscribeStory  = "subscribe_story"
	msgSubscribeAdmin  = "subscribe_admin_jobs"
)

// Server -> client message types.
const (
	msgAuthenticated = "authenticated"
	msgAuthError     = "auth_error"
	msgError         = "error"
	msgTaskUpdate    = "task_update"
	msgStoryUpdate   = "story_update"
)

type clientMessage struct {
	Type    string     `json:"type"`
	Token   string     `json:"token,omitempty"`
	TaskID  *uuid.UUID `json:"task_id,omitempty"`
	StoryID *uuid.UUID `json:"story_id,omitempty"`
}

type serverMessage struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// taskUpdate mirrors the fields a rendering client needs; nil fields are
// omitted so partial updates stay small.
type taskUpdate struct {
	JobID       uuid.UUID  `json:"job_id"`
	Kind        string     `json:"kind"`
	Status      string     `json:"status,omitempty"`
	Progress    *int       `json:"progress,omitempty"`
	CurrentStep *string    `json:"current_step,omitempty"`
	Error       *string    `json:"error,omitempty"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
}

type storyUpdate struct {
	StoryID uuid.UUID `json:"story_id"`
	Status  string    `json:"status,omitempty"`
}
