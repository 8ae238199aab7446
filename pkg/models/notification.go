package models

import (
	"time"

	"github.com/google/uuid"
)

// Notification is the record created for the owning user when one of their
// jobs reaches completed or failed. Created exactly once per terminal
// transition by the bus-driven notifier.
type Notification struct {
	ID         uuid.UUID `db:"id"          json:"id"`
	OwnerID    uuid.UUID `db:"owner_id"    json:"owner_id"`
	JobID      uuid.UUID `db:"job_id"      json:"job_id"`
	Title      string    `db:"title"       json:"title"`
	Message    string    `db:"message"     json:"message"`
	ActionLink *string   `db:"action_link" json:"action_link,omitempty"`
	Read       bool      `db:"read"        json:"read"`
	CreatedAt  time.Time `db:"created_at"  json:"created_at"`
}
