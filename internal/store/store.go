package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrConflict is returned by UpdateJobIf when the job's current status does
// not match the expected status. The caller must reread the record and decide
// whether its action is still valid.
var ErrConflict = errors.New("job status conflict")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error)
	// UpdateJobIf applies the update only while the job's status equals
	// expectedStatus, returning ErrConflict otherwise. This conditional write
	// is the single-writer guarantee: no two workers or control calls can
	// both win the same transition for one job.
	UpdateJobIf(ctx context.Context, id uuid.UUID, expectedStatus string, update JobUpdate) (*models.Job, error)
	// DeleteJobIf removes the job only while its status equals expectedStatus,
	// returning ErrConflict otherwise. Deletes ride the same conditional-write
	// rule as updates so a concurrent transition cannot race a delete.
	DeleteJobIf(ctx context.Context, id uuid.UUID, expectedStatus string) error

	CreateNotification(ctx context.Context, n *models.Notification) error
	ListNotifications(ctx context.Context, ownerID uuid.UUID, limit int) ([]*models.Notification, error)
}

// JobFilter narrows ListJobs results. Zero values mean "no constraint".
type JobFilter struct {
	OwnerID uuid.UUID
	Status  string
	Type    string
	Page    int
	Limit   int
}

// JobUpdate is a partial job mutation. Nil fields are left untouched;
// Status is always set since every update happens inside a transition.
type JobUpdate struct {
	Status      string
	Progress    *int
	CurrentStep *string
	Result      json.RawMessage
	Error       *string
	RetryCount  *int
	StartedAt   *time.Time
	CompletedAt *time.Time
	// ClearOnRestart wipes progress, step, result, error, retry count and
	// both execution timestamps as one atomic restart write.
	ClearOnRestart bool
}
