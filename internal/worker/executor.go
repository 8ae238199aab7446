package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/pkg/models"
)

// ErrNonRetryable marks a failure that must not go through the automatic
// retry path (bad input, hard quota exhaustion). Executors wrap or join it;
// the processor checks it with errors.Is and goes straight to failed.
var ErrNonRetryable = errors.New("non-retryable job failure")

// ProgressFunc reports intermediate progress from a running operation.
// progress is 0-100; step is a human-readable stage label.
type ProgressFunc func(progress int, step string)

// Executor is the capability interface for one job type. The operation must
// honor ctx cancellation at safe points; it is never preempted.
type Executor interface {
	Execute(ctx context.Context, job *models.Job, report ProgressFunc) (json.RawMessage, error)
}

// Registry maps job types to their executors.
type Registry struct {
	executors map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

func (r *Registry) Register(jobType string, e Executor) {
	r.executors[jobType] = e
}

func (r *Registry) Lookup(jobType string) (Executor, error) {
	e, ok := r.executors[jobType]
	if !ok {
		return nil, fmt.Errorf("%w: no executor registered for job type %q", ErrNonRetryable, jobType)
	}
	return e, nil
}
