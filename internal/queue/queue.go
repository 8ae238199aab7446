// Package queue provides the durable priority queue feeding the worker pool.
//
// Scores are ready-at timestamps in unix milliseconds: an entry is eligible
// for dequeue once its score is <= now, and lower scores dequeue first.
// Delayed retries park an entry in the future; an admin priority boost uses a
// negative score so it outranks every timestamp.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Queue is the ordered work list. A job id appears at most once; enqueueing
// an id already present updates its score instead of duplicating the entry.
type Queue interface {
	Enqueue(ctx context.Context, jobID uuid.UUID, score float64) error
	// DequeueReady removes and returns the lowest-scored entry whose score
	// is <= now. The boolean is false when no entry is ready; callers must
	// back off rather than block.
	DequeueReady(ctx context.Context) (uuid.UUID, bool, error)
	Remove(ctx context.Context, jobID uuid.UUID) error
	// Position returns the entry's zero-based rank among ready entries, or
	// false if absent. Parked future retries hold no place in line.
	Position(ctx context.Context, jobID uuid.UUID) (int, bool, error)
	Len(ctx context.Context) (int, error)
}

// ScoreAt converts a ready-at time into a queue score.
func ScoreAt(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// PriorityScore returns a score guaranteed to dequeue before any
// timestamp-based entry. Later boosts outrank earlier ones.
func PriorityScore(now time.Time) float64 {
	return -float64(now.UnixMilli())
}
