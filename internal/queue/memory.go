package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryEntry struct {
	jobID uuid.UUID
	score float64
	seq   uint64
}

// MemoryQueue is an in-process Queue for tests and development mode.
// Equal scores tie-break on insertion order.
type MemoryQueue struct {
	mu      sync.Mutex
	entries []memoryEntry
	seq     uint64
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Enqueue(_ context.Context, jobID uuid.UUID, score float64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.entries {
		if q.entries[i].jobID == jobID {
			q.entries[i].score = score
			q.sortLocked()
			return nil
		}
	}
	q.seq++
	q.entries = append(q.entries, memoryEntry{jobID: jobID, score: score, seq: q.seq})
	q.sortLocked()
	return nil
}

func (q *MemoryQueue) sortLocked() {
	sort.SliceStable(q.entries, func(i, j int) bool {
		if q.entries[i].score != q.entries[j].score {
			return q.entries[i].score < q.entries[j].score
		}
		return q.entries[i].seq < q.entries[j].seq
	})
}

func (q *MemoryQueue) DequeueReady(_ context.Context) (uuid.UUID, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return uuid.Nil, false, nil
	}
	now := float64(time.Now().UnixMilli())
	head := q.entries[0]
	if head.score > now {
		return uuid.Nil, false, nil
	}
	q.entries = q.entries[1:]
	return head.jobID, true, nil
}

func (q *MemoryQueue) Remove(_ context.Context, jobID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.entries {
		if q.entries[i].jobID == jobID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

func (q *MemoryQueue) Position(_ context.Context, jobID uuid.UUID) (int, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := float64(time.Now().UnixMilli())
	for i := range q.entries {
		if q.entries[i].jobID != jobID {
			continue
		}
		// Only ready entries ahead count toward the rank.
		pos := 0
		for _, e := range q.entries[:i] {
			if e.score <= now {
				pos++
			}
		}
		return pos, true, nil
	}
	return 0, false, nil
}

func (q *MemoryQueue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries), nil
}

var _ Queue = (*MemoryQueue)(nil)
