package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/pkg/models"
)

// MemoryStore is an in-memory Store used by unit tests and development mode.
// Safe for concurrent use.
type MemoryStore struct {
	mu            sync.Mutex
	jobs          map[uuid.UUID]*models.Job
	keys          map[uuid.UUID]*models.APIKey
	notifications []*models.Notification
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[uuid.UUID]*models.Job),
		keys: make(map[uuid.UUID]*models.APIKey),
	}
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// --- API Keys ---

func (m *MemoryStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.APIKey
	for _, k := range m.keys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			cp := *k
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	k.LastUsedAt = &now
	return nil
}

func (m *MemoryStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key.ID]; ok {
		return ErrDuplicateKey
	}
	cp := *key
	m.keys[key.ID] = &cp
	return nil
}

// --- Jobs ---

func (m *MemoryStore) CreateJob(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return ErrDuplicateKey
	}
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) ListJobs(_ context.Context, filter JobFilter) ([]*models.Job, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*models.Job
	for _, j := range m.jobs {
		if filter.OwnerID != uuid.Nil && j.OwnerID != filter.OwnerID {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if filter.Type != "" && j.Type != filter.Type {
			continue
		}
		cp := *j
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(i, k int) bool {
		return matched[i].CreatedAt.After(matched[k].CreatedAt)
	})

	total := len(matched)
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (m *MemoryStore) UpdateJobIf(_ context.Context, id uuid.UUID, expectedStatus string, update JobUpdate) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if j.Status != expectedStatus {
		return nil, ErrConflict
	}

	j.Status = update.Status
	j.UpdatedAt = time.Now().UTC()
	if update.ClearOnRestart {
		j.Progress = 0
		j.CurrentStep = nil
		j.Result = nil
		j.Error = nil
		j.RetryCount = 0
		j.StartedAt = nil
		j.CompletedAt = nil
	}
	if update.Progress != nil {
		j.Progress = *update.Progress
	}
	if update.CurrentStep != nil {
		j.CurrentStep = update.CurrentStep
	}
	if update.Result != nil {
		j.Result = update.Result
	}
	if update.Error != nil {
		j.Error = update.Error
	}
	if update.RetryCount != nil {
		j.RetryCount = *update.RetryCount
	}
	if update.StartedAt != nil {
		j.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		j.CompletedAt = update.CompletedAt
	}

	cp := *j
	return &cp, nil
}

func (m *MemoryStore) DeleteJobIf(_ context.Context, id uuid.UUID, expectedStatus string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status != expectedStatus {
		return ErrConflict
	}
	delete(m.jobs, id)
	return nil
}

// --- Notifications ---

func (m *MemoryStore) CreateNotification(_ context.Context, n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *n
	m.notifications = append(m.notifications, &cp)
	return nil
}

func (m *MemoryStore) ListNotifications(_ context.Context, ownerID uuid.UUID, limit int) ([]*models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var out []*models.Notification
	for i := len(m.notifications) - 1; i >= 0 && len(out) < limit; i-- {
		if m.notifications[i].OwnerID == ownerID {
			cp := *m.notifications[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
