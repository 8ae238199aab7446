package bus_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/internal/bus"
	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/pkg/models"
)

func newBus(t *testing.T) *bus.Bus {
	t.Helper()
	b := bus.New(16, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { b.Close() })
	return b
}

func recv(t *testing.T, ch <-chan models.JobEvent) models.JobEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return models.JobEvent{}
	}
}

func TestBus_JobTopicDelivery(t *testing.T) {
	b := newBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobID := uuid.New()
	events, err := b.Subscribe(ctx, bus.JobTopic(jobID))
	require.NoError(t, err)

	want := models.JobEvent{
		JobID:     jobID,
		OwnerID:   uuid.New(),
		Type:      models.JobTypeAnalysis,
		Kind:      models.EventKindProgress,
		Status:    models.JobStatusProcessing,
		Progress:  30,
		Timestamp: time.Now().UTC(),
	}
	require.NoError(t, b.PublishJobEvent(ctx, want))

	got := recv(t, events)
	assert.Equal(t, want.JobID, got.JobID)
	assert.Equal(t, want.Kind, got.Kind)
	assert.Equal(t, 30, got.Progress)
}

func TestBus_AdminFirehoseSeesEveryJob(t *testing.T) {
	b := newBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	admin, err := b.Subscribe(ctx, bus.AdminJobsTopic)
	require.NoError(t, err)

	first := uuid.New()
	second := uuid.New()
	require.NoError(t, b.PublishJobEvent(ctx, models.JobEvent{JobID: first, Kind: models.EventKindProgress}))
	require.NoError(t, b.PublishJobEvent(ctx, models.JobEvent{JobID: second, Kind: models.EventKindCompleted}))

	seen := map[uuid.UUID]bool{}
	seen[recv(t, admin).JobID] = true
	seen[recv(t, admin).JobID] = true
	assert.True(t, seen[first])
	assert.True(t, seen[second])
}

func TestBus_StoryTopicOnlyForStoryBoundEvents(t *testing.T) {
	b := newBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	storyID := uuid.New()
	story, err := b.Subscribe(ctx, bus.StoryTopic(storyID))
	require.NoError(t, err)

	// No story ref, nothing on the story topic.
	require.NoError(t, b.PublishJobEvent(ctx, models.JobEvent{JobID: uuid.New(), Kind: models.EventKindProgress}))

	bound := models.JobEvent{JobID: uuid.New(), Kind: models.EventKindCompleted, StoryID: &storyID}
	require.NoError(t, b.PublishJobEvent(ctx, bound))

	got := recv(t, story)
	assert.Equal(t, bound.JobID, got.JobID)
	require.NotNil(t, got.StoryID)
	assert.Equal(t, storyID, *got.StoryID)
}

func TestBus_NoReplayForLateSubscribers(t *testing.T) {
	b := newBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobID := uuid.New()
	require.NoError(t, b.PublishJobEvent(ctx, models.JobEvent{JobID: jobID, Kind: models.EventKindProgress}))

	events, err := b.Subscribe(ctx, bus.JobTopic(jobID))
	require.NoError(t, err)

	select {
	case ev := <-events:
		t.Fatalf("late subscriber must not see history, got %v", ev.Kind)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBus_SubscriberChannelClosesOnCancel(t *testing.T) {
	b := newBus(t)
	ctx, cancel := context.WithCancel(context.Background())

	events, err := b.Subscribe(ctx, bus.JobTopic(uuid.New()))
	require.NoError(t, err)

	cancel()

	select {
	case _, open := <-events:
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not close after cancel")
	}
}
