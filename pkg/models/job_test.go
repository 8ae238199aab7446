package models_test

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/pkg/models"
)

func TestIsTerminal(t *testing.T) {
	assert.True(t, models.IsTerminal(models.JobStatusCompleted))
	assert.True(t, models.IsTerminal(models.JobStatusFailed))
	assert.True(t, models.IsTerminal(models.JobStatusCancelled))
	assert.False(t, models.IsTerminal(models.JobStatusPending))
	assert.False(t, models.IsTerminal(models.JobStatusProcessing))
	assert.False(t, models.IsTerminal("unknown"))
}

func TestCanTransition(t *testing.T) {
	allowed := [][2]string{
		{models.JobStatusPending, models.JobStatusProcessing},
		{models.JobStatusPending, models.JobStatusCancelled},
		{models.JobStatusProcessing, models.JobStatusCompleted},
		{models.JobStatusProcessing, models.JobStatusFailed},
		{models.JobStatusProcessing, models.JobStatusCancelled},
		{models.JobStatusProcessing, models.JobStatusPending}, // automatic retry
		{models.JobStatusFailed, models.JobStatusPending},     // admin retry
		{models.JobStatusCompleted, models.JobStatusPending},  // admin restart
		{models.JobStatusCancelled, models.JobStatusPending},
	}
	for _, tc := range allowed {
		assert.True(t, models.CanTransition(tc[0], tc[1]), "%s -> %s should be allowed", tc[0], tc[1])
	}

	denied := [][2]string{
		{models.JobStatusPending, models.JobStatusCompleted},
		{models.JobStatusPending, models.JobStatusFailed},
		{models.JobStatusCompleted, models.JobStatusProcessing},
		{models.JobStatusFailed, models.JobStatusCompleted},
		{models.JobStatusCancelled, models.JobStatusProcessing},
		{models.JobStatusCompleted, models.JobStatusFailed},
	}
	for _, tc := range denied {
		assert.False(t, models.CanTransition(tc[0], tc[1]), "%s -> %s should be rejected", tc[0], tc[1])
	}
}

func TestStoryRef(t *testing.T) {
	storyID := uuid.New()
	payload, err := json.Marshal(models.StoryPayload{
		StoryID:    storyID,
		AnalysisID: uuid.New(),
		Provider:   "mock",
	})
	require.NoError(t, err)

	storyJob := &models.Job{Type: models.JobTypeStory, Payload: payload}
	ref := models.StoryRef(storyJob)
	require.NotNil(t, ref)
	assert.Equal(t, storyID, *ref)

	// Analysis jobs never carry a story reference, whatever the payload says.
	analysisJob := &models.Job{Type: models.JobTypeAnalysis, Payload: payload}
	assert.Nil(t, models.StoryRef(analysisJob))

	assert.Nil(t, models.StoryRef(&models.Job{Type: models.JobTypeStory}))
	assert.Nil(t, models.StoryRef(&models.Job{Type: models.JobTypeStory, Payload: json.RawMessage(`{broken`)}))
	assert.Nil(t, models.StoryRef(&models.Job{Type: models.JobTypeStory, Payload: json.RawMessage(`{"analysis_id":"x"}`)}))
}

func TestProviderErrorNonRetryable(t *testing.T) {
	cases := []struct {
		status int
		want   bool
	}{
		{400, true},
		{401, true},
		{404, true},
		{422, true},
		{429, false}, // rate limits clear on their own
		{500, false},
		{503, false},
	}
	for _, tc := range cases {
		err := &models.ProviderError{Provider: "openai", StatusCode: tc.status, Message: "x"}
		assert.Equal(t, tc.want, err.NonRetryable(), "status %d", tc.status)
	}
}

func TestProviderErrorMessage(t *testing.T) {
	err := &models.ProviderError{Provider: "anthropic", StatusCode: 529, Message: "overloaded"}
	assert.Equal(t, "anthropic: status 529: overloaded", err.Error())
}
