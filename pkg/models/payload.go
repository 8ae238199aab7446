package models

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// AnalysisPayload is the input for an "analysis" job: a chat export plus the
// model selection. The orchestration core treats it as opaque; only the
// analysis executor decodes it.
type AnalysisPayload struct {
	FileName    string `json:"file_name"`
	FileContent string `json:"file_content"`
	Provider    string `json:"provider"`
	Model       string `json:"model"`
	TemplateID  string `json:"template_id,omitempty"`
	APIKey      string `json:"api_key,omitempty"`
}

// StoryPayload is the input for a "story" job: a narrative rendering of a
// previously completed analysis.
type StoryPayload struct {
	StoryID    uuid.UUID `json:"story_id"`
	AnalysisID uuid.UUID `json:"analysis_id"`
	Provider   string    `json:"provider"`
	Model      string    `json:"model"`
	APIKey     string    `json:"api_key,omitempty"`
}

// AnalysisReport is the result stored on a completed analysis job.
type AnalysisReport struct {
	Summary      string   `json:"summary"`
	Participants []string `json:"participants,omitempty"`
	Insights     []string `json:"insights,omitempty"`
	Provider     string   `json:"provider"`
	Model        string   `json:"model"`
}

// StoryRef extracts the story id from a story job's payload, so its events
// can reach the story topic as well. Returns nil for other job types or
// malformed payloads.
func StoryRef(j *Job) *uuid.UUID {
	if j.Type != JobTypeStory || len(j.Payload) == 0 {
		return nil
	}
	var payload StoryPayload
	if err := json.Unmarshal(j.Payload, &payload); err != nil || payload.StoryID == uuid.Nil {
		return nil
	}
	return &payload.StoryID
}

// AIProvider is the interface every chat-completion integration implements.
// Never call a concrete provider directly; always inject this interface.
type AIProvider interface {
	// Complete sends a prompt and returns the model's text response.
	Complete(ctx context.Context, model, prompt string) (string, error)
	// Name returns the provider identifier (e.g. "openai", "anthropic").
	Name() string
}

// ProviderError is a non-2xx response from an AI provider's API.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
}

// NonRetryable reports whether retrying the same request is pointless:
// client errors other than rate limiting.
func (e *ProviderError) NonRetryable() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != 429
}
