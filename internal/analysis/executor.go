// Package analysis implements the long-running operations dispatched by the
// worker pool: AI conversation analysis and story generation. The processor
// only ever sees the worker.Executor interface.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/internal/store"
	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/internal/worker"
	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/pkg/models"
)

// AnalysisExecutor runs one "analysis" job: parse the uploaded chat export,
// send it to the selected AI provider, compose the report.
type AnalysisExecutor struct {
	factory *ProviderFactory
}

func NewAnalysisExecutor(factory *ProviderFactory) *AnalysisExecutor {
	return &AnalysisExecutor{factory: factory}
}

func (e *AnalysisExecutor) Execute(ctx context.Context, job *models.Job, report worker.ProgressFunc) (json.RawMessage, error) {
	var payload models.AnalysisPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", worker.ErrNonRetryable, err)
	}
	if payload.FileContent == "" {
		return nil, fmt.Errorf("%w: empty chat export", worker.ErrNonRetryable)
	}

	provider, err := e.factory.Provider(payload.Provider, payload.APIKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", worker.ErrNonRetryable, err)
	}

	report(5, "Parsing conversation")
	participants, lineCount := parseConversation(payload.FileContent)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	report(30, "Analyzing with "+provider.Name())
	prompt := buildPrompt(payload, participants, lineCount)
	completion, err := provider.Complete(ctx, payload.Model, prompt)
	if err != nil {
		return nil, classify(ctx, err)
	}
	if err := ensureCompletion(provider, completion); err != nil {
		return nil, err
	}

	report(80, "Composing report")
	reportJSON, err := json.Marshal(models.AnalysisReport{
		Summary:      completion,
		Participants: participants,
		Provider:     provider.Name(),
		Model:        payload.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding report: %w", err)
	}
	return reportJSON, nil
}

// StoryExecutor runs one "story" job: render a completed analysis into a
// narrative.
type StoryExecutor struct {
	factory *ProviderFactory
	store   store.Store
}

func NewStoryExecutor(factory *ProviderFactory, st store.Store) *StoryExecutor {
	return &StoryExecutor{factory: factory, store: st}
}

func (e *StoryExecutor) Execute(ctx context.Context, job *models.Job, report worker.ProgressFunc) (json.RawMessage, error) {
	var payload models.StoryPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", worker.ErrNonRetryable, err)
	}

	report(10, "Loading analysis")
	source, err := e.store.GetJob(ctx, payload.AnalysisID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: analysis %s not found", worker.ErrNonRetryable, payload.AnalysisID)
	}
	if err != nil {
		return nil, err
	}
	if source.Status != models.JobStatusCompleted || len(source.Result) == 0 {
		return nil, fmt.Errorf("%w: analysis %s has no result", worker.ErrNonRetryable, payload.AnalysisID)
	}

	provider, err := e.factory.Provider(payload.Provider, payload.APIKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", worker.ErrNonRetryable, err)
	}

	report(40, "Writing story with "+provider.Name())
	prompt := "Write an engaging narrative retelling of this conversation analysis:\n\n" + string(source.Result)
	completion, err := provider.Complete(ctx, payload.Model, prompt)
	if err != nil {
		return nil, classify(ctx, err)
	}
	if err := ensureCompletion(provider, completion); err != nil {
		return nil, err
	}

	report(90, "Finishing story")
	result, err := json.Marshal(map[string]any{
		"story_id": payload.StoryID,
		"content":  completion,
		"provider": provider.Name(),
		"model":    payload.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding story: %w", err)
	}
	return result, nil
}

// classify maps provider failures onto the processor's retry taxonomy:
// client-side rejections skip the retry loop, while transport failures and
// per-call timeouts are tagged with their sentinel and stay retryable.
func classify(ctx context.Context, err error) error {
	var pe *models.ProviderError
	if errors.As(err, &pe) {
		if pe.NonRetryable() {
			return fmt.Errorf("%w: %v", worker.ErrNonRetryable, err)
		}
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	// A deadline hit on the provider call while the job itself is still live
	// is the per-request inference timeout, not the job's hard timeout.
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w: %v", ErrInferenceTimeout, err)
	}
	return err
}

// ensureCompletion rejects a blank provider response. Retryable: the next
// attempt may get a usable completion.
func ensureCompletion(provider models.AIProvider, completion string) error {
	if strings.TrimSpace(completion) == "" {
		return fmt.Errorf("%w: %s returned an empty completion", ErrInvalidResponse, provider.Name())
	}
	return nil
}

// parseConversation extracts participant names from "Name: message" lines.
func parseConversation(content string) ([]string, int) {
	seen := make(map[string]bool)
	var participants []string
	lines := strings.Split(content, "\n")
	count := 0
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		count++
		name, _, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" || len(name) > 64 || seen[name] {
			continue
		}
		seen[name] = true
		participants = append(participants, name)
	}
	return participants, count
}

func buildPrompt(payload models.AnalysisPayload, participants []string, lineCount int) string {
	var b strings.Builder
	b.WriteString("Analyze the following chat conversation")
	if payload.TemplateID != "" {
		b.WriteString(" using the '" + payload.TemplateID + "' template")
	}
	fmt.Fprintf(&b, " (%d messages, participants: %s).\n", lineCount, strings.Join(participants, ", "))
	b.WriteString("Report communication style, emotional tone and relationship insights.\n\n")
	b.WriteString(payload.FileContent)
	return b.String()
}

var _ worker.Executor = (*AnalysisExecutor)(nil)
var _ worker.Executor = (*StoryExecutor)(nil)
