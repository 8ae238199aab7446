package mock

import (
	"context"

	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/pkg/models"
)

// MockProvider satisfies models.AIProvider for testing.
type MockProvider struct {
	Name_        string
	CompleteFunc func(ctx context.Context, model, prompt string) (string, error)
}

func (m *MockProvider) Name() string { return m.Name_ }

func (m *MockProvider) Complete(ctx context.Context, model, prompt string) (string, error) {
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, model, prompt)
	}
	return "", nil
}

// NewProvider returns a MockProvider with a sensible default response.
func NewProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock",
		CompleteFunc: func(_ context.Context, _, _ string) (string, error) {
			return `{"summary":"Mock analysis summary","insights":["stable rapport"]}`, nil
		},
	}
}

// NewFailingProvider returns a MockProvider that always returns the given error.
func NewFailingProvider(err error) *MockProvider {
	return &MockProvider{
		Name_: "mock-failing",
		CompleteFunc: func(_ context.Context, _, _ string) (string, error) {
			return "", err
		},
	}
}

// NewBlockingProvider returns a MockProvider that blocks until its context
// is cancelled.
func NewBlockingProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock-blocking",
		CompleteFunc: func(ctx context.Context, _, _ string) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
}

// Compile-time check that MockProvider implements AIProvider.
var _ models.AIProvider = (*MockProvider)(nil)
