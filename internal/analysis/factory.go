package analysis

import (
	"fmt"

	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/internal/analysis/anthropic"
	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/internal/analysis/mock"
	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/internal/analysis/ollama"
	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/internal/analysis/openai"
	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/internal/config"
	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/pkg/models"
)

// ProviderFactory resolves a provider name from a job payload into a client.
// Construction is cheap; clients are stateless around an http.Client.
type ProviderFactory struct {
	cfg config.AIConfig
}

func NewProviderFactory(cfg config.AIConfig) *ProviderFactory {
	return &ProviderFactory{cfg: cfg}
}

// Provider returns the client for the named provider, with apiKey overriding
// the configured server-side key when the submitter brought their own.
func (f *ProviderFactory) Provider(name, apiKey string) (models.AIProvider, error) {
	switch name {
	case "openai":
		key := f.cfg.OpenAI.APIKey
		if apiKey != "" {
			key = apiKey
		}
		return openai.NewProvider(key, f.cfg.Timeout), nil
	case "anthropic":
		key := f.cfg.Anthropic.APIKey
		if apiKey != "" {
			key = apiKey
		}
		return anthropic.NewProvider(key, f.cfg.Timeout), nil
	case "ollama":
		return ollama.NewProvider(f.cfg.Ollama.BaseURL, f.cfg.Timeout), nil
	case "mock":
		return mock.NewProvider(), nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q, must be one of openai, anthropic, ollama", ErrInvalidPayload, name)
	}
}
