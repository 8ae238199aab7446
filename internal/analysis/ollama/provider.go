package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/pkg/models"
)

// Provider implements models.AIProvider using a local Ollama server.
type Provider struct {
	baseURL string
	client  *http.Client
}

func NewProvider(baseURL string, timeout time.Duration) *Provider {
	return &Provider{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *Provider) Name() string { return "ollama" }

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
	Error    string `json:"error"`
}

func (p *Provider) Complete(ctx context.Context, model, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{Model: model, Prompt: prompt})
	if err != nil {
		return "", fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling ollama: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	var parsed generateResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := string(raw)
		if parsed.Error != "" {
			msg = parsed.Error
		}
		return "", &models.ProviderError{Provider: "ollama", StatusCode: resp.StatusCode, Message: msg}
	}
	return parsed.Response, nil
}

var _ models.AIProvider = (*Provider)(nil)
