package anthropic

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

const baseURL = "https://api.anthropic.com/v1/messages"

// Provider implements models.AIProvider using the Anthropic messages API.
type Provider struct {
	apiKey string
	client *http.Client
}

func NewProvider(apiKey string, timeout time.Duration) *Provider {
	return &Provider{
		apiKey: apiKey,
		client: &http.Client{Timeout: timeout},
	}
}

func (p *Provider) Name() string { return "anthropic" }

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	Messages  []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (p *Provider) Complete(ctx context.Context, model, prompt string) (string, error) {
	body, err := json.Marshal(messagesRequest{
		Model:     model,
		MaxTokens: 4096,
		Messages:  []message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling anthropic: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	var parsed messagesResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := string(raw)
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return "", &models.ProviderError{Provider: "anthropic", StatusCode: resp.StatusCode, Message: msg}
	}
	if len(parsed.Content) == 0 {
		return "", fmt.Errorf("anthropic returned no content")
	}
	return parsed.Content[0].Text, nil
}

var _ models.AIProvider = (*Provider)(nil)
