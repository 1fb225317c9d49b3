package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Default endpoints and models.
const (
	OpenAIEndpoint    = "https://api.openai.com/v1/chat/completions"
	AnthropicEndpoint = "https://api.anthropic.com/v1/messages"
	AnthropicVersion  = "2023-06-01"

	DefaultOpenAIModel    = "gpt-4o-mini"
	DefaultAnthropicModel = "claude-3-5-haiku-latest"
)

// ProviderConfig configures one hosted provider.
type ProviderConfig struct {
	APIKey    string
	Model     string
	Endpoint  string
	MaxTokens int
	Timeout   time.Duration
}

func (c ProviderConfig) client() *http.Client {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// OpenAI calls the chat completions API.
type OpenAI struct {
	cfg  ProviderConfig
	http *http.Client
}

// NewOpenAI returns nil when no key is set, so it can be passed straight to
// NewChain.
func NewOpenAI(cfg ProviderConfig) Provider {
	if cfg.APIKey == "" {
		return nil
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = OpenAIEndpoint
	}
	return &OpenAI{cfg: cfg, http: cfg.client()}
}

// Name implements Provider.
func (*OpenAI) Name() string { return "openai" }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Complete implements Provider.
func (p *OpenAI) Complete(ctx context.Context, system, prompt string) (string, error) {
	body := openAIRequest{
		Model: p.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: prompt},
		},
		MaxTokens: p.cfg.MaxTokens,
	}
	var out openAIResponse
	headers := map[string]string{"Authorization": "Bearer " + p.cfg.APIKey}
	if err := postJSON(ctx, p.http, p.cfg.Endpoint, headers, body, &out); err != nil {
		return "", fmt.Errorf("openai: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("openai: no choices in response")
	}
	return out.Choices[0].Message.Content, nil
}

// Anthropic calls the messages API.
type Anthropic struct {
	cfg  ProviderConfig
	http *http.Client
}

// NewAnthropic returns nil when no key is set.
func NewAnthropic(cfg ProviderConfig) Provider {
	if cfg.APIKey == "" {
		return nil
	}
	if cfg.Model == "" {
		cfg.Model = DefaultAnthropicModel
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = AnthropicEndpoint
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	return &Anthropic{cfg: cfg, http: cfg.client()}
}

// Name implements Provider.
func (*Anthropic) Name() string { return "anthropic" }

type anthropicRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	System    string        `json:"system,omitempty"`
	Messages  []chatMessage `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// Complete implements Provider.
func (p *Anthropic) Complete(ctx context.Context, system, prompt string) (string, error) {
	body := anthropicRequest{
		Model:     p.cfg.Model,
		MaxTokens: p.cfg.MaxTokens,
		System:    system,
		Messages:  []chatMessage{{Role: "user", Content: prompt}},
	}
	var out anthropicResponse
	headers := map[string]string{
		"x-api-key":         p.cfg.APIKey,
		"anthropic-version": AnthropicVersion,
	}
	if err := postJSON(ctx, p.http, p.cfg.Endpoint, headers, body, &out); err != nil {
		return "", fmt.Errorf("anthropic: %w", err)
	}
	for _, block := range out.Content {
		if block.Type == "text" || block.Type == "" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("anthropic: no text content in response")
}

func postJSON(ctx context.Context, client *http.Client, endpoint string, headers map[string]string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
