// Package llm wraps the chat model behind a small provider interface and
// parses the structured assistant replies the dashboard depends on.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Message is a single turn in a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Health reports whether a provider's backend is reachable.
type Health struct {
	Ok       bool   `json:"ok"`
	Provider string `json:"provider"`
	BaseURL  string `json:"base_url"`
	Model    string `json:"model"`
	Error    string `json:"error,omitempty"`
}

// Provider is the opaque chat-completion boundary: messages in, raw assistant
// text out. The caller owns prompt construction and reply parsing.
type Provider interface {
	Name() string
	Health(ctx context.Context) *Health
	Chat(ctx context.Context, messages []Message) (string, error)
}

// Config holds provider connection settings.
type Config struct {
	Provider    string
	BaseURL     string
	Model       string
	APIKey      string
	TimeoutSecs int
}

// NewFromEnv builds a Provider from environment variables:
//   - CHAT_PROVIDER: "openai" (default), "ollama", or "echo"
//   - CHAT_BASE_URL: API base URL
//   - CHAT_MODEL: model name
//   - CHAT_API_KEY: bearer token for OpenAI-compatible providers
//   - CHAT_TIMEOUT_SECONDS: request timeout (default 60)
func NewFromEnv() (Provider, error) {
	cfg := Config{
		Provider:    envOrDefault("CHAT_PROVIDER", "openai"),
		APIKey:      os.Getenv("CHAT_API_KEY"),
		TimeoutSecs: envIntOrDefault("CHAT_TIMEOUT_SECONDS", 60),
	}

	switch cfg.Provider {
	case "openai":
		cfg.BaseURL = envOrDefault("CHAT_BASE_URL", "https://api.openai.com")
		cfg.Model = envOrDefault("CHAT_MODEL", "gpt-4o-mini")
		return NewOpenAIProvider(cfg), nil

	case "ollama":
		cfg.BaseURL = envOrDefault("CHAT_BASE_URL", "http://localhost:11434")
		cfg.Model = envOrDefault("CHAT_MODEL", "llama2")
		return NewOllamaProvider(cfg), nil

	case "echo", "mock":
		return NewEchoProvider(), nil

	default:
		return nil, fmt.Errorf("unknown chat provider: %s (valid: openai, ollama, echo)", cfg.Provider)
	}
}

// OpenAIProvider talks to an OpenAI-compatible /v1/chat/completions endpoint.
type OpenAIProvider struct {
	cfg    Config
	client *http.Client
}

// NewOpenAIProvider creates an OpenAI-compatible provider.
func NewOpenAIProvider(cfg Config) *OpenAIProvider {
	return &OpenAIProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: time.Duration(cfg.TimeoutSecs) * time.Second},
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Health(ctx context.Context) *Health {
	h := &Health{Provider: "openai", BaseURL: p.cfg.BaseURL, Model: p.cfg.Model}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(p.cfg.BaseURL, "/")+"/v1/models", nil)
	if err != nil {
		h.Error = fmt.Sprintf("failed to create request: %v", err)
		return h
	}
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		h.Error = fmt.Sprintf("failed to connect: %v", err)
		return h
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		h.Ok = true
	} else {
		h.Error = fmt.Sprintf("unexpected status: %d", resp.StatusCode)
	}
	return h
}

type openaiRequest struct {
	Model    string    `json:"model,omitempty"`
	Messages []Message `json:"messages"`
}

type openaiResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (p *OpenAIProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	body, err := json.Marshal(openaiRequest{Model: p.cfg.Model, Messages: messages})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimRight(p.cfg.BaseURL, "/") + "/v1/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("API returned status %d: %s", resp.StatusCode, snippet(respBody))
	}

	var parsed openaiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("API returned 0 choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

// OllamaProvider talks to Ollama's native /api/chat endpoint.
type OllamaProvider struct {
	cfg    Config
	client *http.Client
}

// NewOllamaProvider creates an Ollama provider.
func NewOllamaProvider(cfg Config) *OllamaProvider {
	return &OllamaProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: time.Duration(cfg.TimeoutSecs) * time.Second},
	}
}

func (p *OllamaProvider) Name() string { return "ollama" }

func (p *OllamaProvider) Health(ctx context.Context) *Health {
	h := &Health{Provider: "ollama", BaseURL: p.cfg.BaseURL, Model: p.cfg.Model}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(p.cfg.BaseURL, "/"), nil)
	if err != nil {
		h.Error = fmt.Sprintf("failed to create request: %v", err)
		return h
	}
	resp, err := p.client.Do(req)
	if err != nil {
		h.Error = fmt.Sprintf("failed to connect: %v", err)
		return h
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		h.Ok = true
	} else {
		h.Error = fmt.Sprintf("unexpected status: %d", resp.StatusCode)
	}
	return h
}

type ollamaRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type ollamaResponse struct {
	Message Message `json:"message"`
	Done    bool    `json:"done"`
}

func (p *OllamaProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	body, err := json.Marshal(ollamaRequest{Model: p.cfg.Model, Messages: messages})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimRight(p.cfg.BaseURL, "/") + "/api/chat"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("Ollama returned status %d: %s", resp.StatusCode, snippet(respBody))
	}

	var parsed ollamaResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	return parsed.Message.Content, nil
}

// EchoProvider is a mock for development and tests: it replies with an empty
// command set and echoes the last user message.
type EchoProvider struct{}

// NewEchoProvider creates the mock provider.
func NewEchoProvider() *EchoProvider {
	return &EchoProvider{}
}

func (e *EchoProvider) Name() string { return "echo" }

func (e *EchoProvider) Health(ctx context.Context) *Health {
	return &Health{Ok: true, Provider: "echo", BaseURL: "local", Model: "echo-mock"}
}

func (e *EchoProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	var lastUser string
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			lastUser = messages[i].Content
			break
		}
	}
	reply := map[string]any{
		"reply":           "Echo: " + lastUser,
		"device_commands": nil,
	}
	encoded, err := json.Marshal(reply)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func snippet(body []byte) string {
	s := string(body)
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
