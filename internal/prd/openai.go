package prd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dalejefferson/CodingIDE-sub002/pkg/protocol"
)

// OpenAIGenerator calls any OpenAI-compatible chat completions API
// (OpenAI, OpenRouter, Groq, a local server).
type OpenAIGenerator struct {
	client    *http.Client
	baseURL   string
	apiKey    string
	model     string
	maxTokens int
}

// OpenAIOption configures an OpenAIGenerator.
type OpenAIOption func(*OpenAIGenerator)

// WithBaseURL sets a custom API base URL.
func WithBaseURL(url string) OpenAIOption {
	return func(g *OpenAIGenerator) { g.baseURL = url }
}

// WithModel sets the model.
func WithModel(model string) OpenAIOption {
	return func(g *OpenAIGenerator) { g.model = model }
}

// WithMaxTokens caps the response length. Zero leaves it to the server.
func WithMaxTokens(n int) OpenAIOption {
	return func(g *OpenAIGenerator) { g.maxTokens = n }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) OpenAIOption {
	return func(g *OpenAIGenerator) { g.client = c }
}

// NewOpenAI creates an OpenAI-compatible generator.
func NewOpenAI(apiKey string, opts ...OpenAIOption) *OpenAIGenerator {
	g := &OpenAIGenerator{
		client:  &http.Client{Timeout: 120 * time.Second},
		baseURL: "https://api.openai.com/v1",
		apiKey:  apiKey,
		model:   "gpt-4o",
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *OpenAIGenerator) Name() string { return "openai" }

func (g *OpenAIGenerator) Generate(ctx context.Context, t protocol.Ticket) (string, error) {
	body := openaiRequest{
		Model: g.model,
		Messages: []openaiMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: Prompt(t)},
		},
	}
	if g.maxTokens > 0 {
		body.MaxTokens = &g.maxTokens
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("openai: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("openai: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("openai: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("openai: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("openai: api error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var out openaiResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("openai: unmarshal response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return clean(out.Choices[0].Message.Content)
}

type openaiRequest struct {
	Model     string          `json:"model"`
	Messages  []openaiMessage `json:"messages"`
	MaxTokens *int            `json:"max_tokens,omitempty"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiResponse struct {
	Choices []struct {
		Message      openaiMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
}
