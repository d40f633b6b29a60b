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

const (
	anthropicAPIVersion = "2023-06-01"
	defaultMaxTokens    = 4096
)

// AnthropicGenerator calls the Anthropic Messages API.
type AnthropicGenerator struct {
	client    *http.Client
	baseURL   string
	apiKey    string
	model     string
	maxTokens int
}

// AnthropicOption configures an AnthropicGenerator.
type AnthropicOption func(*AnthropicGenerator)

// WithAnthropicBaseURL sets a custom API base URL.
func WithAnthropicBaseURL(url string) AnthropicOption {
	return func(g *AnthropicGenerator) { g.baseURL = url }
}

// WithAnthropicModel sets the model.
func WithAnthropicModel(model string) AnthropicOption {
	return func(g *AnthropicGenerator) { g.model = model }
}

// WithAnthropicMaxTokens caps the response length. Zero keeps the default.
func WithAnthropicMaxTokens(n int) AnthropicOption {
	return func(g *AnthropicGenerator) {
		if n > 0 {
			g.maxTokens = n
		}
	}
}

// NewAnthropic creates a generator backed by the Messages API.
func NewAnthropic(apiKey string, opts ...AnthropicOption) *AnthropicGenerator {
	g := &AnthropicGenerator{
		client:    &http.Client{Timeout: 120 * time.Second},
		baseURL:   "https://api.anthropic.com",
		apiKey:    apiKey,
		model:     "claude-sonnet-4-20250514",
		maxTokens: defaultMaxTokens,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *AnthropicGenerator) Name() string { return "anthropic" }

func (g *AnthropicGenerator) Generate(ctx context.Context, t protocol.Ticket) (string, error) {
	body := anthropicRequest{
		Model:     g.model,
		System:    systemPrompt,
		MaxTokens: g.maxTokens,
		Messages: []anthropicMessage{{
			Role:    "user",
			Content: []textBlock{{Type: "text", Text: Prompt(t)}},
		}},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("anthropic: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("anthropic: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", g.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("anthropic: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("anthropic: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("anthropic: api error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var out anthropicResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("anthropic: unmarshal response: %w", err)
	}

	var text string
	for _, block := range out.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return clean(text)
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string      `json:"role"`
	Content []textBlock `json:"content"`
}

type textBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicResponse struct {
	Content    []textBlock `json:"content"`
	StopReason string      `json:"stop_reason"`
}
