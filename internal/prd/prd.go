// Package prd produces product requirement documents for tickets by asking a
// language model. The board only stores the returned markdown.
package prd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dalejefferson/CodingIDE-sub002/pkg/protocol"
)

// ErrEmptyResponse is returned when the model answers with no text.
var ErrEmptyResponse = errors.New("prd: empty response")

// Generator turns a ticket into PRD markdown.
type Generator interface {
	Generate(ctx context.Context, t protocol.Ticket) (string, error)
	Name() string
}

// Config selects and configures a generator backend.
type Config struct {
	Provider  string // "anthropic" (default) or "openai"
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int

	// FetchReferences includes pages linked from the description.
	FetchReferences bool
}

// New builds the generator named by cfg.Provider.
func New(cfg Config) (Generator, error) {
	g, err := newBackend(cfg)
	if err != nil || !cfg.FetchReferences {
		return g, err
	}
	return WithReferences(g, nil), nil
}

func newBackend(cfg Config) (Generator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("prd: api key is required")
	}
	switch strings.ToLower(cfg.Provider) {
	case "", "anthropic":
		opts := []AnthropicOption{WithAnthropicMaxTokens(cfg.MaxTokens)}
		if cfg.BaseURL != "" {
			opts = append(opts, WithAnthropicBaseURL(cfg.BaseURL))
		}
		if cfg.Model != "" {
			opts = append(opts, WithAnthropicModel(cfg.Model))
		}
		return NewAnthropic(cfg.APIKey, opts...), nil
	case "openai":
		opts := []OpenAIOption{WithMaxTokens(cfg.MaxTokens)}
		if cfg.BaseURL != "" {
			opts = append(opts, WithBaseURL(cfg.BaseURL))
		}
		if cfg.Model != "" {
			opts = append(opts, WithModel(cfg.Model))
		}
		return NewOpenAI(cfg.APIKey, opts...), nil
	default:
		return nil, fmt.Errorf("prd: unknown provider %q", cfg.Provider)
	}
}

const systemPrompt = `You write concise product requirement documents for a single coding task.
Respond with markdown only. Use the sections: Overview, Requirements, Acceptance Criteria, Out of Scope.
The document is handed verbatim to an autonomous coding agent working in an empty repository.`

// Prompt renders the user message sent for t.
func Prompt(t protocol.Ticket) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n", t.Title)
	if t.Type != "" {
		fmt.Fprintf(&b, "Type: %s\n", t.Type)
	}
	if t.Priority != "" {
		fmt.Fprintf(&b, "Priority: %s\n", t.Priority)
	}
	if d := strings.TrimSpace(t.Description); d != "" {
		fmt.Fprintf(&b, "\nDescription:\n%s\n", d)
	}
	if len(t.AcceptanceCriteria) > 0 {
		b.WriteString("\nAcceptance criteria:\n")
		for _, c := range t.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	return b.String()
}

func clean(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text + "\n", nil
}
