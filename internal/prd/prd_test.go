package prd

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dalejefferson/CodingIDE-sub002/pkg/protocol"
)

var sample = protocol.Ticket{
	ID:                 "t1",
	Title:              "Add login page",
	Description:        "Users need to sign in.",
	Type:               "feature",
	AcceptanceCriteria: []string{"form validates email", "errors are shown"},
}

func TestPrompt(t *testing.T) {
	got := Prompt(sample)
	for _, want := range []string{"Title: Add login page", "Type: feature", "Users need to sign in.", "- form validates email", "- errors are shown"} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "Priority") {
		t.Errorf("empty priority rendered:\n%s", got)
	}
}

func TestAnthropicGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "test-key" {
			t.Error("missing x-api-key header")
		}
		if r.Header.Get("anthropic-version") != anthropicAPIVersion {
			t.Error("missing anthropic-version header")
		}

		var req anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "claude-sonnet-4-20250514" || req.MaxTokens != defaultMaxTokens {
			t.Errorf("model=%s max_tokens=%d", req.Model, req.MaxTokens)
		}
		if req.System == "" {
			t.Error("system prompt not sent")
		}
		if len(req.Messages) != 1 || !strings.Contains(req.Messages[0].Content[0].Text, "Add login page") {
			t.Errorf("messages = %+v", req.Messages)
		}

		json.NewEncoder(w).Encode(anthropicResponse{Content: []textBlock{
			{Type: "text", Text: "# Login page\n"},
			{Type: "text", Text: "## Overview\n\n"},
		}})
	}))
	defer srv.Close()

	g := NewAnthropic("test-key", WithAnthropicBaseURL(srv.URL))
	got, err := g.Generate(context.Background(), sample)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "# Login page\n## Overview\n" {
		t.Errorf("got %q", got)
	}
}

func TestAnthropicGenerate_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer srv.Close()

	_, err := NewAnthropic("k", WithAnthropicBaseURL(srv.URL)).Generate(context.Background(), sample)
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestAnthropicGenerate_EmptyText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"content":[{"type":"text","text":"   "}]}`))
	}))
	defer srv.Close()

	_, err := NewAnthropic("k", WithAnthropicBaseURL(srv.URL)).Generate(context.Background(), sample)
	if !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("expected ErrEmptyResponse, got %v", err)
	}
}

func TestOpenAIGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Error("missing bearer token")
		}
		var req openaiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "local-model" || req.MaxTokens == nil || *req.MaxTokens != 900 {
			t.Errorf("request = %+v", req)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("messages = %+v", req.Messages)
		}
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"# PRD"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	g := NewOpenAI("test-key", WithBaseURL(srv.URL), WithModel("local-model"), WithMaxTokens(900))
	got, err := g.Generate(context.Background(), sample)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "# PRD\n" {
		t.Errorf("got %q", got)
	}
}

func TestOpenAIGenerate_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	_, err := NewOpenAI("k", WithBaseURL(srv.URL)).Generate(context.Background(), sample)
	if !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("expected ErrEmptyResponse, got %v", err)
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		cfg     Config
		want    string
		wantErr bool
	}{
		{Config{APIKey: "k"}, "anthropic", false},
		{Config{Provider: "OpenAI", APIKey: "k"}, "openai", false},
		{Config{Provider: "anthropic"}, "", true},
		{Config{Provider: "cohere", APIKey: "k"}, "", true},
	}
	for _, tt := range tests {
		g, err := New(tt.cfg)
		if tt.wantErr {
			if err == nil {
				t.Errorf("New(%+v) expected error", tt.cfg)
			}
			continue
		}
		if err != nil {
			t.Fatalf("New(%+v): %v", tt.cfg, err)
		}
		if g.Name() != tt.want {
			t.Errorf("Name() = %s, want %s", g.Name(), tt.want)
		}
	}
}
