package prd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	readability "codeberg.org/readeck/go-readability/v2"

	"github.com/dalejefferson/CodingIDE-sub002/pkg/protocol"
)

const (
	maxReferences    = 3
	maxReferenceSize = 8000
	fetchTimeout     = 20 * time.Second
)

var reLink = regexp.MustCompile(`https?://[^\s<>()"']+`)

// Links returns the distinct http(s) URLs in text, in order of appearance.
func Links(text string) []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range reLink.FindAllString(text, -1) {
		m = strings.TrimRight(m, ".,;:!?")
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}

// ReferenceGenerator fetches pages linked from a ticket's description and
// hands their readable text to the wrapped generator as extra context. A
// link that cannot be fetched is logged and skipped.
type ReferenceGenerator struct {
	inner  Generator
	client *http.Client
	logger *slog.Logger
}

// WithReferences wraps inner.
func WithReferences(inner Generator, logger *slog.Logger) *ReferenceGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReferenceGenerator{
		inner:  inner,
		client: &http.Client{Timeout: fetchTimeout},
		logger: logger.With("component", "prd"),
	}
}

func (g *ReferenceGenerator) Name() string { return g.inner.Name() }

func (g *ReferenceGenerator) Generate(ctx context.Context, t protocol.Ticket) (string, error) {
	links := Links(t.Description)
	if len(links) > maxReferences {
		links = links[:maxReferences]
	}

	var refs []string
	for _, link := range links {
		text, err := g.Fetch(ctx, link)
		if err != nil {
			g.logger.Warn("reference skipped", "ticket", t.ID, "url", link, "error", err)
			continue
		}
		refs = append(refs, text)
	}
	if len(refs) > 0 {
		t.Description = strings.TrimSpace(t.Description) + "\n\nReference material:\n\n" + strings.Join(refs, "\n\n---\n\n")
	}
	return g.inner.Generate(ctx, t)
}

// Fetch returns the readable text of the page at rawURL, prefixed with its
// title and URL. Non-HTML bodies are returned as-is. Text is truncated to
// a fixed budget.
func (g *ReferenceGenerator) Fetch(ctx context.Context, rawURL string) (string, error) {
	pageURL, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("prd: reference: invalid URL: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("prd: reference: %w", err)
	}
	req.Header.Set("User-Agent", "codingd/1.0")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("prd: reference: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("prd: reference: HTTP %d", resp.StatusCode)
	}

	title := rawURL
	var text string
	if strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		article, err := readability.FromReader(resp.Body, pageURL)
		if err != nil {
			return "", fmt.Errorf("prd: reference: parse: %w", err)
		}
		var buf bytes.Buffer
		if err := article.RenderText(&buf); err != nil {
			return "", fmt.Errorf("prd: reference: render: %w", err)
		}
		if article.Title() != "" {
			title = article.Title()
		}
		text = buf.String()
	} else {
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxReferenceSize+1))
		if err != nil {
			return "", fmt.Errorf("prd: reference: read: %w", err)
		}
		text = string(body)
	}

	text = strings.TrimSpace(text)
	if len(text) > maxReferenceSize {
		text = text[:maxReferenceSize] + "\n... [truncated]"
	}
	return fmt.Sprintf("%s (%s)\n\n%s", title, rawURL, text), nil
}
