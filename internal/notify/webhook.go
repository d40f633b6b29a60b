package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dalejefferson/CodingIDE-sub002/pkg/protocol"
)

// SignatureHeader carries the HMAC-SHA256 of the request body when a
// secret is configured.
const SignatureHeader = "X-Signature-256"

// WebhookPayload is the JSON body posted to webhook URLs.
type WebhookPayload struct {
	TicketID string         `json:"ticketId"`
	Title    string         `json:"title"`
	Text     string         `json:"text"`
	Event    protocol.Event `json:"event"`
}

// WebhookSink posts notifications as JSON to a URL.
type WebhookSink struct {
	url    string
	secret string
	client *http.Client
}

// NewWebhook creates a sink for url. An empty secret sends unsigned requests.
func NewWebhook(url, secret string) *WebhookSink {
	return &WebhookSink{url: url, secret: secret, client: &http.Client{Timeout: 15 * time.Second}}
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(WebhookPayload{TicketID: msg.TicketID, Title: msg.Title, Text: msg.Text, Event: msg.Event})
	if err != nil {
		return fmt.Errorf("notify: webhook: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: webhook: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.secret != "" {
		req.Header.Set(SignatureHeader, Sign(body, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("notify: webhook: HTTP %d: %s", resp.StatusCode, snippet)
	}
	return nil
}

// Sign returns "sha256=<hex>" for body under secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign.
func Verify(body []byte, secret, signature string) bool {
	want, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}
