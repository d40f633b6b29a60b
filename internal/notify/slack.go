package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/slack-go/slack"
)

// SlackSink posts notifications to one Slack channel.
type SlackSink struct {
	api     *slack.Client
	channel string
}

// NewSlack creates a sink for channel. opts are passed to slack.New, e.g.
// slack.OptionAPIURL for a proxy.
func NewSlack(token, channel string, opts ...slack.Option) (*SlackSink, error) {
	if token == "" {
		return nil, fmt.Errorf("notify: slack: token is required")
	}
	if channel == "" {
		return nil, fmt.Errorf("notify: slack: channel is required")
	}
	return &SlackSink{api: slack.New(token, opts...), channel: channel}, nil
}

func (s *SlackSink) Name() string { return "slack" }

func (s *SlackSink) Send(ctx context.Context, msg Message) error {
	_, _, err := s.api.PostMessageContext(ctx, s.channel, slack.MsgOptionText(Mrkdwn(msg.Text), false))
	if err != nil {
		return fmt.Errorf("notify: slack: post message: %w", err)
	}
	return nil
}

// Mrkdwn converts Markdown emphasis and links to Slack's mrkdwn.
// Text inside backticks is left alone.
func Mrkdwn(md string) string {
	var b strings.Builder
	inCode := false
	for i := 0; i < len(md); i++ {
		ch := md[i]
		switch {
		case ch == '`':
			inCode = !inCode
			b.WriteByte(ch)
		case inCode:
			b.WriteByte(ch)
		case ch == '*' && i+1 < len(md) && md[i+1] == '*':
			b.WriteByte('*')
			i++
		case ch == '*':
			b.WriteByte('_')
		case ch == '[':
			text, url, n, ok := parseLink(md[i:])
			if !ok {
				b.WriteByte(ch)
				continue
			}
			fmt.Fprintf(&b, "<%s|%s>", url, text)
			i += n - 1
		default:
			b.WriteByte(ch)
		}
	}
	return strings.ReplaceAll(b.String(), "~~", "~")
}

// parseLink reads "[text](url)" at the start of s.
func parseLink(s string) (text, url string, n int, ok bool) {
	closeB := strings.Index(s, "](")
	if closeB < 0 {
		return "", "", 0, false
	}
	closeP := strings.IndexByte(s[closeB:], ')')
	if closeP < 0 {
		return "", "", 0, false
	}
	closeP += closeB
	return s[1:closeB], s[closeB+2 : closeP], closeP + 1, true
}
