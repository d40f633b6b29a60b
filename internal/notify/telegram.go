package notify

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramSink sends notifications to one Telegram chat.
type TelegramSink struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger *slog.Logger
}

// NewTelegram authorizes the bot. endpoint overrides the Bot API URL
// template ("https://api.telegram.org/bot%s/%s") when non-empty.
func NewTelegram(token string, chatID int64, endpoint string, logger *slog.Logger) (*TelegramSink, error) {
	if token == "" {
		return nil, fmt.Errorf("notify: telegram: token is required")
	}
	if chatID == 0 {
		return nil, fmt.Errorf("notify: telegram: chat id is required")
	}
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, endpoint)
	if err != nil {
		return nil, fmt.Errorf("notify: telegram: init bot: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("telegram bot authorized", "username", bot.Self.UserName)
	return &TelegramSink{bot: bot, chatID: chatID, logger: logger}, nil
}

func (s *TelegramSink) Name() string { return "telegram" }

// Send tries HTML first and falls back to plain text if Telegram rejects
// the markup.
func (s *TelegramSink) Send(_ context.Context, msg Message) error {
	m := tgbotapi.NewMessage(s.chatID, TelegramHTML(msg.Text))
	m.ParseMode = tgbotapi.ModeHTML
	m.DisableWebPagePreview = true

	if _, err := s.bot.Send(m); err != nil {
		s.logger.Warn("telegram HTML send failed, retrying as plain text", "error", err)
		m.Text = plainText(msg.Text)
		m.ParseMode = ""
		if _, err := s.bot.Send(m); err != nil {
			return fmt.Errorf("notify: telegram: send: %w", err)
		}
	}
	return nil
}

var (
	reInlineCode = regexp.MustCompile("`([^`]+)`")
	reBold       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	reLink       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
)

// TelegramHTML converts the Markdown subset notifications use (bold, inline
// code, links) to Telegram's HTML.
func TelegramHTML(md string) string {
	var codes []string
	s := reInlineCode.ReplaceAllStringFunc(md, func(m string) string {
		codes = append(codes, "<code>"+escapeHTML(reInlineCode.FindStringSubmatch(m)[1])+"</code>")
		return fmt.Sprintf("\x00%d\x00", len(codes)-1)
	})
	s = escapeHTML(s)
	s = reBold.ReplaceAllString(s, "<b>$1</b>")
	s = reLink.ReplaceAllString(s, `<a href="$2">$1</a>`)
	for i, c := range codes {
		s = strings.Replace(s, fmt.Sprintf("\x00%d\x00", i), c, 1)
	}
	return s
}

func plainText(md string) string {
	s := reInlineCode.ReplaceAllString(md, "$1")
	s = reBold.ReplaceAllString(s, "$1")
	return reLink.ReplaceAllString(s, "$1 ($2)")
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	return strings.ReplaceAll(s, ">", "&gt;")
}
