package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramConfig holds Telegram bot settings.
type TelegramConfig struct {
	Token       string // Bot token from @BotFather
	ChatID      string // Chat or channel to alert
	APIEndpoint string // optional, defaults to the public Bot API
}

// Telegram sends alerts through a bot.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger *slog.Logger
}

// NewTelegram authorizes the bot and creates a notifier.
func NewTelegram(cfg TelegramConfig, logger *slog.Logger) (*Telegram, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram: token is required")
	}
	chatID, err := strconv.ParseInt(cfg.ChatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("telegram: invalid chat_id %q: %w", cfg.ChatID, err)
	}
	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}

	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(cfg.Token, endpoint)
	if err != nil {
		return nil, fmt.Errorf("telegram: init bot: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("telegram bot authorized", "username", bot.Self.UserName)

	return &Telegram{bot: bot, chatID: chatID, logger: logger}, nil
}

func (t *Telegram) Name() string { return "telegram" }

// Notify sends one alert as HTML, retrying as plain text if Telegram
// rejects the markup.
func (t *Telegram) Notify(_ context.Context, a Alert) error {
	msg := tgbotapi.NewMessage(t.chatID, TelegramHTML(a))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true

	_, err := t.bot.Send(msg)
	if err != nil {
		t.logger.Warn("HTML send failed, falling back to plain text",
			"chat_id", t.chatID,
			"error", err,
		)
		msg.Text = PlainText(a)
		msg.ParseMode = ""
		_, err = t.bot.Send(msg)
	}
	if err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	return nil
}

// TelegramHTML renders an alert in Telegram's HTML subset.
func TelegramHTML(a Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b>", escapeHTML(Headline(a.Record)))
	fmt.Fprintf(&b, "\nSource: %s <code>%s</code>", escapeHTML(string(a.Record.SourceType)), escapeHTML(a.Record.SourceID))
	for _, l := range DetailLines(a.Record.Details) {
		b.WriteString("\n• " + escapeHTML(l))
	}
	return b.String()
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}
