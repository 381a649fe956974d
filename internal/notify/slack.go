package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/slack-go/slack"
)

// SlackConfig holds Slack incoming-webhook settings.
type SlackConfig struct {
	WebhookURL string
	Channel    string // optional override of the webhook's default channel
}

// Slack posts alerts through an incoming webhook.
type Slack struct {
	config SlackConfig
}

// NewSlack creates a Slack notifier.
func NewSlack(cfg SlackConfig) (*Slack, error) {
	if cfg.WebhookURL == "" {
		return nil, fmt.Errorf("slack: webhook_url is required")
	}
	return &Slack{config: cfg}, nil
}

func (s *Slack) Name() string { return "slack" }

// Notify posts one alert.
func (s *Slack) Notify(ctx context.Context, a Alert) error {
	msg := &slack.WebhookMessage{
		Channel: s.config.Channel,
		Text:    Mrkdwn(a),
	}
	if err := slack.PostWebhookContext(ctx, s.config.WebhookURL, msg); err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	return nil
}

// Mrkdwn renders an alert in Slack's mrkdwn format.
func Mrkdwn(a Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s*", escapeMrkdwn(Headline(a.Record)))
	fmt.Fprintf(&b, "\nSource: %s `%s`", a.Record.SourceType, escapeMrkdwn(a.Record.SourceID))
	for _, l := range DetailLines(a.Record.Details) {
		b.WriteString("\n• " + escapeMrkdwn(l))
	}
	return b.String()
}

// escapeMrkdwn escapes the three characters Slack treats as control sequences.
func escapeMrkdwn(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}
