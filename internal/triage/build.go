package triage

import (
	"fmt"
	"log/slog"

	"github.com/h1v3-io/triage/internal/config"
	"github.com/h1v3-io/triage/internal/notify"
	"github.com/h1v3-io/triage/internal/provider"
	"github.com/h1v3-io/triage/internal/stage"
	"github.com/h1v3-io/triage/pkg/protocol"
)

// BuildStages creates one provider-backed stage per role from cfg. Every
// stage sees the classification settings as a "Configuration" context block.
func BuildStages(cfg *config.Config, logger *slog.Logger) (stage.Set, error) {
	if logger == nil {
		logger = slog.Default()
	}

	providers := make(map[string]provider.Provider, len(cfg.Providers))
	for name, pcfg := range cfg.Providers {
		p, err := provider.New(pcfg.Type, pcfg.APIKey, pcfg.BaseURL, pcfg.Model)
		if err != nil {
			return stage.Set{}, fmt.Errorf("triage: provider %s: %w", name, err)
		}
		providers[name] = p
		logger.Info("provider initialized", "name", name, "type", p.Name(), "model", pcfg.Model)
	}

	token := cfg.Pipeline.TerminationToken
	if token == "" {
		token = stage.DefaultApprovalToken
	}
	configuration := stage.ConfigurationContext(cfg.Classification.Thresholds, cfg.Classification.DefaultPriorities)

	procs := make([]stage.Processor, 0, len(protocol.Roles()))
	for _, role := range protocol.Roles() {
		sc := cfg.Stages[string(role)]
		provName := sc.Provider
		if provName == "" {
			provName = "default"
		}
		prov, ok := providers[provName]
		if !ok {
			return stage.Set{}, fmt.Errorf("triage: stage %s: unknown provider %q", role, provName)
		}

		s := stage.NewLLM(role, prov)
		s.Instructions = sc.Instructions
		if s.Instructions == "" {
			s.Instructions = stage.DefaultInstructions(role, token)
		}
		s.Model = sc.Model
		s.MaxTokens = sc.MaxTokens
		if sc.Temperature != nil {
			s.Temperature = *sc.Temperature
		}
		if configuration != "" {
			s.Context = map[string]string{"Configuration": configuration}
		}
		s.Logger = logger.With("component", "stage")
		procs = append(procs, s)
	}
	return stage.NewSet(procs...)
}

// BuildDispatcher creates the alert dispatcher for cfg.Notify. A notifier
// that fails to initialize is logged and left out; alerts are best-effort.
func BuildDispatcher(cfg *config.Config, logger *slog.Logger) *notify.Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	min, ok := protocol.ParsePriority(cfg.Notify.MinPriority)
	if !ok {
		min = notify.DefaultMinPriority
	}

	var notifiers []notify.Notifier
	if sc := cfg.Notify.Slack; sc != nil && sc.WebhookURL != "" {
		s, err := notify.NewSlack(notify.SlackConfig{WebhookURL: sc.WebhookURL, Channel: sc.Channel})
		if err != nil {
			logger.Error("failed to init slack notifier", "error", err)
		} else {
			notifiers = append(notifiers, s)
		}
	}
	if tc := cfg.Notify.Telegram; tc != nil && tc.Token != "" {
		t, err := notify.NewTelegram(notify.TelegramConfig{
			Token:       tc.Token,
			ChatID:      tc.ChatID,
			APIEndpoint: tc.APIEndpoint,
		}, logger.With("notifier", "telegram"))
		if err != nil {
			logger.Error("failed to init telegram notifier", "error", err)
		} else {
			notifiers = append(notifiers, t)
		}
	}
	return notify.NewDispatcher(min, logger.With("component", "notify"), notifiers...)
}
