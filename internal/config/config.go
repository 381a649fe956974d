package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/h1v3-io/triage/pkg/protocol"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultMaxTurns         = 6
	DefaultTerminationToken = "APPROVED"
	DefaultWorkers          = 1
	DefaultItemTimeout      = 300 // seconds
	DefaultOutputDir        = "outputs"
	DefaultStorePath        = "triage.db"
	DefaultAPIHost          = "0.0.0.0"
	DefaultAPIPort          = 8080
	DefaultLogBuffer        = 2000
)

// Config is the top-level triage configuration.
type Config struct {
	Pipeline       PipelineConfig             `json:"pipeline" yaml:"pipeline"`
	Providers      map[string]ProviderConfig  `json:"providers" yaml:"providers"`
	Stages         map[string]StageConfig     `json:"stages,omitempty" yaml:"stages,omitempty"`
	Sources        SourcesConfig              `json:"sources" yaml:"sources"`
	Output         OutputConfig               `json:"output" yaml:"output"`
	Store          StoreConfig                `json:"store" yaml:"store"`
	Classification ClassificationConfig       `json:"classification" yaml:"classification"`
	Notify         NotifyConfig               `json:"notify" yaml:"notify"`
	Webhooks       map[string]WebhookEndpoint `json:"webhooks,omitempty" yaml:"webhooks,omitempty"`
	Schedule       string                     `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Log            LogConfig                  `json:"log" yaml:"log"`
	API            APIConfig                  `json:"api" yaml:"api"`
}

// PipelineConfig bounds each item's deliberation and the batch.
type PipelineConfig struct {
	MaxTurns           int    `json:"max_turns" yaml:"max_turns"`
	TerminationToken   string `json:"termination_token" yaml:"termination_token"`
	Workers            int    `json:"workers" yaml:"workers"`
	ItemTimeoutSeconds int    `json:"item_timeout_seconds" yaml:"item_timeout_seconds"`
}

// ProviderConfig holds LLM provider settings.
type ProviderConfig struct {
	Type    string `json:"type,omitempty" yaml:"type,omitempty"` // "openai" (default) or "anthropic"
	APIKey  string `json:"api_key" yaml:"api_key"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Model   string `json:"model" yaml:"model"`
}

// StageConfig overrides one stage's backend or instructions. Keys of
// Config.Stages are role names (classifier, bug_analyst, ...).
type StageConfig struct {
	Provider         string   `json:"provider,omitempty" yaml:"provider,omitempty"`
	Model            string   `json:"model,omitempty" yaml:"model,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens        int      `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Instructions     string   `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	InstructionsFile string   `json:"instructions_file,omitempty" yaml:"instructions_file,omitempty"`
}

// SourcesConfig locates the CSV inputs. An empty path disables the source.
type SourcesConfig struct {
	Reviews string `json:"reviews" yaml:"reviews"`
	Emails  string `json:"emails" yaml:"emails"`
}

// OutputConfig holds report settings.
type OutputConfig struct {
	Dir string `json:"dir" yaml:"dir"`
}

// StoreConfig holds persistence settings.
type StoreConfig struct {
	Path            string `json:"path" yaml:"path"`
	TranscriptsPath string `json:"transcripts_path,omitempty" yaml:"transcripts_path,omitempty"`
}

// ClassificationConfig is shown to every stage as guidance.
type ClassificationConfig struct {
	Thresholds        map[string]float64 `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`
	DefaultPriorities map[string]string  `json:"default_priorities,omitempty" yaml:"default_priorities,omitempty"`
}

// NotifyConfig holds alert settings.
type NotifyConfig struct {
	MinPriority string          `json:"min_priority,omitempty" yaml:"min_priority,omitempty"`
	Slack       *SlackConfig    `json:"slack,omitempty" yaml:"slack,omitempty"`
	Telegram    *TelegramConfig `json:"telegram,omitempty" yaml:"telegram,omitempty"`
}

// SlackConfig holds Slack incoming-webhook settings.
type SlackConfig struct {
	WebhookURL string `json:"webhook_url" yaml:"webhook_url"`
	Channel    string `json:"channel,omitempty" yaml:"channel,omitempty"`
}

// TelegramConfig holds Telegram bot settings.
type TelegramConfig struct {
	Token       string `json:"token" yaml:"token"`
	ChatID      string `json:"chat_id" yaml:"chat_id"`
	APIEndpoint string `json:"api_endpoint,omitempty" yaml:"api_endpoint,omitempty"`
}

// WebhookEndpoint authenticates one inbound feedback webhook.
type WebhookEndpoint struct {
	Secret      string `json:"secret,omitempty" yaml:"secret,omitempty"`
	BearerToken string `json:"bearer_token,omitempty" yaml:"bearer_token,omitempty"`
	SourceType  string `json:"source_type,omitempty" yaml:"source_type,omitempty"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level      string `json:"level,omitempty" yaml:"level,omitempty"`
	BufferSize int    `json:"buffer_size,omitempty" yaml:"buffer_size,omitempty"`
}

// APIConfig holds REST API server settings.
type APIConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
	Key  string `json:"api_key" yaml:"api_key"`
}

// Load reads configuration from a YAML (.yaml, .yml) or JSON file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg, err := Parse(data, isYAML(path))
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := resolveInstructionFiles(cfg, filepath.Dir(path)); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes raw configuration without defaults or validation.
func Parse(data []byte, asYAML bool) (*Config, error) {
	var cfg Config
	if asYAML {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
		return &cfg, nil
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// resolveInstructionFiles loads stage instructions kept in separate files.
// Relative paths are resolved against configDir.
func resolveInstructionFiles(cfg *Config, configDir string) error {
	for role, sc := range cfg.Stages {
		if sc.InstructionsFile == "" || sc.Instructions != "" {
			continue
		}
		path := sc.InstructionsFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(configDir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("config: read instructions for stage %s: %w", role, err)
		}
		sc.Instructions = strings.TrimSpace(string(data))
		cfg.Stages[role] = sc
	}
	return nil
}

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	if c.Pipeline.MaxTurns == 0 {
		c.Pipeline.MaxTurns = DefaultMaxTurns
	}
	if c.Pipeline.TerminationToken == "" {
		c.Pipeline.TerminationToken = DefaultTerminationToken
	}
	if c.Pipeline.Workers == 0 {
		c.Pipeline.Workers = DefaultWorkers
	}
	if c.Pipeline.ItemTimeoutSeconds == 0 {
		c.Pipeline.ItemTimeoutSeconds = DefaultItemTimeout
	}
	if c.Output.Dir == "" {
		c.Output.Dir = DefaultOutputDir
	}
	if c.Store.Path == "" {
		c.Store.Path = DefaultStorePath
	}
	if c.Notify.MinPriority == "" {
		c.Notify.MinPriority = string(protocol.PriorityHigh)
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.BufferSize == 0 {
		c.Log.BufferSize = DefaultLogBuffer
	}
	if c.API.Host == "" {
		c.API.Host = DefaultAPIHost
	}
	if c.API.Port == 0 {
		c.API.Port = DefaultAPIPort
	}
}

// LoadFromEnv builds a config from environment variables with TRIAGE_ prefix.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		Pipeline: PipelineConfig{
			MaxTurns:           getenvInt("TRIAGE_MAX_TURNS", DefaultMaxTurns),
			TerminationToken:   getenv("TRIAGE_TERMINATION_TOKEN", DefaultTerminationToken),
			Workers:            getenvInt("TRIAGE_WORKERS", DefaultWorkers),
			ItemTimeoutSeconds: getenvInt("TRIAGE_ITEM_TIMEOUT", DefaultItemTimeout),
		},
		Providers: make(map[string]ProviderConfig),
		Sources: SourcesConfig{
			Reviews: os.Getenv("TRIAGE_REVIEWS_CSV"),
			Emails:  os.Getenv("TRIAGE_EMAILS_CSV"),
		},
		Output: OutputConfig{Dir: getenv("TRIAGE_OUTPUT_DIR", DefaultOutputDir)},
		Store: StoreConfig{
			Path:            getenv("TRIAGE_DB_PATH", DefaultStorePath),
			TranscriptsPath: os.Getenv("TRIAGE_TRANSCRIPTS_PATH"),
		},
		Notify:   NotifyConfig{MinPriority: os.Getenv("TRIAGE_NOTIFY_MIN_PRIORITY")},
		Schedule: os.Getenv("TRIAGE_SCHEDULE"),
		Log:      LogConfig{Level: os.Getenv("TRIAGE_LOG_LEVEL")},
		API: APIConfig{
			Host: getenv("TRIAGE_API_HOST", DefaultAPIHost),
			Port: getenvInt("TRIAGE_API_PORT", DefaultAPIPort),
			Key:  os.Getenv("TRIAGE_API_KEY"),
		},
	}

	// Default provider from env
	if apiKey := os.Getenv("TRIAGE_ANTHROPIC_API_KEY"); apiKey != "" {
		cfg.Providers["default"] = ProviderConfig{
			Type:   "anthropic",
			APIKey: apiKey,
			Model:  getenv("TRIAGE_MODEL", "claude-sonnet-4-20250514"),
		}
	} else if apiKey := os.Getenv("TRIAGE_OPENAI_API_KEY"); apiKey != "" {
		cfg.Providers["default"] = ProviderConfig{
			Type:    "openai",
			APIKey:  apiKey,
			BaseURL: os.Getenv("TRIAGE_OPENAI_BASE_URL"),
			Model:   getenv("TRIAGE_MODEL", "gpt-4o-mini"),
		}
	}

	if url := os.Getenv("TRIAGE_SLACK_WEBHOOK_URL"); url != "" {
		cfg.Notify.Slack = &SlackConfig{WebhookURL: url, Channel: os.Getenv("TRIAGE_SLACK_CHANNEL")}
	}
	if token := os.Getenv("TRIAGE_TELEGRAM_TOKEN"); token != "" {
		cfg.Notify.Telegram = &TelegramConfig{Token: token, ChatID: os.Getenv("TRIAGE_TELEGRAM_CHAT_ID")}
	}

	if v := os.Getenv("TRIAGE_THRESHOLDS"); v != "" {
		th, err := parseFloatMap(v)
		if err != nil {
			return nil, fmt.Errorf("config: TRIAGE_THRESHOLDS: %w", err)
		}
		cfg.Classification.Thresholds = th
	}
	if v := os.Getenv("TRIAGE_DEFAULT_PRIORITIES"); v != "" {
		dp, err := parseStringMap(v)
		if err != nil {
			return nil, fmt.Errorf("config: TRIAGE_DEFAULT_PRIORITIES: %w", err)
		}
		cfg.Classification.DefaultPriorities = dp
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

// Validate checks for required fields and value ranges.
func (c *Config) Validate() error {
	var errs []string

	if c.Pipeline.MaxTurns < 1 {
		errs = append(errs, "pipeline.max_turns must be at least 1")
	}
	if strings.TrimSpace(c.Pipeline.TerminationToken) == "" {
		errs = append(errs, "pipeline.termination_token must not be blank")
	}
	if c.Pipeline.Workers < 1 {
		errs = append(errs, "pipeline.workers must be at least 1")
	}
	if c.Pipeline.ItemTimeoutSeconds < 0 {
		errs = append(errs, "pipeline.item_timeout_seconds must not be negative")
	}

	if _, ok := c.Providers["default"]; !ok {
		errs = append(errs, "providers.default is required")
	}
	for name, p := range c.Providers {
		if p.APIKey == "" {
			errs = append(errs, fmt.Sprintf("providers.%s.api_key is required", name))
		}
		if p.Model == "" {
			errs = append(errs, fmt.Sprintf("providers.%s.model is required", name))
		}
		switch p.Type {
		case "", "openai", "anthropic":
		default:
			errs = append(errs, fmt.Sprintf("providers.%s.type %q is not supported", name, p.Type))
		}
	}

	for role, s := range c.Stages {
		if !protocol.Role(role).Valid() {
			errs = append(errs, fmt.Sprintf("stages.%s is not a known stage", role))
		}
		if s.Provider != "" {
			if _, ok := c.Providers[s.Provider]; !ok {
				errs = append(errs, fmt.Sprintf("stages.%s.provider references unknown provider %q", role, s.Provider))
			}
		}
		if s.Temperature != nil && (*s.Temperature < 0 || *s.Temperature > 2) {
			errs = append(errs, fmt.Sprintf("stages.%s.temperature must be between 0 and 2", role))
		}
	}

	for cat, v := range c.Classification.Thresholds {
		if _, ok := protocol.ParseCategory(cat); !ok {
			errs = append(errs, fmt.Sprintf("classification.thresholds: unknown category %q", cat))
		}
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Sprintf("classification.thresholds.%s must be between 0 and 1", cat))
		}
	}
	for cat, p := range c.Classification.DefaultPriorities {
		if _, ok := protocol.ParseCategory(cat); !ok {
			errs = append(errs, fmt.Sprintf("classification.default_priorities: unknown category %q", cat))
		}
		if _, ok := protocol.ParsePriority(p); !ok {
			errs = append(errs, fmt.Sprintf("classification.default_priorities.%s: unknown priority %q", cat, p))
		}
	}

	if c.Notify.MinPriority != "" {
		if _, ok := protocol.ParsePriority(c.Notify.MinPriority); !ok {
			errs = append(errs, fmt.Sprintf("notify.min_priority: unknown priority %q", c.Notify.MinPriority))
		}
	}
	if c.Notify.Slack != nil && c.Notify.Slack.WebhookURL == "" {
		errs = append(errs, "notify.slack.webhook_url is required")
	}
	if t := c.Notify.Telegram; t != nil {
		if t.Token == "" {
			errs = append(errs, "notify.telegram.token is required")
		}
		if _, err := strconv.ParseInt(t.ChatID, 10, 64); err != nil {
			errs = append(errs, "notify.telegram.chat_id must be a numeric chat id")
		}
	}

	for name, w := range c.Webhooks {
		if w.SourceType != "" {
			if _, ok := protocol.ParseSourceType(w.SourceType); !ok {
				errs = append(errs, fmt.Sprintf("webhooks.%s.source_type %q is not Review or Email", name, w.SourceType))
			}
		}
	}

	if c.Schedule != "" {
		if _, err := cron.ParseStandard(c.Schedule); err != nil {
			errs = append(errs, fmt.Sprintf("schedule %q is invalid: %v", c.Schedule, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Marshal encodes the config in the format implied by path's extension.
func (c *Config) Marshal(path string) ([]byte, error) {
	if isYAML(path) {
		return yaml.Marshal(c)
	}
	return json.MarshalIndent(c, "", "  ")
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// parseStringMap parses "Bug=High, Spam=Low".
func parseStringMap(s string) (map[string]string, error) {
	result := make(map[string]string)
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid pair %q", p)
		}
		result[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return result, nil
}

// parseFloatMap parses "Bug=0.8, Spam=0.95".
func parseFloatMap(s string) (map[string]float64, error) {
	raw, err := parseStringMap(s)
	if err != nil {
		return nil, err
	}
	result := make(map[string]float64, len(raw))
	for k, v := range raw {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", v)
		}
		result[k] = f
	}
	return result, nil
}
