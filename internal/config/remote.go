package config

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// RemoteOptions holds parameters for fetching config from a central
// configuration service.
type RemoteOptions struct {
	URL     string // e.g. https://config.example.com/api/triage/config
	APIKey  string
	DataDir string // local data directory, default /data
}

// LoadFromURL fetches the configuration, rebases relative paths onto the
// local data directory and materializes stage instructions as editable
// files. An instructions file that already exists locally wins over the
// fetched text.
func LoadFromURL(opts RemoteOptions) (*Config, error) {
	if opts.DataDir == "" {
		opts.DataDir = "/data"
	}

	// 1. Fetch config
	req, err := http.NewRequest("GET", opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("remote: create request: %w", err)
	}
	if opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+opts.APIKey)
	}
	req.Header.Set("Accept", "application/json, application/yaml")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote: fetch config: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("remote: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("remote: HTTP %d: %s", resp.StatusCode, string(body))
	}

	// 2. Parse by content type
	ct := resp.Header.Get("Content-Type")
	asYAML := strings.Contains(ct, "yaml") || strings.HasSuffix(opts.URL, ".yaml") || strings.HasSuffix(opts.URL, ".yml")
	cfg, err := Parse(body, asYAML)
	if err != nil {
		return nil, fmt.Errorf("remote: parse config: %w", err)
	}

	// 3. Rebase local paths
	for _, p := range []*string{&cfg.Sources.Reviews, &cfg.Sources.Emails, &cfg.Output.Dir, &cfg.Store.Path, &cfg.Store.TranscriptsPath} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(opts.DataDir, *p)
		}
	}
	cfg.ApplyDefaults()
	if !filepath.IsAbs(cfg.Output.Dir) {
		cfg.Output.Dir = filepath.Join(opts.DataDir, cfg.Output.Dir)
	}
	if !filepath.IsAbs(cfg.Store.Path) {
		cfg.Store.Path = filepath.Join(opts.DataDir, cfg.Store.Path)
	}

	// 4. Materialize stage instructions
	if err := syncInstructionFiles(cfg, filepath.Join(opts.DataDir, "stages")); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("remote: %w", err)
	}
	return cfg, nil
}

func syncInstructionFiles(cfg *Config, dir string) error {
	for role, sc := range cfg.Stages {
		path := filepath.Join(dir, role+".md")
		if data, err := os.ReadFile(path); err == nil {
			sc.Instructions = strings.TrimSpace(string(data))
			sc.InstructionsFile = path
			cfg.Stages[role] = sc
			continue
		}
		if sc.Instructions == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("remote: create stage dir %q: %w", dir, err)
		}
		if err := os.WriteFile(path, []byte(sc.Instructions+"\n"), 0o644); err != nil {
			return fmt.Errorf("remote: write %s: %w", path, err)
		}
		sc.InstructionsFile = path
		cfg.Stages[role] = sc
	}
	return nil
}
